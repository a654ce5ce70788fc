package grain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type regEventA struct{}
type regEventB struct{}

func trueMatch(any) bool { return true }

func TestNewRegistryRejectsDuplicateStreamNames(t *testing.T) {
	_, err := NewRegistry[int](
		StreamDef[int]{Name: "ledger", BaseMatch: trueMatch},
		StreamDef[int]{Name: "ledger", BaseMatch: trueMatch},
	)
	require.Error(t, err)
	require.True(t, IsConfigError(err))
}

func TestNewRegistryRejectsDuplicateReactorIDs(t *testing.T) {
	spec := ReactorSpec{ID: "notify", Matches: trueMatch}
	_, err := NewRegistry[int](
		StreamDef[int]{Name: "a", BaseMatch: trueMatch, Reactors: []ReactorSpec{spec}},
		StreamDef[int]{Name: "b", BaseMatch: trueMatch, Reactors: []ReactorSpec{spec}},
	)
	require.Error(t, err)
	require.True(t, IsConfigError(err))
}

func TestNewRegistryRejectsUntilProcessedCombination(t *testing.T) {
	keep := 3
	_, err := NewRegistry[int](StreamDef[int]{
		Name:      "a",
		BaseMatch: trueMatch,
		Retention: &RetentionPolicy{UntilProcessed: true, KeepCount: &keep},
	})
	require.Error(t, err)
	require.True(t, IsConfigError(err))

	age := time.Hour
	_, err = NewRegistry[int](StreamDef[int]{
		Name:      "a",
		BaseMatch: trueMatch,
		Retention: &RetentionPolicy{UntilProcessed: true, MaxAge: &age},
	})
	require.Error(t, err)
	require.True(t, IsConfigError(err))
}

func TestNewRegistryRejectsOverlappingRetentionDisagreement(t *testing.T) {
	keep := 1
	_, err := NewRegistry[int](
		StreamDef[int]{
			Name:      "outbox",
			BaseMatch: TypeMatcher[regEventA](),
			BaseTypes: []string{"A"},
			Retention: &RetentionPolicy{UntilProcessed: true},
		},
		StreamDef[int]{
			Name:      "audit",
			BaseMatch: trueMatch,
			BaseTypes: []string{"A", "B"},
			Retention: &RetentionPolicy{KeepCount: &keep},
		},
	)
	require.Error(t, err)
	require.True(t, IsConfigError(err))

	// Disjoint tag sets with the same policies are fine.
	_, err = NewRegistry[int](
		StreamDef[int]{
			Name:      "outbox",
			BaseMatch: TypeMatcher[regEventA](),
			BaseTypes: []string{"A"},
			Retention: &RetentionPolicy{UntilProcessed: true},
		},
		StreamDef[int]{
			Name:      "audit",
			BaseMatch: TypeMatcher[regEventB](),
			BaseTypes: []string{"B"},
			Retention: &RetentionPolicy{KeepCount: &keep},
		},
	)
	require.NoError(t, err)
}

func TestNewRegistryRejectsOverlappingMaxAgeDisagreement(t *testing.T) {
	hour := time.Hour
	day := 24 * time.Hour
	_, err := NewRegistry[int](
		StreamDef[int]{
			Name:      "recent",
			BaseMatch: TypeMatcher[regEventA](),
			BaseTypes: []string{"A"},
			Retention: &RetentionPolicy{MaxAge: &hour},
		},
		StreamDef[int]{
			Name:      "archive",
			BaseMatch: trueMatch,
			BaseTypes: []string{"A", "B"},
			Retention: &RetentionPolicy{MaxAge: &day},
		},
	)
	require.Error(t, err)
	require.True(t, IsConfigError(err))

	// One bounded, one unbounded is a disagreement too.
	_, err = NewRegistry[int](
		StreamDef[int]{
			Name:      "recent",
			BaseMatch: TypeMatcher[regEventA](),
			BaseTypes: []string{"A"},
			Retention: &RetentionPolicy{MaxAge: &hour},
		},
		StreamDef[int]{
			Name:      "archive",
			BaseMatch: trueMatch,
			BaseTypes: []string{"A", "B"},
		},
	)
	require.Error(t, err)
	require.True(t, IsConfigError(err))

	// Matching time bounds are fine.
	_, err = NewRegistry[int](
		StreamDef[int]{
			Name:      "recent",
			BaseMatch: TypeMatcher[regEventA](),
			BaseTypes: []string{"A"},
			Retention: &RetentionPolicy{MaxAge: &hour},
		},
		StreamDef[int]{
			Name:      "archive",
			BaseMatch: trueMatch,
			BaseTypes: []string{"A", "B"},
			Retention: &RetentionPolicy{MaxAge: &hour},
		},
	)
	require.NoError(t, err)
}

func TestMatchingStreamsPreservesRegistrationOrder(t *testing.T) {
	reg, err := NewRegistry[int](
		StreamDef[int]{Name: "first", BaseMatch: TypeMatcher[regEventA]()},
		StreamDef[int]{Name: "second", BaseMatch: TypeMatcher[regEventA]()},
		StreamDef[int]{Name: "never", BaseMatch: TypeMatcher[regEventB]()},
	)
	require.NoError(t, err)

	matched := reg.MatchingStreams(regEventA{})
	require.Len(t, matched, 2)
	require.Equal(t, "first", matched[0].Name)
	require.Equal(t, "second", matched[1].Name)

	require.Empty(t, reg.MatchingStreams("unmatched string"))
}

func TestTypeMatcher(t *testing.T) {
	m := TypeMatcher[regEventA]()
	require.True(t, m(regEventA{}))
	require.False(t, m(regEventB{}))
	require.False(t, m(nil))
}
