package grain

import (
	"fmt"
	"time"
)

// EventMatcher tests whether a decoded event value belongs to a stream or
// is bound to a specific handler/reactor (§4.7). Go has no runtime type
// hierarchy to query, so matching is a plain predicate over the decoded
// value — typically a type switch or type assertion written by the caller.
type EventMatcher func(value any) bool

// TypeMatcher builds an EventMatcher that matches values of exactly type T.
func TypeMatcher[T any]() EventMatcher {
	return func(value any) bool {
		_, ok := value.(T)
		return ok
	}
}

// HandlerBinding is one fold step within a stream: Matches nil means "every
// event this stream matches" (bound to the stream's base type); non-nil
// narrows it to a specific concrete event type.
type HandlerBinding[P any] struct {
	Matches EventMatcher
	Handle  func(event any, projection P, hctx *HandlerContext) (P, error)
}

// StreamDef declares one stream: its base type, handlers, reactors, and
// retention policy (§4.7).
//
// BaseTypes names the event_type tags (§9's "tagged sum type" redesign:
// matches becomes a membership check in a tag set) this stream's BaseMatch
// predicate is built from. It exists alongside BaseMatch — which runs at
// fold time against the decoded Go value — purely so NewRegistry can prove
// at config time whether two streams' tag sets intersect, something it has
// no way to ask an opaque EventMatcher closure. Leave it empty only for a
// stream with no sibling streams sharing any event type.
type StreamDef[P any] struct {
	Name      string
	BaseMatch EventMatcher
	BaseTypes []string
	Handlers  []HandlerBinding[P]
	Reactors  []ReactorSpec
	Retention *RetentionPolicy
}

// Registry is a per-entity-type, immutable set of streams, built once and
// shared across every activation of that entity type (§4.7, §9).
type Registry[P any] struct {
	streams []StreamDef[P]
}

// NewRegistry validates and builds an immutable registry. It rejects
// duplicate stream names, duplicate reactor ids, invalid retention
// policies, and overlapping streams whose retention dimensions disagree on
// until_processed (§4.7, §7 config_invalid).
func NewRegistry[P any](streams ...StreamDef[P]) (*Registry[P], error) {
	seenStreams := make(map[string]bool, len(streams))
	seenReactors := make(map[string]bool)

	for _, s := range streams {
		if seenStreams[s.Name] {
			return nil, &ConfigError{
				GrainStoreError: GrainStoreError{Op: "NewRegistry", Err: fmt.Errorf("duplicate stream name %q", s.Name)},
				Stream:          s.Name,
			}
		}
		seenStreams[s.Name] = true

		if s.Retention != nil {
			if err := s.Retention.Validate(s.Name); err != nil {
				return nil, err
			}
		}

		for _, r := range s.Reactors {
			if seenReactors[r.ID] {
				return nil, &ConfigError{
					GrainStoreError: GrainStoreError{Op: "NewRegistry", Err: fmt.Errorf("duplicate reactor id %q", r.ID)},
					Stream:          s.Name,
				}
			}
			seenReactors[r.ID] = true
		}
	}

	if err := checkOverlappingRetention(streams); err != nil {
		return nil, err
	}

	return &Registry[P]{streams: streams}, nil
}

// checkOverlappingRetention rejects two streams whose declared event-type
// tag sets intersect (i.e. some concrete event type matches both) when
// their retention policies disagree on until_processed or on time bounds —
// applying one stream's delete would silently violate the other's "never
// delete until reactors finish" or "keep for this long" guarantee on the
// same event (§4.7). Streams with no BaseTypes declared are assumed
// disjoint from everything else; the check is opt-in precision, not a
// runtime safety net.
func checkOverlappingRetention[P any](streams []StreamDef[P]) error {
	for i := range streams {
		for j := i + 1; j < len(streams); j++ {
			a, b := streams[i], streams[j]
			shared, overlaps := sharedType(a.BaseTypes, b.BaseTypes)
			if !overlaps {
				continue
			}
			aUntil := a.Retention != nil && a.Retention.UntilProcessed
			bUntil := b.Retention != nil && b.Retention.UntilProcessed
			if aUntil != bUntil {
				return &ConfigError{
					GrainStoreError: GrainStoreError{
						Op: "NewRegistry",
						Err: fmt.Errorf("streams %q and %q both match event type %q but disagree on until_processed retention",
							a.Name, b.Name, shared),
					},
					Stream: a.Name,
				}
			}
			if !sameMaxAge(a.Retention, b.Retention) {
				return &ConfigError{
					GrainStoreError: GrainStoreError{
						Op: "NewRegistry",
						Err: fmt.Errorf("streams %q and %q both match event type %q but disagree on max_age retention",
							a.Name, b.Name, shared),
					},
					Stream: a.Name,
				}
			}
		}
	}
	return nil
}

// sameMaxAge reports whether two policies agree on the max_age time bound:
// both unset, or both set to the same duration.
func sameMaxAge(a, b *RetentionPolicy) bool {
	var aAge, bAge *time.Duration
	if a != nil {
		aAge = a.MaxAge
	}
	if b != nil {
		bAge = b.MaxAge
	}
	if (aAge == nil) != (bAge == nil) {
		return false
	}
	return aAge == nil || *aAge == *bAge
}

// sharedType returns the first event-type tag present in both sets, if any.
func sharedType(a, b []string) (string, bool) {
	if len(a) == 0 || len(b) == 0 {
		return "", false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if set[t] {
			return t, true
		}
	}
	return "", false
}

// MatchingStreams returns every stream whose base type matches value, in
// registration order.
func (r *Registry[P]) MatchingStreams(value any) []*StreamDef[P] {
	var out []*StreamDef[P]
	for i := range r.streams {
		if r.streams[i].BaseMatch(value) {
			out = append(out, &r.streams[i])
		}
	}
	return out
}

// Streams returns every declared stream, for retention sweeps and reactor
// dispatch that need to scan the whole registry.
func (r *Registry[P]) Streams() []StreamDef[P] {
	return r.streams
}
