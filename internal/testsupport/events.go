// Package testsupport holds fixtures shared by pkg/grain's unit tests and
// the backend conformance suite: a small typed event set, JSON codecs for
// events and a balance projection, and a recording
// reactor double — grounded on the teacher's internal/dcb_test split test
// package (fixtures kept separate from the package under test) and its
// course-subscription example's event-type declarations.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rodolfodpk/grainstore/pkg/grain"
)

// Event types used across the test suite. Each implements grain.TypedEvent
// so EventCodec can dispatch on event_type without a hand-maintained table.
type (
	Deposited struct {
		Amount int `json:"amount"`
	}

	Withdrawn struct {
		Amount int `json:"amount"`
	}

	Noted struct {
		Text string `json:"text"`
	}
)

func (Deposited) EventType() string { return "Deposited" }
func (Withdrawn) EventType() string { return "Withdrawn" }
func (Noted) EventType() string     { return "Noted" }

// JSONEventCodec is a grain.EventCodec over the fixture event set, grounded
// on the teacher's json.Marshal/Unmarshal event payload style throughout
// pkg/dcb's example tests.
type JSONEventCodec struct{}

func (JSONEventCodec) Encode(value any) (string, []byte, error) {
	te, ok := value.(grain.TypedEvent)
	if !ok {
		return "", nil, fmt.Errorf("testsupport: %T does not implement TypedEvent", value)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	return te.EventType(), data, nil
}

func (JSONEventCodec) Decode(eventType string, data []byte) (any, error) {
	switch eventType {
	case "Deposited":
		var e Deposited
		return e, json.Unmarshal(data, &e)
	case "Withdrawn":
		var e Withdrawn
		return e, json.Unmarshal(data, &e)
	case "Noted":
		var e Noted
		return e, json.Unmarshal(data, &e)
	default:
		return nil, fmt.Errorf("testsupport: unknown event type %q", eventType)
	}
}

// Balance is a minimal integer projection folded from Deposited/Withdrawn.
type Balance struct {
	Amount int `json:"amount"`
}

// BalanceCodec is a grain.ValueCodec[Balance].
type BalanceCodec struct{}

func (BalanceCodec) Encode(v Balance) ([]byte, error) { return json.Marshal(v) }
func (BalanceCodec) Decode(data []byte) (Balance, error) {
	if len(data) == 0 {
		return Balance{}, nil
	}
	var v Balance
	return v, json.Unmarshal(data, &v)
}

// FoldBalance is the handler fold function for Deposited/Withdrawn,
// exported so both unit tests and the conformance suite can build identical
// registries without duplicating the fold logic.
func FoldBalance(event any, projection Balance, _ *grain.HandlerContext) (Balance, error) {
	switch e := event.(type) {
	case Deposited:
		projection.Amount += e.Amount
	case Withdrawn:
		projection.Amount -= e.Amount
	}
	return projection, nil
}

// RecordingReactor is a grain.ReactorFunc double that records every batch it
// is invoked with, for assertions on at-least-once delivery (§8 invariant
// 4). Optionally fails its first N invocations to exercise retry/backoff.
type RecordingReactor struct {
	mu          sync.Mutex
	batches     [][]grain.Event
	failFirst   int
	invocations int
}

// NewRecordingReactor returns a reactor double that fails its first
// failFirst invocations (to exercise §4.5 retry) before always succeeding.
func NewRecordingReactor(failFirst int) *RecordingReactor {
	return &RecordingReactor{failFirst: failFirst}
}

func (r *RecordingReactor) React(_ context.Context, batch []grain.Event, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations++
	cp := append([]grain.Event(nil), batch...)
	r.batches = append(r.batches, cp)
	if r.invocations <= r.failFirst {
		return fmt.Errorf("testsupport: simulated failure %d", r.invocations)
	}
	return nil
}

// Func adapts React to the grain.ReactorFunc type.
func (r *RecordingReactor) Func() grain.ReactorFunc {
	return r.React
}

// Batches returns every batch React has been invoked with so far, in
// invocation order.
func (r *RecordingReactor) Batches() [][]grain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]grain.Event, len(r.batches))
	copy(out, r.batches)
	return out
}

// Invocations returns how many times React has been called.
func (r *RecordingReactor) Invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocations
}

// SeenEventIDs flattens every batch's event ids, in delivery order.
func (r *RecordingReactor) SeenEventIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, batch := range r.batches {
		for _, e := range batch {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// now is a package-level clock variable; no fixture in this package reads
// it.
var now = time.Now
