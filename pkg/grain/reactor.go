package grain

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReactorFunc is the side effect a reactor performs against a batch of
// matching events, in sequence order, with at-least-once delivery (§4.5).
// Implementations must be idempotent.
type ReactorFunc func(ctx context.Context, batch []Event, projectionData []byte) error

// ReactorSpec is one registered reactor.
type ReactorSpec struct {
	ID          string
	Matches     EventMatcher
	React       ReactorFunc
	MaxAttempts int
}

func (r ReactorSpec) withDefaults() ReactorSpec {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	return r
}

// InitialReactorState returns the pending(attempts=0) state assigned the
// first time a reactor matches an event.
func InitialReactorState(reactorID string, now time.Time) ReactorState {
	return ReactorState{ReactorID: reactorID, Attempts: 0, Status: ReactorPending, LastUpdate: now}
}

// AdvanceReactorState applies one react() outcome to a state, per §4.5's
// transition table.
func AdvanceReactorState(state ReactorState, reactErr error, maxAttempts int, now time.Time) ReactorState {
	if reactErr == nil {
		state.Status = ReactorCompleteSuccessful
		state.LastUpdate = now
		return state
	}
	state.Attempts++
	state.LastUpdate = now
	if state.Attempts >= maxAttempts {
		state.Status = ReactorCompleteFailed
	} else {
		state.Status = ReactorPending
	}
	return state
}

// pendingBatch groups an event's reactor state with the row/stream it
// belongs to, so dispatch results can be written back to the right row.
type pendingBatch struct {
	stream string
	events []Event
	// index of the matching ReactorState within each event's ReactorStatus
	stateIdx []int
}

// ReactorDispatcher finds pending reactor work and invokes reactors,
// coalescing consecutive matching events into one batch per reactor (§4.5).
//
// It needs evCodec because LoadEvents only ever decodes a row's raw Data —
// Event.Value (what Matches/React actually see) is populated from Type and
// Data here, not carried in the row (§4.6's doc on Event.Value). Without
// this, a dispatcher re-running after a crash (S5) would match nothing.
type ReactorDispatcher struct {
	store   RowStore
	evCodec EventCodec
}

func NewReactorDispatcher(store RowStore, evCodec EventCodec) *ReactorDispatcher {
	return &ReactorDispatcher{store: store, evCodec: evCodec}
}

// DispatchPending loads every event across the named streams, groups
// pending work by reactor, invokes React, and returns the StreamWrite
// entries needed to persist the resulting state transitions. It never
// calls Save itself — callers submit the result as a best-effort,
// update-only SaveOperation (§4.3 step 5).
func (d *ReactorDispatcher) DispatchPending(ctx context.Context, partition string, streams map[string][]ReactorSpec, projectionData []byte) ([]StreamWrite, error) {
	var writes []StreamWrite
	for streamName, reactors := range streams {
		w, err := d.dispatchStream(ctx, partition, streamName, reactors, projectionData)
		if err != nil {
			return nil, err
		}
		if len(w.Entries) > 0 {
			writes = append(writes, w)
		}
	}
	return writes, nil
}

func (d *ReactorDispatcher) dispatchStream(ctx context.Context, partition, streamName string, reactors []ReactorSpec, projectionData []byte) (StreamWrite, error) {
	it, err := LoadEvents(ctx, d.store, partition, &streamName, nil)
	if err != nil {
		return StreamWrite{}, err
	}
	defer it.Close()

	var events []Event
	for {
		ev, err := it.Next()
		if err != nil {
			return StreamWrite{}, err
		}
		if ev == nil {
			break
		}
		value, decodeErr := d.evCodec.Decode(ev.Type, ev.Data)
		if decodeErr != nil {
			logger.Printf("reactor dispatch: skipping event %q, undecodable: %v", ev.ID, decodeErr)
			continue
		}
		ev.Value = value
		events = append(events, *ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]ReactorState, len(events))
	for i := range results {
		results[i] = append([]ReactorState(nil), events[i].ReactorStatus...)
	}
	touched := make(map[int]bool)
	var mu sync.Mutex

	for _, spec := range reactors {
		spec := spec.withDefaults()
		batch, idxs := coalesceMatching(events, spec)
		if len(batch) == 0 {
			continue
		}
		for _, i := range idxs {
			touched[i] = true
		}
		g.Go(func() error {
			now := nowFunc()
			reactErr := spec.React(gctx, batch, projectionData)
			mu.Lock()
			defer mu.Unlock()
			for _, i := range idxs {
				results[i] = applyReactorResult(results[i], spec.ID, reactErr, spec.MaxAttempts, now)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StreamWrite{}, err
	}

	// Only events with an actual state transition are written back; rows no
	// reactor touched this round keep their version untouched.
	var entries []StreamEntry
	for i, ev := range events {
		if !touched[i] {
			continue
		}
		ev.ReactorStatus = results[i]
		entries = append(entries, StreamEntry{Event: ev, IsNew: false})
	}
	return StreamWrite{StreamName: streamName, Entries: entries}, nil
}

// coalesceMatching returns, in sequence order, every event matching spec
// whose current reactor state for spec.ID is pending (or absent), plus
// their indices into the original slice.
func coalesceMatching(events []Event, spec ReactorSpec) ([]Event, []int) {
	var batch []Event
	var idxs []int
	for i, ev := range events {
		if !spec.Matches(ev.Value) {
			continue
		}
		state, found := findReactorState(ev.ReactorStatus, spec.ID)
		if found && state.Terminal() {
			continue
		}
		batch = append(batch, ev)
		idxs = append(idxs, i)
	}
	return batch, idxs
}

func findReactorState(states []ReactorState, reactorID string) (ReactorState, bool) {
	for _, s := range states {
		if s.ReactorID == reactorID {
			return s, true
		}
	}
	return ReactorState{}, false
}

func applyReactorResult(states []ReactorState, reactorID string, reactErr error, maxAttempts int, now time.Time) []ReactorState {
	for i, s := range states {
		if s.ReactorID == reactorID {
			states[i] = AdvanceReactorState(s, reactErr, maxAttempts, now)
			return states
		}
	}
	return append(states, AdvanceReactorState(InitialReactorState(reactorID, now), reactErr, maxAttempts, now))
}
