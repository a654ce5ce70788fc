package grain

import (
	"context"
	"time"
)

// LoadEventsOptions configures LoadEvents' filters (§4.2). MaxAge is passed
// to the backend query as a minimum timestamp; the rest apply client-side.
type LoadEventsOptions struct {
	FromSequence      *int64
	ToSequence        *int64
	MaxAge            *time.Duration
	EventID           *string
	DistinctByEventID bool
	MaxCount          int
}

// EventIterator is a finite, ordered, restartable-per-call sequence of
// events (§4.2). Next returns (nil, nil) once exhausted.
type EventIterator interface {
	Next() (*Event, error)
	Close() error
}

type eventMsg struct {
	event *Event
	err   error
}

type chanEventIterator struct {
	ch     chan eventMsg
	cancel context.CancelFunc
}

func (it *chanEventIterator) Next() (*Event, error) {
	msg, ok := <-it.ch
	if !ok {
		return nil, nil
	}
	return msg.event, msg.err
}

func (it *chanEventIterator) Close() error {
	it.cancel()
	for range it.ch {
		// drain so the producing goroutine's send doesn't block forever
	}
	return nil
}

// LoadEvents returns an ordered, ascending-by-sequence sequence of events
// from partition, optionally scoped to stream, per §4.2. With no stream,
// rows come in (stream name, sequence) order. A cancelled
// iteration (via ctx or Close) leaves no side effects — it never mutates
// backend state.
func LoadEvents(ctx context.Context, store RowStore, partition string, stream *string, opts *LoadEventsOptions) (EventIterator, error) {
	q := RowQuery{Range: streamPrefixRange(stream)}
	if opts != nil && opts.MaxAge != nil {
		cutoff := nowFunc().Add(-*opts.MaxAge)
		q.MinTimestamp = &cutoff
	}

	rowIter, err := store.Query(ctx, partition, q)
	if err != nil {
		return nil, classifyBackendError("LoadEvents", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan eventMsg)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("LoadEvents: recovered panic: %v", r)
			}
			rowIter.Close()
			close(ch)
		}()

		seen := make(map[string]bool)
		count := 0
		for {
			row, err := rowIter.Next()
			if err != nil {
				sendEvent(runCtx, ch, eventMsg{err: classifyBackendError("LoadEvents", err)})
				return
			}
			if row == nil {
				return
			}
			if row.RowKey == projectionRowKey {
				continue
			}
			ev, ok := decodeEvent(*row)
			if !ok {
				continue // missing required data: skip, per §4.1
			}
			if opts != nil {
				if opts.FromSequence != nil && ev.Sequence < *opts.FromSequence {
					continue
				}
				if opts.ToSequence != nil && ev.Sequence > *opts.ToSequence {
					continue
				}
				if opts.EventID != nil && ev.ID != *opts.EventID {
					continue
				}
				if opts.DistinctByEventID {
					if seen[ev.ID] {
						continue
					}
					seen[ev.ID] = true
				}
			}
			if !sendEvent(runCtx, ch, eventMsg{event: &ev}) {
				return
			}
			count++
			if opts != nil && opts.MaxCount > 0 && count >= opts.MaxCount {
				return
			}
		}
	}()

	return &chanEventIterator{ch: ch, cancel: cancel}, nil
}

// sendEvent sends msg unless the context is done first; it reports whether
// the send happened.
func sendEvent(ctx context.Context, ch chan<- eventMsg, msg eventMsg) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// LoadLatestEvent returns the most recent matching entry, or nil if none
// exists. Within one stream it scans in descending sequence order so it
// genuinely returns the latest event — spec.md §9 open question 2 flags the
// teacher's ascending-scan-with-limit-1 bug, which this resolves by scanning
// backwards rather than forwards. With no stream, row keys order by stream
// name first, so it scans every event row and keeps the highest sequence.
func LoadLatestEvent(ctx context.Context, store RowStore, partition string, stream *string, eventID *string) (*Event, error) {
	q := RowQuery{Range: streamPrefixRange(stream), Descending: true}
	rowIter, err := store.Query(ctx, partition, q)
	if err != nil {
		return nil, classifyBackendError("LoadLatestEvent", err)
	}
	defer rowIter.Close()

	var latest *Event
	for {
		row, err := rowIter.Next()
		if err != nil {
			return nil, classifyBackendError("LoadLatestEvent", err)
		}
		if row == nil {
			return latest, nil
		}
		if row.RowKey == projectionRowKey {
			continue
		}
		ev, ok := decodeEvent(*row)
		if !ok {
			continue
		}
		if eventID != nil && ev.ID != *eventID {
			continue
		}
		if stream != nil {
			return &ev, nil
		}
		if latest == nil || ev.Sequence > latest.Sequence {
			found := ev
			latest = &found
		}
	}
}

// LoadProjection performs a direct point lookup of the projection row.
// Not-found and malformed data both return (nil, nil) — the processor
// treats either as "use the type default" (§4.2).
func LoadProjection(ctx context.Context, store RowStore, partition string) (*ProjectionMeta, error) {
	row, err := store.Get(ctx, partition, projectionRowKey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classifyBackendError("LoadProjection", err)
	}
	if row == nil {
		return nil, nil
	}
	meta, ok := decodeProjection(*row)
	if !ok {
		logger.Printf("malformed projection row for partition %q, using default", partition)
		return nil, nil
	}
	return &meta, nil
}

func isNotFound(err error) bool {
	var be *BackendError
	return asBackendError(err, &be) && be.Kind == BackendErrNotFound
}
