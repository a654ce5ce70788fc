package grain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EventCodec is the "bytes ↔ value" contract for events, mirroring
// ValueCodec but over the union of an entity's event types rather than one
// projection type: Encode needs the event_type discriminator, Decode
// dispatches on it (§6 "event payload").
type EventCodec interface {
	Encode(value any) (eventType string, data []byte, err error)
	Decode(eventType string, data []byte) (any, error)
}

// TypedEvent is the EventType a value reports when it implements this
// interface; EventCodec implementations typically switch on it instead of
// hand-maintaining a type-to-string table.
type TypedEvent interface {
	EventType() string
}

// HandlerContext is what a handler receives alongside the event and
// current projection (§4.6).
type HandlerContext struct {
	ctx      context.Context
	grainID  string
	store    RowStore
	appended []any
}

// Append schedules event for in-fold processing: it will be offered to
// every matching stream's handlers immediately after the current event
// finishes, before any later top-level event (depth-first, append order).
func (h *HandlerContext) Append(event any) {
	h.appended = append(h.appended, event)
}

// GrainID exposes the identity of the entity being folded.
func (h *HandlerContext) GrainID() string { return h.grainID }

// GetEvents proxies to the query engine (§4.2), scoped to the current
// grain, so a handler can read currently-persisted history. It never sees
// events from the in-flight fold that haven't been saved yet.
func (h *HandlerContext) GetEvents(stream *string, opts *LoadEventsOptions) (EventIterator, error) {
	return LoadEvents(h.ctx, h.store, h.grainID, stream, opts)
}

// Processor folds events into a projection and produces a SaveOperation
// (§4.6).
type Processor[P any] struct {
	registry  *Registry[P]
	store     RowStore
	projCodec ValueCodec[P]
	evCodec   EventCodec
}

func NewProcessor[P any](registry *Registry[P], store RowStore, projCodec ValueCodec[P], evCodec EventCodec) *Processor[P] {
	return &Processor[P]{registry: registry, store: store, projCodec: projCodec, evCodec: evCodec}
}

// Load performs the activation-time restore: the persisted projection, or
// the type default if none exists or its data cannot be decoded (§4.6,
// invariant 4). An undecodable projection keeps its row metadata, so
// sequences and the CAS witness carry over.
func (p *Processor[P]) Load(ctx context.Context, grainID string, defaultValue P) (ProjectionMeta, P, error) {
	meta, err := LoadProjection(ctx, p.store, grainID)
	if err != nil {
		return ProjectionMeta{}, defaultValue, err
	}
	if meta == nil {
		return ProjectionMeta{NextSequence: 0, EventCount: 0}, defaultValue, nil
	}
	value, err := p.projCodec.Decode(meta.Data)
	if err != nil {
		logger.Printf("malformed projection for partition %q, using default: %v", grainID, err)
		return *meta, defaultValue, nil
	}
	return *meta, value, nil
}

// Apply folds events into current starting from meta, in order, handling
// handler-appended events depth-first, then produces the SaveOperation to
// persist the result (§4.6 steps 1-3).
func (p *Processor[P]) Apply(ctx context.Context, grainID string, meta ProjectionMeta, current P, events []any) (SaveOperation, P, error) {
	hctx := &HandlerContext{ctx: ctx, grainID: grainID, store: p.store}
	nextSeq := meta.NextSequence
	perStream := make(map[string][]StreamEntry)
	var streamOrder []string
	var eventCount int64

	var walk func(value any) error
	walk = func(value any) error {
		matching := p.registry.MatchingStreams(value)
		if len(matching) == 0 {
			return nil
		}

		eventType, data, err := p.evCodec.Encode(value)
		if err != nil {
			return &ValidationError{
				GrainStoreError: GrainStoreError{Op: "Processor.Apply", Err: err},
				Field:           "event",
			}
		}

		seq := nextSeq
		nextSeq++
		now := nowFunc()
		base := Event{
			ID:        uuid.NewString(),
			Type:      eventType,
			Data:      data,
			Sequence:  seq,
			Timestamp: now,
			Value:     value,
		}

		for _, stream := range matching {
			hctx.appended = nil
			for _, binding := range stream.Handlers {
				if binding.Matches != nil && !binding.Matches(value) {
					continue
				}
				next, err := binding.Handle(value, current, hctx)
				if err != nil {
					return err
				}
				current = next
			}

			var states []ReactorState
			for _, r := range stream.Reactors {
				if r.Matches(value) {
					states = append(states, InitialReactorState(r.ID, now))
				}
			}
			rowEvent := base
			rowEvent.ReactorStatus = states

			if _, ok := perStream[stream.Name]; !ok {
				streamOrder = append(streamOrder, stream.Name)
			}
			perStream[stream.Name] = append(perStream[stream.Name], StreamEntry{Event: rowEvent, IsNew: true})
			eventCount++

			pending := hctx.appended
			hctx.appended = nil
			for _, appendedEvent := range pending {
				if err := walk(appendedEvent); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, e := range events {
		if err := walk(e); err != nil {
			return SaveOperation{}, current, err
		}
	}

	writes := make([]StreamWrite, 0, len(streamOrder))
	for _, name := range streamOrder {
		var retention *RetentionPolicy
		if def := p.registry.findStream(name); def != nil {
			retention = def.Retention
		}
		writes = append(writes, StreamWrite{StreamName: name, Entries: perStream[name], RetentionPolicy: retention})
	}

	projData, err := p.projCodec.Encode(current)
	if err != nil {
		return SaveOperation{}, current, &ValidationError{
			GrainStoreError: GrainStoreError{Op: "Processor.Apply", Err: err},
			Field:           "projection",
		}
	}

	op := SaveOperation{
		GrainID: grainID,
		Projection: ProjectionMeta{
			NextSequence: nextSeq,
			EventCount:   meta.EventCount + eventCount,
			VersionToken: meta.VersionToken,
		},
		ProjectionData: projData,
		Writes:         writes,
	}
	return op, current, nil
}

func (r *Registry[P]) findStream(name string) *StreamDef[P] {
	for i := range r.streams {
		if r.streams[i].Name == name {
			return &r.streams[i]
		}
	}
	return nil
}

// DefaultEventType derives an event_type discriminator from value: it uses
// TypedEvent when implemented, falling back to the Go type name so callers
// aren't forced to implement the interface for quick prototypes.
func DefaultEventType(value any) string {
	if t, ok := value.(TypedEvent); ok {
		return t.EventType()
	}
	return fmt.Sprintf("%T", value)
}
