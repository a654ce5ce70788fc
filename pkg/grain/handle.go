package grain

import (
	"context"
	"sync"
	"time"
)

const (
	activateMaxRetries = 3
	activateBaseDelay  = 50 * time.Millisecond
)

// Grain is one activated entity: its registry, store, codecs and current
// in-memory projection, serialized so only one Submit runs at a time
// (§4.8). Activation and submission never touch the network concurrently
// for the same grain.
type Grain[P any] struct {
	mu sync.Mutex

	id       string
	store    RowStore
	registry *Registry[P]
	proc     *Processor[P]
	saver    *SaveCoordinator
	dispatch *ReactorDispatcher
	config   EngineConfig

	meta    ProjectionMeta
	current P
}

// Activate loads id's projection (or defaultValue if none exists yet) and
// returns a handle ready to accept Submit calls (§4.8 "activate").
// Transient backend failures are retried with bounded backoff; fatal ones
// fail activation immediately and no handle is issued.
func Activate[P any](ctx context.Context, store RowStore, id string, registry *Registry[P], projCodec ValueCodec[P], evCodec EventCodec, defaultValue P, config EngineConfig) (*Grain[P], error) {
	config = config.withDefaults()
	proc := NewProcessor[P](registry, store, projCodec, evCodec)

	var meta ProjectionMeta
	var current P
	var err error
	delay := activateBaseDelay
	for attempt := 0; ; attempt++ {
		meta, current, err = proc.Load(ctx, id, defaultValue)
		if err == nil {
			break
		}
		if !IsTransientBackendError(err) || attempt >= activateMaxRetries {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return &Grain[P]{
		id:       id,
		store:    store,
		registry: registry,
		proc:     proc,
		saver:    NewSaveCoordinator(store, config),
		dispatch: NewReactorDispatcher(store, evCodec),
		config:   config,
		meta:     meta,
		current:  current,
	}, nil
}

// Submit folds events onto the grain's current projection, saves the
// result, and then dispatches any reactor work the fold scheduled (§4.8
// "handle.submit"). Only one Submit runs at a time per handle; callers
// wanting concurrent entities should activate one handle per id.
func (g *Grain[P]) Submit(ctx context.Context, events []any) (P, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var op SaveOperation
	var next P
	var newMeta ProjectionMeta
	var err error

	for attempt := 0; ; attempt++ {
		op, next, err = g.proc.Apply(ctx, g.id, g.meta, g.current, events)
		if err != nil {
			return g.current, err
		}

		newMeta, err = g.saver.Save(ctx, op)
		if err == nil {
			break
		}
		if !IsConcurrencyConflictError(err) || attempt >= g.config.MaxApplyRetries {
			return g.current, err
		}

		meta, current, reloadErr := g.proc.Load(ctx, g.id, g.current)
		if reloadErr != nil {
			return g.current, reloadErr
		}
		g.meta, g.current = meta, current
	}

	g.meta = newMeta
	g.current = next

	g.runReactors(ctx, op)
	return g.current, nil
}

// runReactors dispatches pending reactor work and submits the resulting
// state transitions as a second, best-effort save. Failures here never
// fail the Submit call that triggered them — only the primary save's
// success is guaranteed (§4.3).
func (g *Grain[P]) runReactors(ctx context.Context, op SaveOperation) {
	streams := make(map[string][]ReactorSpec)
	for _, def := range g.registry.Streams() {
		if len(def.Reactors) > 0 {
			streams[def.Name] = def.Reactors
		}
	}
	if len(streams) == 0 {
		return
	}

	writes, err := g.dispatch.DispatchPending(ctx, g.id, streams, op.ProjectionData)
	if err != nil {
		logger.Printf("grain %s: reactor dispatch failed: %v", g.id, err)
		return
	}
	if len(writes) == 0 {
		return
	}
	// Carry each stream's retention policy so the status save sweeps
	// until_processed rows as soon as their reactors finish.
	for i := range writes {
		if def := g.registry.findStream(writes[i].StreamName); def != nil {
			writes[i].RetentionPolicy = def.Retention
		}
	}

	update := SaveOperation{
		GrainID:        g.id,
		Projection:     g.meta,
		ProjectionData: op.ProjectionData,
		Writes:         writes,
	}
	newMeta, err := g.saver.Save(ctx, update)
	if err != nil {
		logger.Printf("grain %s: reactor-status save failed, will retry next submit: %v", g.id, err)
		return
	}
	g.meta = newMeta
}

// Projection returns the handle's current in-memory projection without
// touching the store.
func (g *Grain[P]) Projection() P {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// GrainID returns the activated entity's id.
func (g *Grain[P]) GrainID() string {
	return g.id
}
