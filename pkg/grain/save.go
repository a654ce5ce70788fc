package grain

import (
	"context"
)

// StreamEntry is one event row a save touches: either a brand-new event
// (IsNew, no VersionToken yet — inserted at the Sequence it already carries;
// the coordinator does not assign sequences) or a reactor-status update to
// an already-persisted row (VersionToken and Sequence already known;
// replaced via CAS).
type StreamEntry struct {
	Event Event
	IsNew bool
}

// StreamWrite is the set of entries one save touches within one stream,
// plus the retention policy to sweep for that stream afterward.
type StreamWrite struct {
	StreamName      string
	Entries         []StreamEntry
	RetentionPolicy *RetentionPolicy
}

// SaveOperation is the coordinator's unit of work (§4.3): an updated
// projection plus a vector of per-stream writes.
type SaveOperation struct {
	GrainID    string
	Projection ProjectionMeta
	// ProjectionData is the newly-encoded projection payload that Save
	// writes; Projection.Data is ignored. Save writes Projection's
	// NextSequence and EventCount as given.
	ProjectionData []byte
	Writes         []StreamWrite
}

// SaveCoordinator assembles atomic batches and maps backend errors onto the
// taxonomy (§4.3).
type SaveCoordinator struct {
	store   RowStore
	config  EngineConfig
	planner *RetentionPlanner
}

func NewSaveCoordinator(store RowStore, config EngineConfig) *SaveCoordinator {
	config = config.withDefaults()
	return &SaveCoordinator{
		store:   store,
		config:  config,
		planner: NewRetentionPlanner(store, config),
	}
}

// Save runs the algorithm in §4.3: a primary batch (new events + projection
// upsert, plus as many reactor-update batches as fit), best-effort
// remaining reactor-update batches, and a best-effort retention sweep. The
// returned ProjectionMeta carries the VersionToken the backend assigned on
// this write, which callers must use as the CAS witness for their next
// Save — reusing op.Projection.VersionToken would always conflict.
func (c *SaveCoordinator) Save(ctx context.Context, op SaveOperation) (ProjectionMeta, error) {
	var newEventActions []Action
	var reactorUpdateActions []Action

	for _, w := range op.Writes {
		for _, entry := range w.Entries {
			row := encodeEvent(w.StreamName, entry.Event)
			if entry.IsNew {
				newEventActions = append(newEventActions, Action{
					Kind:   ActionInsertIfAbsent,
					RowKey: row.RowKey,
					Attrs:  row.Attrs,
				})
			} else {
				reactorUpdateActions = append(reactorUpdateActions, Action{
					Kind:         ActionReplaceCAS,
					RowKey:       row.RowKey,
					Attrs:        row.Attrs,
					VersionToken: entry.Event.VersionToken,
				})
			}
		}
	}

	projRow := encodeProjection(op.ProjectionData, op.Projection)
	projAction := Action{
		RowKey: projRow.RowKey,
		Attrs:  projRow.Attrs,
	}
	if op.Projection.VersionToken == "" {
		projAction.Kind = ActionInsertIfAbsent
	} else {
		projAction.Kind = ActionReplaceCAS
		projAction.VersionToken = op.Projection.VersionToken
	}

	primary := append([]Action{projAction}, newEventActions...)

	// Opportunistically pack reactor-update batches into the primary batch.
	reactorBatches := chunkActions(reactorUpdateActions, c.config.MaxBatchSize)
	packed := 0
	for _, batch := range reactorBatches {
		if len(primary)+len(batch) > c.config.MaxBatchSize {
			break
		}
		primary = append(primary, batch...)
		packed++
	}
	reactorBatches = reactorBatches[packed:]

	if len(primary) > c.config.MaxBatchSize {
		return ProjectionMeta{}, &TooLargeError{
			GrainStoreError: GrainStoreError{Op: "Save"},
			Size:            len(primary),
			Limit:           c.config.MaxBatchSize,
		}
	}

	if err := c.store.SubmitTransaction(ctx, op.GrainID, primary); err != nil {
		return ProjectionMeta{}, classifyBackendError("Save", err)
	}

	newMeta := op.Projection
	if row, err := c.store.Get(ctx, op.GrainID, projectionRowKey); err != nil {
		logger.Printf("save: could not refresh projection version token: %v", err)
	} else if row != nil {
		newMeta.VersionToken = row.VersionToken
		newMeta.Timestamp = row.Timestamp
	}

	// From here on, everything is catch-up work: failures are swallowed.
	for _, batch := range reactorBatches {
		if err := c.store.SubmitTransaction(ctx, op.GrainID, batch); err != nil {
			logger.Printf("save: reactor-update batch failed, will retry next save: %v", err)
		}
	}

	deleted := 0
	for _, w := range op.Writes {
		if w.RetentionPolicy == nil {
			continue
		}
		deleted += c.planner.SweepStream(ctx, op.GrainID, w.StreamName, *w.RetentionPolicy)
	}
	if deleted > 0 {
		c.reconcileEventCount(ctx, op.GrainID, int64(deleted), &newMeta)
	}

	return newMeta, nil
}

// reconcileEventCount walks event_count back down after a retention sweep,
// best-effort: event_count may overstate until a sweep succeeds, never the
// other way around. Losing the CAS here just means a concurrent writer
// already owns the row; the next sweep converges it.
func (c *SaveCoordinator) reconcileEventCount(ctx context.Context, grainID string, deleted int64, newMeta *ProjectionMeta) {
	row, err := c.store.Get(ctx, grainID, projectionRowKey)
	if err != nil || row == nil {
		return
	}
	meta, ok := decodeProjection(*row)
	if !ok {
		return
	}
	meta.EventCount -= deleted
	if meta.EventCount < 0 {
		meta.EventCount = 0
	}
	updated := encodeProjection(meta.Data, meta)
	action := Action{Kind: ActionReplaceCAS, RowKey: projectionRowKey, Attrs: updated.Attrs, VersionToken: row.VersionToken}
	if err := c.store.SubmitTransaction(ctx, grainID, []Action{action}); err != nil {
		logger.Printf("save: event_count reconcile lost, will converge next sweep: %v", err)
		return
	}
	newMeta.EventCount = meta.EventCount
	if fresh, err := c.store.Get(ctx, grainID, projectionRowKey); err == nil && fresh != nil {
		newMeta.VersionToken = fresh.VersionToken
		newMeta.Timestamp = fresh.Timestamp
	}
}

func chunkActions(actions []Action, size int) [][]Action {
	if len(actions) == 0 {
		return nil
	}
	var out [][]Action
	for len(actions) > 0 {
		n := size
		if n > len(actions) {
			n = len(actions)
		}
		out = append(out, actions[:n])
		actions = actions[n:]
	}
	return out
}
