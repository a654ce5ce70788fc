package grain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// KeyExtractor pulls the distinctness key out of an event for the
// distinct_by_key retention dimension (e.g. the event's own ID).
type KeyExtractor func(Event) string

// RetentionPolicy declares a stream's independent, composable retention
// dimensions (§4.4). All dimensions are nullable/off by default.
type RetentionPolicy struct {
	KeepCount      *int
	MaxAge         *time.Duration
	DistinctByKey  KeyExtractor
	UntilProcessed bool
}

// Validate rejects the forbidden combination at configuration build time:
// until_processed may not be combined with any other dimension.
func (p RetentionPolicy) Validate(streamName string) error {
	if !p.UntilProcessed {
		return nil
	}
	if p.KeepCount != nil || p.MaxAge != nil || p.DistinctByKey != nil {
		return &ConfigError{
			GrainStoreError: GrainStoreError{
				Op:  "RetentionPolicy.Validate",
				Err: fmt.Errorf("until_processed cannot combine with keep_count, max_age, or distinct_by_key"),
			},
			Stream: streamName,
		}
	}
	return nil
}

// RetentionPlanner computes delete sets from policies and sweeps them
// best-effort (§4.4): any delete failure simply leaves the row in place to
// be re-identified on the next save.
type RetentionPlanner struct {
	store  RowStore
	config EngineConfig
}

func NewRetentionPlanner(store RowStore, config EngineConfig) *RetentionPlanner {
	return &RetentionPlanner{store: store, config: config.withDefaults()}
}

// Plan scans partition/stream and returns the union of row keys selected
// for deletion by policy's dimensions. Rows chosen by multiple dimensions
// are merged, not duplicated.
func (p *RetentionPlanner) Plan(ctx context.Context, partition, stream string, policy RetentionPolicy) ([]string, error) {
	rowIter, err := p.store.Query(ctx, partition, RowQuery{Range: streamPrefixRange(&stream)})
	if err != nil {
		return nil, classifyBackendError("RetentionPlanner.Plan", err)
	}
	defer rowIter.Close()

	type retained struct {
		event  Event
		rowKey string
	}
	var events []retained
	for {
		row, err := rowIter.Next()
		if err != nil {
			return nil, classifyBackendError("RetentionPlanner.Plan", err)
		}
		if row == nil {
			break
		}
		ev, ok := decodeEvent(*row)
		if !ok {
			continue
		}
		events = append(events, retained{event: ev, rowKey: row.RowKey})
	}

	toDelete := make(map[string]bool)

	if policy.KeepCount != nil && len(events) > *policy.KeepCount {
		for _, r := range events[:len(events)-*policy.KeepCount] {
			toDelete[r.rowKey] = true
		}
	}

	if policy.MaxAge != nil {
		cutoff := nowFunc().Add(-*policy.MaxAge)
		for _, r := range events {
			if r.event.Timestamp.Before(cutoff) {
				toDelete[r.rowKey] = true
			}
		}
	}

	if policy.DistinctByKey != nil {
		latest := make(map[string]retained)
		for _, r := range events {
			key := policy.DistinctByKey(r.event)
			if cur, ok := latest[key]; !ok || r.event.Sequence > cur.event.Sequence {
				latest[key] = r
			}
		}
		keep := make(map[string]bool, len(latest))
		for _, r := range latest {
			keep[r.rowKey] = true
		}
		for _, r := range events {
			if !keep[r.rowKey] {
				toDelete[r.rowKey] = true
			}
		}
	}

	if policy.UntilProcessed {
		for _, r := range events {
			if allReactorsSucceeded(r.event.ReactorStatus) {
				toDelete[r.rowKey] = true
			}
		}
	}

	out := make([]string, 0, len(toDelete))
	for k := range toDelete {
		out = append(out, k)
	}
	return out, nil
}

func allReactorsSucceeded(states []ReactorState) bool {
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if s.Status != ReactorCompleteSuccessful {
			return false
		}
	}
	return true
}

// SweepStream plans and deletes in one stream, best-effort: failures are
// logged and left for the next save to retry. It returns how many rows were
// actually deleted so callers can reconcile event_count.
func (p *RetentionPlanner) SweepStream(ctx context.Context, partition, stream string, policy RetentionPolicy) int {
	rowKeys, err := p.Plan(ctx, partition, stream, policy)
	if err != nil {
		logger.Printf("retention: plan failed for stream %q: %v", stream, err)
		return 0
	}
	deleted := 0
	for _, batch := range chunkStrings(rowKeys, p.config.MaxBatchSize) {
		actions := make([]Action, len(batch))
		for i, rk := range batch {
			actions[i] = Action{Kind: ActionDelete, RowKey: rk}
		}
		if err := p.store.SubmitTransaction(ctx, partition, actions); err != nil {
			logger.Printf("retention: delete batch failed for stream %q, will retry next save: %v", stream, err)
			continue
		}
		deleted += len(batch)
	}
	return deleted
}

// Sweep runs SweepStream across many streams concurrently, bounded by
// RetentionSweepConcurrency.
func (p *RetentionPlanner) Sweep(ctx context.Context, partition string, policies map[string]RetentionPolicy) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.RetentionSweepConcurrency)
	for stream, policy := range policies {
		stream, policy := stream, policy
		g.Go(func() error {
			p.SweepStream(ctx, partition, stream, policy)
			return nil
		})
	}
	_ = g.Wait()
}

func chunkStrings(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var out [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
