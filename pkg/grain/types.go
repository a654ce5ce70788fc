// Package grain implements a per-entity event-sourcing engine on top of a
// wide-column key-value store: an ordered event log grouped into named
// streams, a projection folded from those events, at-least-once reactor
// dispatch, and declarative retention.
package grain

import "time"

// ReactorStatus is the lifecycle state of one reactor's work on one event.
type ReactorStatus string

const (
	ReactorPending            ReactorStatus = "pending"
	ReactorInProgress         ReactorStatus = "in_progress"
	ReactorCompleteSuccessful ReactorStatus = "complete_successful"
	ReactorCompleteFailed     ReactorStatus = "complete_failed"
)

// ReactorState is one reactor's progress against one event row.
type ReactorState struct {
	ReactorID  string        `json:"reactor_id"`
	Attempts   int           `json:"attempts"`
	Status     ReactorStatus `json:"status"`
	LastUpdate time.Time     `json:"last_update"`
}

// Terminal reports whether Status will never change again.
func (s ReactorState) Terminal() bool {
	return s.Status == ReactorCompleteSuccessful || s.Status == ReactorCompleteFailed
}

// Event is a persisted event row, scoped to one stream within one partition.
//
// Data, Sequence and ID are immutable once first written; ReactorStatus is
// the only attribute that save operations mutate in place.
type Event struct {
	ID            string
	Type          string
	Data          []byte
	Sequence      int64
	Timestamp     time.Time
	ReactorStatus []ReactorState
	VersionToken  string

	// Value is the decoded event payload. Populated by the processor for
	// handlers and by the ReactorDispatcher for reactors; not part of the
	// persisted row.
	Value any
}

// ProjectionMeta is the projection row's metadata alongside its opaque data.
type ProjectionMeta struct {
	Data         []byte
	NextSequence int64
	EventCount   int64
	Timestamp    time.Time
	VersionToken string
}

// ValueCodec is the "bytes ↔ value" contract the core requires. Callers
// supply one per event/projection type; the core never chooses a wire
// format for them.
type ValueCodec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// EngineConfig is the per-engine configuration surface (§6): nothing here
// is read from the environment by the core itself.
type EngineConfig struct {
	// MaxBatchSize bounds actions per backend transaction. The 100-action
	// figure in spec.md is one backend's limit, not a core constant — callers
	// targeting that backend should set it explicitly.
	MaxBatchSize int
	// RetentionSweepConcurrency bounds how many streams the retention
	// planner sweeps concurrently.
	RetentionSweepConcurrency int
	// MaxApplyRetries bounds the handle's reload-and-reapply loop on
	// concurrency conflicts (§4.6 step 4).
	MaxApplyRetries int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.RetentionSweepConcurrency <= 0 {
		c.RetentionSweepConcurrency = 4
	}
	if c.MaxApplyRetries <= 0 {
		c.MaxApplyRetries = 3
	}
	return c
}
