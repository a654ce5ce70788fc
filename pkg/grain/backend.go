package grain

import (
	"context"
	"time"
)

// Row is one persisted row in a partition: either the projection row or an
// event row, addressed by RowKey within PartitionKey.
type Row struct {
	PartitionKey string
	RowKey       string
	Attrs        map[string]any
	VersionToken string
	Timestamp    time.Time
}

// ActionKind selects the backend operation a transaction action performs.
type ActionKind int

const (
	ActionInsertIfAbsent ActionKind = iota
	ActionUpsert
	ActionReplaceCAS
	ActionDelete
)

// Action is one operation within a SubmitTransaction batch.
type Action struct {
	Kind ActionKind
	// RowKey is relative to the transaction's partition.
	RowKey string
	Attrs  map[string]any
	// VersionToken is required for ActionReplaceCAS and, when non-empty, for
	// ActionDelete (CAS-guarded delete); ignored for the other kinds.
	VersionToken string
}

// RowKeyRange is a half-open row-key range: [Start, End).
type RowKeyRange struct {
	Start string
	End   string
}

// RowQuery scopes a Query call to a range and, optionally, a minimum
// timestamp and scan direction — the only server-side predicates the
// backend contract promises (§4.2).
type RowQuery struct {
	Range        RowKeyRange
	MinTimestamp *time.Time
	Descending   bool
}

// RowIterator streams query results lazily; Next returns (nil, nil) when
// exhausted.
type RowIterator interface {
	Next() (*Row, error)
	Close() error
}

// BackendErrorKind classifies a backend failure so the save coordinator can
// map it onto the error taxonomy (§7) without knowing the concrete backend.
type BackendErrorKind int

const (
	BackendErrUnknown BackendErrorKind = iota
	BackendErrNotFound
	BackendErrPreconditionFailed
	BackendErrConflict
	BackendErrTransient
	BackendErrFatal
)

// BackendError is what a RowStore implementation wraps its failures in.
// RowKey names the row the failing action targeted, when known: the save
// coordinator uses it to tell a projection-row collision (a concurrency
// conflict) from an event-row collision (a duplicate event).
type BackendError struct {
	Kind   BackendErrorKind
	Op     string
	RowKey string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op
}

func (e *BackendError) Unwrap() error { return e.Err }

// RowStore is the wide-column key-value store the core depends on (§6).
// Its transactional unit is a single partition: SubmitTransaction is atomic
// up to EngineConfig.MaxBatchSize actions, all against the same partition.
type RowStore interface {
	Get(ctx context.Context, partition, rowKey string) (*Row, error)
	Query(ctx context.Context, partition string, q RowQuery) (RowIterator, error)
	SubmitTransaction(ctx context.Context, partition string, actions []Action) error
}
