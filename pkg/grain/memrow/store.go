// Package memrow implements grain.RowStore in memory, for unit tests and
// local prototyping. It needs no SQL: rows live in a per-partition map
// guarded by a mutex, and Query sorts the matching rows and returns them
// through a slice iterator.
package memrow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rodolfodpk/grainstore/pkg/grain"
)

// Store is an in-memory grain.RowStore. The zero value is not usable; use
// New.
type Store struct {
	mu         sync.Mutex
	partitions map[string]map[string]grain.Row
	versions   map[string]int64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		partitions: make(map[string]map[string]grain.Row),
		versions:   make(map[string]int64),
	}
}

func (s *Store) Get(ctx context.Context, partition, rowKey string) (*grain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.partitions[partition]
	if !ok {
		return nil, &grain.BackendError{Kind: grain.BackendErrNotFound, Op: "memrow.Get"}
	}
	row, ok := rows[rowKey]
	if !ok {
		return nil, &grain.BackendError{Kind: grain.BackendErrNotFound, Op: "memrow.Get"}
	}
	clone := row
	return &clone, nil
}

func (s *Store) Query(ctx context.Context, partition string, q grain.RowQuery) (grain.RowIterator, error) {
	s.mu.Lock()
	rows := s.partitions[partition]
	matched := make([]grain.Row, 0, len(rows))
	for key, row := range rows {
		if key < q.Range.Start {
			continue
		}
		if q.Range.End != "" && key >= q.Range.End {
			continue
		}
		if q.MinTimestamp != nil && row.Timestamp.Before(*q.MinTimestamp) {
			continue
		}
		matched = append(matched, row)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if q.Descending {
			return matched[i].RowKey > matched[j].RowKey
		}
		return matched[i].RowKey < matched[j].RowKey
	})

	return &sliceIterator{rows: matched}, nil
}

type sliceIterator struct {
	rows []grain.Row
	pos  int
}

func (it *sliceIterator) Next() (*grain.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return &row, nil
}

func (it *sliceIterator) Close() error { return nil }

// SubmitTransaction applies every action atomically: all-or-nothing against
// the single in-memory partition map, mirroring the backend contract's
// atomic-batch guarantee (§6).
func (s *Store) SubmitTransaction(ctx context.Context, partition string, actions []grain.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.partitions[partition]
	if !ok {
		rows = make(map[string]grain.Row)
	}

	// Validate every action before mutating anything, so a failure midway
	// never leaves a partial transaction applied.
	for _, a := range actions {
		existing, exists := rows[a.RowKey]
		switch a.Kind {
		case grain.ActionInsertIfAbsent:
			if exists {
				return &grain.BackendError{
					Kind:   grain.BackendErrConflict,
					Op:     "memrow.SubmitTransaction",
					RowKey: a.RowKey,
					Err:    fmt.Errorf("row %q already exists", a.RowKey),
				}
			}
		case grain.ActionReplaceCAS:
			if !exists {
				return &grain.BackendError{
					Kind:   grain.BackendErrPreconditionFailed,
					Op:     "memrow.SubmitTransaction",
					RowKey: a.RowKey,
					Err:    fmt.Errorf("row %q does not exist", a.RowKey),
				}
			}
			if existing.VersionToken != a.VersionToken {
				return &grain.BackendError{
					Kind:   grain.BackendErrPreconditionFailed,
					Op:     "memrow.SubmitTransaction",
					RowKey: a.RowKey,
					Err:    fmt.Errorf("row %q version mismatch", a.RowKey),
				}
			}
		case grain.ActionDelete:
			if a.VersionToken != "" && exists && existing.VersionToken != a.VersionToken {
				return &grain.BackendError{
					Kind:   grain.BackendErrPreconditionFailed,
					Op:     "memrow.SubmitTransaction",
					RowKey: a.RowKey,
					Err:    fmt.Errorf("row %q version mismatch", a.RowKey),
				}
			}
		}
	}

	for _, a := range actions {
		switch a.Kind {
		case grain.ActionDelete:
			delete(rows, a.RowKey)
		default:
			rows[a.RowKey] = grain.Row{
				PartitionKey: partition,
				RowKey:       a.RowKey,
				Attrs:        a.Attrs,
				VersionToken: s.nextVersion(partition, a.RowKey),
				Timestamp:    time.Now(),
			}
		}
	}

	s.partitions[partition] = rows
	return nil
}

func (s *Store) nextVersion(partition, rowKey string) string {
	key := partition + "\x00" + rowKey
	s.versions[key]++
	return strconv.FormatInt(s.versions[key], 10)
}
