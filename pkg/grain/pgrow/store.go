// Package pgrow implements grain.RowStore on PostgreSQL, using a single
// generic wide-row table. It is grounded on the teacher's pgx usage
// (pkg/dcb/store_implementation.go's pool lifecycle, pkg/dcb/append_events.go's
// transaction-and-CAS pattern) adapted from the teacher's fixed event-log
// schema to grain's partition/row-key model.
package pgrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rodolfodpk/grainstore/pkg/grain"
)

const schema = `
CREATE TABLE IF NOT EXISTS grain_rows (
	partition_key text NOT NULL,
	row_key       text NOT NULL,
	attrs         jsonb NOT NULL,
	version       bigint NOT NULL DEFAULT 1,
	ts            timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (partition_key, row_key)
);
`

// Store is a PostgreSQL-backed grain.RowStore.
type Store struct {
	pool *pgxpool.Pool
}

// Connect builds a pool from cfg, retrying like the teacher's web-app
// bootstrap does while Postgres comes up in a container, and ensures the
// backing table exists.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("pgrow: parse config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = maxConnLifetime
	poolConfig.MaxConnIdleTime = maxConnIdleTime
	poolConfig.HealthCheckPeriod = healthCheckPeriod

	var pool *pgxpool.Pool
	const maxRetries = 30
	const retryDelay = 2 * time.Second
	for i := 0; i < maxRetries; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				break
			} else {
				err = pingErr
				pool.Close()
			}
		}
		if i == maxRetries-1 {
			return nil, fmt.Errorf("pgrow: connect after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(retryDelay)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// EnsureSchema creates the backing table if it does not exist, for callers
// managing their own pool via NewWithPool.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgrow: ensure schema: %w", err)
	}
	return nil
}

// NewWithPool wraps an already-configured pool, for callers managing their
// own pgxpool lifecycle (e.g. the conformance suite's shared container).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(ctx context.Context, partition, rowKey string) (*grain.Row, error) {
	var attrsJSON []byte
	var version int64
	var ts time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT attrs, version, ts FROM grain_rows WHERE partition_key = $1 AND row_key = $2`,
		partition, rowKey,
	).Scan(&attrsJSON, &version, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &grain.BackendError{Kind: grain.BackendErrNotFound, Op: "pgrow.Get"}
	}
	if err != nil {
		return nil, &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.Get", Err: err}
	}

	attrs, err := unmarshalAttrs(attrsJSON)
	if err != nil {
		return nil, &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.Get", Err: err}
	}
	return &grain.Row{
		PartitionKey: partition,
		RowKey:       rowKey,
		Attrs:        attrs,
		VersionToken: fmt.Sprintf("%d", version),
		Timestamp:    ts,
	}, nil
}

func (s *Store) Query(ctx context.Context, partition string, q grain.RowQuery) (grain.RowIterator, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}

	sql := fmt.Sprintf(`SELECT row_key, attrs, version, ts FROM grain_rows
		WHERE partition_key = $1 AND row_key >= $2 AND ($3 = '' OR row_key < $3)
		AND ($4::timestamptz IS NULL OR ts >= $4)
		ORDER BY row_key %s`, order)

	rows, err := s.pool.Query(ctx, sql, partition, q.Range.Start, q.Range.End, q.MinTimestamp)
	if err != nil {
		return nil, &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.Query", Err: err}
	}
	return &rowIterator{partition: partition, rows: rows}, nil
}

type rowIterator struct {
	partition string
	rows      pgx.Rows
}

func (it *rowIterator) Next() (*grain.Row, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.Query.Next", Err: err}
		}
		return nil, nil
	}

	var rowKey string
	var attrsJSON []byte
	var version int64
	var ts time.Time
	if err := it.rows.Scan(&rowKey, &attrsJSON, &version, &ts); err != nil {
		return nil, &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.Query.Next", Err: err}
	}
	attrs, err := unmarshalAttrs(attrsJSON)
	if err != nil {
		return nil, &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.Query.Next", Err: err}
	}
	return &grain.Row{
		PartitionKey: it.partition,
		RowKey:       rowKey,
		Attrs:        attrs,
		VersionToken: fmt.Sprintf("%d", version),
		Timestamp:    ts,
	}, nil
}

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

// SubmitTransaction runs every action inside one pgx transaction, mirroring
// the teacher's append_events.go begin/check/insert/commit shape: any
// action's precondition failure aborts the whole batch via rollback.
func (s *Store) SubmitTransaction(ctx context.Context, partition string, actions []grain.Action) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.SubmitTransaction", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	for _, a := range actions {
		if err := applyAction(ctx, tx, partition, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.SubmitTransaction", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func applyAction(ctx context.Context, tx pgx.Tx, partition string, a grain.Action) error {
	switch a.Kind {
	case grain.ActionInsertIfAbsent:
		attrsJSON, err := json.Marshal(a.Attrs)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.insert", Err: err}
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO grain_rows (partition_key, row_key, attrs, version, ts) VALUES ($1, $2, $3, 1, now())
			 ON CONFLICT (partition_key, row_key) DO NOTHING`,
			partition, a.RowKey, attrsJSON,
		)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.insert", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return &grain.BackendError{Kind: grain.BackendErrConflict, Op: "pgrow.insert", RowKey: a.RowKey, Err: fmt.Errorf("row %q already exists", a.RowKey)}
		}
		return nil

	case grain.ActionUpsert:
		attrsJSON, err := json.Marshal(a.Attrs)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.upsert", Err: err}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO grain_rows (partition_key, row_key, attrs, version, ts) VALUES ($1, $2, $3, 1, now())
			 ON CONFLICT (partition_key, row_key) DO UPDATE SET attrs = $3, version = grain_rows.version + 1, ts = now()`,
			partition, a.RowKey, attrsJSON,
		)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.upsert", Err: err}
		}
		return nil

	case grain.ActionReplaceCAS:
		attrsJSON, err := json.Marshal(a.Attrs)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.replace", Err: err}
		}
		wantVersion, err := strconv.ParseInt(a.VersionToken, 10, 64)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.replace", Err: fmt.Errorf("malformed version token %q: %w", a.VersionToken, err)}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE grain_rows SET attrs = $3, version = version + 1, ts = now()
			 WHERE partition_key = $1 AND row_key = $2 AND version = $4`,
			partition, a.RowKey, attrsJSON, wantVersion,
		)
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.replace", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return &grain.BackendError{Kind: grain.BackendErrPreconditionFailed, Op: "pgrow.replace", RowKey: a.RowKey, Err: fmt.Errorf("row %q version mismatch or missing", a.RowKey)}
		}
		return nil

	case grain.ActionDelete:
		var tag pgconn.CommandTag
		var err error
		if a.VersionToken != "" {
			wantVersion, perr := strconv.ParseInt(a.VersionToken, 10, 64)
			if perr != nil {
				return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.delete", Err: fmt.Errorf("malformed version token %q: %w", a.VersionToken, perr)}
			}
			tag, err = tx.Exec(ctx,
				`DELETE FROM grain_rows WHERE partition_key = $1 AND row_key = $2 AND version = $3`,
				partition, a.RowKey, wantVersion)
		} else {
			tag, err = tx.Exec(ctx,
				`DELETE FROM grain_rows WHERE partition_key = $1 AND row_key = $2`,
				partition, a.RowKey)
		}
		if err != nil {
			return &grain.BackendError{Kind: grain.BackendErrTransient, Op: "pgrow.delete", Err: err}
		}
		if a.VersionToken != "" && tag.RowsAffected() == 0 {
			return &grain.BackendError{Kind: grain.BackendErrPreconditionFailed, Op: "pgrow.delete", RowKey: a.RowKey, Err: fmt.Errorf("row %q version mismatch or missing", a.RowKey)}
		}
		return nil

	default:
		return &grain.BackendError{Kind: grain.BackendErrFatal, Op: "pgrow.applyAction", Err: fmt.Errorf("unknown action kind %d", a.Kind)}
	}
}

func unmarshalAttrs(raw []byte) (map[string]any, error) {
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
