// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overpg implements the sync remote on PostgreSQL. Every synced
// entity lives in its own table holding the row as JSONB plus the columns
// the engine needs for pulls.
package overpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const (
	DefaultSchema       = "pos"
	defaultBatchRetries = 3
	batchRetryDelay     = 50 * time.Millisecond
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Tables are the remote tables this adapter serves.
var Tables = []string{
	oversync.RemoteTableOrders,
	oversync.RemoteTableTables,
	oversync.RemoteTableMenuItems,
	oversync.RemoteTablePayments,
}

// Config holds adapter settings.
type Config struct {
	Schema       string // Postgres schema holding the entity tables
	BatchRetries int    // Attempts for a batch hitting serialization or deadlock errors
	// Now overrides the clock for rows without updated_at.
	Now func() time.Time
}

// DefaultConfig returns the settings used when New gets a nil config.
func DefaultConfig() *Config {
	return &Config{
		Schema:       DefaultSchema,
		BatchRetries: defaultBatchRetries,
	}
}

// Adapter is a RemoteAdapter, BatchAdapter and RemoteFetcher over a pgx pool.
type Adapter struct {
	pool    *pgxpool.Pool
	schema  string
	retries int
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ oversync.RemoteAdapter = (*Adapter)(nil)
	_ oversync.BatchAdapter  = (*Adapter)(nil)
	_ oversync.RemoteFetcher = (*Adapter)(nil)
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates an adapter on an existing pool. Call InitSchema before use on a
// fresh database.
func New(pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Adapter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema := config.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaNamePattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	retries := config.BatchRetries
	if retries <= 0 {
		retries = defaultBatchRetries
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		pool:    pool,
		schema:  schema,
		retries: retries,
		now:     now,
		logger:  logger,
	}, nil
}

// Schema returns the Postgres schema the adapter writes to.
func (a *Adapter) Schema() string { return a.schema }

// InitSchema creates the schema and entity tables if they don't exist.
func (a *Adapter) InitSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{a.schema}.Sanitize()),
		}
		for _, table := range Tables {
			ident := a.ident(table)
			stmts = append(stmts,
				/*language=postgresql*/ fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id         TEXT        PRIMARY KEY,
					data       JSONB       NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					deleted    BOOLEAN     NOT NULL DEFAULT FALSE
				)`, ident),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at)`,
					pgx.Identifier{table + "_updated_at_idx"}.Sanitize(), ident),
			)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	a.logger.Debug("Remote schema initialized", "schema", a.schema)
	return nil
}

func (a *Adapter) ident(table string) string {
	return pgx.Identifier{a.schema, table}.Sanitize()
}

func checkTable(op, table string) error {
	for _, t := range Tables {
		if t == table {
			return nil
		}
	}
	return oversync.PermanentError(op, table, fmt.Errorf("validation: unknown table %q", table))
}

func (a *Adapter) rowTime(row oversync.Row) time.Time {
	if ts := oversync.RowUpdatedAt(row); !ts.IsZero() {
		return ts
	}
	return a.now()
}

func decodeData(data []byte) (oversync.Row, error) {
	var row oversync.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row data: %w", err)
	}
	return row, nil
}

// Insert upserts the row by id. Replays overwrite the stored data and revive
// tombstones.
func (a *Adapter) Insert(ctx context.Context, table string, row oversync.Row) (oversync.Result, error) {
	return a.insert(ctx, a.pool, table, row)
}

func (a *Adapter) insert(ctx context.Context, q querier, table string, row oversync.Row) (oversync.Result, error) {
	if err := checkTable("insert", table); err != nil {
		return oversync.Result{}, err
	}
	id := oversync.RowID(row)
	if id == "" {
		return oversync.Result{}, oversync.PermanentError("insert", table, errors.New("validation: row has no id"))
	}
	data, err := json.Marshal(row)
	if err != nil {
		return oversync.Result{}, oversync.PermanentError("insert", table, fmt.Errorf("failed to marshal row: %w", err))
	}

	var stored []byte
	err = q.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at, deleted)
		VALUES ($1, $2::text::jsonb, $3, FALSE)
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at, deleted = FALSE
		RETURNING data`, a.ident(table)),
		id, string(data), a.rowTime(row)).Scan(&stored)
	if err != nil {
		return oversync.Result{}, classify("insert", table, err)
	}
	out, err := decodeData(stored)
	if err != nil {
		return oversync.Result{}, oversync.TransientError("insert", table, err)
	}
	return oversync.Result{Affected: 1, Row: out}, nil
}

// Update merges the row's keys into the stored data. A missing row is a
// transient failure since its create may still be queued.
func (a *Adapter) Update(ctx context.Context, table string, row oversync.Row, matchID string) (oversync.Result, error) {
	return a.update(ctx, a.pool, table, row, matchID)
}

func (a *Adapter) update(ctx context.Context, q querier, table string, row oversync.Row, matchID string) (oversync.Result, error) {
	if err := checkTable("update", table); err != nil {
		return oversync.Result{}, err
	}
	if matchID == "" {
		return oversync.Result{}, oversync.PermanentError("update", table, errors.New("validation: missing match id"))
	}
	patch, err := json.Marshal(row)
	if err != nil {
		return oversync.Result{}, oversync.PermanentError("update", table, fmt.Errorf("failed to marshal row: %w", err))
	}

	var stored []byte
	err = q.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET data = data || $2::text::jsonb, updated_at = $3
		WHERE id = $1
		RETURNING data`, a.ident(table)),
		matchID, string(patch), a.rowTime(row)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return oversync.Result{}, oversync.TransientError("update", table, oversync.ErrRemoteRowNotFound)
	}
	if err != nil {
		return oversync.Result{}, classify("update", table, err)
	}
	out, err := decodeData(stored)
	if err != nil {
		return oversync.Result{}, oversync.TransientError("update", table, err)
	}
	return oversync.Result{Affected: 1, Row: out}, nil
}

// Delete tombstones the row. Deleting a missing or already deleted row
// affects nothing and is not an error.
func (a *Adapter) Delete(ctx context.Context, table string, matchID string) (oversync.Result, error) {
	return a.delete(ctx, a.pool, table, matchID)
}

func (a *Adapter) delete(ctx context.Context, q querier, table string, matchID string) (oversync.Result, error) {
	if err := checkTable("delete", table); err != nil {
		return oversync.Result{}, err
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, updated_at = $2
		WHERE id = $1 AND NOT deleted`, a.ident(table)),
		matchID, a.now())
	if err != nil {
		return oversync.Result{}, classify("delete", table, err)
	}
	return oversync.Result{Affected: int(tag.RowsAffected())}, nil
}

// Batch applies calls in one transaction, retrying the whole transaction on
// serialization failures and deadlocks.
func (a *Adapter) Batch(ctx context.Context, calls []oversync.RemoteCall) ([]oversync.Result, error) {
	var results []oversync.Result
	var err error
	for attempt := 1; attempt <= a.retries; attempt++ {
		results, err = a.batchOnce(ctx, calls)
		if err == nil || !isRetryablePGTxError(err) || attempt == a.retries {
			break
		}
		a.logger.Warn("Retrying remote batch", "attempt", attempt, "calls", len(calls), "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*batchRetryDelay); serr != nil {
			return nil, oversync.TransientError("batch", "", serr)
		}
	}
	if err != nil {
		return nil, classify("batch", "", err)
	}
	return results, nil
}

func (a *Adapter) batchOnce(ctx context.Context, calls []oversync.RemoteCall) ([]oversync.Result, error) {
	results := make([]oversync.Result, 0, len(calls))
	err := pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		for i, call := range calls {
			var (
				res oversync.Result
				err error
			)
			switch call.Op {
			case oversync.RemoteInsert:
				res, err = a.insert(ctx, tx, call.Table, call.Row)
			case oversync.RemoteUpdate:
				res, err = a.update(ctx, tx, call.Table, call.Row, call.MatchID)
			case oversync.RemoteDelete:
				res, err = a.delete(ctx, tx, call.Table, call.MatchID)
			default:
				err = oversync.PermanentError("batch", call.Table, fmt.Errorf("validation: unknown remote op %q", call.Op))
			}
			if err != nil {
				return fmt.Errorf("batch call %d: %w", i, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Fetch returns rows changed after since, oldest first, including tombstones.
func (a *Adapter) Fetch(ctx context.Context, table string, since time.Time) ([]oversync.Row, error) {
	if err := checkTable("fetch", table); err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, data, updated_at, deleted FROM %s
		WHERE updated_at > $1
		ORDER BY updated_at, id`, a.ident(table)), since)
	if err != nil {
		return nil, classify("fetch", table, err)
	}
	defer rows.Close()

	var out []oversync.Row
	for rows.Next() {
		var (
			id        string
			data      []byte
			updatedAt time.Time
			deleted   bool
		)
		if err := rows.Scan(&id, &data, &updatedAt, &deleted); err != nil {
			return nil, classify("fetch", table, err)
		}
		row, err := decodeData(data)
		if err != nil {
			a.logger.Warn("Skipping undecodable remote row", "table", table, "id", id, "error", err)
			continue
		}
		row["id"] = id
		row["updated_at"] = updatedAt.UTC().Format(time.RFC3339Nano)
		if deleted {
			row["deleted"] = true
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch", table, err)
	}
	return out, nil
}
