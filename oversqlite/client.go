// Package oversqlite is the durable local store of the sync engine, backed by
// SQLite. It owns the operation log, the conflict log, per-table pull
// watermarks and the reconciled entity tables.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

// Store implements oversync.Store on SQLite.
type Store struct {
	DB      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues
	now     func() time.Time
}

var _ oversync.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and initializes
// the schema. ":memory:" opens a private in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		q := url.Values{}
		q.Set("_busy_timeout", "5000")
		q.Set("_foreign_keys", "on")
		q.Set("_journal_mode", "WAL")
		dsn = "file:" + path + "?" + q.Encode()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New initializes the schema on an already opened database. The pool is
// limited to one connection, which also keeps ":memory:" databases intact.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, logger: logger, now: time.Now}
	if err := s.initializeDatabase(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// entityTables maps entity types to their local tables.
var entityTables = map[oversync.EntityType]string{
	oversync.EntityOrder:   "orders",
	oversync.EntityTable:   "tables",
	oversync.EntityMenu:    "menu_items",
	oversync.EntityPayment: "payments",
}

func entityTable(t oversync.EntityType) (string, error) {
	name, ok := entityTables[t]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", t)
	}
	return `"` + name + `"`, nil
}

func entityTableDDL(name string) string {
	return `CREATE TABLE IF NOT EXISTS "` + name + `" (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL DEFAULT '',
			data        TEXT NOT NULL,                -- JSON snapshot of the entity
			synced      INTEGER NOT NULL DEFAULT 0,
			deleted     INTEGER NOT NULL DEFAULT 0,   -- tombstone; rows are only removed by ClearAll
			created_at  INTEGER NOT NULL DEFAULT 0,   -- unix ms
			updated_at  INTEGER NOT NULL DEFAULT 0    -- unix ms
		)`
}

// initializeDatabase creates the sync and entity tables and recovers
// operations interrupted by a crash.
func (s *Store) initializeDatabase(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	stmts := []string{
		// Device identity (one row)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			singleton   INTEGER PRIMARY KEY CHECK (singleton = 1),
			device_id   TEXT NOT NULL,               -- locally generated UUIDv4 (persisted)
			created_at  INTEGER NOT NULL
		)`,

		// Operation log, append-only apart from status bookkeeping
		`CREATE TABLE IF NOT EXISTS _sync_operations (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			kind           TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			payload        TEXT NOT NULL,
			priority       INTEGER NOT NULL,
			status         TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
			retry_count    INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,         -- unix ms
			last_retry_at  INTEGER,
			completed_at   INTEGER,
			error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_status ON _sync_operations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_drain ON _sync_operations(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_entity ON _sync_operations(entity_type, entity_id)`,

		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name           TEXT NOT NULL,
			record_id            TEXT NOT NULL,
			local_snapshot       TEXT NOT NULL,
			remote_snapshot      TEXT NOT NULL,
			created_at           INTEGER NOT NULL,
			status               TEXT NOT NULL CHECK (status IN ('pending','resolved','ignored')),
			resolution_strategy  TEXT,
			resolved_at          INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_status ON _sync_conflicts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_record ON _sync_conflicts(table_name, record_id, status)`,

		`CREATE TABLE IF NOT EXISTS _sync_watermarks (
			key  TEXT PRIMARY KEY,
			ts   INTEGER NOT NULL                    -- unix ns
		)`,

		entityTableDDL("orders"),
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON "orders"(status)`,
		entityTableDDL("tables"),
		entityTableDDL("menu_items"),
		entityTableDDL("payments"),
	}

	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Operations left processing by a crash go back to pending
	res, err := s.DB.ExecContext(ctx, `UPDATE _sync_operations SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return fmt.Errorf("failed to recover processing operations: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Recovered operations interrupted mid-sync", "count", n)
	}
	return nil
}

// EnsureDeviceID returns the persisted device id, generating one on first use.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deviceID string
	err := s.DB.QueryRowContext(ctx, `SELECT device_id FROM _sync_client_info WHERE singleton = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO _sync_client_info (singleton, device_id, created_at) VALUES (1, ?, ?)`,
			deviceID, s.now().UnixMilli())
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// GetLastSyncTimestamp returns the watermark for key, zero when unset.
func (s *Store) GetLastSyncTimestamp(ctx context.Context, key string) (time.Time, error) {
	var ns int64
	err := s.DB.QueryRowContext(ctx, `SELECT ts FROM _sync_watermarks WHERE key = ?`, key).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark %s: %w", key, err)
	}
	return time.Unix(0, ns).UTC(), nil
}

// SetLastSyncTimestamp stores the watermark for key.
func (s *Store) SetLastSyncTimestamp(ctx context.Context, key string, ts time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO _sync_watermarks (key, ts) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET ts = excluded.ts`,
		key, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write watermark %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every row from every table in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		tables := []string{
			"_sync_operations", "_sync_conflicts", "_sync_watermarks", "_sync_client_info",
			`"orders"`, `"tables"`, `"menu_items"`, `"payments"`,
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
				return fmt.Errorf("failed to clear %s: %w", t, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
