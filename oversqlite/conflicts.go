// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const conflictColumns = `id, table_name, record_id, local_snapshot, remote_snapshot, created_at, status,
	resolution_strategy, resolved_at`

func scanConflict(sc rowScanner) (*oversync.ConflictLogEntry, error) {
	var (
		c          oversync.ConflictLogEntry
		local      string
		remote     string
		createdAt  int64
		strategy   sql.NullString
		resolvedAt sql.NullInt64
	)
	if err := sc.Scan(&c.ID, &c.Table, &c.RecordID, &local, &remote, &createdAt, &c.Status,
		&strategy, &resolvedAt); err != nil {
		return nil, err
	}
	c.LocalSnapshot = []byte(local)
	c.RemoteSnapshot = []byte(remote)
	c.Timestamp = fromUnixMs(createdAt)
	c.ResolvedAt = fromNullMs(resolvedAt)
	if strategy.Valid {
		st, err := oversync.ParseStrategy(strategy.String)
		if err != nil {
			return nil, err
		}
		c.ResolutionStrategy = &st
	}
	return &c, nil
}

// InsertConflict appends a conflict entry and returns its id.
func (s *Store) InsertConflict(ctx context.Context, c *oversync.ConflictLogEntry) (int64, error) {
	status := c.Status
	if status == "" {
		status = oversync.ConflictPending
	}
	ts := c.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	var strategy sql.NullString
	if c.ResolutionStrategy != nil {
		strategy = sql.NullString{String: c.ResolutionStrategy.String(), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_conflicts (table_name, record_id, local_snapshot, remote_snapshot, created_at, status,
			resolution_strategy, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Table, c.RecordID, string(c.LocalSnapshot), string(c.RemoteSnapshot), ts.UnixMilli(), status,
		strategy, nullMs(c.ResolvedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert conflict: %w", err)
	}
	return res.LastInsertId()
}

// GetConflict returns one conflict entry, oversync.ErrNotFound when absent.
func (s *Store) GetConflict(ctx context.Context, id int64) (*oversync.ConflictLogEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM _sync_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %d: %w", id, oversync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %d: %w", id, err)
	}
	return c, nil
}

// ListConflicts returns entries with status, or every entry for an empty status, by id.
func (s *Store) ListConflicts(ctx context.Context, status oversync.ConflictStatus) ([]*oversync.ConflictLogEntry, error) {
	query := `SELECT ` + conflictColumns + ` FROM _sync_conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*oversync.ConflictLogEntry
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CloseConflict moves a pending entry to status. Closed entries are never rewritten.
func (s *Store) CloseConflict(ctx context.Context, id int64, status oversync.ConflictStatus, strategy *oversync.Strategy, at time.Time) error {
	if status != oversync.ConflictResolved && status != oversync.ConflictIgnored {
		return fmt.Errorf("cannot close conflict %d as %q", id, status)
	}
	var st sql.NullString
	if strategy != nil {
		st = sql.NullString{String: strategy.String(), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_conflicts SET status = ?, resolution_strategy = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, st, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to close conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return notPending(ctx, s.DB, id)
}

// SettleConflict marks a pending entry resolved and supersedes the live
// operations targeting target in one transaction.
func (s *Store) SettleConflict(ctx context.Context, id int64, strategy oversync.Strategy, at time.Time, target oversync.EntityRef) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var superseded int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _sync_conflicts SET status = 'resolved', resolution_strategy = ?, resolved_at = ?
			WHERE id = ? AND status = 'pending'`,
			strategy.String(), at.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notPending(ctx, tx, id)
		}
		superseded, err = supersedeOperations(ctx, tx, target, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return superseded, nil
}

// PendingConflictFor returns the oldest pending entry for a record.
func (s *Store) PendingConflictFor(ctx context.Context, table, recordID string) (*oversync.ConflictLogEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM _sync_conflicts
		WHERE table_name = ? AND record_id = ? AND status = 'pending'
		ORDER BY id LIMIT 1`, table, recordID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending conflict for %s %s: %w", table, recordID, oversync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending conflict for %s %s: %w", table, recordID, err)
	}
	return c, nil
}

// notPending explains why a pending-only update touched no row.
func notPending(ctx context.Context, q queryer, id int64) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM _sync_conflicts WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conflict %d: %w", id, oversync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read conflict %d: %w", id, err)
	}
	return fmt.Errorf("conflict %d is %s: %w", id, current, oversync.ErrConflictResolved)
}
