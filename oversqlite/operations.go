// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const operationColumns = `id, kind, entity_type, entity_id, payload, priority, status, retry_count,
	created_at, last_retry_at, completed_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOperation(sc rowScanner) (*oversync.SyncOperation, error) {
	var (
		op          oversync.SyncOperation
		payload     string
		createdAt   int64
		lastRetryAt sql.NullInt64
		completedAt sql.NullInt64
		errText     sql.NullString
	)
	if err := sc.Scan(&op.ID, &op.Kind, &op.EntityType, &op.EntityID, &payload, &op.Priority, &op.Status,
		&op.RetryCount, &createdAt, &lastRetryAt, &completedAt, &errText); err != nil {
		return nil, err
	}
	op.CreatedAt = fromUnixMs(createdAt)
	op.LastRetryAt = fromNullMs(lastRetryAt)
	op.CompletedAt = fromNullMs(completedAt)
	op.Error = errText.String

	p, err := oversync.DecodePayload(op.Kind, []byte(payload))
	if err != nil {
		// Kept visible with a nil payload; the executor fails it permanently.
		s.logger.Warn("Stored operation has an undecodable payload", "op_id", op.ID, "kind", op.Kind, "error", err)
	} else {
		op.Payload = p
	}
	return &op, nil
}

// InsertOperation appends op to the log and returns its id.
func (s *Store) InsertOperation(ctx context.Context, op *oversync.SyncOperation) (int64, error) {
	payload, err := oversync.EncodePayload(op.Payload)
	if err != nil {
		return 0, err
	}
	status := op.Status
	if status == "" {
		status = oversync.StatusPending
	}
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_operations (kind, entity_type, entity_id, payload, priority, status, retry_count,
			created_at, last_retry_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.Kind, op.EntityType, op.EntityID, string(payload), op.Priority, status, op.RetryCount,
		createdAt.UnixMilli(), nullMs(op.LastRetryAt), nullMs(op.CompletedAt), nullString(op.Error))
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation: %w", err)
	}
	return res.LastInsertId()
}

// GetOperation returns one operation, oversync.ErrNotFound when absent.
func (s *Store) GetOperation(ctx context.Context, id int64) (*oversync.SyncOperation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM _sync_operations WHERE id = ?`, id)
	op, err := s.scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %d: %w", id, oversync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %d: %w", id, err)
	}
	return op, nil
}

// ListOperations returns operations in any of statuses (all when none given) by id.
func (s *Store) ListOperations(ctx context.Context, statuses ...oversync.OperationStatus) ([]*oversync.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM _sync_operations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*oversync.SyncOperation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkProcessing moves a pending or failed operation to processing. It fails
// for operations in any other state so an operation is never picked up twice.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_operations SET status = 'processing'
		WHERE id = ? AND status IN ('pending', 'failed') AND COALESCE(error, '') != ?`,
		id, oversync.ErrSuperseded.Error())
	if err != nil {
		return fmt.Errorf("failed to mark operation %d processing: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainNoRows(ctx, id)
	}
	return nil
}

func (s *Store) explainNoRows(ctx context.Context, id int64) error {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM _sync_operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %d: %w", id, oversync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read operation %d: %w", id, err)
	}
	return fmt.Errorf("operation %d is %s", id, status)
}

// CompleteOperation marks the operation completed and, in the same
// transaction, marks each target entity synced unless another live operation
// still targets it.
func (s *Store) CompleteOperation(ctx context.Context, id int64, completedAt time.Time, targets ...oversync.EntityRef) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE _sync_operations SET status = 'completed', completed_at = ?, error = NULL WHERE id = ?`,
			completedAt.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("failed to complete operation %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("operation %d: %w", id, oversync.ErrNotFound)
		}

		seen := make(map[oversync.EntityRef]bool, len(targets))
		for _, ref := range targets {
			if ref.ID == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			table, err := entityTable(ref.Type)
			if err != nil {
				continue
			}
			live, err := hasLiveOperations(ctx, tx, ref.Type, ref.ID, id)
			if err != nil {
				return err
			}
			if live {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET synced = 1 WHERE id = ?`, ref.ID); err != nil {
				return fmt.Errorf("failed to mark %s %s synced: %w", ref.Type, ref.ID, err)
			}
		}
		return nil
	})
}

// FailOperation records a failed attempt.
func (s *Store) FailOperation(ctx context.Context, id int64, failedAt time.Time, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_operations
		SET status = 'failed', retry_count = retry_count + 1, last_retry_at = ?, error = ?
		WHERE id = ?`,
		failedAt.UnixMilli(), message, id)
	if err != nil {
		return fmt.Errorf("failed to record failure of operation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %d: %w", id, oversync.ErrNotFound)
	}
	return nil
}

// DeleteCompletedBefore removes completed operations finished before cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM _sync_operations WHERE status = 'completed' AND completed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed operations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SupersedeOperations retires the pending and failed operations targeting ref.
func (s *Store) SupersedeOperations(ctx context.Context, ref oversync.EntityRef, at time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return supersedeOperations(ctx, s.DB, ref, at)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func supersedeOperations(ctx context.Context, x execer, ref oversync.EntityRef, at time.Time) (int, error) {
	msg := oversync.ErrSuperseded.Error()
	res, err := x.ExecContext(ctx, `
		UPDATE _sync_operations
		SET status = 'failed', last_retry_at = ?, error = ?
		WHERE entity_type = ? AND entity_id = ?
		  AND status IN ('pending', 'failed') AND COALESCE(error, '') != ?`,
		at.UnixMilli(), msg, ref.Type, ref.ID, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede operations for %s %s: %w", ref.Type, ref.ID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// HasLiveOperations reports whether a pending, processing or failed operation
// other than excludeID targets the entity. Superseded operations are not live.
func (s *Store) HasLiveOperations(ctx context.Context, entityType oversync.EntityType, entityID string, excludeID int64) (bool, error) {
	return hasLiveOperations(ctx, s.DB, entityType, entityID, excludeID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasLiveOperations(ctx context.Context, q queryer, entityType oversync.EntityType, entityID string, excludeID int64) (bool, error) {
	var live bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM _sync_operations
			WHERE entity_type = ? AND entity_id = ? AND id != ?
			  AND status IN ('pending', 'processing', 'failed')
			  AND COALESCE(error, '') != ?
		)`, entityType, entityID, excludeID, oversync.ErrSuperseded.Error()).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("failed to check live operations for %s %s: %w", entityType, entityID, err)
	}
	return live, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
