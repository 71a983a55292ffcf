// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Queue wraps the store's operation log: validated enqueue with computed
// priority, the eligible-items view, stats and cleanup.
type Queue struct {
	store  Store
	conn   Connectivity
	policy RetryPolicy
	now    func() time.Time
	logger *slog.Logger

	// mu orders an enqueue and its local effect against completion of
	// operations, so an entity is never left unsynced without a live operation.
	mu sync.Mutex

	applyLocal  func(ctx context.Context, op *SyncOperation) error
	requestSync func()
}

// NewQueue creates a queue over store. conn may be nil, in which case
// enqueue never requests a drain.
func NewQueue(store Store, conn Connectivity, policy RetryPolicy, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		conn:   conn,
		policy: policy.normalized(),
		now:    time.Now,
		logger: logger,
	}
}

func validKind(kind OperationKind) bool {
	return slices.Contains(AllKinds, kind)
}

// validateEnvelope checks everything about an operation except the payload fields.
func validateEnvelope(kind OperationKind, entityType EntityType, entityID string, payload Payload) error {
	if !validKind(kind) {
		return invalid(kind, "kind", "unknown operation kind")
	}
	if !entityType.Valid() {
		return invalid(kind, "entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}
	if want, ok := EntityTypeForKind(kind); ok && want != entityType {
		return invalid(kind, "entity_type", fmt.Sprintf("%s targets %s, got %s", kind, want, entityType))
	}
	if entityID == "" {
		return invalid(kind, "entity_id", "required")
	}
	if payload == nil {
		return invalid(kind, "payload", "required")
	}
	if payload.Kind() != kind {
		return invalid(kind, "payload", fmt.Sprintf("payload is for %s", payload.Kind()))
	}
	if key := payload.EntityKey(); key != "" && key != entityID {
		return invalid(kind, "entity_id", fmt.Sprintf("does not match payload id %q", key))
	}
	return nil
}

// Enqueue validates and persists an operation with status pending and returns its id.
// Invalid input fails with *ValidationError and nothing is stored. When online,
// a drain is requested without waiting for it.
func (q *Queue) Enqueue(ctx context.Context, kind OperationKind, entityType EntityType, entityID string, payload Payload) (int64, error) {
	if err := validateEnvelope(kind, entityType, entityID, payload); err != nil {
		return 0, err
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	op := &SyncOperation{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Priority:   PriorityForKind(kind),
		Status:     StatusPending,
		CreatedAt:  q.now().UTC(),
	}

	q.mu.Lock()
	id, err := q.store.InsertOperation(ctx, op)
	if err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("failed to persist %s operation: %w", kind, err)
	}
	op.ID = id
	if q.applyLocal != nil {
		if err := q.applyLocal(ctx, op); err != nil {
			q.logger.Warn("Failed to apply operation locally", "op_id", id, "kind", kind, "error", err)
		}
	}
	q.mu.Unlock()

	q.logger.Debug("Enqueued operation", "op_id", id, "kind", kind, "entity_id", entityID, "priority", op.Priority)

	if q.conn != nil && q.conn.IsOnline() && q.requestSync != nil {
		q.requestSync()
	}
	return id, nil
}

// EnqueueJSON decodes raw into the payload variant for kind and enqueues it.
func (q *Queue) EnqueueJSON(ctx context.Context, kind OperationKind, entityType EntityType, entityID string, raw json.RawMessage) (int64, error) {
	if !validKind(kind) {
		return 0, invalid(kind, "kind", "unknown operation kind")
	}
	payload, err := DecodePayload(kind, raw)
	if err != nil {
		return 0, err
	}
	return q.Enqueue(ctx, kind, entityType, entityID, payload)
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, id int64) (*SyncOperation, error) {
	return q.store.GetOperation(ctx, id)
}

// PendingItems returns pending and failed operations under the retry ceiling,
// highest priority first, then oldest first.
func (q *Queue) PendingItems(ctx context.Context) ([]*SyncOperation, error) {
	ops, err := q.store.ListOperations(ctx, StatusPending, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	items := make([]*SyncOperation, 0, len(ops))
	for _, op := range ops {
		if op.RetryCount < q.policy.MaxRetries {
			items = append(items, op)
		}
	}
	sortByDrainOrder(items)
	return items, nil
}

func sortByDrainOrder(items []*SyncOperation) {
	slices.SortStableFunc(items, func(a, b *SyncOperation) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Stats summarises the whole operation log.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to list operations: %w", err)
	}
	now := q.now()
	stats := QueueStats{ByPriority: make(map[Priority]int)}
	var oldest *time.Time
	for _, op := range ops {
		stats.Total++
		switch op.Status {
		case StatusPending:
			stats.Pending++
			if oldest == nil || op.CreatedAt.Before(*oldest) {
				created := op.CreatedAt
				oldest = &created
			}
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
			if q.policy.ShouldRetry(op) {
				stats.Retryable++
			}
		}
		if op.Status != StatusCompleted {
			stats.ByPriority[op.Priority]++
		}
	}
	if oldest != nil {
		age := now.Sub(*oldest).Milliseconds()
		if age < 0 {
			age = 0
		}
		stats.OldestPendingAgeMs = &age
	}
	return stats, nil
}

// Cleanup purges completed operations older than olderThanDays and returns how
// many were removed. Pending and failed operations are never touched.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("olderThanDays must not be negative, got %d", olderThanDays)
	}
	cutoff := q.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := q.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	if n > 0 {
		q.logger.Info("Cleaned up completed operations", "removed", n, "older_than_days", olderThanDays)
	}
	return n, nil
}

// heldByConflict returns the pending conflict blocking op, or nil. Operations
// on a record under review wait until the conflict is resolved or ignored.
func (q *Queue) heldByConflict(ctx context.Context, op *SyncOperation) (*ConflictLogEntry, error) {
	for _, ref := range targetsOf(op) {
		table := ref.Type.RemoteTable()
		if table == "" || ref.ID == "" {
			continue
		}
		c, err := q.store.PendingConflictFor(ctx, table, ref.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// settle runs fn under the queue lock so no enqueue interleaves with a
// supersede-then-store sequence.
func (q *Queue) settle(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn()
}

func (q *Queue) begin(ctx context.Context, op *SyncOperation) error {
	if err := q.store.MarkProcessing(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to mark operation %d processing: %w", op.ID, err)
	}
	op.Status = StatusProcessing
	return nil
}

func (q *Queue) complete(ctx context.Context, op *SyncOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	if err := q.store.CompleteOperation(ctx, op.ID, now, targetsOf(op)...); err != nil {
		return fmt.Errorf("failed to complete operation %d: %w", op.ID, err)
	}
	op.Status = StatusCompleted
	op.CompletedAt = &now
	return nil
}

func (q *Queue) fail(ctx context.Context, op *SyncOperation, cause error) error {
	now := q.now().UTC()
	msg := cause.Error()
	if err := q.store.FailOperation(ctx, op.ID, now, msg); err != nil {
		return fmt.Errorf("failed to record failure of operation %d: %w", op.ID, err)
	}
	op.Status = StatusFailed
	op.RetryCount++
	op.LastRetryAt = &now
	op.Error = msg
	return nil
}
