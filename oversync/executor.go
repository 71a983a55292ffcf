// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Executor drains the queue against a remote adapter, one operation at a time.
type Executor struct {
	queue   *Queue
	remote  RemoteAdapter
	policy  RetryPolicy
	now     func() time.Time
	logger  *slog.Logger
	metrics *stageObserver

	running atomic.Bool
}

// NewExecutor creates an executor that dispatches queue items to remote.
func NewExecutor(queue *Queue, remote RemoteAdapter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		queue:  queue,
		remote: remote,
		policy: queue.policy,
		now:    queue.now,
		logger: logger,
	}
}

// Running reports whether a drain is in progress.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// SyncOne pushes a single operation. On success the operation is completed and
// its entities marked synced; on failure it is recorded as failed with an
// incremented retry count and kept for a later attempt. The returned error is
// the dispatch failure, if any.
func (e *Executor) SyncOne(ctx context.Context, op *SyncOperation) error {
	start := e.metrics.start()
	attempt := op.RetryCount + 1

	if err := e.queue.begin(ctx, op); err != nil {
		return err
	}

	remoteStart := e.metrics.start()
	err := e.dispatch(ctx, op)
	e.metrics.observe(ctx, MetricsOpSyncOne, MetricsStageRemote, remoteStart, 1, attempt, err != nil)

	// Bookkeeping outlives ctx so the operation never stays processing.
	bookCtx := context.WithoutCancel(ctx)
	if err != nil {
		e.logger.Warn("Sync operation failed",
			"op_id", op.ID,
			"kind", op.Kind,
			"entity_id", op.EntityID,
			"attempt", attempt,
			"permanent", IsPermanent(err),
			"error", err)
		if ferr := e.queue.fail(bookCtx, op, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
		e.metrics.observe(ctx, MetricsOpSyncOne, MetricsStageTotal, start, 1, attempt, true)
		return err
	}

	if err := e.queue.complete(bookCtx, op); err != nil {
		e.metrics.observe(ctx, MetricsOpSyncOne, MetricsStageTotal, start, 1, attempt, true)
		return err
	}
	e.logger.Debug("Sync operation completed", "op_id", op.ID, "kind", op.Kind, "entity_id", op.EntityID)
	e.metrics.observe(ctx, MetricsOpSyncOne, MetricsStageTotal, start, 1, attempt, false)
	return nil
}

func (e *Executor) dispatch(ctx context.Context, op *SyncOperation) error {
	if e.remote == nil {
		return TransientError("dispatch", op.EntityType.RemoteTable(), errors.New("no remote adapter configured"))
	}
	calls, err := remoteCallsFor(op)
	if err != nil {
		return err
	}

	if op.Kind == KindBatchOperation {
		if ba, ok := e.remote.(BatchAdapter); ok {
			_, err := ba.Batch(ctx, calls)
			return err
		}
	}
	for i, call := range calls {
		if err := e.invoke(ctx, call); err != nil {
			if len(calls) > 1 {
				return fmt.Errorf("call %d of %d: %w", i+1, len(calls), err)
			}
			return err
		}
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, call RemoteCall) error {
	var err error
	switch call.Op {
	case RemoteInsert:
		_, err = e.remote.Insert(ctx, call.Table, call.Row)
	case RemoteUpdate:
		_, err = e.remote.Update(ctx, call.Table, call.Row, call.MatchID)
	case RemoteDelete:
		_, err = e.remote.Delete(ctx, call.Table, call.MatchID)
	default:
		err = fmt.Errorf("%w: remote op %q", ErrUnknownOperationKind, call.Op)
	}
	return err
}

// Drain processes every eligible operation strictly in sequence. A failing item
// never aborts the cycle. A drain requested while another is running returns
// immediately with Skipped set. Cancellation of ctx stops between items.
func (e *Executor) Drain(ctx context.Context) (DrainResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("Drain already in progress, skipping")
		return DrainResult{Skipped: true}, nil
	}
	defer e.running.Store(false)

	start := e.metrics.start()
	var result DrainResult

	items, err := e.queue.PendingItems(ctx)
	if err != nil {
		e.metrics.observe(ctx, MetricsOpDrain, MetricsStageTotal, start, 0, 1, true)
		return result, err
	}

	now := e.now()
	for _, op := range items {
		if err := ctx.Err(); err != nil {
			e.logger.Info("Drain interrupted", "processed", result.Processed, "error", err)
			e.metrics.observe(ctx, MetricsOpDrain, MetricsStageTotal, start, result.Processed, 1, true)
			return result, err
		}
		if !e.policy.ShouldRetry(op) {
			continue
		}
		if op.Status == StatusFailed && !e.policy.CanRetry(op, now) {
			continue
		}
		held, err := e.queue.heldByConflict(ctx, op)
		if err != nil {
			e.logger.Warn("Failed to check pending conflicts", "op_id", op.ID, "error", err)
			continue
		}
		if held != nil {
			e.logger.Debug("Operation waits for conflict review",
				"op_id", op.ID,
				"entity_id", op.EntityID,
				"conflict_id", held.ID)
			result.Held++
			continue
		}

		result.Processed++
		if err := e.SyncOne(ctx, op); err != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	if result.Processed > 0 {
		e.logger.Info("Drain completed",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"failed", result.Failed)
	}
	e.metrics.observe(ctx, MetricsOpDrain, MetricsStageTotal, start, result.Processed, 1, result.Failed > 0)
	return result, nil
}
