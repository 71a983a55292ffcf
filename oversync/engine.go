// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package oversync is an offline-first sync engine for restaurant point-of-sale
// clients. Mutations are queued durably with a fixed priority, drained one at a
// time against an authoritative remote, retried with exponential backoff, and
// reconciled against remote changes through per-entity merge strategies.
package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EngineConfig holds configuration for the sync engine
type EngineConfig struct {
	BaseDelay   time.Duration // 1s
	MaxDelay    time.Duration // 60s
	MaxRetries  int           // 5
	RetryJitter time.Duration // 0 disables jitter

	PeriodicInterval time.Duration // 5m
	ReconnectSettle  time.Duration // 1s

	// PullEnabled fetches remote changes after every drain when the adapter
	// implements RemoteFetcher.
	PullEnabled bool

	// BackgroundSync is the optional platform hook; nil means unsupported.
	BackgroundSync BackgroundSync

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		MaxRetries:       MaxRetries,
		PeriodicInterval: 5 * time.Minute,
		ReconnectSettle:  time.Second,
	}
}

// RetryPolicy derives the retry policy from the config.
func (c *EngineConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		MaxRetries: c.MaxRetries,
		Jitter:     c.RetryJitter,
	}.normalized()
}

// Engine is the explicit, host-owned sync engine instance. All state lives in
// the Store; the engine holds no cached entity data.
type Engine struct {
	store  Store
	remote RemoteAdapter
	conn   Connectivity
	config *EngineConfig
	logger *slog.Logger
	now    func() time.Time

	metrics  *stageObserver
	queue    *Queue
	executor *Executor
	resolver *Resolver
	orch     *Orchestrator
}

// NewEngine wires the engine components. conn may be nil, meaning always online.
func NewEngine(store Store, remote RemoteAdapter, conn Connectivity, config *EngineConfig, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if conn == nil {
		conn = NewManualConnectivity(true)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store:  store,
		remote: remote,
		conn:   conn,
		config: config,
		logger: logger,
		now:    now,
		metrics: &stageObserver{
			recorder:   config.StageMetrics,
			logTimings: config.LogStageTimings,
			logger:     logger,
		},
	}

	e.queue = NewQueue(store, conn, config.RetryPolicy(), logger)
	e.queue.now = now
	e.queue.applyLocal = e.applyLocalEffect

	e.executor = NewExecutor(e.queue, remote, logger)
	e.executor.metrics = e.metrics

	e.resolver = NewResolver(store, logger)
	e.resolver.now = now

	e.orch = NewOrchestrator(e.executor, e.queue, conn, OrchestratorConfig{
		PeriodicInterval: config.PeriodicInterval,
		ReconnectSettle:  config.ReconnectSettle,
		BackgroundSync:   config.BackgroundSync,
	}, logger)
	if config.PullEnabled {
		e.orch.afterDrain = e.pullAfterDrain
	}
	e.queue.requestSync = e.orch.RequestSync

	return e, nil
}

func (e *Engine) Store() Store                { return e.store }
func (e *Engine) Queue() *Queue               { return e.queue }
func (e *Engine) Executor() *Executor         { return e.executor }
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }
func (e *Engine) Connectivity() Connectivity  { return e.conn }
func (e *Engine) Config() EngineConfig        { return *e.config }
func (e *Engine) Resolver() *Resolver         { return e.resolver }

// Enqueue validates and queues a mutation and applies it to the local entity
// tables. It fails fast with *ValidationError on malformed input.
func (e *Engine) Enqueue(ctx context.Context, kind OperationKind, entityType EntityType, entityID string, payload Payload) (int64, error) {
	return e.queue.Enqueue(ctx, kind, entityType, entityID, payload)
}

// EnqueueJSON is Enqueue with a JSON payload decoded by kind.
func (e *Engine) EnqueueJSON(ctx context.Context, kind OperationKind, entityType EntityType, entityID string, raw json.RawMessage) (int64, error) {
	return e.queue.EnqueueJSON(ctx, kind, entityType, entityID, raw)
}

// GetQueueStats summarises the operation log.
func (e *Engine) GetQueueStats(ctx context.Context) (QueueStats, error) {
	return e.queue.Stats(ctx)
}

// TriggerManualSync always attempts a drain and reports its counts.
func (e *Engine) TriggerManualSync(ctx context.Context) (DrainResult, error) {
	return e.orch.TriggerManualSync(ctx)
}

// CleanupQueue purges completed operations older than olderThanDays.
func (e *Engine) CleanupQueue(ctx context.Context, olderThanDays int) (int, error) {
	return e.queue.Cleanup(ctx, olderThanDays)
}

// GetPendingConflicts lists conflicts awaiting resolution.
func (e *Engine) GetPendingConflicts(ctx context.Context) ([]*ConflictLogEntry, error) {
	return e.store.ListConflicts(ctx, ConflictPending)
}

// Start runs the trigger orchestrator until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	return e.orch.Start(ctx)
}

// Stop halts background triggers and waits for an in-flight drain to finish.
func (e *Engine) Stop() {
	e.orch.Stop()
}

// Reset wipes every local table atomically, as on logout.
func (e *Engine) Reset(ctx context.Context) error {
	if e.executor.Running() {
		return errors.New("cannot reset while a drain is running")
	}
	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to reset local store: %w", err)
	}
	e.logger.Info("Local store reset")
	return nil
}

func (e *Engine) pullAfterDrain(ctx context.Context) {
	res, err := e.Pull(ctx)
	if err != nil {
		e.logger.Warn("Pull after drain failed", "error", err)
		return
	}
	if res.Fetched > 0 {
		e.logger.Info("Pulled remote changes",
			"fetched", res.Fetched,
			"applied", res.Applied,
			"conflicts", res.Conflicts,
			"errors", res.Errors)
	}
}
