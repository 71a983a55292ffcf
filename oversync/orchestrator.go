// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// OrchestratorConfig holds the trigger timings.
type OrchestratorConfig struct {
	PeriodicInterval time.Duration // 5m
	ReconnectSettle  time.Duration // 1s
	BackgroundSync   BackgroundSync
}

// Orchestrator decides when to drain: after a reconnect, on a periodic timer
// when work is waiting, on explicit request and on manual trigger. It only
// ever calls into the executor.
type Orchestrator struct {
	executor *Executor
	queue    *Queue
	conn     Connectivity
	bg       BackgroundSync
	interval time.Duration
	settle   time.Duration
	logger   *slog.Logger

	// afterDrain runs after every drain that was not skipped.
	afterDrain func(ctx context.Context)

	mu          sync.Mutex
	running     bool
	bgSupported bool
	wasOnline   bool
	stopCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	reconnectCh chan struct{}
	requestCh   chan struct{}
}

// NewOrchestrator creates an orchestrator; nothing runs until Start.
func NewOrchestrator(executor *Executor, queue *Queue, conn Connectivity, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PeriodicInterval <= 0 {
		config.PeriodicInterval = 5 * time.Minute
	}
	if config.ReconnectSettle < 0 {
		config.ReconnectSettle = 0
	}
	return &Orchestrator{
		executor:    executor,
		queue:       queue,
		conn:        conn,
		bg:          config.BackgroundSync,
		interval:    config.PeriodicInterval,
		settle:      config.ReconnectSettle,
		logger:      logger,
		reconnectCh: make(chan struct{}, 1),
		requestCh:   make(chan struct{}, 1),
	}
}

// Start detects background sync support, subscribes to connectivity and runs
// the trigger loop until Stop or ctx cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.bgSupported = o.bg != nil && o.bg.Supported()
	o.wasOnline = o.conn.IsOnline()
	o.mu.Unlock()

	if o.bgSupported {
		if err := o.bg.Register(ctx); err != nil {
			o.logger.Warn("Background sync registration failed", "error", err)
		}
	} else {
		o.logger.Info("Background sync unsupported, using periodic timer only", "interval", o.interval)
	}

	unsubscribe := o.conn.Subscribe(o.onConnectivity)
	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop(ctx)

	o.logger.Info("Sync orchestrator started", "online", o.conn.IsOnline())
	return nil
}

// Stop halts the trigger loop and waits for it, including any drain it started.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	o.wg.Wait()
	o.logger.Info("Sync orchestrator stopped")
}

// BackgroundSyncSupported reports what Start detected.
func (o *Orchestrator) BackgroundSyncSupported() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bgSupported
}

// RequestSync asks the loop for a drain without waiting. Requests made while
// one is already queued collapse into it.
func (o *Orchestrator) RequestSync() {
	select {
	case o.requestCh <- struct{}{}:
	default:
	}
}

// TriggerManualSync drains right away in the caller's goroutine.
func (o *Orchestrator) TriggerManualSync(ctx context.Context) (DrainResult, error) {
	o.logger.Info("Manual sync triggered")
	return o.drain(ctx, "manual")
}

func (o *Orchestrator) onConnectivity(online bool) {
	o.mu.Lock()
	reconnected := online && !o.wasOnline
	o.wasOnline = online
	o.mu.Unlock()

	if !online {
		o.logger.Info("Connectivity lost")
		return
	}
	if reconnected {
		o.logger.Info("Connectivity restored")
		select {
		case o.reconnectCh <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.periodic(ctx)
		case <-o.reconnectCh:
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(o.settle)
			settleC = settle.C
		case <-settleC:
			settleC = nil
			o.reconnect(ctx)
		case <-o.requestCh:
			if o.conn.IsOnline() {
				_, _ = o.drain(ctx, "request")
			}
		}
	}
}

func (o *Orchestrator) periodic(ctx context.Context) {
	if !o.conn.IsOnline() {
		return
	}
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		o.logger.Warn("Periodic sync check failed", "error", err)
		return
	}
	if stats.Pending+stats.Retryable == 0 {
		return
	}
	_, _ = o.drain(ctx, "periodic")
}

func (o *Orchestrator) reconnect(ctx context.Context) {
	if !o.conn.IsOnline() {
		return
	}
	_, _ = o.drain(ctx, "reconnect")
	if o.BackgroundSyncSupported() {
		if err := o.bg.Register(ctx); err != nil {
			o.logger.Warn("Background sync re-registration failed", "error", err)
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context, trigger string) (DrainResult, error) {
	res, err := o.executor.Drain(ctx)
	if err != nil {
		o.logger.Warn("Drain failed", "trigger", trigger, "error", err)
		return res, err
	}
	if res.Skipped {
		o.logger.Debug("Sync already in progress, skipping", "trigger", trigger)
		return res, nil
	}
	o.logger.Debug("Drain finished",
		"trigger", trigger,
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed)
	if o.afterDrain != nil {
		o.afterDrain(ctx)
	}
	return res, nil
}
