// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpDrain     = "drain"
	MetricsOpSyncOne   = "sync_one"
	MetricsOpPull      = "pull"
	MetricsOpResolve   = "resolve_conflict"
	MetricsStageTotal  = "total"
	MetricsStageRemote = "remote"
	MetricsStageApply  = "apply"
	MetricsStageFetch  = "fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the executor, reconciler and orchestrator.
// The zero value and a nil pointer record nothing.
type stageObserver struct {
	recorder   StageMetricsRecorder
	logTimings bool
	logger     *slog.Logger
}

func (s *stageObserver) enabled() bool {
	return s != nil && (s.recorder != nil || s.logTimings)
}

func (s *stageObserver) start() time.Time {
	if !s.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || !s.enabled() {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if s.recorder != nil {
		s.recorder.ObserveStage(ctx, timing)
	}
	if s.logTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
