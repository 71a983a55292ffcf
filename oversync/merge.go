// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Strategy is a conflict resolution policy.
type Strategy int

const (
	StrategyClientWins Strategy = iota
	StrategyServerWins
	StrategyLastWriteWins
	StrategyMergeFields
	StrategyManual
)

func (s Strategy) String() string {
	switch s {
	case StrategyClientWins:
		return "client-wins"
	case StrategyServerWins:
		return "server-wins"
	case StrategyLastWriteWins:
		return "last-write-wins"
	case StrategyMergeFields:
		return "merge-fields"
	case StrategyManual:
		return "manual"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the hyphenated names, underscores or spaces.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "client-wins":
		return StrategyClientWins, nil
	case "server-wins":
		return StrategyServerWins, nil
	case "last-write-wins", "lww":
		return StrategyLastWriteWins, nil
	case "merge-fields", "merge":
		return StrategyMergeFields, nil
	case "manual":
		return StrategyManual, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultStrategy is the per-entity policy: orders merge field-aware, every
// other entity is server-authoritative.
func DefaultStrategy(t EntityType) Strategy {
	if t == EntityOrder {
		return StrategyMergeFields
	}
	return StrategyServerWins
}

// OrderMergeResult is the outcome of merging a local and a remote order.
// When RequiresManualReview is set, Order is the untouched local copy.
type OrderMergeResult struct {
	Order                Order
	RequiresManualReview bool
	Reason               string
}

// irreconcilable reports status pairs no automatic rule may decide: a settled
// local order facing an earlier remote stage, or a paid order cancelled remotely.
func irreconcilable(local, remote OrderStatus) (string, bool) {
	l, r := local.Normalize(), remote.Normalize()
	if l == OrderPaid && r == OrderCancelled {
		return "local order is paid but remote cancelled it", true
	}
	if !l.Settled() {
		return "", false
	}
	lr, _ := l.Rank()
	rr, ok := r.Rank()
	if ok && rr < lr {
		return fmt.Sprintf("local order is %s but remote moved it back to %s", l, r), true
	}
	return "", false
}

// MergeOrders reconciles two versions of one order. Remote status changes are
// authoritative; with equal statuses a newer local copy is kept unsynced,
// otherwise the remote copy is adopted as synced.
func MergeOrders(local, remote Order) OrderMergeResult {
	if reason, bad := irreconcilable(local.Status, remote.Status); bad {
		return OrderMergeResult{Order: local, RequiresManualReview: true, Reason: reason}
	}
	if !SameOrderStatus(local.Status, remote.Status) {
		merged := remote
		merged.Synced = true
		return OrderMergeResult{Order: merged}
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		merged := local
		merged.Synced = false
		return OrderMergeResult{Order: merged}
	}
	merged := remote
	merged.Synced = true
	return OrderMergeResult{Order: merged}
}

// MergeTables discards local table edits in favour of the server.
func MergeTables(_, remote Table) Table {
	remote.Synced = true
	return remote
}

// MergeMenuItems discards local menu edits in favour of the server.
func MergeMenuItems(_, remote MenuItem) MenuItem {
	remote.Synced = true
	return remote
}

// MergePayments discards local payment edits in favour of the server.
func MergePayments(_, remote Payment) Payment {
	remote.Synced = true
	return remote
}

type snapshotTimes struct {
	UpdatedAt time.Time `json:"updated_at"`
}

func snapshotUpdatedAt(raw json.RawMessage) time.Time {
	var t snapshotTimes
	_ = json.Unmarshal(raw, &t)
	return t.UpdatedAt
}

// ChooseWinner applies strategy to a stored conflict and returns the snapshot
// that should become the agreed state.
func ChooseWinner(entry *ConflictLogEntry, strategy Strategy, manual json.RawMessage) (json.RawMessage, error) {
	switch strategy {
	case StrategyServerWins:
		return entry.RemoteSnapshot, nil
	case StrategyClientWins:
		return entry.LocalSnapshot, nil
	case StrategyLastWriteWins:
		if snapshotUpdatedAt(entry.LocalSnapshot).After(snapshotUpdatedAt(entry.RemoteSnapshot)) {
			return entry.LocalSnapshot, nil
		}
		return entry.RemoteSnapshot, nil
	case StrategyMergeFields:
		if entry.Table != RemoteTableOrders {
			return nil, fmt.Errorf("%w: %s only applies to %s, got %s", ErrStrategyNotApplicable, strategy, RemoteTableOrders, entry.Table)
		}
		var local, remote Order
		if err := json.Unmarshal(entry.LocalSnapshot, &local); err != nil {
			return nil, fmt.Errorf("failed to decode local snapshot: %w", err)
		}
		if err := json.Unmarshal(entry.RemoteSnapshot, &remote); err != nil {
			return nil, fmt.Errorf("failed to decode remote snapshot: %w", err)
		}
		res := MergeOrders(local, remote)
		if res.RequiresManualReview {
			return nil, fmt.Errorf("%w: %s", ErrStrategyNotApplicable, res.Reason)
		}
		return json.Marshal(res.Order)
	case StrategyManual:
		if len(manual) == 0 || string(manual) == "null" {
			return nil, ErrManualDataRequired
		}
		return manual, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotApplicable, strategy)
	}
}

// Resolver runs merges that have side effects on the conflict log.
type Resolver struct {
	store  ConflictStore
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver that logs conflicts into store.
func NewResolver(store ConflictStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, now: time.Now, logger: logger}
}

// MergeOrders merges like the pure MergeOrders and records a pending conflict
// when the pair needs manual review.
func (r *Resolver) MergeOrders(ctx context.Context, local, remote Order) (OrderMergeResult, error) {
	res := MergeOrders(local, remote)
	if !res.RequiresManualReview {
		return res, nil
	}
	if _, err := r.LogConflict(ctx, local, remote); err != nil {
		return res, err
	}
	r.logger.Warn("Order requires manual review",
		"order_id", local.ID,
		"local_status", local.Status,
		"remote_status", remote.Status,
		"reason", res.Reason)
	return res, nil
}

// LogConflict appends a pending conflict entry with both snapshots. A record
// that already has a pending entry keeps it and its id is returned.
func (r *Resolver) LogConflict(ctx context.Context, local, remote Record) (int64, error) {
	table, recordID := local.EntityType().RemoteTable(), local.RecordID()
	existing, err := r.store.PendingConflictFor(ctx, table, recordID)
	switch {
	case err == nil:
		r.logger.Debug("Conflict already pending", "conflict_id", existing.ID, "table", table, "record_id", recordID)
		return existing.ID, nil
	case !errors.Is(err, ErrNotFound):
		return 0, err
	}

	ls, err := json.Marshal(local)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot local record: %w", err)
	}
	rs, err := json.Marshal(remote)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot remote record: %w", err)
	}
	entry := &ConflictLogEntry{
		Table:          table,
		RecordID:       recordID,
		LocalSnapshot:  ls,
		RemoteSnapshot: rs,
		Timestamp:      r.now().UTC(),
		Status:         ConflictPending,
	}
	id, err := r.store.InsertConflict(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("failed to log conflict for %s %s: %w", entry.Table, entry.RecordID, err)
	}
	return id, nil
}
