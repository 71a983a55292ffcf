// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ApplyOutcome describes what happened to a remote record applied locally.
type ApplyOutcome string

const (
	OutcomeAdopted      ApplyOutcome = "adopted"       // stored as the new synced state
	OutcomeMerged       ApplyOutcome = "merged"        // conflict resolved by the entity's default strategy
	OutcomeKeptLocal    ApplyOutcome = "kept_local"    // local edits are newer and stay queued
	OutcomeManualReview ApplyOutcome = "manual_review" // logged as a pending conflict
	OutcomeDeleted      ApplyOutcome = "deleted"
	OutcomeSkipped      ApplyOutcome = "skipped"
)

// PullResult counts the rows handled by one pull.
type PullResult struct {
	Fetched   int `json:"fetched" yaml:"fetched"`
	Applied   int `json:"applied" yaml:"applied"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	Errors    int `json:"errors" yaml:"errors"`
}

var pullTables = []string{RemoteTableTables, RemoteTableMenuItems, RemoteTableOrders, RemoteTablePayments}

func watermarkKey(table string) string { return "pull:" + table }

// ApplyRemoteOrder reconciles an incoming remote order with the local copy.
func (e *Engine) ApplyRemoteOrder(ctx context.Context, remote Order) (ApplyOutcome, error) {
	remote.Status = remote.Status.Normalize()
	ref := EntityRef{Type: EntityOrder, ID: remote.ID}
	put := func(opts PutOptions) error { return e.store.PutOrder(ctx, remote, opts) }

	local, err := e.store.GetOrder(ctx, remote.ID)
	if errors.Is(err, ErrNotFound) {
		return e.applyServerVersion(ctx, ref, false, put)
	}
	if err != nil {
		return "", err
	}
	if !HasConflict(local, remote) {
		return e.applyServerVersion(ctx, ref, true, put)
	}

	res, err := e.resolver.MergeOrders(ctx, *local, remote)
	if err != nil {
		return "", err
	}
	if res.RequiresManualReview {
		return OutcomeManualReview, nil
	}
	if res.Order.Synced {
		merged := res.Order
		return OutcomeMerged, e.supersedeAndStore(ctx, ref, func(opts PutOptions) error {
			return e.store.PutOrder(ctx, merged, opts)
		})
	}

	if err := e.store.PutOrder(ctx, res.Order, PutOptions{}); err != nil {
		return "", err
	}
	live, err := e.store.HasLiveOperations(ctx, EntityOrder, res.Order.ID, 0)
	if err != nil {
		return "", err
	}
	if !live {
		notes := res.Order.Notes
		tableID := res.Order.TableID
		items := res.Order.Items
		if items == nil {
			items = []OrderItem{}
		}
		payload := UpdateOrderPayload{OrderID: res.Order.ID, TableID: &tableID, Items: items, Notes: &notes}
		if _, err := e.queue.Enqueue(ctx, KindUpdateOrder, EntityOrder, res.Order.ID, payload); err != nil {
			return "", fmt.Errorf("failed to requeue kept order %s: %w", res.Order.ID, err)
		}
	}
	return OutcomeKeptLocal, nil
}

// ApplyRemoteTable stores the remote table; tables are server-authoritative.
func (e *Engine) ApplyRemoteTable(ctx context.Context, remote Table) (ApplyOutcome, error) {
	local, err := e.store.GetTable(ctx, remote.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	ref := EntityRef{Type: EntityTable, ID: remote.ID}
	if local != nil && HasConflict(local, remote) {
		e.logger.Info("Discarding local table edits", "table_id", remote.ID, "diff", DomainDiff(local, remote))
		merged := MergeTables(*local, remote)
		return OutcomeMerged, e.supersedeAndStore(ctx, ref, func(opts PutOptions) error {
			return e.store.PutTable(ctx, merged, opts)
		})
	}
	return e.applyServerVersion(ctx, ref, local != nil, func(opts PutOptions) error {
		return e.store.PutTable(ctx, remote, opts)
	})
}

// ApplyRemoteMenuItem stores the remote menu item; menu items are server-authoritative.
func (e *Engine) ApplyRemoteMenuItem(ctx context.Context, remote MenuItem) (ApplyOutcome, error) {
	local, err := e.store.GetMenuItem(ctx, remote.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	ref := EntityRef{Type: EntityMenu, ID: remote.ID}
	if local != nil && HasConflict(local, remote) {
		e.logger.Info("Discarding local menu item edits", "menu_item_id", remote.ID, "diff", DomainDiff(local, remote))
		merged := MergeMenuItems(*local, remote)
		return OutcomeMerged, e.supersedeAndStore(ctx, ref, func(opts PutOptions) error {
			return e.store.PutMenuItem(ctx, merged, opts)
		})
	}
	return e.applyServerVersion(ctx, ref, local != nil, func(opts PutOptions) error {
		return e.store.PutMenuItem(ctx, remote, opts)
	})
}

// ApplyRemotePayment stores the remote payment; payments are server-authoritative.
func (e *Engine) ApplyRemotePayment(ctx context.Context, remote Payment) (ApplyOutcome, error) {
	local, err := e.store.GetPayment(ctx, remote.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	ref := EntityRef{Type: EntityPayment, ID: remote.ID}
	if local != nil && HasConflict(local, remote) {
		e.logger.Info("Discarding local payment edits", "payment_id", remote.ID, "diff", DomainDiff(local, remote))
		merged := MergePayments(*local, remote)
		return OutcomeMerged, e.supersedeAndStore(ctx, ref, func(opts PutOptions) error {
			return e.store.PutPayment(ctx, merged, opts)
		})
	}
	return e.applyServerVersion(ctx, ref, local != nil, func(opts PutOptions) error {
		return e.store.PutPayment(ctx, remote, opts)
	})
}

// applyServerVersion stores a remote record that does not conflict with the
// local copy. It is only marked synced when no live operation targets it; a
// record missing locally while operations are queued (a pending delete) is
// left alone.
func (e *Engine) applyServerVersion(ctx context.Context, ref EntityRef, found bool, put func(PutOptions) error) (ApplyOutcome, error) {
	live, err := e.store.HasLiveOperations(ctx, ref.Type, ref.ID, 0)
	if err != nil {
		return "", err
	}
	if live && !found {
		return OutcomeSkipped, nil
	}
	if err := put(PutOptions{MarkSynced: !live}); err != nil {
		return "", err
	}
	return OutcomeAdopted, nil
}

// supersedeAndStore retires the live operations of a record whose server
// version won, then stores that version as synced.
func (e *Engine) supersedeAndStore(ctx context.Context, ref EntityRef, put func(PutOptions) error) error {
	return e.queue.settle(func() error {
		n, err := e.store.SupersedeOperations(ctx, ref, e.now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Info("Superseded queued operations", "entity_type", ref.Type, "entity_id", ref.ID, "count", n)
		}
		return put(PutOptions{MarkSynced: true})
	})
}

// ApplyRemoteDeletion applies a remote tombstone. A local record with queued
// operations is left alone; those operations settle it.
func (e *Engine) ApplyRemoteDeletion(ctx context.Context, t EntityType, id string) (ApplyOutcome, error) {
	live, err := e.store.HasLiveOperations(ctx, t, id, 0)
	if err != nil {
		return "", err
	}
	if live {
		return OutcomeSkipped, nil
	}
	err = e.store.DeleteEntity(ctx, t, id, PutOptions{MarkSynced: true})
	if errors.Is(err, ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeDeleted, nil
}

func (e *Engine) applyRemoteRow(ctx context.Context, t EntityType, row Row) (ApplyOutcome, error) {
	if RowDeleted(row) {
		return e.ApplyRemoteDeletion(ctx, t, RowID(row))
	}
	switch t {
	case EntityOrder:
		o, err := DecodeRow[Order](row)
		if err != nil {
			return "", err
		}
		return e.ApplyRemoteOrder(ctx, o)
	case EntityTable:
		v, err := DecodeRow[Table](row)
		if err != nil {
			return "", err
		}
		return e.ApplyRemoteTable(ctx, v)
	case EntityMenu:
		v, err := DecodeRow[MenuItem](row)
		if err != nil {
			return "", err
		}
		return e.ApplyRemoteMenuItem(ctx, v)
	case EntityPayment:
		v, err := DecodeRow[Payment](row)
		if err != nil {
			return "", err
		}
		return e.ApplyRemotePayment(ctx, v)
	default:
		return "", fmt.Errorf("unknown entity type %q", t)
	}
}

// Pull fetches remote rows changed since each table's watermark and reconciles
// them. A table's watermark only advances when all of its rows applied.
// Adapters without RemoteFetcher make Pull a no-op.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	fetcher, ok := e.remote.(RemoteFetcher)
	if !ok {
		return res, nil
	}
	start := e.metrics.start()

	for _, table := range pullTables {
		et, _ := EntityTypeForTable(table)
		key := watermarkKey(table)
		since, err := e.store.GetLastSyncTimestamp(ctx, key)
		if err != nil {
			return res, fmt.Errorf("failed to read watermark %s: %w", key, err)
		}

		fetchStart := e.metrics.start()
		rows, err := fetcher.Fetch(ctx, table, since)
		e.metrics.observe(ctx, MetricsOpPull, MetricsStageFetch, fetchStart, len(rows), 1, err != nil)
		if err != nil {
			e.metrics.observe(ctx, MetricsOpPull, MetricsStageTotal, start, res.Fetched, 1, true)
			return res, fmt.Errorf("failed to fetch %s: %w", table, err)
		}
		res.Fetched += len(rows)

		high := since
		clean := true
		applyStart := e.metrics.start()
		for _, row := range rows {
			outcome, err := e.applyRemoteRow(ctx, et, row)
			if err != nil {
				res.Errors++
				clean = false
				e.logger.Warn("Failed to apply remote row", "table", table, "id", RowID(row), "error", err)
				continue
			}
			switch outcome {
			case OutcomeManualReview, OutcomeKeptLocal, OutcomeMerged:
				res.Conflicts++
			}
			res.Applied++
			if ts := RowUpdatedAt(row); ts.After(high) {
				high = ts
			}
		}
		e.metrics.observe(ctx, MetricsOpPull, MetricsStageApply, applyStart, len(rows), 1, !clean)
		if clean && high.After(since) {
			if err := e.store.SetLastSyncTimestamp(ctx, key, high); err != nil {
				return res, fmt.Errorf("failed to write watermark %s: %w", key, err)
			}
		}
	}

	e.metrics.observe(ctx, MetricsOpPull, MetricsStageTotal, start, res.Fetched, 1, res.Errors > 0)
	return res, nil
}

func snapshotRow(raw json.RawMessage) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("winning data is not a JSON object: %w", err)
	}
	if row == nil {
		return nil, errors.New("winning data is empty")
	}
	return row, nil
}

// ResolveConflict applies strategy to a pending conflict, pushes the winning
// data to the remote, marks the conflict resolved while retiring the record's
// queued operations, and stores the winner locally as synced. Manual requires
// manualData.
func (e *Engine) ResolveConflict(ctx context.Context, id int64, strategy Strategy, manualData json.RawMessage) error {
	start := e.metrics.start()
	err := e.resolveConflict(ctx, id, strategy, manualData)
	e.metrics.observe(ctx, MetricsOpResolve, MetricsStageTotal, start, 1, 1, err != nil)
	return err
}

func (e *Engine) resolveConflict(ctx context.Context, id int64, strategy Strategy, manualData json.RawMessage) error {
	entry, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != ConflictPending {
		return fmt.Errorf("%w: conflict %d is %s", ErrConflictResolved, id, entry.Status)
	}
	et, ok := EntityTypeForTable(entry.Table)
	if !ok {
		return fmt.Errorf("conflict %d names unknown table %q", id, entry.Table)
	}

	winner, err := ChooseWinner(entry, strategy, manualData)
	if err != nil {
		return err
	}
	row, err := snapshotRow(winner)
	if err != nil {
		return err
	}
	row["id"] = entry.RecordID
	row["updated_at"] = stamp(e.now())

	if e.remote == nil {
		return errors.New("no remote adapter configured")
	}
	if _, err := e.remote.Update(ctx, entry.Table, row, entry.RecordID); err != nil {
		if !errors.Is(err, ErrRemoteRowNotFound) {
			return fmt.Errorf("failed to push resolution of conflict %d: %w", id, err)
		}
		if _, err := e.remote.Insert(ctx, entry.Table, row); err != nil {
			return fmt.Errorf("failed to push resolution of conflict %d: %w", id, err)
		}
	}

	ref := EntityRef{Type: et, ID: entry.RecordID}
	var superseded int
	err = e.queue.settle(func() error {
		n, err := e.store.SettleConflict(ctx, id, strategy, e.now().UTC(), ref)
		if err != nil {
			return err
		}
		superseded = n
		return e.storeSynced(ctx, et, row)
	})
	if err != nil {
		return err
	}
	e.logger.Info("Conflict resolved",
		"conflict_id", id,
		"table", entry.Table,
		"record_id", entry.RecordID,
		"strategy", strategy,
		"superseded_ops", superseded)
	return nil
}

func (e *Engine) storeSynced(ctx context.Context, t EntityType, row Row) error {
	synced := PutOptions{MarkSynced: true}
	switch t {
	case EntityOrder:
		v, err := DecodeRow[Order](row)
		if err != nil {
			return err
		}
		v.Status = v.Status.Normalize()
		return e.store.PutOrder(ctx, v, synced)
	case EntityTable:
		v, err := DecodeRow[Table](row)
		if err != nil {
			return err
		}
		return e.store.PutTable(ctx, v, synced)
	case EntityMenu:
		v, err := DecodeRow[MenuItem](row)
		if err != nil {
			return err
		}
		return e.store.PutMenuItem(ctx, v, synced)
	case EntityPayment:
		v, err := DecodeRow[Payment](row)
		if err != nil {
			return err
		}
		return e.store.PutPayment(ctx, v, synced)
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
}

// IgnoreConflict closes a pending conflict without changing any data.
func (e *Engine) IgnoreConflict(ctx context.Context, id int64) error {
	if err := e.store.CloseConflict(ctx, id, ConflictIgnored, nil, e.now().UTC()); err != nil {
		return err
	}
	e.logger.Info("Conflict ignored", "conflict_id", id)
	return nil
}
