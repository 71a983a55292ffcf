// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

// storedEntity is an entity row as read back from its table.
type storedEntity struct {
	data    []byte
	synced  bool
	deleted bool
}

func loadEntity(ctx context.Context, q queryer, table, id string) (*storedEntity, error) {
	var (
		e    storedEntity
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT data, synced, deleted FROM `+table+` WHERE id = ?`, id).
		Scan(&data, &e.synced, &e.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.data = []byte(data)
	return &e, nil
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// domainKey is the canonical JSON of an entity without its timestamps.
// Map keys marshal sorted, so equal domains give equal keys.
func domainKey(m map[string]any) ([]byte, error) {
	d := make(map[string]any, len(m))
	for k, v := range m {
		if k == "created_at" || k == "updated_at" {
			continue
		}
		d[k] = v
	}
	return json.Marshal(d)
}

// putEntity upserts a record. A change to any domain field stores the record
// unsynced and stamps updated_at when the caller left it zero; MarkSynced
// stores it synced; an unchanged domain keeps the current flag.
func (s *Store) putEntity(ctx context.Context, t oversync.EntityType, id, status string, value any, opts oversync.PutOptions) error {
	if id == "" {
		return fmt.Errorf("%s id is required", t)
	}
	table, err := entityTable(t)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", t, id, err)
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", t, id, err)
	}
	newKey, err := domainKey(obj)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadEntity(ctx, tx, table, id)
		if err != nil {
			return fmt.Errorf("failed to load %s %s: %w", t, id, err)
		}

		changed := existing == nil || existing.deleted
		if !changed {
			old, err := decodeObject(existing.data)
			if err != nil {
				changed = true
			} else {
				oldKey, err := domainKey(old)
				changed = err != nil || !bytes.Equal(oldKey, newKey)
			}
		}

		synced := opts.MarkSynced || (!changed && existing.synced)

		now := s.now().UTC()
		if changed && !opts.MarkSynced && isZeroTime(obj["updated_at"]) {
			obj["updated_at"] = now.Format(time.RFC3339Nano)
		}
		if isZeroTime(obj["created_at"]) {
			obj["created_at"] = now.Format(time.RFC3339Nano)
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", t, id, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+table+` (id, status, data, synced, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				data = excluded.data,
				synced = excluded.synced,
				deleted = 0,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at`,
			id, status, string(data), synced, unixMs(parseTime(obj["created_at"])), unixMs(parseTime(obj["updated_at"])))
		if err != nil {
			return fmt.Errorf("failed to put %s %s: %w", t, id, err)
		}
		return nil
	})
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isZeroTime(v any) bool {
	return parseTime(v).IsZero()
}

func getEntity[T any](ctx context.Context, s *Store, t oversync.EntityType, id string) (*T, bool, error) {
	table, err := entityTable(t)
	if err != nil {
		return nil, false, err
	}
	e, err := loadEntity(ctx, s.DB, table, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s %s: %w", t, id, err)
	}
	if e == nil || e.deleted {
		return nil, false, fmt.Errorf("%s %s: %w", t, id, oversync.ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(e.data, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s %s: %w", t, id, err)
	}
	return &v, e.synced, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*oversync.Order, error) {
	o, synced, err := getEntity[oversync.Order](ctx, s, oversync.EntityOrder, id)
	if err != nil {
		return nil, err
	}
	o.Synced = synced
	return o, nil
}

func (s *Store) PutOrder(ctx context.Context, o oversync.Order, opts oversync.PutOptions) error {
	o.Status = o.Status.Normalize()
	return s.putEntity(ctx, oversync.EntityOrder, o.ID, string(o.Status), o, opts)
}

// ListOrdersByStatus returns live orders in status (normalised), by id.
func (s *Store) ListOrdersByStatus(ctx context.Context, status oversync.OrderStatus) ([]*oversync.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT data, synced FROM "orders" WHERE status = ? AND deleted = 0 ORDER BY id`,
		string(status.Normalize()))
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*oversync.Order
	for rows.Next() {
		var (
			data   string
			synced bool
		)
		if err := rows.Scan(&data, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var o oversync.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to decode order: %w", err)
		}
		o.Synced = synced
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *Store) GetTable(ctx context.Context, id string) (*oversync.Table, error) {
	v, synced, err := getEntity[oversync.Table](ctx, s, oversync.EntityTable, id)
	if err != nil {
		return nil, err
	}
	v.Synced = synced
	return v, nil
}

func (s *Store) PutTable(ctx context.Context, t oversync.Table, opts oversync.PutOptions) error {
	return s.putEntity(ctx, oversync.EntityTable, t.ID, string(t.Status), t, opts)
}

func (s *Store) GetMenuItem(ctx context.Context, id string) (*oversync.MenuItem, error) {
	v, synced, err := getEntity[oversync.MenuItem](ctx, s, oversync.EntityMenu, id)
	if err != nil {
		return nil, err
	}
	v.Synced = synced
	return v, nil
}

func (s *Store) PutMenuItem(ctx context.Context, m oversync.MenuItem, opts oversync.PutOptions) error {
	status := "unavailable"
	if m.Available {
		status = "available"
	}
	return s.putEntity(ctx, oversync.EntityMenu, m.ID, status, m, opts)
}

func (s *Store) GetPayment(ctx context.Context, id string) (*oversync.Payment, error) {
	v, synced, err := getEntity[oversync.Payment](ctx, s, oversync.EntityPayment, id)
	if err != nil {
		return nil, err
	}
	v.Synced = synced
	return v, nil
}

func (s *Store) PutPayment(ctx context.Context, p oversync.Payment, opts oversync.PutOptions) error {
	return s.putEntity(ctx, oversync.EntityPayment, p.ID, p.Status, p, opts)
}

// DeleteEntity tombstones a live record. Without MarkSynced the tombstone is
// unsynced until the delete reaches the remote.
func (s *Store) DeleteEntity(ctx context.Context, t oversync.EntityType, id string, opts oversync.PutOptions) error {
	table, err := entityTable(t)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx,
		`UPDATE `+table+` SET deleted = 1, synced = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		opts.MarkSynced, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", t, id, oversync.ErrNotFound)
	}
	return nil
}
