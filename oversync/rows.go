// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EntityRef names one local entity.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// ToRow converts a struct into a Row through its JSON form. Numbers are kept
// as json.Number so cent amounts survive unchanged.
func ToRow(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

// DecodeRow converts a Row into T through its JSON form.
func DecodeRow[T any](row Row) (T, error) {
	var out T
	b, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("failed to marshal row: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("failed to decode %T: %w", out, err)
	}
	return out, nil
}

// RowDeleted reports whether a fetched row is a tombstone.
func RowDeleted(row Row) bool {
	v, ok := row["deleted"].(bool)
	return ok && v
}

// RowID returns the row's "id" column as a string.
func RowID(row Row) string {
	if v, ok := row["id"].(string); ok {
		return v
	}
	return ""
}

// RowUpdatedAt parses the row's "updated_at" column, zero when absent.
func RowUpdatedAt(row Row) time.Time {
	switch v := row["updated_at"].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// remoteCallFor maps a single (non-batch) payload onto exactly one adapter call.
// at is the time the intent was recorded and becomes the row's updated_at.
func remoteCallFor(p Payload, at time.Time) (RemoteCall, error) {
	switch v := p.(type) {
	case CreateOrderPayload:
		o := v.Order
		o.Status = o.Status.Normalize()
		if o.Total == 0 {
			o.Total = OrderTotal(o.Items)
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = at
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = at
		}
		row, err := ToRow(o)
		if err != nil {
			return RemoteCall{}, err
		}
		return RemoteCall{Op: RemoteInsert, Table: RemoteTableOrders, Row: row}, nil

	case UpdateOrderPayload:
		row := Row{"updated_at": stamp(at)}
		if v.TableID != nil {
			row["table_id"] = *v.TableID
		}
		if v.Items != nil {
			row["items"] = v.Items
			row["total"] = OrderTotal(v.Items)
		}
		if v.Notes != nil {
			row["notes"] = *v.Notes
		}
		return RemoteCall{Op: RemoteUpdate, Table: RemoteTableOrders, Row: row, MatchID: v.OrderID}, nil

	case UpdateOrderStatusPayload:
		row := Row{"status": string(v.Status.Normalize()), "updated_at": stamp(at)}
		return RemoteCall{Op: RemoteUpdate, Table: RemoteTableOrders, Row: row, MatchID: v.OrderID}, nil

	case DeleteOrderPayload:
		return RemoteCall{Op: RemoteDelete, Table: RemoteTableOrders, MatchID: v.OrderID}, nil

	case UpdateTableStatusPayload:
		row := Row{"status": string(v.Status), "updated_at": stamp(at)}
		return RemoteCall{Op: RemoteUpdate, Table: RemoteTableTables, Row: row, MatchID: v.TableID}, nil

	case CreatePaymentPayload:
		pay := v.Payment
		if pay.Status == "" {
			pay.Status = "completed"
		}
		if pay.CreatedAt.IsZero() {
			pay.CreatedAt = at
		}
		if pay.UpdatedAt.IsZero() {
			pay.UpdatedAt = at
		}
		row, err := ToRow(pay)
		if err != nil {
			return RemoteCall{}, err
		}
		return RemoteCall{Op: RemoteInsert, Table: RemoteTablePayments, Row: row}, nil

	case UpdateMenuItemPayload:
		row := Row{"updated_at": stamp(at)}
		if v.Name != nil {
			row["name"] = *v.Name
		}
		if v.Category != nil {
			row["category"] = *v.Category
		}
		if v.Price != nil {
			row["price"] = *v.Price
		}
		if v.Available != nil {
			row["available"] = *v.Available
		}
		return RemoteCall{Op: RemoteUpdate, Table: RemoteTableMenuItems, Row: row, MatchID: v.MenuItemID}, nil

	case BatchOperationPayload:
		return RemoteCall{}, fmt.Errorf("%w: batch cannot map to a single call", ErrUnknownOperationKind)

	default:
		return RemoteCall{}, fmt.Errorf("%w: %T", ErrUnknownOperationKind, p)
	}
}

// remoteCallsFor expands an operation into its adapter calls in order.
func remoteCallsFor(op *SyncOperation) ([]RemoteCall, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("%w: operation %d has no payload", ErrUnknownOperationKind, op.ID)
	}
	batch, ok := op.Payload.(BatchOperationPayload)
	if !ok {
		call, err := remoteCallFor(op.Payload, op.CreatedAt)
		if err != nil {
			return nil, err
		}
		return []RemoteCall{call}, nil
	}
	calls := make([]RemoteCall, 0, len(batch.Operations))
	for i, entry := range batch.Operations {
		call, err := remoteCallFor(entry.Payload, op.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// targetsOf lists the entities an operation affects.
func targetsOf(op *SyncOperation) []EntityRef {
	refs := []EntityRef{{Type: op.EntityType, ID: op.EntityID}}
	if batch, ok := op.Payload.(BatchOperationPayload); ok {
		for _, entry := range batch.Operations {
			refs = append(refs, EntityRef{Type: entry.EntityType, ID: entry.EntityID})
		}
	}
	return refs
}
