// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
)

// applyLocalEffect writes an enqueued operation's intent to the local entity
// tables, so the application sees its own edit before it reaches the remote.
// Writes leave the entity unsynced until the operation completes.
func (e *Engine) applyLocalEffect(ctx context.Context, op *SyncOperation) error {
	return e.applyPayloadLocally(ctx, op.Payload, op)
}

func (e *Engine) applyPayloadLocally(ctx context.Context, p Payload, op *SyncOperation) error {
	at := op.CreatedAt
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
		o.UpdatedAt = at
		return e.store.PutOrder(ctx, o, PutOptions{})

	case UpdateOrderPayload:
		o, err := e.store.GetOrder(ctx, v.OrderID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v.TableID != nil {
			o.TableID = *v.TableID
		}
		if v.Items != nil {
			o.Items = v.Items
			o.Total = OrderTotal(v.Items)
		}
		if v.Notes != nil {
			o.Notes = *v.Notes
		}
		o.UpdatedAt = at
		return e.store.PutOrder(ctx, *o, PutOptions{})

	case UpdateOrderStatusPayload:
		o, err := e.store.GetOrder(ctx, v.OrderID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		o.Status = v.Status.Normalize()
		o.UpdatedAt = at
		return e.store.PutOrder(ctx, *o, PutOptions{})

	case DeleteOrderPayload:
		err := e.store.DeleteEntity(ctx, EntityOrder, v.OrderID, PutOptions{})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err

	case UpdateTableStatusPayload:
		t, err := e.store.GetTable(ctx, v.TableID)
		if errors.Is(err, ErrNotFound) {
			t = &Table{ID: v.TableID, CreatedAt: at}
		} else if err != nil {
			return err
		}
		t.Status = v.Status
		t.UpdatedAt = at
		return e.store.PutTable(ctx, *t, PutOptions{})

	case CreatePaymentPayload:
		pay := v.Payment
		if pay.Status == "" {
			pay.Status = "completed"
		}
		if pay.CreatedAt.IsZero() {
			pay.CreatedAt = at
		}
		pay.UpdatedAt = at
		return e.store.PutPayment(ctx, pay, PutOptions{})

	case UpdateMenuItemPayload:
		m, err := e.store.GetMenuItem(ctx, v.MenuItemID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v.Name != nil {
			m.Name = *v.Name
		}
		if v.Category != nil {
			m.Category = *v.Category
		}
		if v.Price != nil {
			m.Price = *v.Price
		}
		if v.Available != nil {
			m.Available = *v.Available
		}
		m.UpdatedAt = at
		return e.store.PutMenuItem(ctx, *m, PutOptions{})

	case BatchOperationPayload:
		var errs []error
		for i, entry := range v.Operations {
			if err := e.applyPayloadLocally(ctx, entry.Payload, op); err != nil {
				errs = append(errs, fmt.Errorf("batch entry %d: %w", i, err))
			}
		}
		return errors.Join(errs...)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperationKind, p)
	}
}
