// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed set of typed operation payloads, one variant per kind.
// Only types in this package implement it.
type Payload interface {
	Kind() OperationKind
	// EntityKey is the entity id the payload addresses, empty for batches.
	EntityKey() string
	Validate() error
	isPayload()
}

// CreateOrderPayload carries a full new order.
type CreateOrderPayload struct {
	Order Order `json:"order"`
}

// UpdateOrderPayload patches an order. Nil fields are left untouched.
type UpdateOrderPayload struct {
	OrderID string      `json:"order_id"`
	TableID *string     `json:"table_id,omitempty"`
	Items   []OrderItem `json:"items,omitempty"`
	Notes   *string     `json:"notes,omitempty"`
}

// UpdateOrderStatusPayload moves an order through its lifecycle.
type UpdateOrderStatusPayload struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// DeleteOrderPayload removes an order.
type DeleteOrderPayload struct {
	OrderID string `json:"order_id"`
}

// UpdateTableStatusPayload changes a table's occupancy state.
type UpdateTableStatusPayload struct {
	TableID string      `json:"table_id"`
	Status  TableStatus `json:"status"`
}

// CreatePaymentPayload records a payment.
type CreatePaymentPayload struct {
	Payment Payment `json:"payment"`
}

// UpdateMenuItemPayload patches a menu item. Nil fields are left untouched.
type UpdateMenuItemPayload struct {
	MenuItemID string  `json:"menu_item_id"`
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	Price      *int64  `json:"price,omitempty"`
	Available  *bool   `json:"available,omitempty"`
}

// BatchEntry is one nested operation of a batch.
type BatchEntry struct {
	Kind       OperationKind `json:"kind"`
	EntityType EntityType    `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Payload    Payload       `json:"payload"`
}

// BatchOperationPayload groups operations that must reach the remote together.
type BatchOperationPayload struct {
	Operations []BatchEntry `json:"operations"`
}

func (CreateOrderPayload) Kind() OperationKind       { return KindCreateOrder }
func (UpdateOrderPayload) Kind() OperationKind       { return KindUpdateOrder }
func (UpdateOrderStatusPayload) Kind() OperationKind { return KindUpdateOrderStatus }
func (DeleteOrderPayload) Kind() OperationKind       { return KindDeleteOrder }
func (UpdateTableStatusPayload) Kind() OperationKind { return KindUpdateTableStatus }
func (CreatePaymentPayload) Kind() OperationKind     { return KindCreatePayment }
func (UpdateMenuItemPayload) Kind() OperationKind    { return KindUpdateMenuItem }
func (BatchOperationPayload) Kind() OperationKind    { return KindBatchOperation }

func (p CreateOrderPayload) EntityKey() string       { return p.Order.ID }
func (p UpdateOrderPayload) EntityKey() string       { return p.OrderID }
func (p UpdateOrderStatusPayload) EntityKey() string { return p.OrderID }
func (p DeleteOrderPayload) EntityKey() string       { return p.OrderID }
func (p UpdateTableStatusPayload) EntityKey() string { return p.TableID }
func (p CreatePaymentPayload) EntityKey() string     { return p.Payment.ID }
func (p UpdateMenuItemPayload) EntityKey() string    { return p.MenuItemID }
func (p BatchOperationPayload) EntityKey() string    { return "" }

func (CreateOrderPayload) isPayload()       {}
func (UpdateOrderPayload) isPayload()       {}
func (UpdateOrderStatusPayload) isPayload() {}
func (DeleteOrderPayload) isPayload()       {}
func (UpdateTableStatusPayload) isPayload() {}
func (CreatePaymentPayload) isPayload()     {}
func (UpdateMenuItemPayload) isPayload()    {}
func (BatchOperationPayload) isPayload()    {}

func validateItems(kind OperationKind, items []OrderItem) error {
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		if it.MenuItemID == "" {
			return invalid(kind, field+".menu_item_id", "required")
		}
		if it.Quantity <= 0 {
			return invalid(kind, field+".quantity", "must be positive")
		}
		if it.UnitPrice < 0 {
			return invalid(kind, field+".unit_price", "must not be negative")
		}
	}
	return nil
}

func (p CreateOrderPayload) Validate() error {
	if p.Order.ID == "" {
		return invalid(KindCreateOrder, "order.id", "required")
	}
	if p.Order.Status == "" {
		return invalid(KindCreateOrder, "order.status", "required")
	}
	if !p.Order.Status.Known() {
		return invalid(KindCreateOrder, "order.status", fmt.Sprintf("unknown status %q", p.Order.Status))
	}
	if p.Order.Total < 0 {
		return invalid(KindCreateOrder, "order.total", "must not be negative")
	}
	return validateItems(KindCreateOrder, p.Order.Items)
}

func (p UpdateOrderPayload) Validate() error {
	if p.OrderID == "" {
		return invalid(KindUpdateOrder, "order_id", "required")
	}
	if p.TableID == nil && p.Items == nil && p.Notes == nil {
		return invalid(KindUpdateOrder, "", "no fields to update")
	}
	return validateItems(KindUpdateOrder, p.Items)
}

func (p UpdateOrderStatusPayload) Validate() error {
	if p.OrderID == "" {
		return invalid(KindUpdateOrderStatus, "order_id", "required")
	}
	if p.Status == "" {
		return invalid(KindUpdateOrderStatus, "status", "required")
	}
	if !p.Status.Known() {
		return invalid(KindUpdateOrderStatus, "status", fmt.Sprintf("unknown status %q", p.Status))
	}
	return nil
}

func (p DeleteOrderPayload) Validate() error {
	if p.OrderID == "" {
		return invalid(KindDeleteOrder, "order_id", "required")
	}
	return nil
}

func (p UpdateTableStatusPayload) Validate() error {
	if p.TableID == "" {
		return invalid(KindUpdateTableStatus, "table_id", "required")
	}
	switch p.Status {
	case TableFree, TableOccupied, TableReserved, TableCleaning:
		return nil
	case "":
		return invalid(KindUpdateTableStatus, "status", "required")
	default:
		return invalid(KindUpdateTableStatus, "status", fmt.Sprintf("unknown status %q", p.Status))
	}
}

func (p CreatePaymentPayload) Validate() error {
	if p.Payment.ID == "" {
		return invalid(KindCreatePayment, "payment.id", "required")
	}
	if p.Payment.OrderID == "" {
		return invalid(KindCreatePayment, "payment.order_id", "required")
	}
	if p.Payment.Amount <= 0 {
		return invalid(KindCreatePayment, "payment.amount", "must be positive")
	}
	if !p.Payment.Method.Valid() {
		return invalid(KindCreatePayment, "payment.method", fmt.Sprintf("unknown method %q", p.Payment.Method))
	}
	return nil
}

func (p UpdateMenuItemPayload) Validate() error {
	if p.MenuItemID == "" {
		return invalid(KindUpdateMenuItem, "menu_item_id", "required")
	}
	if p.Name == nil && p.Category == nil && p.Price == nil && p.Available == nil {
		return invalid(KindUpdateMenuItem, "", "no fields to update")
	}
	if p.Name != nil && *p.Name == "" {
		return invalid(KindUpdateMenuItem, "name", "must not be empty")
	}
	if p.Price != nil && *p.Price < 0 {
		return invalid(KindUpdateMenuItem, "price", "must not be negative")
	}
	return nil
}

func (p BatchOperationPayload) Validate() error {
	if len(p.Operations) == 0 {
		return invalid(KindBatchOperation, "operations", "must not be empty")
	}
	for i, entry := range p.Operations {
		field := fmt.Sprintf("operations[%d]", i)
		if entry.Kind == KindBatchOperation {
			return invalid(KindBatchOperation, field+".kind", "batches cannot be nested")
		}
		if entry.Payload == nil {
			return invalid(KindBatchOperation, field+".payload", "required")
		}
		if entry.Payload.Kind() != entry.Kind {
			return invalid(KindBatchOperation, field+".payload",
				fmt.Sprintf("payload is %s, entry kind is %s", entry.Payload.Kind(), entry.Kind))
		}
		if want, ok := EntityTypeForKind(entry.Kind); !ok || want != entry.EntityType {
			return invalid(KindBatchOperation, field+".entity_type",
				fmt.Sprintf("%s does not target %q", entry.Kind, entry.EntityType))
		}
		if entry.EntityID == "" || entry.EntityID != entry.Payload.EntityKey() {
			return invalid(KindBatchOperation, field+".entity_id", "must match payload id")
		}
		if err := entry.Payload.Validate(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

type batchEntryWire struct {
	Kind       OperationKind   `json:"kind"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (e *BatchEntry) UnmarshalJSON(data []byte) error {
	var w batchEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Kind = w.Kind
	e.EntityType = w.EntityType
	e.EntityID = w.EntityID
	e.Payload = p
	return nil
}

// DecodePayload parses raw JSON into the payload variant for kind.
func DecodePayload(kind OperationKind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, invalid(kind, "payload", "required")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCreateOrder:
		var v CreateOrderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdateOrder:
		var v UpdateOrderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdateOrderStatus:
		var v UpdateOrderStatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindDeleteOrder:
		var v DeleteOrderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdateTableStatus:
		var v UpdateTableStatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCreatePayment:
		var v CreatePaymentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdateMenuItem:
		var v UpdateMenuItemPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBatchOperation:
		var v BatchOperationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperationKind, kind)
	}
	if err != nil {
		return nil, invalid(kind, "payload", fmt.Sprintf("malformed JSON: %v", err))
	}
	return p, nil
}

// EncodePayload serialises a payload for the operation log.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return b, nil
}
