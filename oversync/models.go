// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"strings"
	"time"
)

// SyncOperation is a queued mutation intent.
type SyncOperation struct {
	ID          int64           `json:"id"`
	Kind        OperationKind   `json:"kind"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Payload     Payload         `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      OperationStatus `json:"status"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	LastRetryAt *time.Time      `json:"last_retry_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Record is implemented by every local entity kept in the store.
type Record interface {
	EntityType() EntityType
	RecordID() string
	IsSynced() bool
	LastUpdated() time.Time
}

// OrderStatus is the order lifecycle state. Values are compared after Normalize,
// so Spanish spellings used by older clients map onto the same stage.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderDelivered OrderStatus = "delivered"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

var orderStatusAliases = map[string]OrderStatus{
	"pendiente":      OrderPending,
	"abierto":        OrderOpen,
	"abierta":        OrderOpen,
	"preparando":     OrderPreparing,
	"en_preparacion": OrderPreparing,
	"listo":          OrderReady,
	"lista":          OrderReady,
	"entregado":      OrderDelivered,
	"entregada":      OrderDelivered,
	"pagado":         OrderPaid,
	"pagada":         OrderPaid,
	"cancelado":      OrderCancelled,
	"cancelada":      OrderCancelled,
}

var orderStatusRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderOpen:      1,
	OrderPreparing: 2,
	OrderReady:     3,
	OrderDelivered: 4,
	OrderPaid:      5,
}

// Normalize maps aliases and casing onto the canonical status.
func (s OrderStatus) Normalize() OrderStatus {
	v := strings.ToLower(strings.TrimSpace(string(s)))
	if alias, ok := orderStatusAliases[v]; ok {
		return alias
	}
	return OrderStatus(v)
}

// Rank returns the lifecycle position. Cancelled and unknown statuses have no rank.
func (s OrderStatus) Rank() (int, bool) {
	r, ok := orderStatusRank[s.Normalize()]
	return r, ok
}

// Settled reports whether the order has been handed over or paid.
func (s OrderStatus) Settled() bool {
	n := s.Normalize()
	return n == OrderDelivered || n == OrderPaid
}

// Known reports whether s is a recognised lifecycle status.
func (s OrderStatus) Known() bool {
	n := s.Normalize()
	_, ranked := orderStatusRank[n]
	return ranked || n == OrderCancelled
}

// SameOrderStatus compares two statuses after normalisation.
func SameOrderStatus(a, b OrderStatus) bool {
	return a.Normalize() == b.Normalize()
}

// OrderItem is a line of an order.
type OrderItem struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	Notes      string `json:"notes,omitempty"`
}

// OrderTotal sums quantity * unit price over items, in cents.
func OrderTotal(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}

// Order is the local order record. Amounts are in cents.
type Order struct {
	ID        string      `json:"id"`
	TableID   string      `json:"table_id,omitempty"`
	Status    OrderStatus `json:"status"`
	Items     []OrderItem `json:"items,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Total     int64       `json:"total"`
	CreatedAt time.Time   `json:"created_at,omitzero"`
	UpdatedAt time.Time   `json:"updated_at,omitzero"`
	Synced    bool        `json:"-"`
}

func (o Order) EntityType() EntityType { return EntityOrder }
func (o Order) RecordID() string       { return o.ID }
func (o Order) IsSynced() bool         { return o.Synced }
func (o Order) LastUpdated() time.Time { return o.UpdatedAt }

// TableStatus is the occupancy state of a dining table.
type TableStatus string

const (
	TableFree     TableStatus = "free"
	TableOccupied TableStatus = "occupied"
	TableReserved TableStatus = "reserved"
	TableCleaning TableStatus = "cleaning"
)

// Table is a dining table. Tables are server-authoritative.
type Table struct {
	ID        string      `json:"id"`
	Number    int         `json:"number"`
	Zone      string      `json:"zone,omitempty"`
	Capacity  int         `json:"capacity,omitempty"`
	Status    TableStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at,omitzero"`
	UpdatedAt time.Time   `json:"updated_at,omitzero"`
	Synced    bool        `json:"-"`
}

func (t Table) EntityType() EntityType { return EntityTable }
func (t Table) RecordID() string       { return t.ID }
func (t Table) IsSynced() bool         { return t.Synced }
func (t Table) LastUpdated() time.Time { return t.UpdatedAt }

// MenuItem is a sellable menu entry. Prices are in cents.
type MenuItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Price     int64     `json:"price"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Synced    bool      `json:"-"`
}

func (m MenuItem) EntityType() EntityType { return EntityMenu }
func (m MenuItem) RecordID() string       { return m.ID }
func (m MenuItem) IsSynced() bool         { return m.Synced }
func (m MenuItem) LastUpdated() time.Time { return m.UpdatedAt }

// PaymentMethod is how a payment was taken.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentQR       PaymentMethod = "qr"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentQR:
		return true
	default:
		return false
	}
}

// Payment records money taken against an order.
type Payment struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"order_id"`
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Status    string        `json:"status,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitzero"`
	UpdatedAt time.Time     `json:"updated_at,omitzero"`
	Synced    bool          `json:"-"`
}

func (p Payment) EntityType() EntityType { return EntityPayment }
func (p Payment) RecordID() string       { return p.ID }
func (p Payment) IsSynced() bool         { return p.Synced }
func (p Payment) LastUpdated() time.Time { return p.UpdatedAt }

// ConflictLogEntry is an append-only record of a detected conflict.
// Once Status is resolved the snapshots are history and are never rewritten.
type ConflictLogEntry struct {
	ID                 int64           `json:"id"`
	Table              string          `json:"table"`
	RecordID           string          `json:"record_id"`
	LocalSnapshot      json.RawMessage `json:"local_snapshot"`
	RemoteSnapshot     json.RawMessage `json:"remote_snapshot"`
	Timestamp          time.Time       `json:"timestamp"`
	Status             ConflictStatus  `json:"status"`
	ResolutionStrategy *Strategy       `json:"resolution_strategy,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
}

// QueueStats summarises the operation log.
type QueueStats struct {
	Pending            int              `json:"pending" yaml:"pending"`
	Processing         int              `json:"processing" yaml:"processing"`
	Completed          int              `json:"completed" yaml:"completed"`
	Failed             int              `json:"failed" yaml:"failed"`
	Retryable          int              `json:"retryable" yaml:"retryable"`
	Total              int              `json:"total" yaml:"total"`
	ByPriority         map[Priority]int `json:"by_priority" yaml:"by_priority"`
	OldestPendingAgeMs *int64           `json:"oldest_pending_age_ms,omitempty" yaml:"oldest_pending_age_ms,omitempty"`
}

// DrainResult reports the outcome of one drain cycle.
type DrainResult struct {
	Processed int  `json:"processed" yaml:"processed"`
	Succeeded int  `json:"succeeded" yaml:"succeeded"`
	Failed    int  `json:"failed" yaml:"failed"`
	Held      int  `json:"held,omitempty" yaml:"held,omitempty"` // waiting on a pending conflict
	Skipped   bool `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}
