// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import "fmt"

// OperationKind is the closed set of mutations the queue can carry.
type OperationKind string

const (
	KindCreateOrder       OperationKind = "create_order"
	KindUpdateOrder       OperationKind = "update_order"
	KindUpdateOrderStatus OperationKind = "update_order_status"
	KindDeleteOrder       OperationKind = "delete_order"
	KindUpdateTableStatus OperationKind = "update_table_status"
	KindCreatePayment     OperationKind = "create_payment"
	KindUpdateMenuItem    OperationKind = "update_menu_item"
	KindBatchOperation    OperationKind = "batch_operation"
)

// AllKinds lists every operation kind in declaration order.
var AllKinds = []OperationKind{
	KindCreateOrder,
	KindUpdateOrder,
	KindUpdateOrderStatus,
	KindDeleteOrder,
	KindUpdateTableStatus,
	KindCreatePayment,
	KindUpdateMenuItem,
	KindBatchOperation,
}

// EntityType identifies the entity table an operation targets.
type EntityType string

const (
	EntityOrder   EntityType = "order"
	EntityTable   EntityType = "table"
	EntityPayment EntityType = "payment"
	EntityMenu    EntityType = "menu"
)

// Remote table names used by the remote adapters and the conflict log.
const (
	RemoteTableOrders    = "orders"
	RemoteTableTables    = "tables"
	RemoteTablePayments  = "payments"
	RemoteTableMenuItems = "menu_items"
)

// RemoteTable returns the remote table backing an entity type.
func (t EntityType) RemoteTable() string {
	switch t {
	case EntityOrder:
		return RemoteTableOrders
	case EntityTable:
		return RemoteTableTables
	case EntityPayment:
		return RemoteTablePayments
	case EntityMenu:
		return RemoteTableMenuItems
	default:
		return ""
	}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return t.RemoteTable() != ""
}

// EntityTypeForTable maps a remote table name back to its entity type.
func EntityTypeForTable(table string) (EntityType, bool) {
	switch table {
	case RemoteTableOrders:
		return EntityOrder, true
	case RemoteTableTables:
		return EntityTable, true
	case RemoteTablePayments:
		return EntityPayment, true
	case RemoteTableMenuItems:
		return EntityMenu, true
	default:
		return "", false
	}
}

// EntityTypeForKind returns the entity type a kind always targets.
// BatchOperation has no fixed entity type and returns ok=false.
func EntityTypeForKind(kind OperationKind) (EntityType, bool) {
	switch kind {
	case KindCreateOrder, KindUpdateOrder, KindUpdateOrderStatus, KindDeleteOrder:
		return EntityOrder, true
	case KindUpdateTableStatus:
		return EntityTable, true
	case KindCreatePayment:
		return EntityPayment, true
	case KindUpdateMenuItem:
		return EntityMenu, true
	default:
		return "", false
	}
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Priority tiers govern drain order. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*p = PriorityLow
	case "normal":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", string(b))
	}
	return nil
}

// PriorityForKind is the static priority table. Priority is fixed at enqueue time.
func PriorityForKind(kind OperationKind) Priority {
	switch kind {
	case KindCreatePayment, KindUpdateOrderStatus:
		return PriorityCritical
	case KindCreateOrder, KindUpdateTableStatus:
		return PriorityHigh
	case KindUpdateOrder:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ConflictStatus is the state of a conflict log entry.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

const (
	// MaxRetries is the retry ceiling; items at or above it are no longer drained.
	MaxRetries = 5
)
