// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"sync"
	"time"
)

// PutOptions controls how an entity write affects the synced flag.
type PutOptions struct {
	// MarkSynced stores the record as confirmed by the remote (merge results, pulls).
	// Without it, any change to a domain field flips synced to false.
	MarkSynced bool
}

// OperationStore persists the operation log.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *SyncOperation) (int64, error)
	GetOperation(ctx context.Context, id int64) (*SyncOperation, error)
	// ListOperations returns operations in any of statuses, all operations when none given,
	// ordered by id.
	ListOperations(ctx context.Context, statuses ...OperationStatus) ([]*SyncOperation, error)
	MarkProcessing(ctx context.Context, id int64) error
	// CompleteOperation marks the operation completed and, in the same transaction,
	// marks each target entity synced when no other live operation targets it.
	CompleteOperation(ctx context.Context, id int64, completedAt time.Time, targets ...EntityRef) error
	// FailOperation increments retry_count and records the failure time and message.
	FailOperation(ctx context.Context, id int64, failedAt time.Time, message string) error
	// DeleteCompletedBefore purges completed operations finished before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// HasLiveOperations reports whether any pending, processing or failed operation
	// targets the entity, ignoring excludeID.
	HasLiveOperations(ctx context.Context, entityType EntityType, entityID string, excludeID int64) (bool, error)
	// SupersedeOperations fails every pending or failed operation targeting ref
	// with ErrSuperseded and returns how many it retired. Superseded operations
	// are no longer live.
	SupersedeOperations(ctx context.Context, ref EntityRef, at time.Time) (int, error)
}

// EntityStore holds the reconciled local entities. Get of a missing or
// deleted record returns ErrNotFound.
type EntityStore interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	PutOrder(ctx context.Context, o Order, opts PutOptions) error
	ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]*Order, error)

	GetTable(ctx context.Context, id string) (*Table, error)
	PutTable(ctx context.Context, t Table, opts PutOptions) error

	GetMenuItem(ctx context.Context, id string) (*MenuItem, error)
	PutMenuItem(ctx context.Context, m MenuItem, opts PutOptions) error

	GetPayment(ctx context.Context, id string) (*Payment, error)
	PutPayment(ctx context.Context, p Payment, opts PutOptions) error

	// DeleteEntity tombstones a record. Records are only physically removed by ClearAll.
	DeleteEntity(ctx context.Context, t EntityType, id string, opts PutOptions) error
}

// ConflictStore persists the conflict log. Entries that are no longer pending
// are history and cannot be closed again.
type ConflictStore interface {
	InsertConflict(ctx context.Context, c *ConflictLogEntry) (int64, error)
	GetConflict(ctx context.Context, id int64) (*ConflictLogEntry, error)
	ListConflicts(ctx context.Context, status ConflictStatus) ([]*ConflictLogEntry, error)
	// CloseConflict moves a pending entry to resolved or ignored. It returns
	// ErrConflictResolved when the entry is already closed.
	CloseConflict(ctx context.Context, id int64, status ConflictStatus, strategy *Strategy, at time.Time) error
	// SettleConflict resolves a pending entry with strategy and, in the same
	// transaction, supersedes the live operations targeting target.
	SettleConflict(ctx context.Context, id int64, strategy Strategy, at time.Time, target EntityRef) (int, error)
	// PendingConflictFor returns the pending entry for a record, ErrNotFound when there is none.
	PendingConflictFor(ctx context.Context, table, recordID string) (*ConflictLogEntry, error)
}

// Store is the durable local store. Implementations serialize their own
// multi-table transactions.
type Store interface {
	OperationStore
	EntityStore
	ConflictStore

	// GetLastSyncTimestamp returns the zero time when key has no watermark.
	GetLastSyncTimestamp(ctx context.Context, key string) (time.Time, error)
	SetLastSyncTimestamp(ctx context.Context, key string, ts time.Time) error

	// ClearAll wipes every table atomically.
	ClearAll(ctx context.Context) error
}

// Row is a remote record as a column/value map.
type Row map[string]any

// RemoteOp is the kind of call made against the remote store.
type RemoteOp string

const (
	RemoteInsert RemoteOp = "insert"
	RemoteUpdate RemoteOp = "update"
	RemoteDelete RemoteOp = "delete"
)

// RemoteCall is one adapter invocation derived from an operation.
type RemoteCall struct {
	Op      RemoteOp `json:"op"`
	Table   string   `json:"table"`
	Row     Row      `json:"row,omitempty"`
	MatchID string   `json:"match_id,omitempty"`
}

// Result is what the remote reports for a call.
type Result struct {
	Affected int `json:"affected"`
	Row      Row `json:"row,omitempty"`
}

// RemoteAdapter is the authoritative backend as seen by the executor.
// Errors should be *RemoteError so they can be classified.
type RemoteAdapter interface {
	Insert(ctx context.Context, table string, row Row) (Result, error)
	Update(ctx context.Context, table string, row Row, matchID string) (Result, error)
	Delete(ctx context.Context, table string, matchID string) (Result, error)
}

// BatchAdapter is implemented by adapters that can apply several calls atomically.
type BatchAdapter interface {
	Batch(ctx context.Context, calls []RemoteCall) ([]Result, error)
}

// RemoteFetcher is implemented by adapters that can serve pulls.
// Returned rows carry "id", "updated_at" and, for tombstones, "deleted": true.
type RemoteFetcher interface {
	Fetch(ctx context.Context, table string, since time.Time) ([]Row, error)
}

// Connectivity reports and announces online/offline transitions.
type Connectivity interface {
	IsOnline() bool
	// Subscribe registers fn for transitions and returns a func that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// BackgroundSync is an optional platform hook that wakes the host for syncing.
type BackgroundSync interface {
	Supported() bool
	Register(ctx context.Context) error
}

// ManualConnectivity is an in-process Connectivity driven by SetOnline.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewManualConnectivity returns a port starting in the given state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, subs: make(map[int]func(bool))}
}

func (c *ManualConnectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *ManualConnectivity) Subscribe(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// SetOnline changes the state and notifies subscribers when it actually changed.
func (c *ManualConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
