package oversqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func TestConflictLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	detected := time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC)

	id, err := s.InsertConflict(ctx, &oversync.ConflictLogEntry{
		Table:          "orders",
		RecordID:       "o-1",
		LocalSnapshot:  []byte(`{"id":"o-1","status":"paid"}`),
		RemoteSnapshot: []byte(`{"id":"o-1","status":"cancelled"}`),
		Timestamp:      detected,
	})
	require.NoError(t, err)

	c, err := s.GetConflict(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.ConflictPending, c.Status)
	require.Equal(t, "orders", c.Table)
	require.True(t, detected.Equal(c.Timestamp))
	require.Nil(t, c.ResolutionStrategy)
	require.Nil(t, c.ResolvedAt)
	require.JSONEq(t, `{"id":"o-1","status":"paid"}`, string(c.LocalSnapshot))

	pending, err := s.ListConflicts(ctx, oversync.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	strategy := oversync.StrategyClientWins
	resolvedAt := detected.Add(5 * time.Minute)
	require.NoError(t, s.CloseConflict(ctx, id, oversync.ConflictResolved, &strategy, resolvedAt))

	c, err = s.GetConflict(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.ConflictResolved, c.Status)
	require.NotNil(t, c.ResolutionStrategy)
	require.Equal(t, oversync.StrategyClientWins, *c.ResolutionStrategy)
	require.NotNil(t, c.ResolvedAt)
	require.True(t, resolvedAt.Equal(*c.ResolvedAt))

	// Closed entries are never rewritten
	err = s.CloseConflict(ctx, id, oversync.ConflictIgnored, nil, resolvedAt)
	require.ErrorIs(t, err, oversync.ErrConflictResolved)

	pending, err = s.ListConflicts(ctx, oversync.ConflictPending)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := s.ListConflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCloseConflictErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CloseConflict(ctx, 42, oversync.ConflictIgnored, nil, time.Now())
	require.ErrorIs(t, err, oversync.ErrNotFound)

	id, err := s.InsertConflict(ctx, &oversync.ConflictLogEntry{
		Table: "tables", RecordID: "t-1", LocalSnapshot: []byte(`{}`), RemoteSnapshot: []byte(`{}`),
	})
	require.NoError(t, err)

	err = s.CloseConflict(ctx, id, oversync.ConflictPending, nil, time.Now())
	require.Error(t, err)

	require.NoError(t, s.CloseConflict(ctx, id, oversync.ConflictIgnored, nil, time.Now()))
	c, err := s.GetConflict(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.ConflictIgnored, c.Status)
	require.Nil(t, c.ResolutionStrategy)

	_, err = s.GetConflict(ctx, id+1)
	require.ErrorIs(t, err, oversync.ErrNotFound)
}

func TestSettleConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := oversync.EntityRef{Type: oversync.EntityOrder, ID: "o-1"}
	at := time.Date(2025, 6, 1, 21, 5, 0, 0, time.UTC)

	_, err := s.PendingConflictFor(ctx, "orders", "o-1")
	require.ErrorIs(t, err, oversync.ErrNotFound)

	id, err := s.InsertConflict(ctx, &oversync.ConflictLogEntry{
		Table: "orders", RecordID: "o-1", LocalSnapshot: []byte(`{}`), RemoteSnapshot: []byte(`{}`),
	})
	require.NoError(t, err)
	c, err := s.PendingConflictFor(ctx, "orders", "o-1")
	require.NoError(t, err)
	require.Equal(t, id, c.ID)
	_, err = s.PendingConflictFor(ctx, "orders", "o-2")
	require.ErrorIs(t, err, oversync.ErrNotFound)

	opID, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderPaid, time.Now()))
	require.NoError(t, err)

	n, err := s.SettleConflict(ctx, id, oversync.StrategyServerWins, at, ref)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err = s.GetConflict(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.ConflictResolved, c.Status)
	require.NotNil(t, c.ResolutionStrategy)
	require.Equal(t, oversync.StrategyServerWins, *c.ResolutionStrategy)
	require.True(t, at.Equal(*c.ResolvedAt))

	op, err := s.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, oversync.ErrSuperseded.Error(), op.Error)

	_, err = s.PendingConflictFor(ctx, "orders", "o-1")
	require.ErrorIs(t, err, oversync.ErrNotFound)

	_, err = s.SettleConflict(ctx, id, oversync.StrategyClientWins, at, ref)
	require.ErrorIs(t, err, oversync.ErrConflictResolved)
	_, err = s.SettleConflict(ctx, id+100, oversync.StrategyClientWins, at, ref)
	require.ErrorIs(t, err, oversync.ErrNotFound)
}
