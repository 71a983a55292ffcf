package oversqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func statusOp(orderID string, status oversync.OrderStatus, createdAt time.Time) *oversync.SyncOperation {
	return &oversync.SyncOperation{
		Kind:       oversync.KindUpdateOrderStatus,
		EntityType: oversync.EntityOrder,
		EntityID:   orderID,
		Payload:    oversync.UpdateOrderStatusPayload{OrderID: orderID, Status: status},
		Priority:   oversync.PriorityCritical,
		Status:     oversync.StatusPending,
		CreatedAt:  createdAt,
	}
}

func TestOperationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderReady, created))
	require.NoError(t, err)
	require.Positive(t, id)

	op, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, op.ID)
	require.Equal(t, oversync.KindUpdateOrderStatus, op.Kind)
	require.Equal(t, oversync.PriorityCritical, op.Priority)
	require.Equal(t, oversync.StatusPending, op.Status)
	require.Zero(t, op.RetryCount)
	require.True(t, created.Equal(op.CreatedAt))
	require.Nil(t, op.LastRetryAt)
	require.Equal(t, oversync.UpdateOrderStatusPayload{OrderID: "o-1", Status: oversync.OrderReady}, op.Payload)

	_, err = s.GetOperation(ctx, id+100)
	require.ErrorIs(t, err, oversync.ErrNotFound)
}

func TestOperationIDsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, time.Now()))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func TestListOperationsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, now))
	require.NoError(t, err)
	b, err := s.InsertOperation(ctx, statusOp("o-2", oversync.OrderOpen, now))
	require.NoError(t, err)
	c, err := s.InsertOperation(ctx, statusOp("o-3", oversync.OrderOpen, now))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessing(ctx, b))
	require.NoError(t, s.FailOperation(ctx, b, now, "boom"))
	require.NoError(t, s.MarkProcessing(ctx, c))
	require.NoError(t, s.CompleteOperation(ctx, c, now))

	all, err := s.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	live, err := s.ListOperations(ctx, oversync.StatusPending, oversync.StatusFailed)
	require.NoError(t, err)
	require.Len(t, live, 2)
	require.Equal(t, a, live[0].ID)
	require.Equal(t, b, live[1].ID)

	done, err := s.ListOperations(ctx, oversync.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].CompletedAt)
}

func TestMarkProcessingRejectsSecondPickup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessing(ctx, id))
	err = s.MarkProcessing(ctx, id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "processing")

	require.ErrorIs(t, s.MarkProcessing(ctx, 999), oversync.ErrNotFound)
}

func TestFailOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	failedAt := time.Date(2025, 5, 1, 10, 0, 5, 0, time.UTC)

	id, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, id))
	require.NoError(t, s.FailOperation(ctx, id, failedAt, "transient remote error: update orders: timeout"))

	op, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.StatusFailed, op.Status)
	require.Equal(t, 1, op.RetryCount)
	require.NotNil(t, op.LastRetryAt)
	require.True(t, failedAt.Equal(*op.LastRetryAt))
	require.Equal(t, "transient remote error: update orders: timeout", op.Error)

	// A failed operation can be picked up again
	require.NoError(t, s.MarkProcessing(ctx, id))
	require.NoError(t, s.FailOperation(ctx, id, failedAt, "again"))
	op, err = s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, op.RetryCount)
}

func TestCompleteOperationMarksEntitySynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := oversync.EntityRef{Type: oversync.EntityOrder, ID: "o-1"}

	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-1", Status: oversync.OrderOpen}, oversync.PutOptions{}))
	first, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderPreparing, time.Now()))
	require.NoError(t, err)
	second, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderReady, time.Now()))
	require.NoError(t, err)

	// Another live operation still targets the order
	require.NoError(t, s.MarkProcessing(ctx, first))
	require.NoError(t, s.CompleteOperation(ctx, first, time.Now(), ref))
	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, o.Synced)

	require.NoError(t, s.MarkProcessing(ctx, second))
	require.NoError(t, s.CompleteOperation(ctx, second, time.Now(), ref))
	o, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, o.Synced)

	op, err := s.GetOperation(ctx, second)
	require.NoError(t, err)
	require.Equal(t, oversync.StatusCompleted, op.Status)
	require.Empty(t, op.Error)
}

func TestDeleteCompletedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)

	oldDone, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, old))
	require.NoError(t, err)
	require.NoError(t, s.CompleteOperation(ctx, oldDone, old))

	recentDone, err := s.InsertOperation(ctx, statusOp("o-2", oversync.OrderOpen, now))
	require.NoError(t, err)
	require.NoError(t, s.CompleteOperation(ctx, recentDone, now))

	oldPending, err := s.InsertOperation(ctx, statusOp("o-3", oversync.OrderOpen, old))
	require.NoError(t, err)
	oldFailed, err := s.InsertOperation(ctx, statusOp("o-4", oversync.OrderOpen, old))
	require.NoError(t, err)
	require.NoError(t, s.FailOperation(ctx, oldFailed, old, "boom"))

	n, err := s.DeleteCompletedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetOperation(ctx, oldDone)
	require.ErrorIs(t, err, oversync.ErrNotFound)
	for _, id := range []int64{recentDone, oldPending, oldFailed} {
		_, err := s.GetOperation(ctx, id)
		require.NoError(t, err)
	}
}

func TestHasLiveOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live, err := s.HasLiveOperations(ctx, oversync.EntityOrder, "o-1", 0)
	require.NoError(t, err)
	require.False(t, live)

	id, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, time.Now()))
	require.NoError(t, err)

	live, err = s.HasLiveOperations(ctx, oversync.EntityOrder, "o-1", 0)
	require.NoError(t, err)
	require.True(t, live)

	live, err = s.HasLiveOperations(ctx, oversync.EntityOrder, "o-1", id)
	require.NoError(t, err)
	require.False(t, live)
}

func TestUndecodablePayloadStaysVisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB.Exec(`INSERT INTO _sync_operations (kind, entity_type, entity_id, payload, priority, status, created_at)
		VALUES ('rename_order', 'order', 'o-1', '{}', 0, 'pending', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	ops, err := s.ListOperations(ctx, oversync.StatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Nil(t, ops[0].Payload)
}

func TestSupersedeOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := oversync.EntityRef{Type: oversync.EntityOrder, ID: "o-1"}
	at := time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)

	pending, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderReady, time.Now()))
	require.NoError(t, err)
	failed, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderPaid, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.FailOperation(ctx, failed, at, "transient remote error: update orders: timeout"))
	done, err := s.InsertOperation(ctx, statusOp("o-1", oversync.OrderOpen, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.CompleteOperation(ctx, done, at))
	other, err := s.InsertOperation(ctx, statusOp("o-2", oversync.OrderOpen, time.Now()))
	require.NoError(t, err)

	n, err := s.SupersedeOperations(ctx, ref, at)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []int64{pending, failed} {
		op, err := s.GetOperation(ctx, id)
		require.NoError(t, err)
		require.Equal(t, oversync.StatusFailed, op.Status)
		require.Equal(t, oversync.ErrSuperseded.Error(), op.Error)
		require.True(t, oversync.NonRetryableMessage(op.Error))
		require.Error(t, s.MarkProcessing(ctx, id))
	}
	op, err := s.GetOperation(ctx, done)
	require.NoError(t, err)
	require.Equal(t, oversync.StatusCompleted, op.Status)
	op, err = s.GetOperation(ctx, other)
	require.NoError(t, err)
	require.Equal(t, oversync.StatusPending, op.Status)

	live, err := s.HasLiveOperations(ctx, oversync.EntityOrder, "o-1", 0)
	require.NoError(t, err)
	require.False(t, live)

	// Already retired operations are not counted again
	n, err = s.SupersedeOperations(ctx, ref, at)
	require.NoError(t, err)
	require.Zero(t, n)
}
