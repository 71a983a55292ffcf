package oversqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func TestPutOrderSyncedFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	order := oversync.Order{
		ID:      "o-1",
		TableID: "t-4",
		Status:  "Abierto",
		Items:   []oversync.OrderItem{{MenuItemID: "m-1", Quantity: 2, UnitPrice: 1500}},
		Total:   3000,
	}

	// A local change is stored unsynced with timestamps stamped
	require.NoError(t, s.PutOrder(ctx, order, oversync.PutOptions{}))
	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, got.Synced)
	require.Equal(t, oversync.OrderOpen, got.Status)
	require.True(t, fixed.Equal(got.UpdatedAt))
	require.True(t, fixed.Equal(got.CreatedAt))
	require.Len(t, got.Items, 1)

	// A remote copy is stored synced
	remote := *got
	remote.Status = oversync.OrderPreparing
	remote.UpdatedAt = fixed.Add(time.Minute)
	require.NoError(t, s.PutOrder(ctx, remote, oversync.PutOptions{MarkSynced: true}))
	got, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, got.Synced)
	require.Equal(t, oversync.OrderPreparing, got.Status)

	// Rewriting the same domain keeps the record synced
	same := *got
	same.UpdatedAt = fixed.Add(2 * time.Minute)
	require.NoError(t, s.PutOrder(ctx, same, oversync.PutOptions{}))
	got, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, got.Synced)

	// Any domain change clears the flag
	changed := *got
	changed.Notes = "no onions"
	require.NoError(t, s.PutOrder(ctx, changed, oversync.PutOptions{}))
	got, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, got.Synced)
	require.Equal(t, "no onions", got.Notes)
}

func TestListOrdersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-2", Status: "listo"}, oversync.PutOptions{}))
	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-1", Status: oversync.OrderReady}, oversync.PutOptions{}))
	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-3", Status: oversync.OrderOpen}, oversync.PutOptions{}))
	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-4", Status: oversync.OrderReady}, oversync.PutOptions{}))
	require.NoError(t, s.DeleteEntity(ctx, oversync.EntityOrder, "o-4", oversync.PutOptions{}))

	ready, err := s.ListOrdersByStatus(ctx, "LISTO")
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, "o-1", ready[0].ID)
	require.Equal(t, "o-2", ready[1].ID)
}

func TestEntityTypesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTable(ctx, oversync.Table{ID: "t-1", Number: 7, Zone: "patio", Capacity: 4, Status: oversync.TableOccupied}, oversync.PutOptions{MarkSynced: true}))
	tbl, err := s.GetTable(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, 7, tbl.Number)
	require.Equal(t, oversync.TableOccupied, tbl.Status)
	require.True(t, tbl.Synced)

	require.NoError(t, s.PutMenuItem(ctx, oversync.MenuItem{ID: "m-1", Name: "Milanesa", Price: 8900, Available: true}, oversync.PutOptions{}))
	item, err := s.GetMenuItem(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, int64(8900), item.Price)
	require.True(t, item.Available)
	require.False(t, item.Synced)

	var status string
	require.NoError(t, s.DB.QueryRow(`SELECT status FROM menu_items WHERE id = 'm-1'`).Scan(&status))
	require.Equal(t, "available", status)

	require.NoError(t, s.PutPayment(ctx, oversync.Payment{ID: "p-1", OrderID: "o-1", Amount: 8900, Method: oversync.PaymentCard, Status: "completed"}, oversync.PutOptions{}))
	pay, err := s.GetPayment(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, oversync.PaymentCard, pay.Method)
	require.Equal(t, int64(8900), pay.Amount)

	_, err = s.GetPayment(ctx, "p-404")
	require.ErrorIs(t, err, oversync.ErrNotFound)
}

func TestPutRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.PutOrder(context.Background(), oversync.Order{Status: oversync.OrderOpen}, oversync.PutOptions{})
	require.Error(t, err)
}

func TestDeleteEntityTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-1", Status: oversync.OrderOpen}, oversync.PutOptions{MarkSynced: true}))
	require.NoError(t, s.DeleteEntity(ctx, oversync.EntityOrder, "o-1", oversync.PutOptions{}))

	_, err := s.GetOrder(ctx, "o-1")
	require.ErrorIs(t, err, oversync.ErrNotFound)

	var deleted, synced bool
	require.NoError(t, s.DB.QueryRow(`SELECT deleted, synced FROM orders WHERE id = 'o-1'`).Scan(&deleted, &synced))
	require.True(t, deleted)
	require.False(t, synced)

	// Deleting twice reports not found
	err = s.DeleteEntity(ctx, oversync.EntityOrder, "o-1", oversync.PutOptions{})
	require.ErrorIs(t, err, oversync.ErrNotFound)

	// A put revives the record
	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-1", Status: oversync.OrderOpen}, oversync.PutOptions{}))
	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, got.Synced)
}

func TestDeleteEntityMarkSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTable(ctx, oversync.Table{ID: "t-1", Number: 1, Status: oversync.TableFree}, oversync.PutOptions{}))
	require.NoError(t, s.DeleteEntity(ctx, oversync.EntityTable, "t-1", oversync.PutOptions{MarkSynced: true}))

	var synced bool
	require.NoError(t, s.DB.QueryRow(`SELECT synced FROM tables WHERE id = 't-1'`).Scan(&synced))
	require.True(t, synced)

	err := s.DeleteEntity(ctx, oversync.EntityType("reservation"), "r-1", oversync.PutOptions{})
	require.Error(t, err)
}
