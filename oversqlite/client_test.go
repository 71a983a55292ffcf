package oversqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, nil)
	require.NoError(t, err)
	return s
}

func TestInitializeDatabase(t *testing.T) {
	s := newTestStore(t)

	expectedTables := []string{
		"_sync_client_info", "_sync_operations", "_sync_conflicts", "_sync_watermarks",
		"orders", "tables", "menu_items", "payments",
	}
	for _, table := range expectedTables {
		var count int
		err := s.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, s.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	// In-memory databases use "memory" mode instead of "wal"
	require.Contains(t, []string{"wal", "memory"}, journalMode)

	var foreignKeys int
	require.NoError(t, s.DB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	// Re-running initialization is harmless
	require.NoError(t, s.initializeDatabase(context.Background()))
}

func TestInitializeDatabaseRecoversProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertOperation(ctx, &oversync.SyncOperation{
		Kind:       oversync.KindDeleteOrder,
		EntityType: oversync.EntityOrder,
		EntityID:   "o-1",
		Payload:    oversync.DeleteOrderPayload{OrderID: "o-1"},
		Priority:   oversync.PriorityLow,
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, id))

	// Simulate a restart
	require.NoError(t, s.initializeDatabase(ctx))

	op, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, oversync.StatusPending, op.Status)
}

func TestEnsureDeviceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestWatermarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.GetLastSyncTimestamp(ctx, "pull:orders")
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	want := time.Date(2025, 3, 1, 12, 30, 0, 123456789, time.UTC)
	require.NoError(t, s.SetLastSyncTimestamp(ctx, "pull:orders", want))
	got, err := s.GetLastSyncTimestamp(ctx, "pull:orders")
	require.NoError(t, err)
	require.True(t, want.Equal(got))

	later := want.Add(time.Hour)
	require.NoError(t, s.SetLastSyncTimestamp(ctx, "pull:orders", later))
	got, err = s.GetLastSyncTimestamp(ctx, "pull:orders")
	require.NoError(t, err)
	require.True(t, later.Equal(got))
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOrder(ctx, oversync.Order{ID: "o-1", Status: oversync.OrderOpen}, oversync.PutOptions{}))
	require.NoError(t, s.PutTable(ctx, oversync.Table{ID: "t-1", Number: 1, Status: oversync.TableFree}, oversync.PutOptions{MarkSynced: true}))
	_, err := s.InsertOperation(ctx, &oversync.SyncOperation{
		Kind:       oversync.KindDeleteOrder,
		EntityType: oversync.EntityOrder,
		EntityID:   "o-1",
		Payload:    oversync.DeleteOrderPayload{OrderID: "o-1"},
	})
	require.NoError(t, err)
	_, err = s.InsertConflict(ctx, &oversync.ConflictLogEntry{
		Table: "orders", RecordID: "o-1", LocalSnapshot: []byte(`{}`), RemoteSnapshot: []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.SetLastSyncTimestamp(ctx, "pull:orders", time.Now()))
	_, err = s.EnsureDeviceID(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))

	for _, table := range []string{"_sync_operations", "_sync_conflicts", "_sync_watermarks", "_sync_client_info", "orders", "tables"} {
		var count int
		require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&count))
		require.Zero(t, count, "table %s should be empty", table)
	}

	_, err = s.GetOrder(ctx, "o-1")
	require.ErrorIs(t, err, oversync.ErrNotFound)
}
