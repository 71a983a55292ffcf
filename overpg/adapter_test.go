package overpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code      string
		permanent bool
	}{
		{"40001", false},
		{"40P01", false},
		{"55P03", false},
		{"23503", false},
		{"23505", true},
		{"22P02", true},
		{"42501", true},
		{"42P01", true},
		{"57P01", false}, // admin_shutdown
	}
	for _, tc := range cases {
		err := classify("insert", "orders", &pgconn.PgError{Code: tc.code, Message: "boom"})
		require.Equal(t, tc.permanent, oversync.IsPermanent(err), tc.code)

		var re *oversync.RemoteError
		require.ErrorAs(t, err, &re, tc.code)
		require.Equal(t, "insert", re.Op)
		require.Equal(t, "orders", re.Table)
	}

	err := classify("update", "orders", &pgconn.PgError{Code: "42501", Message: "no access"})
	require.True(t, oversync.NonRetryableMessage(err.Error()))
}

func TestClassifyConnectionErrors(t *testing.T) {
	require.True(t, oversync.IsTransient(classify("fetch", "tables", errors.New("dial tcp: connection refused"))))
	require.True(t, oversync.IsTransient(classify("fetch", "tables", context.DeadlineExceeded)))
	require.NoError(t, classify("fetch", "tables", nil))

	already := oversync.PermanentError("insert", "orders", errors.New("validation: row has no id"))
	require.Same(t, already, classify("batch", "", already))
}

func TestIsRetryablePGTxError(t *testing.T) {
	require.True(t, isRetryablePGTxError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("plain")))
}

func TestSleepWithContext(t *testing.T) {
	require.NoError(t, sleepWithContext(context.Background(), 0))
	require.NoError(t, sleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
}

func TestNewRejectsBadSchema(t *testing.T) {
	_, err := New(nil, &Config{Schema: "pos; DROP TABLE x"}, nil)
	require.Error(t, err)

	a, err := New(nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSchema, a.Schema())
}

func TestUnknownTableIsPermanent(t *testing.T) {
	a, err := New(nil, nil, nil)
	require.NoError(t, err)

	_, err = a.Insert(context.Background(), "customers", oversync.Row{"id": "c-1"})
	require.True(t, oversync.IsPermanent(err))
	_, err = a.Fetch(context.Background(), "customers", time.Time{})
	require.True(t, oversync.IsPermanent(err))
}

func newTestAdapter(t *testing.T) (*Adapter, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema := "pos_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a, err := New(pool, &Config{Schema: schema}, logger)
	require.NoError(t, err)
	require.NoError(t, a.InitSchema(ctx))
	// Idempotent
	require.NoError(t, a.InitSchema(ctx))

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, pgx.Identifier{schema}.Sanitize()))
	})
	return a, pool
}

func TestAdapterInsertUpdateDelete(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	ts := time.Date(2025, 9, 1, 20, 0, 0, 0, time.UTC)

	res, err := a.Insert(ctx, oversync.RemoteTableOrders, oversync.Row{
		"id": "o-1", "status": "open", "total": 2500, "updated_at": ts.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Affected)
	require.Equal(t, "open", res.Row["status"])

	// Replays upsert
	_, err = a.Insert(ctx, oversync.RemoteTableOrders, oversync.Row{"id": "o-1", "status": "open", "total": 2500})
	require.NoError(t, err)

	res, err = a.Update(ctx, oversync.RemoteTableOrders, oversync.Row{"status": "ready"}, "o-1")
	require.NoError(t, err)
	require.Equal(t, "ready", res.Row["status"])
	require.EqualValues(t, 2500, res.Row["total"])

	_, err = a.Update(ctx, oversync.RemoteTableOrders, oversync.Row{"status": "ready"}, "missing")
	require.ErrorIs(t, err, oversync.ErrRemoteRowNotFound)
	require.True(t, oversync.IsTransient(err))

	res, err = a.Delete(ctx, oversync.RemoteTableOrders, "o-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Affected)
	res, err = a.Delete(ctx, oversync.RemoteTableOrders, "o-1")
	require.NoError(t, err)
	require.Zero(t, res.Affected)

	rows, err := a.Fetch(ctx, oversync.RemoteTableOrders, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, oversync.RowDeleted(rows[0]))
	require.Equal(t, "o-1", oversync.RowID(rows[0]))
}

func TestAdapterInsertWithoutIDIsPermanent(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Insert(context.Background(), oversync.RemoteTablePayments, oversync.Row{"amount": 100})
	require.True(t, oversync.IsPermanent(err))
}

func TestAdapterBatchIsAtomic(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	results, err := a.Batch(ctx, []oversync.RemoteCall{
		{Op: oversync.RemoteInsert, Table: oversync.RemoteTableTables, Row: oversync.Row{"id": "t-1", "number": 4, "status": "free"}},
		{Op: oversync.RemoteUpdate, Table: oversync.RemoteTableTables, Row: oversync.Row{"status": "occupied"}, MatchID: "t-1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "occupied", results[1].Row["status"])

	// The second call fails so the first must roll back
	_, err = a.Batch(ctx, []oversync.RemoteCall{
		{Op: oversync.RemoteInsert, Table: oversync.RemoteTableTables, Row: oversync.Row{"id": "t-2", "number": 5, "status": "free"}},
		{Op: oversync.RemoteUpdate, Table: oversync.RemoteTableTables, Row: oversync.Row{"status": "occupied"}, MatchID: "t-404"},
	})
	require.ErrorIs(t, err, oversync.ErrRemoteRowNotFound)

	rows, err := a.Fetch(ctx, oversync.RemoteTableTables, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "t-1", oversync.RowID(rows[0]))
}

func TestAdapterFetchSince(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 20, 0, 0, 0, time.UTC)

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		_, err := a.Insert(ctx, oversync.RemoteTableMenuItems, oversync.Row{
			"id": id, "name": id, "price": 900, "available": true,
			"updated_at": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339Nano),
		})
		require.NoError(t, err)
	}

	rows, err := a.Fetch(ctx, oversync.RemoteTableMenuItems, base)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "m-2", oversync.RowID(rows[0]))
	require.Equal(t, base.Add(time.Minute), oversync.RowUpdatedAt(rows[0]))
	require.False(t, oversync.RowDeleted(rows[0]))
}
