package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/overhttp"
	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "overpos", cmd.Use)

	for _, name := range []string{"serve", "run", "enqueue", "stats", "sync", "cleanup", "conflicts", "reset", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, name := range []string{"list", "resolve", "ignore"} {
		sub, _, err := cmd.Find([]string{"conflicts", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

// execute runs the CLI in a scratch directory and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "stats", "--format", "xml")
	require.ErrorContains(t, err, "invalid format")
}

func TestEnqueueAndStats(t *testing.T) {
	t.Chdir(t.TempDir())
	db := filepath.Join(t.TempDir(), "pos.db")

	out, err := execute(t, "enqueue", "create_order", "o-1",
		`{"order":{"id":"o-1","table_id":"t-1","status":"open","items":[{"menu_item_id":"m-1","quantity":2,"unit_price":1250}]}}`,
		"--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "queued operation 1")
	require.Contains(t, out, "high priority")

	_, err = execute(t, "enqueue", "update_order_status", "o-1", `{"order_id":"o-1"}`, "--db", db)
	var ve *oversync.ValidationError
	require.ErrorAs(t, err, &ve)

	out, err = execute(t, "stats", "--db", db, "--format", "json")
	require.NoError(t, err)
	var stats oversync.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.ByPriority[oversync.PriorityHigh])

	out, err = execute(t, "stats", "--db", db, "--format", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "pending: 1")
}

func TestEnqueueBatchNeedsEntityType(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "enqueue", "batch_operation", "b-1", `{"operations":[]}`, "--db", filepath.Join(t.TempDir(), "pos.db"))
	require.ErrorContains(t, err, "--entity-type")
}

func TestResetNeedsConfirmation(t *testing.T) {
	t.Chdir(t.TempDir())
	db := filepath.Join(t.TempDir(), "pos.db")

	_, err := execute(t, "reset", "--db", db)
	require.ErrorContains(t, err, "--yes")

	out, err := execute(t, "reset", "--yes", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "local store reset")
}

func TestConflictsListEmpty(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := execute(t, "conflicts", "list", "--db", filepath.Join(t.TempDir(), "pos.db"), "--format", "json")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, out)

	_, err = execute(t, "conflicts", "resolve", "1", "coin-flip", "--db", filepath.Join(t.TempDir(), "pos.db"))
	require.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "token", "--user", "waiter-1", "--device", "pos-1")
	require.ErrorContains(t, err, "jwt_secret")

	t.Setenv("OVERPOS_REMOTE_JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "--user", "waiter-1", "--device", "pos-1", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := overhttp.NewJWTAuth("s3cret", nil).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "waiter-1", claims.Subject)
	require.Equal(t, "pos-1", claims.DeviceID)
}

// rowBackend is a minimal overhttp.Backend for end-to-end runs.
type rowBackend struct {
	mu   sync.Mutex
	rows map[string]oversync.Row
}

func (b *rowBackend) Insert(_ context.Context, table string, row oversync.Row) (oversync.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[table+"/"+oversync.RowID(row)] = row
	return oversync.Result{Affected: 1, Row: row}, nil
}

func (b *rowBackend) Update(_ context.Context, table string, row oversync.Row, id string) (oversync.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.rows[table+"/"+id]
	if !ok {
		return oversync.Result{}, oversync.TransientError("update", table, oversync.ErrRemoteRowNotFound)
	}
	for k, v := range row {
		existing[k] = v
	}
	return oversync.Result{Affected: 1, Row: existing}, nil
}

func (b *rowBackend) Delete(_ context.Context, table, id string) (oversync.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, table+"/"+id)
	return oversync.Result{Affected: 1}, nil
}

func (b *rowBackend) Batch(ctx context.Context, calls []oversync.RemoteCall) ([]oversync.Result, error) {
	return nil, oversync.PermanentError("batch", "", oversync.ErrUnknownOperationKind)
}

func (b *rowBackend) Fetch(context.Context, string, time.Time) ([]oversync.Row, error) {
	return nil, nil
}

func TestSyncAgainstServer(t *testing.T) {
	t.Chdir(t.TempDir())
	db := filepath.Join(t.TempDir(), "pos.db")

	backend := &rowBackend{rows: make(map[string]oversync.Row)}
	jwtAuth := overhttp.NewJWTAuth("s3cret", nil)
	handlers := overhttp.NewHandlers(backend, jwtAuth, nil, nil)
	srv := httptest.NewServer(handlers.Routes())
	defer srv.Close()
	defer handlers.Close()

	t.Setenv("OVERPOS_REMOTE_JWT_SECRET", "s3cret")
	t.Setenv("OVERPOS_REMOTE_USER_ID", "waiter-1")

	_, err := execute(t, "enqueue", "create_order", "o-1",
		`{"order":{"id":"o-1","table_id":"t-1","status":"open","items":[{"menu_item_id":"m-1","quantity":2,"unit_price":1250}]}}`,
		"--db", db)
	require.NoError(t, err)

	out, err := execute(t, "sync", "--db", db, "--remote", srv.URL, "--pull")
	require.NoError(t, err)
	require.Contains(t, out, "processed 1, succeeded 1, failed 0")

	backend.mu.Lock()
	row, ok := backend.rows["orders/o-1"]
	backend.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "open", row["status"])

	out, err = execute(t, "stats", "--db", db, "--format", "json")
	require.NoError(t, err)
	var stats oversync.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats.Completed)
	require.Zero(t, stats.Pending)

	_, err = execute(t, "sync", "--db", db)
	require.ErrorContains(t, err, "remote.url")
}
