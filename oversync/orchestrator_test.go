package oversync_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

type fakeBackgroundSync struct {
	supported bool
	registers atomic.Int32
}

func (f *fakeBackgroundSync) Supported() bool { return f.supported }

func (f *fakeBackgroundSync) Register(context.Context) error {
	f.registers.Add(1)
	return nil
}

func fastTriggers(cfg *oversync.EngineConfig) {
	cfg.PeriodicInterval = time.Hour
	cfg.ReconnectSettle = 10 * time.Millisecond
}

func opStatus(env *testEnv, id int64) oversync.OperationStatus {
	op, err := env.engine.Queue().Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return op.Status
}

func TestOrchestratorDrainsOnReconnect(t *testing.T) {
	remote := newFakeRemote()
	bg := &fakeBackgroundSync{supported: true}
	env := newTestEnv(t, remote, func(cfg *oversync.EngineConfig) {
		fastTriggers(cfg)
		cfg.BackgroundSync = bg
	})
	ctx := context.Background()

	opID := env.createOrder(t, "o-1")
	require.NoError(t, env.engine.Start(ctx))
	require.True(t, env.engine.Orchestrator().BackgroundSyncSupported())
	require.Equal(t, int32(1), bg.registers.Load())

	require.Never(t, func() bool { return remote.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	env.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		return opStatus(env, opID) == oversync.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// Background sync is registered again after the reconnect drain
	require.Eventually(t, func() bool { return bg.registers.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestOrchestratorPeriodicDrain(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote, func(cfg *oversync.EngineConfig) {
		cfg.PeriodicInterval = 20 * time.Millisecond
	})

	opID := env.createOrder(t, "o-1")
	// Already online at start, so only the timer can pick the operation up
	env.conn.SetOnline(true)
	require.NoError(t, env.engine.Start(context.Background()))
	require.False(t, env.engine.Orchestrator().BackgroundSyncSupported())

	require.Eventually(t, func() bool {
		return opStatus(env, opID) == oversync.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorIdleWhileOffline(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote, func(cfg *oversync.EngineConfig) {
		cfg.PeriodicInterval = 10 * time.Millisecond
	})

	env.createOrder(t, "o-1")
	require.NoError(t, env.engine.Start(context.Background()))
	require.Never(t, func() bool { return remote.callCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestOrchestratorDrainsOnEnqueueWhenOnline(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote, fastTriggers)
	env.conn.SetOnline(true)
	require.NoError(t, env.engine.Start(context.Background()))

	opID := env.createOrder(t, "o-1")
	require.Eventually(t, func() bool {
		return opStatus(env, opID) == oversync.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorStartTwice(t *testing.T) {
	env := newTestEnv(t, newFakeRemote(), fastTriggers)
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))
	require.Error(t, env.engine.Start(ctx))

	env.engine.Stop()
	env.engine.Stop()
	require.NoError(t, env.engine.Start(ctx))
}

// blockingRemote holds every insert until release is closed.
type blockingRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Insert(ctx context.Context, table string, row oversync.Row) (oversync.Result, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeRemote.Insert(ctx, table, row)
}

func TestManualSyncWhileDrainingIsSkipped(t *testing.T) {
	remote := &blockingRemote{
		fakeRemote: newFakeRemote(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	env := newTestEnv(t, remote, nil)
	ctx := context.Background()
	env.createOrder(t, "o-1")

	done := make(chan oversync.DrainResult, 1)
	go func() {
		res, _ := env.engine.TriggerManualSync(ctx)
		done <- res
	}()
	<-remote.entered

	res, err := env.engine.TriggerManualSync(ctx)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.True(t, env.engine.Executor().Running())
	require.Error(t, env.engine.Reset(ctx))

	close(remote.release)
	first := <-done
	require.Equal(t, oversync.DrainResult{Processed: 1, Succeeded: 1}, first)
	require.False(t, env.engine.Executor().Running())
}

func TestPullAfterDrain(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote, func(cfg *oversync.EngineConfig) {
		cfg.PullEnabled = true
	})
	now := env.clock.Now()
	remote.fetched[oversync.RemoteTableMenuItems] = []oversync.Row{
		{"id": "m-1", "name": "Flan", "price": 900, "available": true, "updated_at": now.Format(time.RFC3339Nano)},
	}

	_, err := env.engine.TriggerManualSync(context.Background())
	require.NoError(t, err)

	item, err := env.store.GetMenuItem(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, "Flan", item.Name)
	require.True(t, item.Synced)
}
