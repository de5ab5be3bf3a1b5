package marketplace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func registerReplicas(t *testing.T, store *ReplicaStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.Join(context.Background(), &Replica{ID: id, Hostname: "host-" + id, Version: "test"}))
	}
}

func TestReplicaHeartbeatAndCleanup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	clock := newManualClock()

	store := NewReplicaStore(db)
	store.now = clock.Now
	registerReplicas(t, store, "r1", "r2")

	active, err := store.Live(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.True(t, clock.Now().Equal(active[0].StartedAt))

	clock.Advance(20 * time.Second)
	require.NoError(t, store.Touch(ctx, "r1"))
	clock.Advance(20 * time.Second)

	active, err = store.Live(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].ID)
	assert.True(t, clock.Now().Add(-20*time.Second).Equal(active[0].LastSeen))

	removed, err := store.Evict(ctx, 30*time.Second, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// An evicted replica learns about it on its next heartbeat.
	assert.ErrorIs(t, store.Touch(ctx, "r2"), ErrNotFound)

	require.NoError(t, store.Leave(ctx, "r1"))
	active, err = store.Live(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCleanupNeverRemovesCurrentReplica(t *testing.T) {
	db := setupTestDB(t)
	clock := newManualClock()

	store := NewReplicaStore(db)
	store.now = clock.Now
	registerReplicas(t, store, "me")

	clock.Advance(time.Hour)
	removed, err := store.Evict(context.Background(), time.Second, "me")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLeaderLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	clock := newManualClock()

	store := NewReplicaStore(db)
	store.now = clock.Now
	registerReplicas(t, store, "r1", "r2")

	lease := func(id string) *LeaderLease {
		l := NewLeaderLease(db, id, 30*time.Second)
		l.now = clock.Now
		return l
	}
	l1, l2 := lease("r1"), lease("r2")

	acquire := func(l *LeaderLease) bool {
		t.Helper()
		until, err := l.Acquire(ctx)
		require.NoError(t, err)
		return !until.IsZero()
	}

	until, err := l1.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Second), until)

	assert.False(t, acquire(l2), "only one replica may lead")

	// The holder renews its own lease.
	clock.Advance(20 * time.Second)
	assert.True(t, acquire(l1))

	holder, err := l2.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", holder)

	// Once the lease lapses another replica takes over and the old holder
	// cannot reclaim it.
	clock.Advance(31 * time.Second)
	holder, err = l1.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	assert.True(t, acquire(l2))
	assert.False(t, acquire(l1))

	holder, err = l1.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", holder)

	require.NoError(t, l2.Release(ctx))
	holder, err = l1.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	assert.True(t, acquire(l1))
}

func TestLeaderLeaseUnregisteredReplica(t *testing.T) {
	db := setupTestDB(t)

	until, err := NewLeaderLease(db, "ghost", time.Minute).Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, until.IsZero())
}

func TestAuditorDetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", 100)
	f.createTask(t, "alice", 40)

	report, err := f.auditor.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), int64(report.Balances))
	assert.Equal(t, int64(40), int64(report.Escrowed))
	assert.Equal(t, int64(100), int64(report.External))
	assert.True(t, report.Balanced())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.auditDrift))

	_, err = f.db.Exec(`UPDATE users SET engicoin_balance = engicoin_balance + 5 WHERE id = 'alice'`)
	require.NoError(t, err)

	report, err = f.auditor.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.Balanced())
	assert.Equal(t, int64(5), int64(report.Drift()))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.auditDrift))
}

func TestMeasureHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", 100)
	f.createTask(t, "alice", 40)

	_, err := f.db.Exec(`UPDATE users SET engicoin_balance = engicoin_balance + 7 WHERE id = 'alice'`)
	require.NoError(t, err)

	report, err := f.auditor.Measure(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), int64(report.Escrowed))
	assert.Equal(t, int64(7), int64(report.Drift()))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.auditDrift))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.escrowedCoins))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1, $2", placeholders(1, 2))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Empty(t, placeholders(1, 0))
}

func TestSupervisorDistributedLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	config := DefaultConfig()
	config.Distributed = true
	config.HeartbeatInterval = 10 * time.Millisecond
	config.LeaderTerm = 20 * time.Millisecond
	config.AuditInterval = 10 * time.Millisecond

	replica := &Replica{ID: "solo", Hostname: "localhost", Version: "test"}
	supervisor := NewSupervisor(db, config, replica, NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, supervisor.Start(ctx))

	observer := NewLeaderLease(db, "observer", config.LeaderTerm)
	assert.Eventually(t, func() bool {
		id, err := observer.Holder(ctx)
		return err == nil && id == "solo"
	}, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, supervisor.Shutdown(shutdownCtx))

	active, err := supervisor.Replicas().Live(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSupervisorSingleInstance(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	config := DefaultConfig()
	config.AuditInterval = 5 * time.Millisecond

	supervisor := NewSupervisor(db, config, &Replica{ID: "single"}, nil)
	require.NoError(t, supervisor.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, supervisor.Shutdown(ctx))

	active, err := supervisor.Replicas().Live(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, active, "single-instance mode does not register")
}
