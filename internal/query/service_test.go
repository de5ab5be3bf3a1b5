package query

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

type testEnv struct {
	db       *sql.DB
	registry *prometheus.Registry
	engine   *marketplace.Engine
	service  *Service
}

// newTestEnv wires a query service that hears about every mutation, the
// same way the serve command does.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := marketplace.Open(ctx, marketplace.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, marketplace.Migrate(ctx, db))

	registry := prometheus.NewRegistry()
	metrics := marketplace.NewMetrics(registry)

	// Every reading moves the clock so listings have a stable order.
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}

	var service *Service
	engine := marketplace.NewEngine(db, nil,
		marketplace.WithMetrics(metrics),
		marketplace.WithClock(clock),
		marketplace.WithEmitter(marketplace.EmitterFunc(func(ctx context.Context, e market.Event) {
			service.Publish(ctx, e)
		})))
	service = NewService(engine, marketplace.NewAuditor(db, metrics), nil, Options{CacheTTL: time.Minute})

	return &testEnv{db: db, registry: registry, engine: engine, service: service}
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			require.Len(t, family.GetMetric(), 1)
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func (env *testEnv) postTask(t *testing.T, posterID string, bounty market.Coins) *market.Task {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.Ledger().Deposit(ctx, posterID, bounty)
	require.NoError(t, err)

	task, err := marketplace.NewTaskManager(env.engine).CreateTask(ctx, posterID, market.TaskDraft{
		Title:       "Review my pull request",
		Description: "About 300 lines of Go.",
		Skills:      []string{"go"},
		Bounty:      bounty,
	})
	require.NoError(t, err)
	return task
}

func TestOpenTasksInvalidatedByEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.postTask(t, "alice", 10)

	feed, err := env.service.OpenTasks(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, feed.Tasks, 1)
	assert.Equal(t, first.ID, feed.Tasks[0].ID)

	second := env.postTask(t, "bob", 20)

	feed, err = env.service.OpenTasks(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, feed.Tasks, 2)
	assert.Equal(t, second.ID, feed.Tasks[0].ID)
}

func TestOpenTasksCachesEachPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldest := env.postTask(t, "alice", 10)
	env.postTask(t, "alice", 10)

	first, err := env.service.OpenTasks(ctx, 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	second, err := env.service.OpenTasks(ctx, 1, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Tasks, 1)
	assert.Equal(t, oldest.ID, second.Tasks[0].ID)
	assert.Empty(t, second.NextCursor)

	again, err := env.service.OpenTasks(ctx, 1, "")
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestTaskCacheFollowsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.postTask(t, "alice", 10)

	cached, err := env.service.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, cached.Status)

	offer, err := marketplace.NewOfferManager(env.engine).SubmitOffer(ctx, task.ID, "bob", "on it")
	require.NoError(t, err)

	offers, err := env.service.Offers(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)

	_, err = env.engine.AcceptOffer(ctx, task.ID, "alice", offer.ID)
	require.NoError(t, err)

	cached, err = env.service.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusInProgress, cached.Status)
	assert.Equal(t, "bob", cached.AssignedHelperID)

	offers, err = env.service.Offers(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, offers[0].Status)

	_, err = env.service.Task(ctx, "missing")
	assert.ErrorIs(t, err, marketplace.ErrNotFound)
}

func TestOffersFreshBypassesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A service nobody publishes to keeps stale entries until TTL.
	stale := NewService(env.engine, nil, nil, Options{CacheTTL: time.Minute})
	task := env.postTask(t, "alice", 10)

	offers, err := stale.Offers(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, offers)

	_, err = marketplace.NewOfferManager(env.engine).SubmitOffer(ctx, task.ID, "bob", "on it")
	require.NoError(t, err)

	offers, err = stale.Offers(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, offers)

	offers, err = stale.OffersFresh(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)

	offers, err = stale.Offers(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestWalletAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.postTask(t, "alice", 30)

	wallet, err := env.service.Wallet(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, market.Coins(0), wallet.Account.Balance)
	require.Len(t, wallet.Entries, 2)
	assert.Equal(t, market.EntryEscrow, wallet.Entries[0].Kind)

	_, err = env.service.Wallet(ctx, "nobody", 10)
	assert.ErrorIs(t, err, marketplace.ErrNotFound)

	stats, err := env.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Tasks[market.StatusOpen])
	assert.Equal(t, int64(0), stats.Tasks[market.StatusCompleted])
	assert.Equal(t, market.Coins(30), stats.Escrowed)
	assert.Equal(t, market.Coins(0), stats.Drift)
	assert.Equal(t, 1, stats.ActiveReplicas)

	// Stats reports drift without raising the audit gauge.
	_, err = env.db.Exec(`UPDATE users SET engicoin_balance = engicoin_balance + 3 WHERE id = 'alice'`)
	require.NoError(t, err)
	stats, err = env.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, market.Coins(3), stats.Drift)
	assert.Equal(t, 0.0, gaugeValue(t, env.registry, "marketplace_conservation_drift_coins"))
}
