package marketplace

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// tickingClock advances one millisecond per reading so rows created in a
// test have distinct, ordered timestamps.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// setupTestDB opens a migrated SQLite database in a temp dir.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, DriverSQLite, "file:"+filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db))
	return db
}

type fixture struct {
	db      *sql.DB
	engine  *Engine
	ledger  *Ledger
	tasks   *TaskManager
	offers  *OfferManager
	events  *Broadcaster
	metrics *Metrics
	auditor *Auditor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := setupTestDB(t)

	metrics := NewMetrics(prometheus.NewRegistry())
	events := NewBroadcaster(100)
	clock := newTickingClock()

	base := []Option{WithClock(clock.Now), WithMetrics(metrics), WithEmitter(events)}
	engine := NewEngine(db, nil, append(base, opts...)...)

	auditor := NewAuditor(db, metrics)
	auditor.now = clock.Now

	return &fixture{
		db:      db,
		engine:  engine,
		ledger:  engine.Ledger(),
		tasks:   NewTaskManager(engine),
		offers:  NewOfferManager(engine),
		events:  events,
		metrics: metrics,
		auditor: auditor,
	}
}

func (f *fixture) deposit(t *testing.T, userID string, amount market.Coins) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), userID, amount)
	require.NoError(t, err)
}

func (f *fixture) openAccount(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.ledger.OpenAccount(context.Background(), userID))
}

func (f *fixture) balance(t *testing.T, userID string) market.Coins {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) createTask(t *testing.T, posterID string, bounty market.Coins) *market.Task {
	t.Helper()
	task, err := f.tasks.CreateTask(context.Background(), posterID, draft(bounty))
	require.NoError(t, err)
	return task
}

func (f *fixture) submitOffer(t *testing.T, taskID, helperID string) *market.Offer {
	t.Helper()
	offer, err := f.offers.SubmitOffer(context.Background(), taskID, helperID, "I can do this")
	require.NoError(t, err)
	return offer
}

// assigned creates a task by posterID and assigns it to helperID.
func (f *fixture) assigned(t *testing.T, posterID, helperID string, bounty market.Coins) *market.Task {
	t.Helper()
	task := f.createTask(t, posterID, bounty)
	offer := f.submitOffer(t, task.ID, helperID)
	task, err := f.engine.AcceptOffer(context.Background(), task.ID, posterID, offer.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) requireBalanced(t *testing.T) {
	t.Helper()
	report, err := f.auditor.Audit(context.Background())
	require.NoError(t, err)
	require.Truef(t, report.Balanced(), "coin supply drifted: %+v", report)
}

func (f *fixture) countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func draft(bounty market.Coins) market.TaskDraft {
	return market.TaskDraft{
		Title:       "Fix the flaky CI pipeline",
		Description: "Builds fail intermittently on the integration stage.",
		Skills:      []string{"go", "ci"},
		Bounty:      bounty,
	}
}
