// Package query serves the read side of the marketplace: the open task feed,
// task details, offers, "my tasks" and wallet views. Reads may be served
// from a short-lived cache that is invalidated by marketplace events.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// Options tunes the read cache.
type Options struct {
	CacheSize      int           // Entries per cache (default: 256)
	CacheTTL       time.Duration // Staleness bound for cached reads (default: 5s)
	ReplicaTimeout time.Duration // Replicas silent for longer are not counted (default: 30s)
}

func (o Options) withDefaults() Options {
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Second
	}
	if o.ReplicaTimeout <= 0 {
		o.ReplicaTimeout = 30 * time.Second
	}
	return o
}

// Service handles data fetching for presentation layers
type Service struct {
	engine   *marketplace.Engine
	tasks    *marketplace.TaskManager
	offers   *marketplace.OfferManager
	auditor  *marketplace.Auditor
	replicas *marketplace.ReplicaStore
	options  Options

	feed       *expirable.LRU[feedKey, *market.TaskPage]
	taskCache  *expirable.LRU[string, *market.Task]
	offerCache *expirable.LRU[string, []*market.Offer]
}

// NewService creates a new query service. replicas may be nil outside
// distributed mode.
func NewService(engine *marketplace.Engine, auditor *marketplace.Auditor, replicas *marketplace.ReplicaStore, options Options) *Service {
	options = options.withDefaults()
	return &Service{
		engine:     engine,
		tasks:      marketplace.NewTaskManager(engine),
		offers:     marketplace.NewOfferManager(engine),
		auditor:    auditor,
		replicas:   replicas,
		options:    options,
		feed:       expirable.NewLRU[feedKey, *market.TaskPage](options.CacheSize, nil, options.CacheTTL),
		taskCache:  expirable.NewLRU[string, *market.Task](options.CacheSize, nil, options.CacheTTL),
		offerCache: expirable.NewLRU[string, []*market.Offer](options.CacheSize, nil, options.CacheTTL),
	}
}

var _ marketplace.Emitter = (*Service)(nil)

// Publish invalidates cached reads touched by event.
func (s *Service) Publish(_ context.Context, event market.Event) {
	s.feed.Purge()
	if event.TaskID != "" {
		s.taskCache.Remove(event.TaskID)
		s.offerCache.Remove(event.TaskID)
	}
}

type feedKey struct {
	limit  int
	cursor string
}

// OpenTasks returns one page of open tasks, newest first. Pass the previous
// page's NextCursor to continue.
func (s *Service) OpenTasks(ctx context.Context, limit int, cursor string) (*market.TaskPage, error) {
	key := feedKey{limit: limit, cursor: cursor}
	if cached, ok := s.feed.Get(key); ok {
		return cached, nil
	}

	page, err := s.tasks.ListOpenTasks(ctx, limit, cursor)
	if err != nil {
		return nil, err
	}
	s.feed.Add(key, page)
	return page, nil
}

// Task returns full details for a task
func (s *Service) Task(ctx context.Context, id string) (*market.Task, error) {
	if cached, ok := s.taskCache.Get(id); ok {
		return cached, nil
	}

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.taskCache.Add(id, task)
	return task, nil
}

// Offers returns the offers on a task, newest first.
func (s *Service) Offers(ctx context.Context, taskID string) ([]*market.Offer, error) {
	if cached, ok := s.offerCache.Get(taskID); ok {
		return cached, nil
	}
	return s.OffersFresh(ctx, taskID)
}

// OffersFresh reads the offers on a task from the store, bypassing and
// refreshing the cache.
func (s *Service) OffersFresh(ctx context.Context, taskID string) ([]*market.Offer, error) {
	offers, err := s.offers.ListOffers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.offerCache.Add(taskID, offers)
	return offers, nil
}

// MyTasks returns the tasks userID posted or is assigned to. Never cached.
func (s *Service) MyTasks(ctx context.Context, userID string) (*market.MyTasks, error) {
	return s.tasks.GetMyTasks(ctx, userID)
}

// Wallet is a user's balance with their latest ledger entries.
type Wallet struct {
	Account *market.Account      `json:"account"`
	Entries []market.LedgerEntry `json:"entries"`
}

// Wallet returns userID's balance and recent movements. Never cached.
func (s *Service) Wallet(ctx context.Context, userID string, limit int) (*Wallet, error) {
	ledger := s.engine.Ledger()

	account, err := ledger.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := ledger.Entries(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []market.LedgerEntry{}
	}

	return &Wallet{Account: account, Entries: entries}, nil
}

// Stats holds high-level marketplace statistics
type Stats struct {
	Tasks          map[market.TaskStatus]int64 `json:"tasks"`
	Escrowed       market.Coins                `json:"escrowed"`
	Balances       market.Coins                `json:"balances"`
	Drift          market.Coins                `json:"drift"`
	ActiveReplicas int                         `json:"active_replicas"`
}

// Stats returns marketplace statistics. It only reads: drift alerts and
// gauges belong to the supervisor's audit.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.engine.Tasks().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	report, err := s.auditor.Measure(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Tasks:          counts,
		Escrowed:       report.Escrowed,
		Balances:       report.Balances,
		Drift:          report.Drift(),
		ActiveReplicas: 1,
	}

	if s.replicas != nil {
		replicas, err := s.replicas.Live(ctx, s.options.ReplicaTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to query active replicas: %w", err)
		}
		stats.ActiveReplicas = len(replicas)
	}

	return stats, nil
}
