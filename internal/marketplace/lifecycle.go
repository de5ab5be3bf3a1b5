package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// Feed page sizes for ListOpenTasks.
const (
	DefaultFeedLimit = 100
	MaxFeedLimit     = 500
)

// TaskManager validates task input and serves task reads. Creation goes
// through the escrow engine.
type TaskManager struct {
	engine *Engine
}

// NewTaskManager creates a task manager backed by engine.
func NewTaskManager(engine *Engine) *TaskManager {
	return &TaskManager{engine: engine}
}

// CreateTask normalizes draft and posts it with its bounty escrowed.
func (m *TaskManager) CreateTask(ctx context.Context, posterID string, draft market.TaskDraft) (*market.Task, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	draft.Skills = normalizeSkills(draft.Skills)

	return m.engine.CreateTask(ctx, strings.TrimSpace(posterID), draft)
}

// GetTask returns a task by id.
func (m *TaskManager) GetTask(ctx context.Context, id string) (*market.Task, error) {
	return m.engine.tasks.Get(ctx, id)
}

// ListOpenTasks returns one page of open tasks, newest first. cursor is the
// NextCursor of the previous page, or empty for the first page. The page
// carries a NextCursor whenever more open tasks follow it.
func (m *TaskManager) ListOpenTasks(ctx context.Context, limit int, cursor string) (*market.TaskPage, error) {
	switch {
	case limit <= 0:
		limit = DefaultFeedLimit
	case limit > MaxFeedLimit:
		limit = MaxFeedLimit
	}

	var after *FeedCursor
	if cursor != "" {
		var err error
		if after, err = ParseFeedCursor(cursor); err != nil {
			return nil, err
		}
	}

	// One extra row tells whether another page exists.
	taskList, err := m.engine.tasks.ListByStatus(ctx, market.StatusOpen, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &market.TaskPage{Tasks: taskList}
	if len(taskList) > limit {
		page.Tasks = taskList[:limit]
		page.NextCursor = CursorAfter(page.Tasks[limit-1]).String()
	}
	return page, nil
}

// GetMyTasks returns the tasks userID posted and the tasks assigned to them.
func (m *TaskManager) GetMyTasks(ctx context.Context, userID string) (*market.MyTasks, error) {
	if userID == "" {
		return nil, newError("tasks.mine", ErrValidation, "user id is required")
	}

	mine := &market.MyTasks{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		created, err := m.engine.tasks.ListByPoster(gctx, userID)
		mine.Created = created
		return err
	})
	g.Go(func() error {
		assigned, err := m.engine.tasks.ListByHelper(gctx, userID)
		mine.Assigned = assigned
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mine, nil
}

// normalizeSkills trims skills and drops blanks and duplicates, keeping the
// first spelling of each.
func normalizeSkills(skills []string) []string {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// OfferManager handles offers on open tasks. Offers never move coins.
type OfferManager struct {
	engine *Engine
}

// NewOfferManager creates an offer manager backed by engine.
func NewOfferManager(engine *Engine) *OfferManager {
	return &OfferManager{engine: engine}
}

// SubmitOffer records a pending offer by helperID on taskID.
func (m *OfferManager) SubmitOffer(ctx context.Context, taskID, helperID, message string) (offer *market.Offer, err error) {
	const op = "offers.submit"
	e := m.engine
	defer func(start time.Time) { e.metrics.observe(op, start, err) }(time.Now())

	helperID = strings.TrimSpace(helperID)
	message = strings.TrimSpace(message)
	if helperID == "" {
		return nil, newError(op, ErrValidation, "helper id is required")
	}
	if message == "" {
		return nil, newError(op, ErrValidation, "message is required")
	}

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IsPoster(helperID) {
		return nil, newError(op, ErrNotAuthorized, "cannot offer on your own task %s", taskID)
	}
	if !market.CanTransition(task.Status, market.StatusInProgress) {
		return nil, newError(op, ErrInvalidState, "task %s is %s", taskID, task.Status)
	}

	now := timestamp(e.now())
	offer = &market.Offer{
		ID:        e.newID(),
		TaskID:    taskID,
		HelperID:  helperID,
		Message:   message,
		Status:    market.OfferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.runner.run(ctx, op, func(tx *sql.Tx) error {
		// Holding the task row keeps an accept from slipping in between the
		// status check and the insert.
		open, err := e.tasks.withTx(tx).guardOpen(ctx, taskID)
		if err != nil {
			return err
		}
		if !open {
			return newError(op, ErrInvalidState, "task %s is no longer open", taskID)
		}

		// The helper gets a wallet with the offer, so a payout always has
		// somewhere to land unless the account is closed afterwards.
		if err := e.ledger.withTx(tx).OpenAccount(ctx, helperID); err != nil {
			return err
		}

		offers := e.offers.withTx(tx)
		pending, err := offers.hasPending(ctx, taskID, helperID)
		if err != nil {
			return err
		}
		if pending {
			return newError(op, ErrInvalidState, "helper %s already has a pending offer on task %s", helperID, taskID)
		}

		if err := offers.insert(ctx, offer); err != nil {
			return fmt.Errorf("submit offer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	e.metrics.offerSubmitted()
	slog.Info("offer submitted", "task_id", taskID, "offer_id", offer.ID, "helper_id", helperID)
	e.events.Publish(ctx, market.Event{
		Type:       market.EventOfferSubmitted,
		TaskID:     taskID,
		PosterID:   task.PosterID,
		HelperID:   helperID,
		OfferID:    offer.ID,
		OccurredAt: now,
	})

	return offer, nil
}

// ListOffers returns the offers on taskID, newest first.
func (m *OfferManager) ListOffers(ctx context.Context, taskID string) ([]*market.Offer, error) {
	if _, err := m.engine.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return m.engine.offers.ListByTask(ctx, taskID)
}
