package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

var tracer = otel.Tracer("github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace")

// Engine is the only component that changes a task's status or assigned
// helper, and the only one that moves escrowed coins. Each operation is one
// transaction whose state transition is a conditional write naming the
// expected prior status.
type Engine struct {
	db      *sql.DB
	config  *Config
	runner  *txRunner
	ledger  *Ledger
	tasks   *TaskStore
	offers  *OfferStore
	events  Emitter
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

// NewEngine creates an escrow engine over db.
func NewEngine(db *sql.DB, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}

	e := &Engine{
		db:     db,
		config: config,
		tasks:  NewTaskStore(db),
		offers: NewOfferStore(db),
		events: nopEmitter{},
		now:    time.Now,
		newID:  defaultID,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.runner = &txRunner{db: db, config: config, metrics: e.metrics}
	e.ledger = &Ledger{db: db, q: db, runner: e.runner, now: e.now, newID: e.newID}
	return e
}

// Ledger returns the wallet ledger the engine moves coins through.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Tasks returns the task store for reads.
func (e *Engine) Tasks() *TaskStore { return e.tasks }

// Offers returns the offer store for reads.
func (e *Engine) Offers() *OfferStore { return e.offers }

// CreateTask escrows draft.Bounty from posterID and inserts an open task in
// the same transaction. Any failure leaves neither a task row nor a debit.
func (e *Engine) CreateTask(ctx context.Context, posterID string, draft market.TaskDraft) (task *market.Task, err error) {
	const op = "escrow.create_task"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("poster_id", posterID),
		attribute.Int64("bounty", int64(draft.Bounty)),
	))
	defer e.finish(span, op, time.Now(), &err)

	if err := validateDraft(op, posterID, draft); err != nil {
		return nil, err
	}

	now := timestamp(e.now())
	t := &market.Task{
		ID:          e.newID(),
		PosterID:    posterID,
		Title:       draft.Title,
		Description: draft.Description,
		Skills:      draft.Skills,
		Bounty:      draft.Bounty,
		Status:      market.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = e.runner.run(ctx, op, func(tx *sql.Tx) error {
		ref := Ref{Kind: market.EntryEscrow, TaskID: t.ID}
		if _, err := e.ledger.withTx(tx).Debit(ctx, posterID, t.Bounty, ref); err != nil {
			return err
		}
		return e.tasks.withTx(tx).insert(ctx, t)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	e.metrics.taskCreated(int64(t.Bounty))
	slog.Info("task created", "task_id", t.ID, "poster_id", posterID, "bounty", int64(t.Bounty))
	e.events.Publish(ctx, market.Event{
		Type:       market.EventTaskCreated,
		TaskID:     t.ID,
		PosterID:   posterID,
		Amount:     t.Bounty,
		OccurredAt: now,
	})

	return t, nil
}

// AcceptOffer assigns taskID to the helper of offerID. Of any number of
// concurrent accepts on one task exactly one wins; the rest fail with
// ErrConcurrencyConflict or ErrInvalidState.
func (e *Engine) AcceptOffer(ctx context.Context, taskID, callerID, offerID string) (task *market.Task, err error) {
	const op = "escrow.accept_offer"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("offer_id", offerID),
	))
	defer e.finish(span, op, time.Now(), &err)

	current, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !current.IsPoster(callerID) {
		return nil, newError(op, ErrNotAuthorized, "only the poster of task %s may accept offers", taskID)
	}

	offer, err := e.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.TaskID != taskID {
		return nil, newError(op, ErrNotFound, "offer %s on task %s", offerID, taskID)
	}
	if !market.CanTransition(current.Status, market.StatusInProgress) {
		return nil, newError(op, ErrInvalidState, "task %s is %s", taskID, current.Status)
	}
	if offer.Status != market.OfferPending {
		return nil, newError(op, ErrInvalidState, "offer %s is %s", offerID, offer.Status)
	}

	now := timestamp(e.now())
	var rejected int64
	err = e.runner.run(ctx, op, func(tx *sql.Tx) error {
		assigned, ok, err := e.tasks.withTx(tx).assign(ctx, taskID, offer.HelperID, now)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, ErrConcurrencyConflict, "task %s is no longer open", taskID)
		}

		offers := e.offers.withTx(tx)
		ok, err = offers.accept(ctx, taskID, offerID, now)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, ErrInvalidState, "offer %s is no longer pending", offerID)
		}

		rejected, err = offers.rejectPending(ctx, taskID, now)
		if err != nil {
			return err
		}

		task = assigned
		return nil
	})
	if err != nil {
		if Kind(err) == ErrConcurrencyConflict {
			slog.Warn("accept lost race", "task_id", taskID, "offer_id", offerID, "caller_id", callerID)
		}
		return nil, classify(op, err)
	}

	e.metrics.offerAccepted()
	slog.Info("offer accepted",
		"task_id", taskID,
		"offer_id", offerID,
		"helper_id", offer.HelperID,
		"rejected_offers", rejected)
	e.events.Publish(ctx, market.Event{
		Type:       market.EventOfferAccepted,
		TaskID:     taskID,
		PosterID:   task.PosterID,
		HelperID:   offer.HelperID,
		OfferID:    offerID,
		Amount:     task.Bounty,
		OccurredAt: now,
	})

	return task, nil
}

// CompleteTask releases the bounty of an in-progress task to its helper.
// When the helper no longer exists the bounty is refunded to the poster and
// the task is closed instead. The status flip and the credit commit together,
// so a second completion can never pay again.
func (e *Engine) CompleteTask(ctx context.Context, taskID, callerID string) (completion *market.Completion, err error) {
	const op = "escrow.complete_task"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("task_id", taskID)))
	defer e.finish(span, op, time.Now(), &err)

	current, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !current.IsPoster(callerID) {
		return nil, newError(op, ErrNotAuthorized, "only the poster of task %s may complete it", taskID)
	}
	if !market.CanTransition(current.Status, market.StatusCompleted) {
		return nil, newError(op, ErrInvalidState, "task %s is %s", taskID, current.Status)
	}

	now := timestamp(e.now())
	err = e.runner.run(ctx, op, func(tx *sql.Tx) error {
		tasks := e.tasks.withTx(tx)
		ledger := e.ledger.withTx(tx)

		completed, ok, err := tasks.markCompleted(ctx, taskID, now)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, ErrConcurrencyConflict, "task %s is no longer in progress", taskID)
		}

		_, err = ledger.Credit(ctx, completed.AssignedHelperID, completed.Bounty, Ref{Kind: market.EntryPayout, TaskID: taskID})
		if err == nil {
			completion = &market.Completion{
				Task:              completed,
				TransferredAmount: completed.Bounty,
				RecipientID:       completed.AssignedHelperID,
			}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// Helper is gone: the bounty goes back to the poster.
		closed, ok, err := tasks.markRefunded(ctx, taskID, now)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, ErrConcurrencyConflict, "task %s changed during refund", taskID)
		}
		if _, err := ledger.Credit(ctx, closed.PosterID, closed.Bounty, Ref{Kind: market.EntryRefund, TaskID: taskID}); err != nil {
			return err
		}

		completion = &market.Completion{
			Task:              closed,
			TransferredAmount: closed.Bounty,
			RecipientID:       closed.PosterID,
			Refunded:          true,
		}
		return nil
	})
	if err != nil {
		if Kind(err) == ErrConcurrencyConflict {
			slog.Warn("completion lost race", "task_id", taskID, "caller_id", callerID)
		}
		return nil, classify(op, err)
	}

	amount := int64(completion.TransferredAmount)
	event := market.Event{
		TaskID:     taskID,
		PosterID:   completion.Task.PosterID,
		Amount:     completion.TransferredAmount,
		OccurredAt: now,
	}
	if completion.Refunded {
		e.metrics.taskSettled(string(market.EntryRefund), amount)
		slog.Warn("helper missing, bounty refunded",
			"task_id", taskID,
			"helper_id", current.AssignedHelperID,
			"poster_id", completion.RecipientID,
			"amount", amount)
		event.Type = market.EventTaskRefunded
		event.HelperID = current.AssignedHelperID
	} else {
		e.metrics.taskSettled(string(market.EntryPayout), amount)
		slog.Info("task completed",
			"task_id", taskID,
			"helper_id", completion.RecipientID,
			"amount", amount)
		event.Type = market.EventTaskCompleted
		event.HelperID = completion.RecipientID
	}
	e.events.Publish(ctx, event)

	return completion, nil
}

// finish records metrics and span status for an escrow operation.
func (e *Engine) finish(span trace.Span, op string, start time.Time, errp *error) {
	err := *errp
	e.metrics.observe(op, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kindLabel(err))
		if Kind(err) == ErrPersistence {
			slog.Error("escrow operation failed", "op", op, "error", err)
		}
	}
	span.End()
}

func validateDraft(op, posterID string, draft market.TaskDraft) error {
	switch {
	case posterID == "":
		return newError(op, ErrValidation, "poster id is required")
	case draft.Title == "":
		return newError(op, ErrValidation, "title is required")
	case draft.Description == "":
		return newError(op, ErrValidation, "description is required")
	case len(draft.Skills) == 0:
		return newError(op, ErrValidation, "at least one skill is required")
	case draft.Bounty <= 0:
		return newError(op, ErrValidation, "bounty must be positive, got %d", draft.Bounty)
	}
	return nil
}
