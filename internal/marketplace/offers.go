package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

const offerColumns = `id, task_id, helper_id, message, status, created_at, updated_at`

// OfferStore persists offers scoped to a task.
type OfferStore struct {
	q querier
}

// NewOfferStore creates an offer store over q.
func NewOfferStore(q querier) *OfferStore {
	return &OfferStore{q: q}
}

func (s *OfferStore) withTx(tx *sql.Tx) *OfferStore {
	return &OfferStore{q: tx}
}

func (s *OfferStore) insert(ctx context.Context, o *market.Offer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO offers (id, task_id, helper_id, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, o.ID, o.TaskID, o.HelperID, o.Message, string(o.Status), o.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

// Get returns the offer with the given id.
func (s *OfferStore) Get(ctx context.Context, id string) (*market.Offer, error) {
	o, err := scanOffer(s.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("offers.get", ErrNotFound, "offer %s", id)
	}
	if err != nil {
		return nil, persistenceError("offers.get", err)
	}
	return o, nil
}

// ListByTask returns the offers on taskID, newest first.
func (s *OfferStore) ListByTask(ctx context.Context, taskID string) ([]*market.Offer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE task_id = $1
		ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, persistenceError("offers.list", fmt.Errorf("failed to query offers: %w", err))
	}
	defer rows.Close()

	offers := []*market.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, persistenceError("offers.list", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("offers.list", err)
	}

	return offers, nil
}

func (s *OfferStore) hasPending(ctx context.Context, taskID, helperID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers
		WHERE task_id = $1 AND helper_id = $2 AND status = $3
	`, taskID, helperID, string(market.OfferPending)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up offers: %w", err)
	}
	return n > 0, nil
}

// accept marks a pending offer of taskID accepted.
func (s *OfferStore) accept(ctx context.Context, taskID, offerID string, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE offers
		SET status = $1,
			updated_at = $2
		WHERE id = $3 AND task_id = $4 AND status = $5
	`, string(market.OfferAccepted), now, offerID, taskID, string(market.OfferPending))
	if err != nil {
		return false, fmt.Errorf("failed to accept offer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to accept offer: %w", err)
	}
	return rows == 1, nil
}

// rejectPending rejects every offer of taskID that is still pending.
func (s *OfferStore) rejectPending(ctx context.Context, taskID string, now time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE offers
		SET status = $1,
			updated_at = $2
		WHERE task_id = $3 AND status = $4
	`, string(market.OfferRejected), now, taskID, string(market.OfferPending))
	if err != nil {
		return 0, fmt.Errorf("failed to reject sibling offers: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reject sibling offers: %w", err)
	}
	return rows, nil
}

func scanOffer(row rowScanner) (*market.Offer, error) {
	o := &market.Offer{}
	var status string

	err := row.Scan(&o.ID, &o.TaskID, &o.HelperID, &o.Message, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan offer: %w", err)
	}

	o.Status = market.OfferStatus(status)
	if !o.Status.Valid() {
		return nil, fmt.Errorf("offer %s has unknown status %q", o.ID, status)
	}
	return o, nil
}
