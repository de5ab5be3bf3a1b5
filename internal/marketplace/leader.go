package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LeaderLease is a time-bounded claim on the marketplace-wide duties: the
// conservation audit and dead replica cleanup. The lease lives on the
// holder's replicas row and is taken with a conditional write, so the store
// picks a single winner.
type LeaderLease struct {
	db        *sql.DB
	replicaID string
	term      time.Duration
	now       func() time.Time
}

// NewLeaderLease creates a lease handle for replicaID.
func NewLeaderLease(db *sql.DB, replicaID string, term time.Duration) *LeaderLease {
	return &LeaderLease{db: db, replicaID: replicaID, term: term, now: time.Now}
}

// Acquire takes the lease, or renews it while it is still ours. It returns
// the new expiry, or the zero time when another replica holds an unexpired
// lease.
func (l *LeaderLease) Acquire(ctx context.Context) (time.Time, error) {
	now := timestamp(l.now())
	until := now.Add(l.term)

	result, err := l.db.ExecContext(ctx, `
		UPDATE replicas
		SET is_leader = TRUE, leader_until = $1
		WHERE id = $2
		  AND (
			  (is_leader = TRUE AND leader_until > $3)
			  OR NOT EXISTS (
				  SELECT 1 FROM replicas
				  WHERE id != $2 AND is_leader = TRUE AND leader_until > $3
			  )
		  )
	`, until, l.replicaID, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to acquire leader lease: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return time.Time{}, nil
	}

	slog.Debug("leader lease held", "replica_id", l.replicaID, "until", until)
	return until, nil
}

// Release gives the lease up so another replica can take it immediately.
func (l *LeaderLease) Release(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `
		UPDATE replicas SET is_leader = FALSE, leader_until = NULL WHERE id = $1
	`, l.replicaID); err != nil {
		return fmt.Errorf("failed to release leader lease: %w", err)
	}

	slog.Info("leader lease released", "replica_id", l.replicaID)
	return nil
}

// Holder returns the replica holding an unexpired lease, or "" when the
// lease is free.
func (l *LeaderLease) Holder(ctx context.Context) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx, `
		SELECT id FROM replicas
		WHERE is_leader = TRUE AND leader_until > $1
		ORDER BY leader_until DESC
		LIMIT 1
	`, timestamp(l.now())).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to read leader lease: %w", err)
	}
	return holder, nil
}
