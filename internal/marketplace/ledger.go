package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// Ref ties a balance movement to its reason.
type Ref struct {
	Kind   market.EntryKind
	TaskID string
}

// Ledger owns EngiCoin balances. Every movement is a single conditional
// UPDATE on the user row plus an append-only ledger entry; balances are
// never read, computed in memory and written back.
type Ledger struct {
	db     *sql.DB // nil when bound to a transaction
	q      querier
	runner *txRunner
	now    func() time.Time
	newID  func() string
}

// NewLedger creates a ledger over db.
func NewLedger(db *sql.DB, config *Config) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	return &Ledger{
		db:     db,
		q:      db,
		runner: &txRunner{db: db, config: config},
		now:    time.Now,
		newID:  defaultID,
	}
}

func (l *Ledger) withTx(tx *sql.Tx) *Ledger {
	bound := *l
	bound.db = nil
	bound.q = tx
	return &bound
}

// atomically runs fn against a ledger bound to a transaction, opening one
// when l is not already bound.
func (l *Ledger) atomically(ctx context.Context, op string, fn func(*Ledger) error) error {
	if l.db == nil {
		return fn(l)
	}
	return l.runner.run(ctx, op, func(tx *sql.Tx) error {
		return fn(l.withTx(tx))
	})
}

// Debit removes amount from userID's balance. A balance below amount fails
// with ErrInsufficientFunds and changes nothing.
func (l *Ledger) Debit(ctx context.Context, userID string, amount market.Coins, ref Ref) (*market.LedgerEntry, error) {
	const op = "ledger.debit"
	if amount <= 0 {
		return nil, newError(op, ErrValidation, "amount must be positive, got %d", amount)
	}

	var entry *market.LedgerEntry
	err := l.atomically(ctx, op, func(l *Ledger) error {
		now := timestamp(l.now())
		var balance int64
		err := l.q.QueryRowContext(ctx, `
			UPDATE users
			SET engicoin_balance = engicoin_balance - $1,
				updated_at = $2
			WHERE id = $3 AND engicoin_balance >= $1
			RETURNING engicoin_balance
		`, int64(amount), now, userID).Scan(&balance)

		if errors.Is(err, sql.ErrNoRows) {
			exists, err := l.exists(ctx, userID)
			if err != nil {
				return err
			}
			if !exists {
				return newError(op, ErrNotFound, "user %s", userID)
			}
			return newError(op, ErrInsufficientFunds, "user %s cannot cover %d", userID, amount)
		}
		if err != nil {
			return persistenceError(op, fmt.Errorf("failed to debit user: %w", err))
		}

		entry, err = l.record(ctx, userID, -int64(amount), market.Coins(balance), ref, now)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return entry, nil
}

// Credit adds amount to userID's balance. A user that does not exist fails
// with ErrNotFound and changes nothing.
func (l *Ledger) Credit(ctx context.Context, userID string, amount market.Coins, ref Ref) (*market.LedgerEntry, error) {
	const op = "ledger.credit"
	if amount <= 0 {
		return nil, newError(op, ErrValidation, "amount must be positive, got %d", amount)
	}

	var entry *market.LedgerEntry
	err := l.atomically(ctx, op, func(l *Ledger) error {
		now := timestamp(l.now())
		var balance int64
		err := l.q.QueryRowContext(ctx, `
			UPDATE users
			SET engicoin_balance = engicoin_balance + $1,
				updated_at = $2
			WHERE id = $3
			RETURNING engicoin_balance
		`, int64(amount), now, userID).Scan(&balance)

		if errors.Is(err, sql.ErrNoRows) {
			return newError(op, ErrNotFound, "user %s", userID)
		}
		if err != nil {
			return persistenceError(op, fmt.Errorf("failed to credit user: %w", err))
		}

		entry, err = l.record(ctx, userID, int64(amount), market.Coins(balance), ref, now)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return entry, nil
}

// OpenAccount creates an empty wallet for userID. Opening an existing
// account is a no-op.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) error {
	const op = "ledger.open_account"
	if userID == "" {
		return newError(op, ErrValidation, "user id is required")
	}

	now := timestamp(l.now())
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO users (id, engicoin_balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING
	`, userID, now)
	if err != nil {
		return persistenceError(op, fmt.Errorf("failed to open account: %w", err))
	}
	return nil
}

// Deposit adds externally sourced coins to userID, creating the account if
// it does not exist yet.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount market.Coins) (*market.LedgerEntry, error) {
	const op = "ledger.deposit"
	if userID == "" {
		return nil, newError(op, ErrValidation, "user id is required")
	}
	if amount <= 0 {
		return nil, newError(op, ErrValidation, "amount must be positive, got %d", amount)
	}

	var entry *market.LedgerEntry
	err := l.atomically(ctx, op, func(l *Ledger) error {
		now := timestamp(l.now())
		var balance int64
		err := l.q.QueryRowContext(ctx, `
			INSERT INTO users (id, engicoin_balance, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO UPDATE
			SET engicoin_balance = users.engicoin_balance + EXCLUDED.engicoin_balance,
				updated_at = EXCLUDED.updated_at
			RETURNING engicoin_balance
		`, userID, int64(amount), now).Scan(&balance)
		if err != nil {
			return persistenceError(op, fmt.Errorf("failed to deposit: %w", err))
		}

		entry, err = l.record(ctx, userID, int64(amount), market.Coins(balance), Ref{Kind: market.EntryDeposit}, now)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}

	slog.Info("coins deposited", "user_id", userID, "amount", int64(amount), "balance", int64(entry.BalanceAfter))
	return entry, nil
}

// CloseAccount removes userID from the wallet store, recording the
// remaining balance as a withdrawal.
func (l *Ledger) CloseAccount(ctx context.Context, userID string) (*market.LedgerEntry, error) {
	const op = "ledger.close_account"

	var entry *market.LedgerEntry
	err := l.atomically(ctx, op, func(l *Ledger) error {
		var balance int64
		err := l.q.QueryRowContext(ctx, `
			DELETE FROM users WHERE id = $1
			RETURNING engicoin_balance
		`, userID).Scan(&balance)

		if errors.Is(err, sql.ErrNoRows) {
			return newError(op, ErrNotFound, "user %s", userID)
		}
		if err != nil {
			return persistenceError(op, fmt.Errorf("failed to close account: %w", err))
		}

		entry, err = l.record(ctx, userID, -balance, 0, Ref{Kind: market.EntryWithdrawal}, timestamp(l.now()))
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}

	slog.Info("account closed", "user_id", userID, "withdrawn", -entry.Delta)
	return entry, nil
}

// Account returns the balance-bearing record of userID.
func (l *Ledger) Account(ctx context.Context, userID string) (*market.Account, error) {
	acct := &market.Account{UserID: userID}
	var balance int64
	err := l.q.QueryRowContext(ctx, `
		SELECT engicoin_balance, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&balance, &acct.CreatedAt, &acct.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("ledger.account", ErrNotFound, "user %s", userID)
	}
	if err != nil {
		return nil, persistenceError("ledger.account", fmt.Errorf("failed to get account: %w", err))
	}

	acct.Balance = market.Coins(balance)
	return acct, nil
}

// Balance returns userID's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (market.Coins, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Entries returns userID's most recent ledger entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]market.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.q.QueryContext(ctx, `
		SELECT id, user_id, task_id, kind, delta, balance_after, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, persistenceError("ledger.entries", fmt.Errorf("failed to query ledger entries: %w", err))
	}
	defer rows.Close()

	var entries []market.LedgerEntry
	for rows.Next() {
		var e market.LedgerEntry
		var taskID sql.NullString
		var kind string
		var balance int64
		if err := rows.Scan(&e.ID, &e.UserID, &taskID, &kind, &e.Delta, &balance, &e.CreatedAt); err != nil {
			return nil, persistenceError("ledger.entries", fmt.Errorf("failed to scan ledger entry: %w", err))
		}
		e.TaskID = taskID.String
		e.Kind = market.EntryKind(kind)
		e.BalanceAfter = market.Coins(balance)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("ledger.entries", err)
	}

	return entries, nil
}

func (l *Ledger) exists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := l.q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistenceError("ledger.lookup", fmt.Errorf("failed to look up user: %w", err))
	}
	return true, nil
}

// record appends a ledger entry. The (task_id, kind) unique index turns a
// second escrow, payout or refund for the same task into a conflict.
func (l *Ledger) record(ctx context.Context, userID string, delta int64, balance market.Coins, ref Ref, now time.Time) (*market.LedgerEntry, error) {
	entry := &market.LedgerEntry{
		ID:           l.newID(),
		UserID:       userID,
		TaskID:       ref.TaskID,
		Kind:         ref.Kind,
		Delta:        delta,
		BalanceAfter: balance,
		CreatedAt:    now,
	}

	_, err := l.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, task_id, kind, delta, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, sql.NullString{String: ref.TaskID, Valid: ref.TaskID != ""},
		string(entry.Kind), entry.Delta, int64(entry.BalanceAfter), entry.CreatedAt)

	if isUniqueViolation(err) {
		return nil, newError("ledger.record", ErrConcurrencyConflict, "%s already recorded for task %s", ref.Kind, ref.TaskID)
	}
	if err != nil {
		return nil, persistenceError("ledger.record", fmt.Errorf("failed to record ledger entry: %w", err))
	}

	return entry, nil
}
