package market

import "time"

// Account is the balance-bearing part of a user record.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   Coins     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryKind names the reason for a balance movement.
type EntryKind string

// EntryKind constants
const (
	// EntryDeposit and EntryWithdrawal cross the marketplace boundary.
	EntryDeposit    EntryKind = "deposit"
	EntryWithdrawal EntryKind = "withdrawal"

	EntryEscrow EntryKind = "escrow"
	EntryPayout EntryKind = "payout"
	EntryRefund EntryKind = "refund"
)

// EntryKinds returns every ledger entry kind.
func EntryKinds() []EntryKind {
	return []EntryKind{EntryDeposit, EntryWithdrawal, EntryEscrow, EntryPayout, EntryRefund}
}

// External reports whether the entry moves coins into or out of the marketplace.
func (k EntryKind) External() bool {
	return k == EntryDeposit || k == EntryWithdrawal
}

// LedgerEntry is an append-only record of one balance movement.
type LedgerEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TaskID       string    `json:"task_id,omitempty"`
	Kind         EntryKind `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter Coins     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
