package market

import (
	"fmt"
	"time"
)

// Coins is an amount of EngiCoins. Balances and bounties are never negative.
type Coins int64

func (c Coins) String() string { return fmt.Sprintf("%d EC", int64(c)) }

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// TaskStatus constants
const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusClosed     TaskStatus = "closed"
)

// TaskStatuses returns every task state in lifecycle order.
func TaskStatuses() []TaskStatus {
	return []TaskStatus{StatusOpen, StatusInProgress, StatusCompleted, StatusClosed}
}

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusClosed:
		return true
	}
	return false
}

// HoldsEscrow reports whether a task in state s still has its bounty reserved.
func (s TaskStatus) HoldsEscrow() bool {
	return s == StatusOpen || s == StatusInProgress
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusOpen:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusClosed
	default:
		return false
	}
}

// Task is a unit of work posted with an escrowed bounty.
type Task struct {
	ID               string     `json:"id"`
	PosterID         string     `json:"poster_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Skills           []string   `json:"skills"`
	Bounty           Coins      `json:"bounty"`
	Status           TaskStatus `json:"status"`
	AssignedHelperID string     `json:"assigned_helper_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// IsPoster reports whether userID posted the task.
func (t *Task) IsPoster(userID string) bool {
	return userID != "" && t.PosterID == userID
}

// MyTasks groups the tasks a user takes part in.
type MyTasks struct {
	Created  []*Task `json:"created"`
	Assigned []*Task `json:"assigned"`
}

// Completion is the outcome of releasing a task's bounty.
type Completion struct {
	Task              *Task  `json:"task"`
	TransferredAmount Coins  `json:"transferred_amount"`
	RecipientID       string `json:"recipient_id"`
	// Refunded is set when the helper no longer existed and the poster got the bounty back.
	Refunded bool `json:"refunded"`
}

// TaskPage is one page of a task feed. NextCursor is empty on the last page.
type TaskPage struct {
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// TaskDraft holds the poster-supplied fields of a new task.
type TaskDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Bounty      Coins    `json:"bounty"`
}
