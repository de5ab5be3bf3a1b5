package market

import "time"

// EventType identifies a marketplace event.
type EventType string

// EventType constants
const (
	EventTaskCreated    EventType = "task.created"
	EventOfferSubmitted EventType = "offer.submitted"
	EventOfferAccepted  EventType = "offer.accepted"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskRefunded   EventType = "task.refunded"
)

// Event is emitted after a marketplace mutation commits. Notification
// dispatch consumes these; nothing in the marketplace depends on delivery.
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id"`
	PosterID   string    `json:"poster_id,omitempty"`
	HelperID   string    `json:"helper_id,omitempty"`
	OfferID    string    `json:"offer_id,omitempty"`
	Amount     Coins     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
