package market

import "time"

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

// OfferStatus constants
const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Valid reports whether s is one of the known offer states.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected:
		return true
	}
	return false
}

// Offer is a helper's bid to perform an open task.
type Offer struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	HelperID  string      `json:"helper_id"`
	Message   string      `json:"message"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
