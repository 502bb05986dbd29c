package model

import (
	"time"

	"github.com/google/uuid"
)

// GrantStatus follows the payment lifecycle of a time-bounded content purchase.
type GrantStatus string

const (
	GrantPending   GrantStatus = "pending"
	GrantPaid      GrantStatus = "paid"
	GrantCompleted GrantStatus = "completed"
	GrantFailed    GrantStatus = "failed"
	GrantRefunded  GrantStatus = "refunded"
	GrantExpired   GrantStatus = "expired"
)

// MessageRefs lists the delivered messages of one chat, kept so the content can
// be retracted when access ends.
type MessageRefs struct {
	ChatID     int64 `json:"chat_id"`
	MessageIDs []int `json:"message_ids"`
}

// AccessGrant is a buyer's time-bounded right to content.
//
// Invariants:
//   - DeliveredRefs must be empty once Status == expired.
//   - Notified7d/Notified1d only ever go false → true; they are the idempotency
//     guards that keep re-run warning sweeps from double-notifying.
type AccessGrant struct {
	ID              string
	HolderRef       string
	ProductRef      string
	HolderChatID    int64
	Status          GrantStatus
	AccessExpiresAt time.Time // zero = no expiry tracked
	DeliveredRefs   []MessageRefs
	Notified7d      bool
	Notified1d      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccessGrant returns a grant in the pending (purchase-intent) status.
func NewAccessGrant(holderRef, productRef string, holderChatID int64) *AccessGrant {
	now := time.Now().UTC()
	return &AccessGrant{
		ID:           uuid.NewString(),
		HolderRef:    holderRef,
		ProductRef:   productRef,
		HolderChatID: holderChatID,
		Status:       GrantPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// DeliveredCount returns the total number of tracked message ids.
func (g *AccessGrant) DeliveredCount() int {
	n := 0
	for _, r := range g.DeliveredRefs {
		n += len(r.MessageIDs)
	}
	return n
}
