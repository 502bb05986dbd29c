package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState is the lifecycle state of one scheduled send.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryQueued     DeliveryState = "queued"
	DeliveryProcessing DeliveryState = "processing"
	DeliverySent       DeliveryState = "sent"
	DeliveryFailed     DeliveryState = "failed"
	DeliveryCancelled  DeliveryState = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryFailed, DeliveryCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
//
//	pending → queued | cancelled
//	queued → processing | cancelled
//	processing → sent | failed | pending   (pending = recoverable failure)
//
// cancelled is never reachable from processing so an in-flight send is not raced.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case DeliveryPending:
		return next == DeliveryQueued || next == DeliveryCancelled
	case DeliveryQueued:
		return next == DeliveryProcessing || next == DeliveryCancelled
	case DeliveryProcessing:
		return next == DeliverySent || next == DeliveryFailed || next == DeliveryPending
	}
	return false
}

// ScheduleMode controls how scheduledFor is interpreted at enqueue time.
type ScheduleMode string

const (
	ScheduleFixed      ScheduleMode = "fixed"      // send at scheduledFor verbatim
	ScheduleSmart      ScheduleMode = "smart"      // snap to the destination's next free slot
	ScheduleRandomized ScheduleMode = "randomized" // apply bounded jitter
)

// Delivery is one scheduled instance of a creative being sent to one destination.
type Delivery struct {
	ID             string
	CampaignRef    string
	CreativeRef    string
	DestinationRef string
	Category       string
	Content        string

	ScheduledFor time.Time
	Mode         ScheduleMode
	State        DeliveryState
	Priority     int
	Attempts     int
	LastError    string

	SentAt            time.Time // zero unless State == sent
	ExternalMessageID string
	ThreadID          int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDelivery returns a pending delivery with a fresh id.
func NewDelivery(campaignRef, creativeRef, destinationRef string, at time.Time) *Delivery {
	now := time.Now().UTC()
	return &Delivery{
		ID:             uuid.NewString(),
		CampaignRef:    campaignRef,
		CreativeRef:    creativeRef,
		DestinationRef: destinationRef,
		ScheduledFor:   at,
		Mode:           ScheduleFixed,
		State:          DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// DeliveryRecord is the immutable history row for a completed send.
// Metrics are filled in later by a separate collector.
type DeliveryRecord struct {
	ID                   string
	DeliveryID           string
	DestinationRef       string
	ExternalMessageID    string
	SentAt               time.Time
	ProcessingDurationMS int64
	Metrics              EngagementMetrics
}

type EngagementMetrics struct {
	Views     int64 `json:"views"`
	Clicks    int64 `json:"clicks"`
	Reactions int64 `json:"reactions"`
}
