package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"adpilot/internal/constraint"
	"adpilot/internal/model"
	"adpilot/internal/store"
	logx "adpilot/pkg/logx"
)

// ErrExhausted is returned by Requeue when the retry budget is spent and the
// delivery has been moved to failed.
var ErrExhausted = errors.New("retry budget exhausted")

type Config struct {
	// MaxAttempts bounds transient retries before a delivery fails for good.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry multiplies it by
	// BackoffFactor (defaults 5s and 5x, i.e. 5s/25s/125s).
	BackoffBase   time.Duration
	BackoffFactor int
	// RandomizedJitter bounds the jitter applied to randomized-mode deliveries.
	RandomizedJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 5
	}
	if c.RandomizedJitter <= 0 {
		c.RandomizedJitter = 30 * time.Minute
	}
	return c
}

// Queue is the single owner of delivery state transitions. Every caller goes
// through it, so the claim contract and the state machine are enforced in one
// place instead of per caller.
type Queue struct {
	cfg Config
	st  store.Store
	log logx.Logger
}

func New(cfg Config, st store.Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{cfg: cfg.withDefaults(), st: st, log: log}
}

// Enqueue stores a new delivery in pending, applying its schedule mode:
// randomized gets bounded jitter, smart snaps to the destination's next free
// slot so the dispatcher doesn't spin on deferred claims.
func (q *Queue) Enqueue(ctx context.Context, d *model.Delivery) error {
	if d.State == "" {
		d.State = model.DeliveryPending
	}
	if d.State != model.DeliveryPending {
		return fmt.Errorf("enqueue requires pending state, got %s", d.State)
	}

	switch d.Mode {
	case model.ScheduleRandomized:
		jitter := time.Duration(rand.Int63n(int64(q.cfg.RandomizedJitter)))
		d.ScheduledFor = d.ScheduledFor.Add(jitter)
	case model.ScheduleSmart:
		if c, err := q.st.GetConstraint(ctx, d.DestinationRef); err == nil {
			if clear := constraint.EarliestClear(c, d.ScheduledFor); clear.After(d.ScheduledFor) {
				d.ScheduledFor = clear
			}
		}
	}

	return q.st.PutDelivery(ctx, d)
}

// ClaimDue atomically claims up to limit due deliveries (pending → queued).
func (q *Queue) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*model.Delivery, error) {
	return q.st.ClaimDue(ctx, limit, now)
}

// BeginProcessing moves a claimed delivery queued → processing.
func (q *Queue) BeginProcessing(ctx context.Context, d *model.Delivery) error {
	if !d.State.CanTransition(model.DeliveryProcessing) {
		return fmt.Errorf("illegal transition %s → processing", d.State)
	}
	prev := d.State
	d.State = model.DeliveryProcessing
	if err := q.st.UpdateDelivery(ctx, d, prev); err != nil {
		d.State = prev
		return err
	}
	return nil
}

// Requeue handles a transient failure: attempts++, lastError set, and either
// back to pending with exponential backoff or to failed once the budget is
// spent (in which case ErrExhausted is returned alongside the state change).
//
// MaxAttempts bounds total processing attempts, not retries: with the default
// of 3, a delivery gets two backoff waits (5s, 25s) before its third attempt
// decides it. The 125s step only applies when MaxAttempts is raised above 3.
func (q *Queue) Requeue(ctx context.Context, d *model.Delivery, cause error) error {
	prev := d.State
	d.Attempts++
	d.LastError = cause.Error()

	if d.Attempts >= q.cfg.MaxAttempts {
		d.State = model.DeliveryFailed
		if err := q.st.UpdateDelivery(ctx, d, prev); err != nil {
			return err
		}
		return ErrExhausted
	}

	d.State = model.DeliveryPending
	d.ScheduledFor = time.Now().UTC().Add(q.Backoff(d.Attempts))
	return q.st.UpdateDelivery(ctx, d, prev)
}

// Backoff returns the delay before retry attempt n (1-based).
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= time.Duration(q.cfg.BackoffFactor)
	}
	return d
}

// Defer returns a constraint-blocked delivery to pending without touching the
// attempt counter; until is the earliest time the constraint can clear.
func (q *Queue) Defer(ctx context.Context, d *model.Delivery, until time.Time) error {
	prev := d.State
	d.State = model.DeliveryPending
	d.ScheduledFor = until
	return q.st.UpdateDelivery(ctx, d, prev)
}

// Complete marks a delivery sent.
func (q *Queue) Complete(ctx context.Context, d *model.Delivery, sentAt time.Time, externalID string) error {
	prev := d.State
	if !prev.CanTransition(model.DeliverySent) {
		return fmt.Errorf("illegal transition %s → sent", prev)
	}
	d.State = model.DeliverySent
	d.SentAt = sentAt
	d.ExternalMessageID = externalID
	d.LastError = ""
	// Attempts counts processing attempts consumed, successful one included.
	d.Attempts++
	return q.st.UpdateDelivery(ctx, d, prev)
}

// Fail marks a delivery permanently failed (no retries left to spend).
func (q *Queue) Fail(ctx context.Context, d *model.Delivery, cause error) error {
	prev := d.State
	if !prev.CanTransition(model.DeliveryFailed) {
		return fmt.Errorf("illegal transition %s → failed", prev)
	}
	d.State = model.DeliveryFailed
	d.Attempts++
	d.LastError = cause.Error()
	return q.st.UpdateDelivery(ctx, d, prev)
}

// CancelCampaign withdraws a campaign: pending/queued deliveries flip to
// cancelled, processing ones finish their in-flight attempt untouched.
func (q *Queue) CancelCampaign(ctx context.Context, campaignRef string) (int, error) {
	return q.st.CancelCampaign(ctx, campaignRef)
}
