package constraint

import (
	"time"

	"adpilot/internal/model"
)

// Verdict is the outcome of evaluating a destination's rules for one send.
type Verdict int

const (
	// Allowed: the send may proceed now.
	Allowed Verdict = iota
	// Deferred: the rules block the send right now but will clear; retry at
	// Decision.RetryAt without spending an attempt.
	Deferred
	// Blocked: the rules can never admit this delivery (inactive destination,
	// disallowed category). Terminal for the delivery.
	Blocked
)

type Decision struct {
	Verdict Verdict
	RetryAt time.Time // set when Verdict == Deferred
	Reason  string
}

// Evaluate applies the destination rules at `now`.
//
// Cap and cooldown violations defer; an inactive destination or a category not
// on the allowlist blocks, since waiting cannot fix either.
func Evaluate(c *model.DestinationConstraint, category string, now time.Time) Decision {
	if !c.IsActive {
		return Decision{Verdict: Blocked, Reason: "destination inactive"}
	}
	if !c.AllowsCategory(category) {
		return Decision{Verdict: Blocked, Reason: "category not allowed: " + category}
	}

	if c.MaxPerDay > 0 && c.PostsToday >= c.MaxPerDay {
		return Decision{Verdict: Deferred, RetryAt: NextDayBoundary(now), Reason: "daily cap reached"}
	}
	if c.CooldownMinutes > 0 && !c.LastSentAt.IsZero() {
		if wait := c.LastSentAt.Add(c.Cooldown()).Sub(now); wait > 0 {
			return Decision{Verdict: Deferred, RetryAt: now.Add(wait), Reason: "cooldown active"}
		}
	}
	return Decision{Verdict: Allowed}
}

// EarliestClear returns the earliest instant at which the cap and cooldown
// rules can both be satisfied, assuming no further sends in between. Used by
// smart scheduling to avoid enqueueing into a known-blocked window.
func EarliestClear(c *model.DestinationConstraint, from time.Time) time.Time {
	at := from
	if c.MaxPerDay > 0 && c.PostsToday >= c.MaxPerDay {
		at = NextDayBoundary(from)
	}
	if c.CooldownMinutes > 0 && !c.LastSentAt.IsZero() {
		if clear := c.LastSentAt.Add(c.Cooldown()); clear.After(at) {
			at = clear
		}
	}
	return at
}

// NextDayBoundary returns the next UTC midnight after t. Daily caps reset at
// UTC midnight regardless of destination-local time.
func NextDayBoundary(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
