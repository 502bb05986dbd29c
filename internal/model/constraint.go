package model

import "time"

// DestinationConstraint holds the per-group posting rules the dashboard edits
// and the dispatcher enforces.
type DestinationConstraint struct {
	DestinationRef    string
	ChatID            int64
	ThreadID          int
	MaxPerDay         int
	CooldownMinutes   int
	AllowedCategories []string
	IsActive          bool

	// PostsToday resets at the UTC day boundary.
	PostsToday int
	LastSentAt time.Time
}

// AllowsCategory reports whether the category may be posted to this destination.
// An empty allowlist means every category is allowed.
func (c *DestinationConstraint) AllowsCategory(category string) bool {
	if len(c.AllowedCategories) == 0 {
		return true
	}
	for _, a := range c.AllowedCategories {
		if a == category {
			return true
		}
	}
	return false
}

// Cooldown returns the cooldown window as a duration.
func (c *DestinationConstraint) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
