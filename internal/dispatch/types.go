package dispatch

import "time"

type Config struct {
	Workers int
	// PollInterval is how often due deliveries are claimed from the queue.
	PollInterval time.Duration
	// ClaimBatch caps how many deliveries one poll may claim.
	ClaimBatch int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	Processed uint64
	Sent      uint64
	Failed    uint64
	Deferred  uint64
}
