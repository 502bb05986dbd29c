package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage selects the persistence backend. Omitted means an on-disk
	// sqlite database at the default path.
	Storage *StorageConfig `json:"storage,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Queue     QueueConfig     `json:"queue"`
	Gateway   GatewayConfig   `json:"gateway"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Audit     AuditConfig     `json:"audit"`

	Engine EngineConfig `json:"engine"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig controls the delivery worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - poll_interval: "5s"
//   - claim_batch: 10
type DispatchConfig struct {
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	ClaimBatch   int    `json:"claim_batch,omitempty"`
}

// QueueConfig controls retry behavior for failed deliveries.
//
// Defaults: max_attempts 3, backoff_base "5s", backoff_factor 5,
// randomized_jitter "30m".
type QueueConfig struct {
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	BackoffBase      string `json:"backoff_base,omitempty"`
	BackoffFactor    int    `json:"backoff_factor,omitempty"`
	RandomizedJitter string `json:"randomized_jitter,omitempty"`
}

// GatewayConfig controls platform call pacing.
//
// Defaults: send_spacing "100ms", delete_spacing "50ms", call_timeout "10s".
type GatewayConfig struct {
	SendSpacing   string `json:"send_spacing,omitempty"`
	DeleteSpacing string `json:"delete_spacing,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`
}

// LifecycleConfig controls the access-grant and housekeeping sweeps.
//
// WarnAt is HH:MM in UTC. Defaults: warn_at "09:00", expire_every "1h",
// expire_batch 100, reap_every "5m", reap_after "10m", sweep_timeout "5m".
type LifecycleConfig struct {
	WarnAt       string `json:"warn_at,omitempty"`
	ExpireEvery  string `json:"expire_every,omitempty"`
	ExpireBatch  int    `json:"expire_batch,omitempty"`
	ReapEvery    string `json:"reap_every,omitempty"`
	ReapAfter    string `json:"reap_after,omitempty"`
	SweepTimeout string `json:"sweep_timeout,omitempty"`
}

// AuditConfig controls the best-effort audit buffer.
//
// Defaults: buffer_size 512, flush_timeout "5s".
type AuditConfig struct {
	BufferSize   int    `json:"buffer_size,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

// EngineConfig holds global runtime switches.
//
// Paused is the emergency stop: when true, the dispatcher claims nothing.
// It is read fresh every poll cycle, so flipping it in the config file takes
// effect within one poll interval without a restart.
type EngineConfig struct {
	Paused bool `json:"paused"`
}
