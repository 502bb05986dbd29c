package app

import (
	"fmt"
	"strings"

	"adpilot/internal/audit"
	"adpilot/internal/config"
	"adpilot/internal/dispatch"
	"adpilot/internal/gateway"
	"adpilot/internal/lifecycle"
	"adpilot/internal/queue"
	"adpilot/internal/store"
)

func storeConfig(cfg *config.Config) store.Config {
	out := store.Config{Driver: "sqlite", Path: "./adpilot.db"}
	if cfg.Storage == nil {
		return out
	}
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		out.Driver = d
	}
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		out.Path = p
	}
	if busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err == nil {
		out.BusyTimeout = busy
	}
	return out
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	poll, err := config.ParseDurationField("dispatch.poll_interval", cfg.Dispatch.PollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: poll,
		ClaimBatch:   cfg.Dispatch.ClaimBatch,
	}, nil
}

func queueConfig(cfg *config.Config) (queue.Config, error) {
	base, err := config.ParseDurationField("queue.backoff_base", cfg.Queue.BackoffBase)
	if err != nil {
		return queue.Config{}, err
	}
	jitter, err := config.ParseDurationField("queue.randomized_jitter", cfg.Queue.RandomizedJitter)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		BackoffBase:      base,
		BackoffFactor:    cfg.Queue.BackoffFactor,
		RandomizedJitter: jitter,
	}, nil
}

func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	send, err := config.ParseDurationField("gateway.send_spacing", cfg.Gateway.SendSpacing)
	if err != nil {
		return gateway.Config{}, err
	}
	del, err := config.ParseDurationField("gateway.delete_spacing", cfg.Gateway.DeleteSpacing)
	if err != nil {
		return gateway.Config{}, err
	}
	timeout, err := config.ParseDurationField("gateway.call_timeout", cfg.Gateway.CallTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{SendSpacing: send, DeleteSpacing: del, CallTimeout: timeout}, nil
}

func lifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	every, err := config.ParseDurationField("lifecycle.expire_every", cfg.Lifecycle.ExpireEvery)
	if err != nil {
		return lifecycle.Config{}, err
	}
	reapEvery, err := config.ParseDurationField("lifecycle.reap_every", cfg.Lifecycle.ReapEvery)
	if err != nil {
		return lifecycle.Config{}, err
	}
	reapAfter, err := config.ParseDurationField("lifecycle.reap_after", cfg.Lifecycle.ReapAfter)
	if err != nil {
		return lifecycle.Config{}, err
	}
	timeout, err := config.ParseDurationField("lifecycle.sweep_timeout", cfg.Lifecycle.SweepTimeout)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		WarnAt:       strings.TrimSpace(cfg.Lifecycle.WarnAt),
		ExpireEvery:  every,
		ExpireBatch:  cfg.Lifecycle.ExpireBatch,
		ReapEvery:    reapEvery,
		ReapAfter:    reapAfter,
		SweepTimeout: timeout,
	}, nil
}

func auditConfig(cfg *config.Config) (audit.Config, error) {
	flush, err := config.ParseDurationField("audit.flush_timeout", cfg.Audit.FlushTimeout)
	if err != nil {
		return audit.Config{}, err
	}
	return audit.Config{BufferSize: cfg.Audit.BufferSize, FlushTimeout: flush}, nil
}

// validate rejects a hot-reloaded config before it is committed, so a typo in
// the file never takes down a running engine.
func validate(cfg *config.Config) error {
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if cfg.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must be >= 0")
	}
	if _, err := dispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := queueConfig(cfg); err != nil {
		return err
	}
	if _, err := gatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := lifecycleConfig(cfg); err != nil {
		return err
	}
	if _, err := auditConfig(cfg); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
