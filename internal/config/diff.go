package config

import (
	"sort"
	"strings"

	logx "adpilot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included,
// only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.String("dispatch.poll_interval", strings.TrimSpace(newCfg.Dispatch.PollInterval)),
			logx.Int("dispatch.claim_batch", newCfg.Dispatch.ClaimBatch))
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.backoff_base", strings.TrimSpace(newCfg.Queue.BackoffBase)),
			logx.Int("queue.backoff_factor", newCfg.Queue.BackoffFactor))
	}

	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.send_spacing", strings.TrimSpace(newCfg.Gateway.SendSpacing)),
			logx.String("gateway.delete_spacing", strings.TrimSpace(newCfg.Gateway.DeleteSpacing)))
	}

	if oldCfg.Lifecycle != newCfg.Lifecycle {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.String("lifecycle.warn_at", strings.TrimSpace(newCfg.Lifecycle.WarnAt)),
			logx.String("lifecycle.expire_every", strings.TrimSpace(newCfg.Lifecycle.ExpireEvery)))
	}

	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
		attrs = append(attrs, logx.Int("audit.buffer_size", newCfg.Audit.BufferSize))
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.Bool("engine.paused", newCfg.Engine.Paused))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
