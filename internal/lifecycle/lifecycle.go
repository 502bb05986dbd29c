// Package lifecycle watches time-bounded access grants: it warns holders ahead
// of expiry and retracts delivered content once access lapses. It also hosts
// the engine's housekeeping sweeps, the daily posting-counter reset and the
// stale-claim reaper.
//
// All sweeps are idempotent. Warning flags are monotonic and only flip after a
// successful send, so a crashed sweep re-warns nobody on the next run. The
// expiration sweep filters on status=completed, so an already-expired grant is
// never touched twice.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/audit"
	"adpilot/internal/gateway"
	"adpilot/internal/model"
	"adpilot/internal/sched"
	"adpilot/internal/store"
	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

type Config struct {
	// WarnAt is the daily HH:MM (UTC) at which both warning sweeps run.
	WarnAt string
	// ExpireEvery is the expiration sweep interval.
	ExpireEvery time.Duration
	// ExpireBatch caps grants handled per expiration run.
	ExpireBatch int
	// ReapEvery is the stale-claim sweep interval, ReapAfter how long a
	// claimed delivery may sit untouched before the sweep returns it to
	// pending.
	ReapEvery time.Duration
	ReapAfter time.Duration
	// SweepTimeout bounds one sweep run.
	SweepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarnAt == "" {
		c.WarnAt = "09:00"
	}
	if c.ExpireEvery <= 0 {
		c.ExpireEvery = time.Hour
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = 100
	}
	if c.ReapEvery <= 0 {
		c.ReapEvery = 5 * time.Minute
	}
	if c.ReapAfter <= 0 {
		c.ReapAfter = 10 * time.Minute
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	return c
}

type Monitor struct {
	cfg  Config
	st   store.Store
	gw   *gateway.Gateway
	sink *audit.Sink
	log  logx.Logger
}

func New(cfg Config, st store.Store, gw *gateway.Gateway, sink *audit.Sink, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg.withDefaults(), st: st, gw: gw, sink: sink, log: log}
}

// Register attaches all sweeps to the scheduler. The daily counter reset runs
// at 00:00 UTC because the posting-cap day boundary is defined as UTC midnight.
func (m *Monitor) Register(s *sched.Service) error {
	if _, err := s.AddDaily("grants.warn7d", m.cfg.WarnAt, m.cfg.SweepTimeout, func(ctx context.Context) error {
		return m.Warn(ctx, store.Warning7d)
	}); err != nil {
		return err
	}
	if _, err := s.AddDaily("grants.warn1d", m.cfg.WarnAt, m.cfg.SweepTimeout, func(ctx context.Context) error {
		return m.Warn(ctx, store.Warning1d)
	}); err != nil {
		return err
	}
	if _, err := s.AddInterval("grants.expire", m.cfg.ExpireEvery, m.cfg.SweepTimeout, m.Expire); err != nil {
		return err
	}
	if _, err := s.AddInterval("deliveries.reap", m.cfg.ReapEvery, m.cfg.SweepTimeout, m.Reap); err != nil {
		return err
	}
	if _, err := s.AddDaily("constraints.reset", "00:00", m.cfg.SweepTimeout, func(ctx context.Context) error {
		n, err := m.st.ResetDailyCounters(ctx)
		if err != nil {
			return err
		}
		m.log.Info("daily posting counters reset", logx.Int("destinations", n))
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// Warn notifies holders whose access ends within the kind's window and flags
// each grant after its notification went out. Per-grant failures are logged
// and skipped; the grant stays unflagged and retries on the next run.
func (m *Monitor) Warn(ctx context.Context, kind store.WarningKind) error {
	now := time.Now().UTC()
	window := 7 * 24 * time.Hour
	if kind == store.Warning1d {
		window = 24 * time.Hour
	}

	grants, err := m.st.GrantsExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return fmt.Errorf("select expiring grants: %w", err)
	}

	warned := 0
	for _, g := range grants {
		if notified(g, kind) {
			continue
		}
		if err := m.warnOne(ctx, g, kind, now); err != nil {
			m.log.Warn("expiry warning failed",
				logx.String("grant", g.ID), logx.Err(err))
			continue
		}
		warned++
	}
	if warned > 0 {
		m.log.Info("expiry warnings sent",
			logx.Int("count", warned), logx.Int("window_days", int(window.Hours()/24)))
	}
	return nil
}

func (m *Monitor) warnOne(ctx context.Context, g *model.AccessGrant, kind store.WarningKind, now time.Time) error {
	left := g.AccessExpiresAt.Sub(now)
	text := warningText(g.ProductRef, left)

	if _, err := m.gw.Send(ctx, transport.ChatTarget{ChatID: g.HolderChatID}, text, nil); err != nil {
		return err
	}
	// Flag only after the send succeeded. A flag write failure means one
	// duplicate warning on the next run, which beats a silently lost one.
	if err := m.st.MarkGrantNotified(ctx, g.ID, kind); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	m.auditGrant(g, auditAction(kind), true, "")
	return nil
}

// Expire retracts delivered content for lapsed grants and flips them to
// expired. Deletes are best-effort: a message that cannot be removed does not
// keep the grant alive.
func (m *Monitor) Expire(ctx context.Context) error {
	now := time.Now().UTC()
	grants, err := m.st.ExpiredGrants(ctx, now, m.cfg.ExpireBatch)
	if err != nil {
		return fmt.Errorf("select lapsed grants: %w", err)
	}

	for _, g := range grants {
		m.expireOne(ctx, g)
	}
	if len(grants) > 0 {
		m.log.Info("expiration sweep done", logx.Int("grants", len(grants)))
	}
	return nil
}

func (m *Monitor) expireOne(ctx context.Context, g *model.AccessGrant) {
	deleted, failed := 0, 0
	for _, refs := range g.DeliveredRefs {
		for _, msgID := range refs.MessageIDs {
			err := m.gw.Delete(ctx, transport.MessageRef{ChatID: refs.ChatID, MessageID: msgID})
			if err != nil {
				failed++
				m.log.Warn("content delete failed",
					logx.String("grant", g.ID), logx.Int64("chat_id", refs.ChatID),
					logx.Int("message_id", msgID), logx.Err(err))
				continue
			}
			deleted++
		}
	}

	if err := m.st.ExpireGrant(ctx, g.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another run already flipped it.
			return
		}
		m.log.Error("expire transition failed", logx.String("grant", g.ID), logx.Err(err))
		return
	}
	m.log.Info("grant expired",
		logx.String("grant", g.ID), logx.String("holder", g.HolderRef),
		logx.Int("deleted", deleted), logx.Int("delete_failures", failed))
	m.auditGrant(g, "grant.expire", true, "")
}

// Reap returns abandoned delivery claims to pending. A worker crash or a
// shutdown with claims still in the queue leaves rows in queued or
// processing that the dispatcher can never see again; the sweep flips
// back any claim untouched for ReapAfter.
func (m *Monitor) Reap(ctx context.Context) error {
	n, err := m.st.RequeueStale(ctx, time.Now().UTC().Add(-m.cfg.ReapAfter))
	if err != nil {
		return fmt.Errorf("requeue stale deliveries: %w", err)
	}
	if n > 0 {
		m.log.Warn("abandoned delivery claims requeued", logx.Int("count", n))
	}
	return nil
}

func (m *Monitor) auditGrant(g *model.AccessGrant, action string, ok bool, errMsg string) {
	if m.sink == nil {
		return
	}
	m.sink.LogAsync(store.AuditEntry{
		At:       time.Now().UTC(),
		Actor:    "lifecycle",
		Action:   action,
		Entity:   "grant",
		EntityID: g.ID,
		OK:       ok,
		Error:    errMsg,
	})
}

func notified(g *model.AccessGrant, kind store.WarningKind) bool {
	if kind == store.Warning1d {
		return g.Notified1d
	}
	return g.Notified7d
}

func auditAction(kind store.WarningKind) string {
	if kind == store.Warning1d {
		return "grant.warn1d"
	}
	return "grant.warn7d"
}

func warningText(productRef string, left time.Duration) string {
	days := int(left.Hours() / 24)
	if days >= 2 {
		return fmt.Sprintf("Your access to %s expires in %d days. Renew to keep the content.", productRef, days)
	}
	hours := int(left.Hours())
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf("Your access to %s expires in about %d hours. Renew to keep the content.", productRef, hours)
}
