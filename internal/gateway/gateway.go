package gateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

type Config struct {
	// SendSpacing is the minimum interval between consecutive send calls,
	// DeleteSpacing likewise for deletes. The upstream abuse limits are
	// per-bot, not per-worker, so the gate is shared across all callers.
	SendSpacing   time.Duration
	DeleteSpacing time.Duration
	// CallTimeout bounds a single platform call. A timed-out send classifies
	// as transient.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendSpacing <= 0 {
		c.SendSpacing = 100 * time.Millisecond
	}
	if c.DeleteSpacing <= 0 {
		c.DeleteSpacing = 50 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Gateway is the only component allowed to call the platform adapter. All
// sends, regardless of which worker issued them, pass through one pacing gate
// with a minimum-interval guarantee per operation type.
type Gateway struct {
	cfg     Config
	adapter transport.Adapter
	log     logx.Logger

	sendGate   *rate.Limiter
	deleteGate *rate.Limiter
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:     cfg,
		adapter: adapter,
		log:     log,
		// burst 1 turns the limiter into a strict spacing gate
		sendGate:   rate.NewLimiter(rate.Every(cfg.SendSpacing), 1),
		deleteGate: rate.NewLimiter(rate.Every(cfg.DeleteSpacing), 1),
	}
}

// Send posts content to a destination and returns the platform message ref.
// On error the ref may still be non-zero: a chunked send that failed partway
// reports the first posted message so the caller can retract it before
// retrying instead of double-posting.
func (g *Gateway) Send(ctx context.Context, to transport.ChatTarget, content string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := g.sendGate.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	return g.adapter.SendText(callCtx, to, content, opt)
}

// Delete removes a previously sent message. A message that is already gone is
// not an error: it is logged at low severity and treated as already-clean.
func (g *Gateway) Delete(ctx context.Context, ref transport.MessageRef) error {
	if err := g.deleteGate.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := g.adapter.Delete(callCtx, ref)
	if errors.Is(err, transport.ErrNotFound) {
		g.log.Debug("delete target already gone",
			logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID))
		return nil
	}
	return err
}

// Class is the retry classification of a platform error.
type Class int

const (
	// Transient failures (network, timeout, upstream rate limit) are retried
	// with backoff, bounded by the max-attempts budget.
	Transient Class = iota
	// Permanent failures (destination gone, content rejected) terminate the
	// delivery immediately.
	Permanent
)

// Classify sorts a platform error into the retry taxonomy. Network timeouts,
// context deadlines and upstream rate-limit signals are all transient; only
// errors the adapter marked permanent terminate a delivery. Unknown errors
// default to transient, since a retried permanent error still converges to
// failed once the budget runs out, while the reverse misclassification would
// drop recoverable sends.
func Classify(err error) Class {
	var perm *transport.PermanentError
	if errors.As(err, &perm) {
		return Permanent
	}
	return Transient
}

// IsPermanent is a convenience wrapper over Classify.
func IsPermanent(err error) bool { return Classify(err) == Permanent }
