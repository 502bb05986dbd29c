package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"adpilot/internal/store"
	logx "adpilot/pkg/logx"
)

type Config struct {
	// BufferSize bounds the async queue; a full buffer drops events instead of
	// backpressuring delivery processing.
	BufferSize int
	// FlushTimeout bounds one store write from the flusher.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 512
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// Sink records mutating engine actions for compliance review.
//
// LogAsync is fire-and-forget: a stalled audit backend can never stall a send
// or an expiration. LogSync exists only for the small set of security-critical
// events where losing the record is worse than the latency.
type Sink struct {
	cfg Config
	st  store.Audit
	log logx.Logger

	queue  chan store.AuditEntry
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// dropped counts events lost to a full buffer; reported periodically to
	// avoid per-event log spam.
	dropped uint64
}

func New(cfg Config, st store.Audit, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg.withDefaults(), st: st, log: log}
}

func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan store.AuditEntry, s.cfg.BufferSize)

	s.wg.Add(1)
	go s.flusher(ctx, s.stopCh, s.queue)
}

// Stop drains what it can within ctx and stops the flusher.
func (s *Sink) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// LogAsync enqueues an event. It never blocks; on a full buffer the event is
// counted as dropped and discarded.
func (s *Sink) LogAsync(e store.AuditEntry) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case q <- e:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// LogSync writes the event directly, accepting the latency for guaranteed
// persistence. Reserved for security-critical events (emergency stop toggles).
func (s *Sink) LogSync(ctx context.Context, e store.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return s.st.AppendAudit(ctx, e)
}

// Dropped reports how many events were discarded since the last periodic report.
func (s *Sink) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Sink) flusher(ctx context.Context, stopCh <-chan struct{}, queue <-chan store.AuditEntry) {
	defer s.wg.Done()

	report := time.NewTicker(30 * time.Second)
	defer report.Stop()

	flush := func(e store.AuditEntry) {
		fctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		defer cancel()
		if err := s.st.AppendAudit(fctx, e); err != nil {
			// Audit failures are logged and swallowed, never propagated.
			s.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			// final drain, best-effort
			for {
				select {
				case e := <-queue:
					flush(e)
				default:
					return
				}
			}
		case <-report.C:
			if n := atomic.SwapUint64(&s.dropped, 0); n > 0 {
				s.log.Warn("audit events dropped (buffer full)", logx.Uint64("count", n))
			}
		case e := <-queue:
			flush(e)
		}
	}
}
