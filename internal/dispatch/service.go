package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"adpilot/internal/audit"
	"adpilot/internal/gateway"
	"adpilot/internal/history"
	"adpilot/internal/model"
	"adpilot/internal/queue"
	"adpilot/internal/store"
	logx "adpilot/pkg/logx"
)

// Service continuously claims due deliveries, enforces destination rules, and
// performs the paced send. Workers run concurrently; cross-worker exclusivity
// comes from the queue's atomic claim, not from worker-local locking.
type Service struct {
	mu sync.Mutex

	cfg      Config
	q        *queue.Queue
	st       store.Store
	gw       *gateway.Gateway
	recorder *history.Recorder
	sink     *audit.Sink
	log      logx.Logger

	// Paused is read fresh every poll cycle so an emergency stop takes effect
	// within one interval without restarting workers.
	Paused func() bool

	jobs     chan *model.Delivery
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	processed uint64
	sent      uint64
	failed    uint64
	deferred  uint64
}

func New(cfg Config, q *queue.Queue, st store.Store, gw *gateway.Gateway, rec *history.Recorder, sink *audit.Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		q:        q,
		st:       st,
		gw:       gw,
		recorder: rec,
		sink:     sink,
		log:      log,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.jobs = make(chan *model.Delivery, s.cfg.ClaimBatch*2)

	stopCh := s.stopCh
	jobs := s.jobs

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.pollLoop(ctx, stopCh, jobs)
	}()

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go func(idx int) {
			defer s.workerWG.Done()
			s.worker(ctx, stopCh, jobs, idx)
		}(i)
	}

	s.log.Info("dispatcher started",
		logx.Int("workers", s.cfg.Workers), logx.Duration("poll", s.cfg.PollInterval))
}

func (s *Service) Stop(ctx context.Context) {
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
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) pollLoop(ctx context.Context, stopCh <-chan struct{}, jobs chan<- *model.Delivery) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if s.Paused != nil && s.Paused() {
			s.log.Debug("dispatch paused, skipping poll")
			continue
		}

		claimed, err := s.q.ClaimDue(ctx, s.cfg.ClaimBatch, time.Now().UTC())
		if err != nil {
			s.log.Warn("claim failed", logx.Err(err))
			continue
		}
		for _, d := range claimed {
			select {
			case jobs <- d:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Snapshot returns dispatcher counters for the read-only dashboard view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	ql, qc := 0, 0
	if s.jobs != nil {
		ql, qc = len(s.jobs), cap(s.jobs)
	}
	workers := s.cfg.Workers
	s.mu.Unlock()

	return Snapshot{
		Workers:   workers,
		QueueLen:  ql,
		QueueCap:  qc,
		Processed: atomic.LoadUint64(&s.processed),
		Sent:      atomic.LoadUint64(&s.sent),
		Failed:    atomic.LoadUint64(&s.failed),
		Deferred:  atomic.LoadUint64(&s.deferred),
	}
}
