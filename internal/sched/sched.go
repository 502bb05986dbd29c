package sched

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "adpilot/pkg/logx"
)

// Package sched wraps robfig/cron behind AddDaily/AddInterval so callers never
// touch cron syntax. Jobs are executed by a small worker pool with a per-job
// timeout, never inline on the cron thread.

type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	id      string
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type jobDef struct {
	id      string
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	c    *cron.Cron
	defs []jobDef

	queue  chan task
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan task, 64)

	// All boundaries are UTC: the daily cap reset and the sweep windows share
	// one clock.
	s.c = cron.New(cron.WithLocation(time.UTC))
	for _, d := range s.defs {
		s.addLocked(d)
	}

	stopCh := s.stopCh
	for i := 0; i < workers; i++ {
		go s.worker(ctx, stopCh)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("workers", workers), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

// AddInterval schedules job every `every`, starting one interval from now.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("interval:%s:%d", name, time.Now().UnixNano())
	d := jobDef{id: id, name: name, spec: "@every " + every.String(), timeout: s.resolveTimeout(timeout), job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return id, s.addLocked(d)
	}
	return id, nil
}

// AddDaily schedules job once a day at HH:MM UTC.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("daily:%s:%d", name, time.Now().UnixNano())
	d := jobDef{id: id, name: name, spec: fmt.Sprintf("%d %d * * *", m, h), timeout: s.resolveTimeout(timeout), job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return id, s.addLocked(d)
	}
	return id, nil
}

func (s *Service) addLocked(d jobDef) error {
	_, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(task{id: d.id, name: d.name, timeout: d.timeout, run: d.job})
	})
	return err
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping run", logx.String("job", t.name))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-s.queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx := ctx
	var cancel func()
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.run(runCtx)

	item := HistoryItem{ID: t.id, Name: t.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		// Sweeps are idempotent; a failed run simply retries on its next tick.
		s.log.Warn("job failed", logx.String("job", t.name), logx.Err(err), logx.Duration("dur", item.Duration))
	} else {
		s.log.Debug("job ok", logx.String("job", t.name), logx.Duration("dur", item.Duration))
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if s.cfg.HistorySize > 0 && len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns a copy of the recent run history (operator diagnostics).
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
