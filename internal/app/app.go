// Package app assembles the delivery engine: storage, platform gateway,
// dispatch workers, lifecycle sweeps, and the audit sink, all driven by one
// hot-reloadable config file.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"adpilot/internal/audit"
	"adpilot/internal/config"
	"adpilot/internal/dispatch"
	"adpilot/internal/gateway"
	"adpilot/internal/history"
	"adpilot/internal/lifecycle"
	"adpilot/internal/queue"
	"adpilot/internal/sched"
	"adpilot/internal/store"
	"adpilot/internal/transport/telegram"
	logx "adpilot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	st   store.Store
	gw   *gateway.Gateway
	q    *queue.Queue
	sink *audit.Sink
	rec  *history.Recorder
	disp *dispatch.Service
	mon  *lifecycle.Monitor
	sch  *sched.Service

	paused atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	gw := gateway.New(gwCfg, ad, log.With(logx.String("comp", "gateway")))

	qCfg, err := queueConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	q := queue.New(qCfg, st, log.With(logx.String("comp", "queue")))

	auditCfg, err := auditConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sink := audit.New(auditCfg, st, log.With(logx.String("comp", "audit")))

	rec := history.New(st, log.With(logx.String("comp", "history")))

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, q, st, gw, rec, sink, log.With(logx.String("comp", "dispatch")))

	lcCfg, err := lifecycleConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mon := lifecycle.New(lcCfg, st, gw, sink, log.With(logx.String("comp", "lifecycle")))

	sch := sched.New(sched.Config{Workers: 2}, log.With(logx.String("comp", "sched")))
	if err := mon.Register(sch); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register sweeps: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		st:      st,
		gw:      gw,
		q:       q,
		sink:    sink,
		rec:     rec,
		disp:    disp,
		mon:     mon,
		sch:     sch,
	}
	a.paused.Store(cfg.Engine.Paused)
	disp.Paused = a.paused.Load
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// No workers are running yet, so every queued/processing row is a claim
	// the previous run never finished. Recover them before dispatch starts.
	if n, err := a.st.RequeueStale(runCtx, time.Now().UTC()); err != nil {
		a.log.Warn("stale claim recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("recovered deliveries claimed by previous run", logx.Int("count", n))
	}

	a.sink.Start(runCtx)
	a.sch.Start(runCtx)
	a.disp.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.log.Info("engine started", logx.Bool("paused", a.paused.Load()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	// Stop the claim pipeline before the sweeps so no new sends enter the
	// gateway while it drains.
	a.disp.Stop(ctx)
	a.sch.Stop(ctx)
	a.sink.Stop(ctx)
	a.wg.Wait()
	err := a.st.Close()
	a.log.Info("engine stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				a.log.Info("config change applied",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
			a.applyPaused(ctx, newCfg.Engine.Paused)
			lastApplied = newCfg
		}
	}
}

// applyPaused flips the emergency stop. The toggle is one of the few events
// written synchronously so the audit trail is guaranteed to have it.
func (a *App) applyPaused(ctx context.Context, paused bool) {
	if a.paused.Swap(paused) == paused {
		return
	}
	action := "engine.resume"
	if paused {
		action = "engine.pause"
	}
	a.log.Warn("emergency stop toggled", logx.Bool("paused", paused))
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.sink.LogSync(sctx, store.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  "operator",
		Action: action,
		Entity: "engine",
		OK:     true,
	}); err != nil {
		a.log.Error("audit write for stop toggle failed", logx.Err(err))
	}
}

// Store exposes the persistence layer for read-only dashboard views.
func (a *App) Store() store.Store { return a.st }

// Dispatch exposes dispatcher counters for the dashboard.
func (a *App) Dispatch() *dispatch.Service { return a.disp }
