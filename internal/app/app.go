// Package app wires the lunch bot together and owns startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lunchbot/internal/bus"
	"lunchbot/internal/config"
	"lunchbot/internal/enrollment"
	"lunchbot/internal/frontend"
	"lunchbot/internal/notifier"
	"lunchbot/internal/observability"
	rtsup "lunchbot/internal/runtime/supervisor"
	"lunchbot/internal/scheduler"
	"lunchbot/internal/storage"
	kit "lunchbot/internal/transport"
	"lunchbot/internal/transport/telegram"
	logx "lunchbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	queue   *bus.Queue
	store   storage.Store
	roster  *enrollment.Store
	sched   *scheduler.Service
	notif   *notifier.Service
	front   *frontend.Service
	metrics *observability.Metrics
	obs     *observability.Server

	schedEnabled bool
	updates      chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg), ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}

	roster, err := enrollment.Open(enrollmentDir(cfg), root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	q := bus.NewQueue(root.With(logx.String("comp", "bus")))
	sched := scheduler.New(schedCfg, q, store, root, scheduler.WithObserver(metrics))
	notif := notifier.New(ncfg, ad, root)
	notif.SetHooks(metrics)
	metrics.WatchQueue(q.Len)
	metrics.WatchNotifier(func() observability.DeliveryStats {
		st := notif.Stats()
		return observability.DeliveryStats{Sent: st.Sent, Failed: st.Failed, Dropped: st.Dropped}
	})
	front := frontend.New(frontend.Deps{
		Bus:       q,
		Roster:    roster,
		Notifier:  notif,
		Callbacks: ad,
		Location:  schedCfg.Location,
		Logger:    root,
	})
	front.Attach()

	return &App{
		cfgm:         cfgm,
		log:          root.With(logx.String("comp", "app")),
		logs:         logSvc,
		adapter:      ad,
		queue:        q,
		store:        store,
		roster:       roster,
		sched:        sched,
		notif:        notif,
		front:        front,
		metrics:      metrics,
		obs:          observability.NewServer(ocfg, reg, root),
		schedEnabled: cfg.Scheduler.Enabled,
		updates:      make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithHooks(a.metrics), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapObservabilityConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.sup.Go("bus.queue", a.queue.Run)
	a.obs.Start(c)
	a.notif.Start(c)
	if a.schedEnabled {
		if err := a.sched.Start(c); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; lunch commands will not be answered")
	}
	if err := a.adapter.Start(c, a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start adapter: %w", err)
	}

	a.sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-a.updates:
				a.front.HandleUpdate(c, up)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// applyConfig pushes live-reloadable sections into running components.
// Everything else needs a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if ocfg, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(a.sup.Context(), ocfg)
	}

	for _, s := range sections {
		switch s {
		case "telegram", "scheduler", "storage", "enrollment":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Adapter first so no new commands arrive.
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "bus", time.Second, func(context.Context) error { a.queue.Stop(); return nil })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and the caller's deadline. A
// step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
