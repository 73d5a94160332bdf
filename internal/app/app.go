package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ranchd/internal/config"
	"ranchd/internal/director"
	"ranchd/internal/eventbus"
	"ranchd/internal/metrics"
	"ranchd/internal/observability/admin"
	"ranchd/internal/otp"
	rtsup "ranchd/internal/runtime/supervisor"
	"ranchd/internal/storage"
	"ranchd/internal/task/engine"
	"ranchd/internal/task/scheduler"
	"ranchd/internal/tick"
	logx "ranchd/pkg/logx"
	"ranchd/pkg/systemd"
)

// App owns every long-lived component of one ranchd process.
type App struct {
	id      string
	started time.Time

	cfgm *config.ConfigManager
	rt   config.Runtime
	logs *logx.Service
	log  logx.Logger

	store   storage.Backend
	metrics *metrics.Registry

	caches    director.Caches
	cacheList []tick.Cache
	jobs      *scheduler.Service
	cron      *scheduler.Cron
	pool      *engine.Service
	codes     *otp.Registry[string]
	events    *eventbus.Bus
	directors *director.Directors
	driver    *tick.Driver
	admin     *admin.Service
	notify    *systemd.Notifier

	sup          *rtsup.Supervisor
	driverCancel context.CancelFunc
	driverDone   chan struct{}
	stopOnce     sync.Once
}

// New loads configuration from cfgPath (defaults when empty) and builds the
// component graph. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	var (
		cfgm *config.ConfigManager
		cfg  *config.Config
	)
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
	} else {
		cfgm = config.NewConfigManager(cfgPath)
		cfgm.SetValidator(config.Validate)
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(rt.Logging)
	a := &App{
		id:     uuid.NewString(),
		cfgm:   cfgm,
		rt:     rt,
		logs:   logs,
		log:    log,
		notify: systemd.New(),
	}
	log = log.With(logx.String("instance", a.id[:8]))
	a.log = log

	a.store, err = storage.Open(ctx, rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.metrics = metrics.New(prometheus.Labels{"instance": a.id})
	a.caches, a.cacheList = buildCaches(a.store, log.With(logx.String("comp", "cache")), a.metrics.Cache)

	a.jobs = scheduler.New(scheduler.Config{},
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithMetrics(a.metrics.Scheduler),
	)
	a.cron = scheduler.NewCron(a.jobs, log.With(logx.String("comp", "cron")))
	a.pool = engine.New(engine.Config{Workers: rt.Workers, SlowTask: rt.SlowTask},
		log.With(logx.String("comp", "pool")),
		engine.WithMetrics(a.metrics.Pool),
	)
	a.codes = otp.New[string](otp.Config{TTL: rt.OTPTTL})
	a.events = eventbus.New()
	a.directors = director.New(director.Deps{
		Caches: a.caches,
		Jobs:   a.jobs,
		Pool:   a.pool,
		Codes:  a.codes,
		Events: a.events,
		Log:    log,
	})
	a.driver = tick.New(rt.Tick, a.jobs, a.cacheList,
		tick.WithLogger(log.With(logx.String("comp", "tick"))),
		tick.WithWatchdog(a.notify),
	)
	a.admin = admin.New(rt.Admin, admin.Deps{
		Gatherer: a.metrics.Gatherer(),
		Checks:   map[string]admin.Check{"storage": a.store.Ping},
		Snapshot: func() any { return a.Snapshot() },
	}, log)
	return a, nil
}

// Directors is the entry point protocol servers use.
func (a *App) Directors() *director.Directors { return a.directors }

// Done is closed when the app stops or a supervised component fails.
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
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.pool.Start(a.sup.Context())
	a.startEventLog()

	dctx, cancel := context.WithCancel(a.sup.Context())
	a.driverCancel = cancel
	a.driverDone = make(chan struct{})
	a.sup.Go("tick.driver", func(context.Context) error {
		defer close(a.driverDone)
		return a.driver.Run(dctx)
	})

	if err := a.scheduleMaintenance(); err != nil {
		return err
	}
	a.cron.Start()

	if err := a.admin.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("admin: %w", err)
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.startConfigReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if _, err := a.notify.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	_, _ = a.notify.Status("serving")
	a.log.Info("app started",
		logx.String("storage", a.rt.Storage.Driver),
		logx.Int("workers", a.rt.Workers),
		logx.Duration("tick", a.rt.Tick.Interval),
	)
	return nil
}

func (a *App) scheduleMaintenance() error {
	if spec := a.rt.OTPSweep; spec != "" {
		if err := a.cron.Add("otp.sweep", spec, func() {
			if n := a.codes.Sweep(); n > 0 {
				a.log.Debug("expired codes swept", logx.Int("removed", n))
			}
		}); err != nil {
			return err
		}
	}
	if spec := a.rt.StatsReport; spec != "" {
		if err := a.cron.Add("stats.report", spec, a.reportStats); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) reportStats() {
	s := a.Snapshot()
	fields := []logx.Field{
		logx.Int("jobs_pending", s.Scheduler.Pending),
		logx.Int("main_backlog", s.Pool.Main.Len),
		logx.Int("worker_backlog", s.Pool.Worker.Len),
		logx.Int("codes", s.Codes),
		logx.Uint64("ticks", s.Ticks),
	}
	for name, c := range s.Caches {
		fields = append(fields, logx.Int("cache."+name, c.Entries))
	}
	a.log.Info("stats", fields...)
}

// startEventLog mirrors domain events into the debug log.
func (a *App) startEventLog() {
	log := a.log.With(logx.String("comp", "events"))
	a.sup.GoRestart("events.log", func(c context.Context) error {
		events, unsub := a.events.Subscribe(64)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				log.Debug("event", logx.String("type", e.Type), logx.String("name", e.Name), logx.Any("data", e.Data))
			}
		}
	})
}

// startConfigReload applies hot-reloadable sections and warns about the rest.
func (a *App) startConfigReload() {
	a.sup.Go("config.reload", func(c context.Context) error {
		sub, unsub := a.cfgm.Subscribe()
		defer unsub()
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next := <-sub:
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rt, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	_, _ = a.notify.Reloading()
	a.logs.Apply(rt.Logging)
	_, _ = a.notify.Ready()

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: triggers first, then the
// pool (its tasks may still touch caches), then the tick driver with its
// final flush, then outer surfaces and the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		_, _ = a.notify.Stopping()

		step := func(name string, max time.Duration, fn func(context.Context) error) {
			start := time.Now()
			sctx, cancel := context.WithTimeout(ctx, max)
			defer cancel()
			if err := fn(sctx); err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		}

		step("cron", time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
		step("pool", 5*time.Second, a.pool.Stop)
		step("tick.driver", a.rt.Tick.FlushTimeout+time.Second, func(c context.Context) error {
			a.driverCancel()
			select {
			case <-a.driverDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
		step("admin", 2*time.Second, a.admin.Stop)

		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })

		if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return errors.Join(errs...)
}

type EventStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Snapshot is the /debug/snapshot payload.
type Snapshot struct {
	Instance   string                `json:"instance"`
	Uptime     string                `json:"uptime"`
	Ticks      uint64                `json:"ticks"`
	Scheduler  scheduler.Snapshot    `json:"scheduler"`
	Pool       engine.Snapshot       `json:"pool"`
	Caches     map[string]CacheStats `json:"caches"`
	Codes      int                   `json:"codes"`
	Events     EventStats            `json:"events"`
	Supervisor rtsup.Snapshot        `json:"supervisor"`
}

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		Instance:  a.id,
		Ticks:     a.driver.Ticks(),
		Scheduler: a.jobs.Snapshot(),
		Pool:      a.pool.Snapshot(),
		Caches:    cacheStats(a.cacheList),
		Codes:     a.codes.Len(),
	}
	s.Events.Published, s.Events.Dropped = a.events.Stats()
	if !a.started.IsZero() {
		s.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if a.sup != nil {
		s.Supervisor = a.sup.Snapshot()
	}
	return s
}
