// Package tick drives the server's main loop: one scheduler tick per
// interval and a parallel cache write-back every few ticks.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ranchd/internal/task/scheduler"
	logx "ranchd/pkg/logx"
)

// Cache is the write-back surface of an entity cache.
type Cache interface {
	Name() string
	Tick(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Watchdog is pinged from the loop so a wedged tick is noticed.
type Watchdog interface {
	Watchdog() (bool, error)
	WatchdogInterval() time.Duration
}

type Config struct {
	Interval     time.Duration
	FlushEvery   int
	FlushTimeout time.Duration
}

type Driver struct {
	cfg      Config
	jobs     *scheduler.Service
	caches   []Cache
	log      logx.Logger
	watchdog Watchdog
	warn     *logx.Throttle

	ticks    atomic.Uint64
	lastPing time.Time
}

type Option func(*Driver)

func WithLogger(log logx.Logger) Option { return func(d *Driver) { d.log = log } }

func WithWatchdog(w Watchdog) Option { return func(d *Driver) { d.watchdog = w } }

func New(cfg Config, jobs *scheduler.Service, caches []Cache, opts ...Option) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 20
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	d := &Driver{cfg: cfg, jobs: jobs, caches: caches}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.warn = logx.NewThrottle(10 * time.Second)
	return d
}

// Run ticks until ctx is done, then performs a final blocking flush.
func (d *Driver) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	d.log.Info("tick driver started",
		logx.Duration("interval", d.cfg.Interval),
		logx.Int("flush_every", d.cfg.FlushEvery),
		logx.Int("caches", len(d.caches)),
	)

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), d.cfg.FlushTimeout)
			err := d.FlushAll(fctx)
			cancel()
			if err != nil {
				d.log.Error("final flush failed", logx.Err(err))
				return err
			}
			d.log.Info("tick driver stopped", logx.Uint64("ticks", d.ticks.Load()))
			return nil
		case <-t.C:
			d.Step(ctx)
		}
	}
}

// Step runs one iteration of the loop.
func (d *Driver) Step(ctx context.Context) {
	if d.jobs != nil {
		d.jobs.Tick()
	}
	n := d.ticks.Add(1)
	if n%uint64(d.cfg.FlushEvery) == 0 {
		if err := d.WriteBack(ctx); err != nil {
			if ok, skipped := d.warn.Allow(); ok {
				d.log.Warn("write-back incomplete", logx.Err(err), logx.Uint64("suppressed", skipped))
			}
		}
	}
	d.pingWatchdog()
}

// WriteBack runs Tick on every cache in parallel and joins their errors.
func (d *Driver) WriteBack(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.FlushTimeout)
	defer cancel()
	return d.each(ctx, func(ctx context.Context, c Cache) error { return c.Tick(ctx) })
}

// FlushAll is WriteBack that waits for outstanding handles.
func (d *Driver) FlushAll(ctx context.Context) error {
	return d.each(ctx, func(ctx context.Context, c Cache) error { return c.Flush(ctx) })
}

// each runs fn on every cache. The group has no shared context, so one
// failing cache never cuts the others short; Wait reports whether any failed
// and errs keeps every failure, not just the first.
func (d *Driver) each(ctx context.Context, fn func(context.Context, Cache) error) error {
	errs := make([]error, len(d.caches))
	var g errgroup.Group
	for i, c := range d.caches {
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				errs[i] = fmt.Errorf("cache %s: %w", c.Name(), err)
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

func (d *Driver) pingWatchdog() {
	if d.watchdog == nil {
		return
	}
	every := d.watchdog.WatchdogInterval()
	if every <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastPing) < every {
		return
	}
	d.lastPing = now
	if _, err := d.watchdog.Watchdog(); err != nil {
		d.log.Debug("watchdog ping failed", logx.Err(err))
	}
}

// Ticks returns the number of completed loop iterations.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }
