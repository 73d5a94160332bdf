package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "ranchd/pkg/logx"
)

var (
	// ErrEntityNotFound is returned by Get when the backing store has no record for the key.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityExists is returned by Insert when the key is already cached.
	ErrEntityExists = errors.New("entity already cached")
	// ErrBackingStoreUnavailable is returned by Tick when the health check fails.
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")
	// ErrStoreFailed wraps per-entry write-back failures.
	ErrStoreFailed = errors.New("store failed")
)

// RetrieveFunc populates a value from the backing store.
// It must return an error wrapping ErrEntityNotFound when no record exists.
type RetrieveFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// StoreFunc persists a value to the backing store.
type StoreFunc[K comparable, V any] func(ctx context.Context, key K, v V) error

// Options configures a Cache.
type Options[K comparable, V any] struct {
	// Name labels logs and metrics (e.g. "users").
	Name     string
	Retrieve RetrieveFunc[K, V]
	Store    StoreFunc[K, V]

	// Health is polled once per Tick. Nil means always healthy.
	Health func(ctx context.Context) error

	Logger  logx.Logger
	Metrics Metrics

	// WarnEvery throttles repeated tick warnings. Default 10s.
	WarnEvery time.Duration
}

type presence uint8

const (
	unpopulated presence = iota
	populated
)

type entry[V any] struct {
	// mu is the exclusive handle lock.
	mu      sync.Mutex
	value   V
	state   presence
	dirty   bool
	removed bool
}

// Cache is a keyed entity cache that populates lazily and writes back dirty
// entries on Tick. Get and IsAvailable are safe for concurrent use; Tick and
// Flush are meant for the single tick-driving goroutine.
type Cache[K comparable, V any] struct {
	name     string
	retrieve RetrieveFunc[K, V]
	store    StoreFunc[K, V]
	health   func(ctx context.Context) error

	log     logx.Logger
	metrics Metrics
	warn    *logx.Throttle

	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New constructs a Cache. Retrieve and Store are required.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	if opt.Retrieve == nil || opt.Store == nil {
		panic("cache: Retrieve and Store are required")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.WarnEvery <= 0 {
		opt.WarnEvery = 10 * time.Second
	}
	return &Cache[K, V]{
		name:     opt.Name,
		retrieve: opt.Retrieve,
		store:    opt.Store,
		health:   opt.Health,
		log:      opt.Logger.With(logx.String("cache", opt.Name)),
		metrics:  opt.Metrics,
		warn:     logx.NewThrottle(opt.WarnEvery),
		entries:  make(map[K]*entry[V]),
	}
}

func (c *Cache[K, V]) Name() string { return c.name }

// Get returns an exclusive handle to the entry for key, populating it from
// the backing store first if needed. The caller must Release the handle.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (*Handle[K, V], error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			e = &entry[V]{}
			c.entries[key] = e
		}
		c.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Lost a race with a failed population; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		if e.state == populated {
			c.metrics.Hit(c.name)
			return &Handle[K, V]{cache: c, key: key, e: e}, nil
		}

		c.metrics.Miss(c.name)
		v, err := c.retrieve(ctx, key)
		if err != nil {
			c.dropLocked(key, e)
			e.mu.Unlock()
			if errors.Is(err, ErrEntityNotFound) {
				return nil, fmt.Errorf("%s %v: %w", c.name, key, ErrEntityNotFound)
			}
			return nil, fmt.Errorf("%s %v: retrieve: %w", c.name, key, err)
		}
		e.value = v
		e.state = populated
		return &Handle[K, V]{cache: c, key: key, e: e}, nil
	}
}

// dropLocked removes an entry that failed to populate. e.mu must be held.
func (c *Cache[K, V]) dropLocked(key K, e *entry[V]) {
	e.removed = true
	c.mu.Lock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// IsAvailable reports whether key already has a cache entry. It never loads.
func (c *Cache[K, V]) IsAvailable(key K) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	return ok
}

// Insert caches a newly created entity. The entry starts dirty so the next
// Tick persists it. Nothing is cached when ctx is already done.
func (c *Cache[K, V]) Insert(ctx context.Context, key K, v V) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %v: %w", c.name, key, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return fmt.Errorf("%s %v: %w", c.name, key, ErrEntityExists)
	}
	c.entries[key] = &entry[V]{value: v, state: populated, dirty: true}
	return nil
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return n
}

// Dirty returns the number of entries waiting for write-back. Entries held
// by a handle are not inspected.
func (c *Cache[K, V]) Dirty() int {
	n := 0
	for _, e := range c.snapshot() {
		if !e.mu.TryLock() {
			continue
		}
		if e.dirty {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (c *Cache[K, V]) snapshot() map[K]*entry[V] {
	c.mu.Lock()
	out := make(map[K]*entry[V], len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	c.mu.Unlock()
	return out
}

// Tick writes back dirty entries. Entries currently held by a handle are
// skipped and picked up by a later tick. When the health check fails nothing
// is written and the returned error wraps ErrBackingStoreUnavailable.
func (c *Cache[K, V]) Tick(ctx context.Context) error {
	return c.reconcile(ctx, false)
}

// Flush is Tick that waits for outstanding handles instead of skipping them.
// Used on shutdown. Entries still held when ctx ends stay dirty and the
// returned error wraps ctx.Err().
func (c *Cache[K, V]) Flush(ctx context.Context) error {
	return c.reconcile(ctx, true)
}

const lockPoll = 5 * time.Millisecond

// lockWait takes e.mu, polling until ctx is done. It reports whether the
// lock was taken.
func lockWait[V any](ctx context.Context, e *entry[V]) bool {
	if e.mu.TryLock() {
		return true
	}
	t := time.NewTicker(lockPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.mu.TryLock()
		case <-t.C:
			if e.mu.TryLock() {
				return true
			}
		}
	}
}

func (c *Cache[K, V]) reconcile(ctx context.Context, wait bool) error {
	if c.health != nil {
		if err := c.health(ctx); err != nil {
			c.metrics.Unavailable(c.name)
			if ok, skipped := c.warn.Allow(); ok {
				c.log.Warn("backing store unavailable; write-back paused", logx.Err(err), logx.Uint64("suppressed", skipped))
			}
			return fmt.Errorf("%s: %w: %w", c.name, ErrBackingStoreUnavailable, err)
		}
	}

	var errs []error
	stored, held := 0, 0
	for key, e := range c.snapshot() {
		if wait {
			if !lockWait(ctx, e) {
				held++
				continue
			}
		} else if !e.mu.TryLock() {
			continue
		}
		if !e.dirty || e.state != populated || e.removed {
			e.mu.Unlock()
			continue
		}
		v := e.value
		e.dirty = false
		e.mu.Unlock()

		if err := c.store(ctx, key, v); err != nil {
			// Keep it dirty for the next tick.
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
			c.metrics.StoreFailed(c.name)
			errs = append(errs, fmt.Errorf("%s %v: %w: %w", c.name, key, ErrStoreFailed, err))
			continue
		}
		stored++
	}
	c.metrics.Stored(c.name, stored)
	c.metrics.Size(c.name, c.Len())
	if held > 0 {
		errs = append(errs, fmt.Errorf("%s: %d entries still held: %w", c.name, held, ctx.Err()))
	}

	if len(errs) > 0 {
		if ok, skipped := c.warn.Allow(); ok {
			c.log.Warn("write-back failed", logx.Int("failed", len(errs)), logx.Int("stored", stored), logx.Err(errs[0]), logx.Uint64("suppressed", skipped))
		}
		return errors.Join(errs...)
	}
	if stored > 0 {
		c.log.Trace("write-back", logx.Int("stored", stored))
	}
	return nil
}
