package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type player struct {
	Name string
	Gold int
}

// fakeStore is an in-memory backing store that counts calls.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]player
	retrieves map[string]int
	stored    []player
	failStore error
	down      error
}

func newFakeStore(rows ...player) *fakeStore {
	fs := &fakeStore{rows: map[string]player{}, retrieves: map[string]int{}}
	for _, r := range rows {
		fs.rows[r.Name] = r
	}
	return fs
}

func (f *fakeStore) retrieve(ctx context.Context, key string) (player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieves[key]++
	p, ok := f.rows[key]
	if !ok {
		return player{}, ErrEntityNotFound
	}
	return p, nil
}

func (f *fakeStore) store(ctx context.Context, key string, p player) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore != nil {
		return f.failStore
	}
	f.rows[key] = p
	f.stored = append(f.stored, p)
	return nil
}

func (f *fakeStore) health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *fakeStore) retrieveCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retrieves[key]
}

func (f *fakeStore) storedValues() []player {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]player(nil), f.stored...)
}

func newTestCache(fs *fakeStore) *Cache[string, player] {
	return New(Options[string, player]{
		Name:     "players",
		Retrieve: fs.retrieve,
		Store:    fs.store,
		Health:   fs.health,
	})
}

func TestAliceScenario(t *testing.T) {
	fs := newFakeStore(player{Name: "alice", Gold: 0})
	c := newTestCache(fs)
	ctx := context.Background()

	h, err := c.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get(alice): %v", err)
	}
	if got := h.Value().Gold; got != 0 {
		t.Fatalf("gold = %d, want 0", got)
	}
	h.Update(func(p *player) { p.Gold = 100 })
	h.Release()

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	stored := fs.storedValues()
	if len(stored) != 1 || stored[0] != (player{Name: "alice", Gold: 100}) {
		t.Fatalf("stored = %+v, want one alice/100", stored)
	}

	if c.IsAvailable("bob") {
		t.Fatal("IsAvailable(bob) = true for a never-seen key")
	}
	if n := fs.retrieveCount("bob"); n != 0 {
		t.Fatalf("IsAvailable triggered %d retrieves", n)
	}
}

func TestGetPopulatesOnce(t *testing.T) {
	fs := newFakeStore(player{Name: "carol", Gold: 7})
	c := newTestCache(fs)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h, err := c.Get(ctx, "carol")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		h.Release()
	}
	if n := fs.retrieveCount("carol"); n != 1 {
		t.Fatalf("retrieve calls = %d, want 1", n)
	}
	if !c.IsAvailable("carol") {
		t.Fatal("IsAvailable(carol) = false after Get")
	}
}

func TestConcurrentGetPopulatesOnce(t *testing.T) {
	fs := newFakeStore(player{Name: "dave"})
	c := newTestCache(fs)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get(ctx, "dave")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			h.Update(func(p *player) { p.Gold++ })
			h.Release()
		}()
	}
	wg.Wait()

	if n := fs.retrieveCount("dave"); n != 1 {
		t.Fatalf("retrieve calls = %d, want 1", n)
	}
	h, err := c.Get(ctx, "dave")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer h.Release()
	if got := h.Value().Gold; got != 32 {
		t.Fatalf("gold = %d, want 32 (handles must serialize)", got)
	}
}

func TestWriteBackOncePerMutation(t *testing.T) {
	fs := newFakeStore(player{Name: "erin"})
	c := newTestCache(fs)
	ctx := context.Background()

	h, _ := c.Get(ctx, "erin")
	h.Set(player{Name: "erin", Gold: 5})
	h.Release()

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(fs.storedValues()); n != 1 {
		t.Fatalf("store calls = %d, want 1", n)
	}
}

func TestReadOnlyHandleDoesNotDirty(t *testing.T) {
	fs := newFakeStore(player{Name: "frank"})
	c := newTestCache(fs)
	ctx := context.Background()

	h, _ := c.Get(ctx, "frank")
	_ = h.Value()
	h.Release()
	h.Release()

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(fs.storedValues()); n != 0 {
		t.Fatalf("store calls = %d, want 0", n)
	}
}

func TestNotFoundIsDistinctAndNotCached(t *testing.T) {
	fs := newFakeStore()
	c := newTestCache(fs)

	h, err := c.Get(context.Background(), "ghost")
	if h != nil {
		t.Fatal("expected nil handle for missing entity")
	}
	if !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("err = %v, want ErrEntityNotFound", err)
	}
	if c.IsAvailable("ghost") {
		t.Fatal("failed lookup must not leave an entry behind")
	}
}

func TestRetrieveErrorIsNotNotFound(t *testing.T) {
	boom := errors.New("connection reset")
	c := New(Options[string, player]{
		Name:     "players",
		Retrieve: func(ctx context.Context, key string) (player, error) { return player{}, boom },
		Store:    func(ctx context.Context, key string, p player) error { return nil },
	})
	_, err := c.Get(context.Background(), "x")
	if !errors.Is(err, boom) || errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("err = %v, want wrapped retrieve error", err)
	}
}

func TestStoreFailureKeepsDirty(t *testing.T) {
	fs := newFakeStore(player{Name: "gina"})
	c := newTestCache(fs)
	ctx := context.Background()

	h, _ := c.Get(ctx, "gina")
	h.Update(func(p *player) { p.Gold = 9 })
	h.Release()

	fs.mu.Lock()
	fs.failStore = errors.New("disk full")
	fs.mu.Unlock()

	err := c.Tick(ctx)
	if !errors.Is(err, ErrStoreFailed) {
		t.Fatalf("Tick err = %v, want ErrStoreFailed", err)
	}
	if n := c.Dirty(); n != 1 {
		t.Fatalf("dirty = %d, want 1 after failed store", n)
	}

	fs.mu.Lock()
	fs.failStore = nil
	fs.mu.Unlock()

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("retry Tick: %v", err)
	}
	stored := fs.storedValues()
	if len(stored) != 1 || stored[0].Gold != 9 {
		t.Fatalf("stored = %+v, want gina/9 once", stored)
	}
	if n := c.Dirty(); n != 0 {
		t.Fatalf("dirty = %d, want 0", n)
	}
}

func TestUnavailableStorePausesWriteBack(t *testing.T) {
	fs := newFakeStore(player{Name: "hank"})
	c := newTestCache(fs)
	ctx := context.Background()

	fs.mu.Lock()
	fs.down = errors.New("db offline")
	fs.mu.Unlock()

	h, _ := c.Get(ctx, "hank")
	h.Update(func(p *player) { p.Gold = 3 })
	h.Release()

	if err := c.Tick(ctx); !errors.Is(err, ErrBackingStoreUnavailable) {
		t.Fatalf("Tick err = %v, want ErrBackingStoreUnavailable", err)
	}
	if n := len(fs.storedValues()); n != 0 {
		t.Fatalf("stored while unavailable: %d", n)
	}

	// In-memory state keeps serving.
	h, _ = c.Get(ctx, "hank")
	if got := h.Value().Gold; got != 3 {
		t.Fatalf("gold = %d, want 3", got)
	}
	h.Release()

	fs.mu.Lock()
	fs.down = nil
	fs.mu.Unlock()
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	if n := len(fs.storedValues()); n != 1 {
		t.Fatalf("store calls = %d, want 1", n)
	}
}

func TestTickSkipsHeldEntryAndFlushWaits(t *testing.T) {
	fs := newFakeStore(player{Name: "iris"})
	c := newTestCache(fs)
	ctx := context.Background()

	h, _ := c.Get(ctx, "iris")
	h.Update(func(p *player) { p.Gold = 1 })
	h.Release()

	held, _ := c.Get(ctx, "iris")
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(fs.storedValues()); n != 0 {
		t.Fatalf("Tick stored a held entry")
	}

	var released atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		released.Store(true)
		held.Release()
	}()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !released.Load() {
		t.Fatal("Flush returned before the handle was released")
	}
	if n := len(fs.storedValues()); n != 1 {
		t.Fatalf("store calls = %d, want 1", n)
	}
}

func TestFlushGivesUpOnHeldEntryAtDeadline(t *testing.T) {
	fs := newFakeStore(player{Name: "kai"})
	c := newTestCache(fs)

	h, _ := c.Get(context.Background(), "kai")
	h.Update(func(p *player) { p.Gold = 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Flush(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush ignored its deadline while a handle was held")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush err = %v, want DeadlineExceeded", err)
	}
	if n := len(fs.storedValues()); n != 0 {
		t.Fatalf("store calls = %d, want 0", n)
	}

	h.Release()
	if n := c.Dirty(); n != 1 {
		t.Fatalf("Dirty = %d after release, want 1", n)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := fs.storedValues(); len(got) != 1 || got[0].Gold != 3 {
		t.Fatalf("stored = %+v, want one write with Gold 3", got)
	}
}

func TestInsertWithDoneContext(t *testing.T) {
	fs := newFakeStore()
	c := newTestCache(fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Insert(ctx, "lux", player{Name: "lux"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Insert err = %v, want Canceled", err)
	}
	if c.IsAvailable("lux") {
		t.Fatal("Insert cached an entry after its context ended")
	}
}

func TestInsertCreatesDirtyEntry(t *testing.T) {
	fs := newFakeStore()
	c := newTestCache(fs)
	ctx := context.Background()

	if err := c.Insert(ctx, "jade", player{Name: "jade", Gold: 50}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Insert(ctx, "jade", player{Name: "jade"}); !errors.Is(err, ErrEntityExists) {
		t.Fatalf("second Insert err = %v, want ErrEntityExists", err)
	}
	if !c.IsAvailable("jade") {
		t.Fatal("inserted key not available")
	}

	h, err := c.Get(ctx, "jade")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.Release()
	if n := fs.retrieveCount("jade"); n != 0 {
		t.Fatalf("inserted entry triggered %d retrieves", n)
	}

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stored := fs.storedValues(); len(stored) != 1 || stored[0].Gold != 50 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestReleasedHandlePanics(t *testing.T) {
	fs := newFakeStore(player{Name: "kim"})
	c := newTestCache(fs)
	h, _ := c.Get(context.Background(), "kim")
	h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on released handle")
		}
	}()
	_ = h.Value()
}
