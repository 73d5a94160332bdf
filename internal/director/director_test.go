package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ranchd/internal/cache"
	"ranchd/internal/entity"
	"ranchd/internal/eventbus"
	"ranchd/internal/otp"
	"ranchd/internal/storage"
	"ranchd/internal/task/engine"
	"ranchd/internal/task/scheduler"
	logx "ranchd/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	d     *Directors
	mem   *storage.Memory
	c     Caches
	jobs  *scheduler.Service
	pool  *engine.Service
	bus   *eventbus.Bus
	clock *clock
}

func newCache[K comparable, V any](b storage.Backend, kind string) *cache.Cache[K, V] {
	repo := storage.NewRepository[K, V](b, kind, func(k K) string { return fmt.Sprint(k) })
	return cache.New(cache.Options[K, V]{
		Name:     kind,
		Retrieve: repo.Retrieve,
		Store:    repo.Store,
		Health:   repo.Health,
	})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mem := storage.NewMemory()
	c := Caches{
		Users:      newCache[string, entity.User](mem, entity.KindUser),
		Characters: newCache[uint32, entity.Character](mem, entity.KindCharacter),
		Horses:     newCache[uint32, entity.Horse](mem, entity.KindHorse),
		Ranches:    newCache[uint32, entity.Ranch](mem, entity.KindRanch),
	}
	jobs := scheduler.New(scheduler.Config{Now: clk.Now})
	pool := engine.New(engine.Config{Workers: 2}, logx.Nop())
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	bus := eventbus.New()
	d := New(Deps{
		Caches: c,
		Jobs:   jobs,
		Pool:   pool,
		Codes:  otp.New[string](otp.Config{Now: clk.Now}),
		Events: bus,
		Now:    clk.Now,
	})
	return &fixture{d: d, mem: mem, c: c, jobs: jobs, pool: pool, bus: bus, clock: clk}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, fn := range []func(context.Context) error{f.c.Users.Flush, f.c.Characters.Flush, f.c.Horses.Flush, f.c.Ranches.Flush} {
		if err := fn(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
}

func TestRegisterCreatesUserCharacterRanch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.d.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.UID == 0 || u.CharacterUID == 0 {
		t.Fatalf("user = %+v", u)
	}
	f.flush(t)
	for _, kind := range []string{entity.KindUser, entity.KindCharacter, entity.KindRanch} {
		if n := f.mem.Count(kind); n != 1 {
			t.Fatalf("%s records = %d, want 1", kind, n)
		}
	}
}

func TestRegisterRejectsTakenAndInvalidNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Register(ctx, "bob"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.d.Register(ctx, "bob"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("second Register err = %v, want ErrNameTaken", err)
	}

	// Persisted but not cached: the lookup goes through the store.
	_ = f.mem.Save(ctx, entity.KindUser, "carol", []byte(`{"name":"carol","uid":9}`))
	if _, err := f.d.Register(ctx, "carol"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("Register stored name err = %v, want ErrNameTaken", err)
	}

	for _, name := range []string{"", " pad", "a-name-that-is-far-too-long"} {
		if _, err := f.d.Register(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Register(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestLoginAndAuthorizeChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Login(ctx, "nobody"); !errors.Is(err, cache.ErrEntityNotFound) {
		t.Fatalf("Login unknown err = %v", err)
	}
	if _, err := f.d.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	code, err := f.d.Login(ctx, "alice")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !f.d.AuthorizeChat("alice", code) {
		t.Fatal("valid code rejected")
	}
	if f.d.AuthorizeChat("alice", code) {
		t.Fatal("code accepted twice")
	}

	code, _ = f.d.Login(ctx, "alice")
	f.clock.Advance(otp.DefaultTTL + time.Second)
	if f.d.AuthorizeChat("alice", code) {
		t.Fatal("expired code accepted")
	}
}

func TestAwardCarrotsWritesBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	total, err := f.d.AwardCarrots(ctx, "alice", 10)
	if err != nil || total != 10 {
		t.Fatalf("AwardCarrots = %d, %v", total, err)
	}
	f.flush(t)

	repo := storage.NewRepository[string, entity.User](f.mem, entity.KindUser, nil)
	u, err := repo.Retrieve(ctx, "alice")
	if err != nil || u.Carrots != 10 {
		t.Fatalf("stored user = %+v, %v", u, err)
	}
}

func TestScheduleRewardRunsThroughWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.d.ScheduleReward("alice", 5, time.Minute)
	if f.jobs.Tick() {
		t.Fatal("reward ran before it was due")
	}
	f.clock.Advance(time.Minute)
	if !f.jobs.Tick() {
		t.Fatal("due reward did not run")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h, err := f.c.Users.Get(ctx, "alice")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		carrots := h.Value().Carrots
		h.Release()
		if carrots == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("carrots = %d, want 5", carrots)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrefetchDeliversOnMain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.d.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	type result struct {
		c   entity.Character
		err error
	}
	got := make(chan result, 2)
	if err := f.d.Prefetch(u.CharacterUID, func(c entity.Character, err error) { got <- result{c, err} }); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if err := f.d.Prefetch(12345, func(c entity.Character, err error) { got <- result{c, err} }); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			switch {
			case r.err == nil && r.c.Name != "alice":
				t.Fatalf("prefetched %+v", r.c)
			case r.err != nil && !errors.Is(r.err, cache.ErrEntityNotFound):
				t.Fatalf("prefetch err = %v", r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("prefetch result never delivered")
		}
	}
}

func TestAdoptHorseMountsFirstHorse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.d.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	first, err := f.d.AdoptHorse(ctx, "alice", entity.Horse{Name: "Comet", Tid: 20001})
	if err != nil {
		t.Fatalf("AdoptHorse: %v", err)
	}
	if _, err := f.d.AdoptHorse(ctx, "alice", entity.Horse{Name: "Dusk", Tid: 20002}); err != nil {
		t.Fatalf("AdoptHorse: %v", err)
	}

	rh, err := f.c.Ranches.Get(ctx, u.UID)
	if err != nil {
		t.Fatalf("ranch Get: %v", err)
	}
	if n := len(rh.Value().HorseUIDs); n != 2 {
		t.Fatalf("ranch horses = %d, want 2", n)
	}
	rh.Release()

	ch, err := f.c.Characters.Get(ctx, u.CharacterUID)
	if err != nil {
		t.Fatalf("character Get: %v", err)
	}
	if ch.Value().MountUID != first {
		t.Fatalf("mount = %d, want %d", ch.Value().MountUID, first)
	}
	ch.Release()

	f.flush(t)
	if n := f.mem.Count(entity.KindHorse); n != 2 {
		t.Fatalf("horse records = %d, want 2", n)
	}
}

func TestOperationsPublishEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	if _, err := f.d.Register(ctx, "erin"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	code, err := f.d.Login(ctx, "erin")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if f.d.AuthorizeChat("erin", code+1) {
		t.Fatal("wrong code authorized")
	}
	if !f.d.AuthorizeChat("erin", code) {
		t.Fatal("AuthorizeChat rejected the granted code")
	}
	if _, err := f.d.AwardCarrots(ctx, "erin", 5); err != nil {
		t.Fatalf("AwardCarrots: %v", err)
	}
	if _, err := f.d.AdoptHorse(ctx, "erin", entity.Horse{Name: "Sable"}); err != nil {
		t.Fatalf("AdoptHorse: %v", err)
	}

	want := []string{eventbus.UserRegistered, eventbus.ChatAuthorized, eventbus.CarrotsAwarded, eventbus.HorseAdopted}
	for i, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ || e.Name != "erin" {
				t.Fatalf("event %d = %+v, want %s", i, e, typ)
			}
		default:
			t.Fatalf("event %d (%s) missing", i, typ)
		}
	}
	if pub, dropped := f.bus.Stats(); pub != 4 || dropped != 0 {
		t.Fatalf("stats = %d/%d, want 4/0", pub, dropped)
	}
}
