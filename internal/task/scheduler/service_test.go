package scheduler

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService() (*Service, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Now: clk.Now}), clk
}

func TestTickOnEmptyListIsNoop(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()
	if s.Tick() {
		t.Fatal("Tick on empty list reported execution")
	}
}

func TestTickRunsAtMostOneJob(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()
	var ran []string
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		s.Queue(func() { ran = append(ran, name) }, time.Time{})
	}

	for i := 1; i <= 4; i++ {
		if !s.Tick() {
			t.Fatalf("Tick %d ran nothing", i)
		}
		if len(ran) != i {
			t.Fatalf("after %d ticks ran %d jobs", i, len(ran))
		}
	}
	if s.Tick() {
		t.Fatal("fifth Tick ran a job from an empty list")
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("order = %v, want %v", ran, want)
		}
	}
}

func TestJobWaitsForDueTime(t *testing.T) {
	t.Parallel()
	s, clk := newTestService()
	ran := false
	s.QueueAfter(func() { ran = true }, time.Second)

	if s.Tick() || ran {
		t.Fatal("job ran before it was due")
	}
	clk.Advance(time.Second)
	if !s.Tick() || !ran {
		t.Fatal("due job did not run")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestCursorContinuesRoundRobin(t *testing.T) {
	t.Parallel()
	s, clk := newTestService()
	var ran []string
	add := func(name string, after time.Duration) {
		s.Queue(func() { ran = append(ran, name) }, clk.Now().Add(after))
	}
	add("head", time.Hour)
	add("mid", 0)
	add("tail", 0)

	// head is not due: the scan skips it and runs mid, leaving the cursor on tail.
	if !s.Tick() || ran[0] != "mid" {
		t.Fatalf("first tick ran %v, want mid", ran)
	}
	if got := s.Snapshot().Cursor; got != 1 {
		t.Fatalf("cursor = %d, want 1", got)
	}

	clk.Advance(time.Hour)
	// head is now due too, but the cursor resumes at tail.
	if !s.Tick() || ran[1] != "tail" {
		t.Fatalf("second tick ran %v, want tail", ran)
	}
	// Cursor is past the end: wrap to head.
	if !s.Tick() || ran[2] != "head" {
		t.Fatalf("third tick ran %v, want head", ran)
	}
}

func TestScanDoesNotWrapWithinOneTick(t *testing.T) {
	t.Parallel()
	s, clk := newTestService()
	var ran []string
	add := func(name string, after time.Duration) {
		s.Queue(func() { ran = append(ran, name) }, clk.Now().Add(after))
	}
	add("x", time.Minute)
	add("y", 0)
	add("z", time.Hour)

	if !s.Tick() || ran[0] != "y" {
		t.Fatalf("first tick ran %v, want y", ran)
	}
	// x becomes due, but it sits before the cursor (on z): this tick scans
	// z, reaches the end and runs nothing.
	clk.Advance(time.Minute)
	if s.Tick() {
		t.Fatalf("tick wrapped mid-scan: ran %v", ran)
	}
	// Next tick wraps to the head and picks x up.
	if !s.Tick() || ran[1] != "x" {
		t.Fatalf("ran = %v, want x after wrap", ran)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestJobMayQueueFromTick(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()
	second := false
	s.Queue(func() {
		s.Queue(func() { second = true }, time.Time{})
	}, time.Time{})

	s.Tick()
	s.Tick()
	if !second {
		t.Fatal("job queued from a running job never ran")
	}
}

func TestPanickingJobIsRecovered(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()
	s.Queue(func() { panic("bad job") }, time.Time{})
	ok := false
	s.Queue(func() { ok = true }, time.Time{})

	s.Tick()
	s.Tick()
	if !ok {
		t.Fatal("job after a panic did not run")
	}
	snap := s.Snapshot()
	if snap.Panics != 1 || snap.Executed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestConcurrentQueue(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Queue(func() {}, time.Time{})
		}()
	}
	wg.Wait()
	n := 0
	for s.Tick() {
		n++
	}
	if n != 50 {
		t.Fatalf("executed %d jobs, want 50", n)
	}
}
