package scheduler

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logx "ranchd/pkg/logx"
)

// Service holds one-shot jobs until they are due and runs them from Tick.
//
// Queue is safe from any goroutine. Tick must be called from a single
// goroutine (the tick driver); the cursor has no protection against
// concurrent Ticks beyond the list lock.
type Service struct {
	mu     sync.Mutex
	jobs   []*job
	cursor int

	now     func() time.Time
	log     logx.Logger
	metrics Metrics

	executed atomic.Uint64
	panics   atomic.Uint64
}

func New(cfg Config, opts ...Option) *Service {
	s := &Service{now: cfg.Now, metrics: noopMetrics{}}
	if s.now == nil {
		s.now = time.Now
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Queue appends a job due at when; the zero time means "now". It returns the job id.
func (s *Service) Queue(task func(), when time.Time) string {
	return s.QueueNamed("", task, when)
}

// QueueAfter queues task to run once d has elapsed.
func (s *Service) QueueAfter(task func(), d time.Duration) string {
	return s.QueueNamed("", task, s.now().Add(d))
}

// QueueNamed is Queue with a name used in logs.
func (s *Service) QueueNamed(name string, task func(), when time.Time) string {
	if task == nil {
		return ""
	}
	if when.IsZero() {
		when = s.now()
	}
	j := &job{id: uuid.NewString(), name: name, due: when, run: task}

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	n := len(s.jobs)
	s.mu.Unlock()

	s.metrics.JobQueued()
	s.metrics.Pending(n)
	return j.id
}

// Tick runs at most one due job and reports whether it did.
//
// The scan starts at the cursor left by the previous Tick (wrapping to the
// head once it has passed the end) and stops at the end of the list, so jobs
// near the tail are not starved by a busy head.
func (s *Service) Tick() bool {
	s.mu.Lock()
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return false
	}
	if s.cursor >= len(s.jobs) {
		s.cursor = 0
	}
	now := s.now()
	var picked *job
	for i := s.cursor; i < len(s.jobs); i++ {
		if now.Before(s.jobs[i].due) {
			continue
		}
		picked = s.jobs[i]
		copy(s.jobs[i:], s.jobs[i+1:])
		s.jobs[len(s.jobs)-1] = nil
		s.jobs = s.jobs[:len(s.jobs)-1]
		// The following element now sits at i.
		s.cursor = i
		break
	}
	if picked == nil {
		s.cursor = len(s.jobs)
	}
	pending := len(s.jobs)
	s.mu.Unlock()

	if picked == nil {
		return false
	}
	s.metrics.Pending(pending)
	s.execute(picked)
	return true
}

// execute runs a job outside the list lock so the job may queue more jobs.
func (s *Service) execute(j *job) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.metrics.JobPanicked()
			s.log.Error("job panicked", logx.String("job", j.id), logx.String("name", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	j.run()
	d := s.now().Sub(start)
	s.executed.Add(1)
	s.metrics.JobExecuted(d)
	if d >= 50*time.Millisecond {
		s.log.Warn("slow job", logx.String("job", j.id), logx.String("name", j.name), logx.Duration("dur", d))
	}
}

// Len returns the number of pending jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	return n
}

func (s *Service) Snapshot() Snapshot {
	now := s.now()
	s.mu.Lock()
	snap := Snapshot{Pending: len(s.jobs), Cursor: s.cursor}
	for _, j := range s.jobs {
		if !now.Before(j.due) {
			snap.Due++
		}
	}
	s.mu.Unlock()
	snap.Executed = s.executed.Load()
	snap.Panics = s.panics.Load()
	return snap
}
