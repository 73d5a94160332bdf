package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	rtsup "ranchd/internal/runtime/supervisor"
	logx "ranchd/pkg/logx"
)

// Service is the worker pool: a main queue with one dedicated goroutine for
// work that must not run concurrently with itself, and a worker queue drained
// by Config.Workers goroutines for blocking work such as store calls.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	metrics Metrics

	main   *Queue
	worker *Queue

	sup     *rtsup.Supervisor
	running bool
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SlowTask <= 0 {
		cfg.SlowTask = 750 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		metrics: noopMetrics{},
		main:    NewQueue("main"),
		worker:  NewQueue("worker"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the main goroutine and the worker goroutines. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// one failing task must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.running = true

	s.sup.GoRestart("main.0", s.loop(s.main))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), s.loop(s.worker))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) loop(q *Queue) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		q.run(s.exec)
		return nil
	}
}

// Stop ends both queues and waits until their backlog has drained or ctx is done.
// Tasks are never dropped: workers keep draining after a ctx timeout.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.main.End()
	s.worker.End()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Int("main_backlog", s.main.Len()), logx.Int("worker_backlog", s.worker.Len()))
		return ctx.Err()
	}
	s.log.Info("task engine stopped")
	return nil
}

// SubmitToMain queues fn on the single-goroutine main queue.
func (s *Service) SubmitToMain(fn func()) error { return s.submit(s.main, fn) }

// SubmitToWorker queues fn on the worker queue.
func (s *Service) SubmitToWorker(fn func()) error { return s.submit(s.worker, fn) }

func (s *Service) submit(q *Queue, fn func()) error {
	if err := q.Push(fn); err != nil {
		return fmt.Errorf("%s queue: %w", q.Name(), err)
	}
	s.metrics.TaskQueued(q.Name())
	s.metrics.QueueLen(q.Name(), q.Len())
	return nil
}

// exec runs one task. Panics are logged and counted; the worker carries on.
func (s *Service) exec(q *Queue, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			s.metrics.TaskPanicked(q.Name())
			s.log.Error("task.panic", logx.String("queue", q.Name()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.metrics.QueueLen(q.Name(), q.Len())
	}()

	t()

	dur := time.Since(start)
	q.executed.Add(1)
	s.metrics.TaskDone(q.Name(), dur)
	if dur >= s.cfg.SlowTask {
		s.log.Info("task.slow", logx.String("queue", q.Name()), logx.Duration("dur", dur))
	}
}

// Snapshot returns queue diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	workers := s.cfg.Workers
	s.mu.Unlock()
	return Snapshot{
		Running: running,
		Main:    s.main.snapshot(1),
		Worker:  s.worker.snapshot(workers),
	}
}

// Supervisor returns the pool's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
