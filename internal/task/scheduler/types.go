package scheduler

import (
	"time"

	logx "ranchd/pkg/logx"
)

// Config controls the job scheduler.
type Config struct {
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Metrics receives scheduler events.
type Metrics interface {
	JobQueued()
	JobExecuted(d time.Duration)
	JobPanicked()
	Pending(n int)
}

type noopMetrics struct{}

func (noopMetrics) JobQueued()                {}
func (noopMetrics) JobExecuted(time.Duration) {}
func (noopMetrics) JobPanicked()              {}
func (noopMetrics) Pending(int)               {}

type job struct {
	id   string
	name string
	due  time.Time
	run  func()
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Pending  int    `json:"pending"`
	Due      int    `json:"due"`
	Cursor   int    `json:"cursor"`
	Executed uint64 `json:"executed"`
	Panics   uint64 `json:"panics"`
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}
