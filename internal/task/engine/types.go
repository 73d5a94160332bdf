package engine

import "time"

// Task is a unit of deferred work.
type Task func()

// Config controls the worker pool.
type Config struct {
	// Workers drain the worker queue. The main queue always has exactly one.
	Workers int
	// SlowTask logs tasks that run longer than this. 0 uses 750ms.
	SlowTask time.Duration
}

// Metrics receives pool events, labelled by queue name ("main" or "worker").
type Metrics interface {
	TaskQueued(queue string)
	TaskDone(queue string, d time.Duration)
	TaskPanicked(queue string)
	QueueLen(queue string, n int)
}

type noopMetrics struct{}

func (noopMetrics) TaskQueued(string)              {}
func (noopMetrics) TaskDone(string, time.Duration) {}
func (noopMetrics) TaskPanicked(string)            {}
func (noopMetrics) QueueLen(string, int)           {}

// QueueSnapshot describes one queue.
type QueueSnapshot struct {
	Name     string `json:"name"`
	Len      int    `json:"len"`
	Workers  int    `json:"workers"`
	Executed uint64 `json:"executed"`
	Panics   uint64 `json:"panics"`
	Ended    bool   `json:"ended"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running bool          `json:"running"`
	Main    QueueSnapshot `json:"main"`
	Worker  QueueSnapshot `json:"worker"`
}
