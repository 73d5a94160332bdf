package engine

import (
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO of tasks drained by one or more workers.
//
// A worker holds the drain lock while it runs the backlog, so tasks from one
// queue execute one at a time in push order no matter how many workers
// serve it. Push only takes the short list lock and never waits on a
// running task.
type Queue struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	items []Task
	head  int
	ended bool

	drain sync.Mutex

	executed atomic.Uint64
	panics   atomic.Uint64
}

func NewQueue(name string) *Queue {
	q := &Queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Name() string { return q.name }

// Push appends t and wakes a waiting worker. It fails after End.
func (q *Queue) Push(t Task) error {
	if t == nil {
		return ErrNilTask
	}
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// End stops accepting tasks and wakes every worker. Workers finish the
// backlog before they exit.
func (q *Queue) End() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.items) - q.head
	q.mu.Unlock()
	return n
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return nil, false
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		// Reuse the backing array once drained.
		q.items = q.items[:0]
		q.head = 0
	}
	return t, true
}

// run is the worker loop: drain everything, then wait for more work or End.
func (q *Queue) run(exec func(q *Queue, t Task)) {
	for {
		q.drain.Lock()
		for {
			t, ok := q.pop()
			if !ok {
				break
			}
			exec(q, t)
		}
		q.drain.Unlock()

		q.mu.Lock()
		for q.head >= len(q.items) && !q.ended {
			q.cond.Wait()
		}
		done := q.ended && q.head >= len(q.items)
		q.mu.Unlock()
		if done {
			return
		}
	}
}

func (q *Queue) snapshot(workers int) QueueSnapshot {
	q.mu.Lock()
	s := QueueSnapshot{Name: q.name, Len: len(q.items) - q.head, Ended: q.ended, Workers: workers}
	q.mu.Unlock()
	s.Executed = q.executed.Load()
	s.Panics = q.panics.Load()
	return s
}
