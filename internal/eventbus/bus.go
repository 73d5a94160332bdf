// Package eventbus fans out domain events (registrations, awards, adoptions)
// to in-process observers such as the audit log.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the directors.
const (
	UserRegistered = "user.registered"
	CarrotsAwarded = "carrots.awarded"
	HorseAdopted   = "horse.adopted"
	ChatAuthorized = "chat.authorized"
)

// Event is a small in-memory signal. Data should be JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Name string
	Data any
}

// Bus delivers every published event to every subscriber without blocking
// the publisher. A subscriber whose buffer is full misses the event; the
// miss is counted.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish is safe on a nil Bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Held for the sends so an unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered channel of events and a func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Stats returns how many events were published and how many deliveries were dropped.
func (b *Bus) Stats() (published, dropped uint64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}
