package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is a volatile Backend. SetOffline simulates a lost connection:
// every call then fails with ErrOffline.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
	offline atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{records: map[string]map[string][]byte{}}
}

func (m *Memory) SetOffline(v bool) { m.offline.Store(v) }

func (m *Memory) Load(ctx context.Context, kind, key string) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.records[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Save(ctx context.Context, kind, key string, data []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.records[kind]
	if byKey == nil {
		byKey = map[string][]byte{}
		m.records[kind] = byKey
	}
	byKey[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return m.check(ctx) }

func (m *Memory) Close() error { return nil }

// Count returns the number of records of kind.
func (m *Memory) Count(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[kind])
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline.Load() {
		return ErrOffline
	}
	return nil
}
