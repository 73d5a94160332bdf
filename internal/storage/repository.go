package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ranchd/internal/cache"
)

// Repository maps one record kind onto a Go type. Its Retrieve and Store
// methods plug straight into cache.Options.
type Repository[K comparable, V any] struct {
	backend Backend
	kind    string
	keyFn   func(K) string
}

// NewRepository binds kind to V. keyFn renders cache keys as store keys;
// nil uses fmt.Sprint.
func NewRepository[K comparable, V any](b Backend, kind string, keyFn func(K) string) *Repository[K, V] {
	if keyFn == nil {
		keyFn = func(k K) string { return fmt.Sprint(k) }
	}
	return &Repository[K, V]{backend: b, kind: kind, keyFn: keyFn}
}

func (r *Repository[K, V]) Kind() string { return r.kind }

// Retrieve loads and decodes the record for key. A missing record yields an
// error matching both ErrNotFound and cache.ErrEntityNotFound. It does not
// coalesce; the cache holds the entry lock across the load, so concurrent
// Gets of one key already make a single round trip.
func (r *Repository[K, V]) Retrieve(ctx context.Context, key K) (V, error) {
	var zero V
	sk := r.keyFn(key)
	res, err := r.backend.Load(ctx, r.kind, sk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, fmt.Errorf("%s %s: %w: %w", r.kind, sk, cache.ErrEntityNotFound, err)
		}
		return zero, fmt.Errorf("load %s %s: %w", r.kind, sk, err)
	}
	var v V
	if err := json.Unmarshal(res, &v); err != nil {
		return zero, fmt.Errorf("decode %s %s: %w", r.kind, sk, err)
	}
	return v, nil
}

// Store encodes v and saves it under key.
func (r *Repository[K, V]) Store(ctx context.Context, key K, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.kind, err)
	}
	sk := r.keyFn(key)
	if err := r.backend.Save(ctx, r.kind, sk, data); err != nil {
		return fmt.Errorf("save %s %s: %w", r.kind, sk, err)
	}
	return nil
}

// Health pings the backend. Every repository on one backend shares its health.
func (r *Repository[K, V]) Health(ctx context.Context) error {
	return r.backend.Ping(ctx)
}
