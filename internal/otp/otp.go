// Package otp hands out short-lived one-time codes that authorize a side
// channel (chat, ranch transfer) for an identity already known to a server.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"
)

const DefaultTTL = 30 * time.Second

type Config struct {
	TTL time.Duration
	Now func() time.Time
}

type code struct {
	value  uint32
	expiry time.Time
}

// Registry maps identifiers to at most one outstanding code each.
type Registry[K comparable] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	codes map[K]code
}

func New[K comparable](cfg Config) *Registry[K] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry[K]{ttl: cfg.TTL, now: cfg.Now, codes: map[K]code{}}
}

// GrantCode issues a fresh code for key, replacing any earlier one.
func (r *Registry[K]) GrantCode(key K) uint32 {
	v := randomCode()
	r.mu.Lock()
	r.codes[key] = code{value: v, expiry: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return v
}

// AuthorizeCode reports whether c is the live code for key and consumes it.
// Absent, mismatched and expired codes all yield false.
func (r *Registry[K]) AuthorizeCode(key K, c uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	got, ok := r.codes[key]
	if !ok {
		return false
	}
	if r.now().After(got.expiry) {
		delete(r.codes, key)
		return false
	}
	if subtle.ConstantTimeEq(int32(got.value), int32(c)) != 1 {
		return false
	}
	delete(r.codes, key)
	return true
}

// Sweep drops every expired code and returns how many were removed.
func (r *Registry[K]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for k, c := range r.codes {
		if now.After(c.expiry) {
			delete(r.codes, k)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding codes, expired ones included.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

func randomCode() uint32 {
	var b [4]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
