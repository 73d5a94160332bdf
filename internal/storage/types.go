package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrDisabled = errors.New("storage disabled")
	ErrOffline  = errors.New("storage offline")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (also "" and "none"): volatile in-process store
//   - "file": JSON snapshot + journal under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Backend persists opaque records keyed by (kind, key).
type Backend interface {
	// Load returns ErrNotFound when no record exists.
	Load(ctx context.Context, kind, key string) ([]byte, error)
	Save(ctx context.Context, kind, key string, data []byte) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
