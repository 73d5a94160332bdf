// Package storage is the backing store behind the entity caches.
//
// A Backend persists opaque records addressed by (kind, key). Drivers:
//   - memory: in-process map, for tests and throwaway servers
//   - file: JSON snapshot plus an append-only JSONL journal
//   - sqlite: one entities table in a SQLite file (modernc.org/sqlite)
//   - postgres: the same table over a pgx connection pool
//
// Repository binds one kind to a Go type and supplies the retrieve/store
// callbacks a cache.Cache needs.
package storage
