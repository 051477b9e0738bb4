// Package storage persists subscriptions and their last observed status.
//
// The store is the single source of truth for subscription state: callers
// never cache last-status values outside of it, and every mutating call
// commits durably before returning. Two drivers are supported:
//
//   - "sqlite": SQLite database file (WAL journal, embedded migrations)
//   - "file":   single JSON snapshot, written via temp-file + rename
package storage
