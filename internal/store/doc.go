// Package store provides conversation persistence for the relay.
//
// # Data Models
//
//   - Conversation: an ordered exchange with an optional title
//   - Message: one turn with a role (user, assistant, system)
//
// Messages are ordered by insertion. Within a conversation the order returned
// by ListMessages is the order AppendMessage was called in.
//
// # Implementations
//
// SQLiteStore persists to a SQLite database. The default driver is the pure Go
// modernc.org/sqlite ("sqlite"); the cgo driver github.com/mattn/go-sqlite3
// ("sqlite3") can be selected with Open. The schema is created on first open
// and migrated in place.
//
//	s, err := store.NewSQLiteStore("/var/lib/chatrelay/chatrelay.db")
//
// MockStore is an in-memory implementation for tests. It can be told to fail
// specific operations so callers can exercise their rollback paths.
//
// # Errors
//
// Lookups of missing entities return ErrNotFound. Callers should compare with
// errors.Is.
package store
