// Package history is the durable event log: SQLite-backed session records
// that survive process restarts.
//
// # Records
//
// A session's record is its metadata row plus an ordered list of persisted
// messages. Append preserves call order; Save and Load move whole records
// atomically, so a concurrent reader observes either the fully-prior or the
// fully-new record, never a mix.
//
// # Concurrency
//
// Writes are serialized per session on a key lock, not a global one, so
// concurrent mutations of different sessions proceed in parallel. The
// database runs in WAL mode so reads do not block behind writes.
package history
