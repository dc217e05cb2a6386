// Package storage implements the concurrent key-value storage engine: a
// thread-safe in-memory map exposing the capability set the rest of the
// system depends on — get, set, delete, scan-by-prefix, increment,
// decrement, append, prepend, truncate, and count.
//
// # Engine Selection
//
// NewEngine resolves a configured engine id to a Store. "rwlock",
// "in-memory" and the empty id all resolve to MemoryStore; any other id is a
// configuration error, not a silent fallback. A persistent backend would
// add a case here without changing the Store contract.
//
// # Concurrency Model
//
// MemoryStore is guarded by a single sync.RWMutex. Get, Scan, and Count
// take the reader lock; Set, Delete, and Truncate take the writer lock.
// The compound read-modify-write operations — Increment, Decrement,
// Append, Prepend — hold the writer lock for the entire operation so two
// concurrent increments on the same key can never race, and no operation
// holds the lock across I/O (there is none: this is an in-memory engine).
//
// # Error Handling
//
// ErrKeyNotFound is returned by Get when the key doesn't exist. The
// compound ops never return it: Increment/Decrement treat an absent key as
// 0, and Append/Prepend treat it as empty.
// ErrNotNumber is returned by Increment/Decrement when the existing value
// can't be parsed as a base-10 integer.
//
// # See Also
//
// Related packages:
//   - internal/merkle: builds a content hash over a storage snapshot
//   - internal/replication: applies remote writes through this interface
//   - internal/server: dispatches parsed commands against a Store
package storage
