// Package cluster tracks the anti-entropy peer set for a MerkleKV node:
// which peers are known, when each was last reconciled successfully, and
// what the most recent failure looked like.
//
// # Overview
//
// Unlike a coordinator-based topology, a MerkleKV node has no central
// authority assigning it peers. The peer list comes from configuration
// (anti_entropy.peer_list) and is tracked here purely for observability:
// reconcile.Scheduler.AttachRegistry adds the scheduler's configured peers,
// and the scheduler, which walks its own peer list each tick, reports
// success or failure back via RecordSuccess/RecordError.
//
// # Concurrency Model
//
// Registry is safe for concurrent use. All state lives behind a single
// sync.RWMutex; read operations (Snapshot, Addrs) take an RLock, writes take
// a Lock. No operation holds the lock during network I/O — the scheduler
// dials and syncs peers outside the registry entirely, only recording the
// outcome afterward.
//
// # See Also
//
// Related packages:
//   - internal/reconcile: drives the anti-entropy rounds that update this registry
//   - internal/server: surfaces registry state via INFO
package cluster
