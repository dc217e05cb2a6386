// Package reconcile implements the recursive prefix-refinement anti-entropy
// algorithm: bringing a local store into one-way agreement with a remote
// peer's store by comparing Merkle roots over successively narrower key
// prefixes and fetching only the keys that actually diverge.
package reconcile

import (
	"fmt"

	"github.com/dreamware/merklekv/internal/merkle"
	"github.com/dreamware/merklekv/internal/storage"
)

// fanout is the fixed alphabet the reconciler descends through at each
// recursion level: ASCII letters, digits, and the punctuation a key is
// commonly built from.
const fanout = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789:_-./"

// DefaultMaxDepth bounds how many prefix characters the recursion will
// descend before falling back to a leaf reconcile regardless of fan-out.
const DefaultMaxDepth = 20

// DefaultLeafThreshold short-circuits recursion into an immediate leaf
// reconcile once a branch's local key count drops to this size or below,
// since fetching the whole branch is cheaper than descending further.
const DefaultLeafThreshold = 200

// Peer is the remote-side capability the reconciler needs, implemented
// over the TCP text protocol by internal/protocol's client.
type Peer interface {
	Hash(prefix string) (string, error)
	Scan(prefix string) ([]string, error)
	Get(key string) ([]byte, bool, error)
}

// Options tunes one Sync invocation; zero value uses the package defaults.
type Options struct {
	MaxDepth      int
	LeafThreshold int
	Full          bool // force leaf reconcile even when roots already match
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.LeafThreshold <= 0 {
		o.LeafThreshold = DefaultLeafThreshold
	}
	return o
}

// Sync makes store agree with peer by recursively narrowing the compared
// prefix and leaf-reconciling only branches that diverge.
func Sync(store storage.Store, peer Peer, opts Options) error {
	opts = opts.withDefaults()
	return syncPrefix(store, peer, "", 0, opts)
}

func syncPrefix(store storage.Store, peer Peer, prefix string, depth int, opts Options) error {
	localRoot := localRootHex(store, prefix)
	remoteRoot, err := peer.Hash(prefix)
	if err != nil {
		return fmt.Errorf("reconcile: hash %q: %w", prefix, err)
	}

	matched := localRoot == remoteRoot
	if matched && !opts.Full {
		return nil
	}
	// Once matched, --full no longer forces further recursion below this
	// branch; it only forces the single leaf reconcile at this level.
	opts.Full = false

	if matched || depth >= opts.MaxDepth || len(store.Scan(prefix)) <= opts.LeafThreshold {
		return leafReconcile(store, peer, prefix)
	}

	for _, c := range fanout {
		if err := syncPrefix(store, peer, prefix+string(c), depth+1, opts); err != nil {
			return err
		}
	}
	return nil
}

// leafReconcile makes the local store match the remote under prefix
// exactly: every remote key is fetched and written locally, and any local
// key under the prefix absent from the remote set is deleted.
func leafReconcile(store storage.Store, peer Peer, prefix string) error {
	remoteKeys, err := peer.Scan(prefix)
	if err != nil {
		return fmt.Errorf("reconcile: scan %q: %w", prefix, err)
	}

	remoteSet := make(map[string]bool, len(remoteKeys))
	for _, k := range remoteKeys {
		remoteSet[k] = true
		val, ok, err := peer.Get(k)
		if err != nil {
			return fmt.Errorf("reconcile: get %q: %w", k, err)
		}
		if !ok {
			continue // raced with a remote delete; next reconciliation picks it up
		}
		if err := store.Set(k, val); err != nil {
			return fmt.Errorf("reconcile: local set %q: %w", k, err)
		}
	}

	for _, k := range store.Scan(prefix) {
		if !remoteSet[k] {
			if _, err := store.Delete(k); err != nil {
				return fmt.Errorf("reconcile: local delete %q: %w", k, err)
			}
		}
	}
	return nil
}

func localRootHex(store storage.Store, prefix string) string {
	entries := make(map[string][]byte)
	for _, k := range store.Scan(prefix) {
		v, err := store.Get(k)
		if err != nil {
			continue // raced with a concurrent delete; treat as absent
		}
		entries[k] = v
	}
	return merkle.Build(entries, "").RootHex()
}
