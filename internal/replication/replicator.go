// Package replication implements the publish and subscribe paths that keep
// nodes eventually consistent: every accepted local mutation is published
// as a change event, and inbound events from peers are applied with loop
// suppression, deduplication, and last-writer-wins conflict resolution.
package replication

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dreamware/merklekv/internal/bus"
	"github.com/dreamware/merklekv/internal/change"
	"github.com/dreamware/merklekv/internal/storage"
)

// retryBackoff is how long Run waits before resubscribing after a bus
// error or an unexpectedly closed message channel. A var, not a const, so
// tests can shrink it instead of waiting out the real delay.
var retryBackoff = 5 * time.Second

// Config controls topic naming and the wire encoding used for outbound
// events.
type Config struct {
	TopicPrefix string
	NodeID      string
	Encoding    change.Encoding
}

// Replicator owns the bus connection and the applier's dedupe/LWW state.
// The applier state (seen op-ids, last-applied timestamps) belongs
// exclusively to the applier goroutine; nothing else touches it, so it
// needs no lock of its own beyond what's shown here for safe shutdown.
type Replicator struct {
	cfg   Config
	bus   bus.Bus
	store storage.Store
	log   *zap.Logger

	seenMu   sync.Mutex
	seen     map[string]struct{}
	lastTS   map[string]uint64
	lastOpID map[string]string
}

// New builds a Replicator bound to the given bus and store.
func New(cfg Config, b bus.Bus, store storage.Store, log *zap.Logger) *Replicator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replicator{
		cfg:      cfg,
		bus:      b,
		store:    store,
		log:      log,
		seen:     make(map[string]struct{}),
		lastTS:   make(map[string]uint64),
		lastOpID: make(map[string]string),
	}
}

func (r *Replicator) eventsTopic() string {
	return r.cfg.TopicPrefix + "/events"
}

// Publish stamps and sends one change event for a locally accepted
// mutation. A failed publish is logged and dropped — the local write has
// already committed and is not rolled back.
func (r *Replicator) Publish(ctx context.Context, op change.OpKind, key string, val []byte) error {
	e := change.New(op, key, val, r.cfg.NodeID)

	payload, err := change.Encode(e, r.cfg.Encoding)
	if err != nil {
		return fmt.Errorf("replication: encode: %w", err)
	}

	if err := r.bus.Publish(ctx, r.eventsTopic(), payload); err != nil {
		r.log.Warn("publish failed, local write kept",
			zap.String("key", key), zap.String("op", string(op)), zap.Error(err))
		return err
	}
	return nil
}

// Run subscribes to every event under the configured prefix and drains
// them until ctx is canceled. A subscribe failure, or the message channel
// closing out from under it (the bus giving up on a reconnect), is logged
// and retried after retryBackoff instead of ending replication for the
// rest of the process. It blocks; call it from its own goroutine.
func (r *Replicator) Run(ctx context.Context) error {
	for {
		err := r.subscribeAndDrain(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("replication subscription ended, retrying",
			zap.Error(err), zap.Duration("backoff", retryBackoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

// subscribeAndDrain subscribes once and drains messages until ctx is
// canceled or the channel closes. A closed channel is reported as an error
// so Run's retry loop doesn't mistake it for a clean shutdown.
func (r *Replicator) subscribeAndDrain(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx, r.eventsTopic()+"/#")
	if err != nil {
		return fmt.Errorf("replication: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("replication: message channel closed")
			}
			r.applyPayload(msg.Payload)
		}
	}
}

func (r *Replicator) applyPayload(payload []byte) {
	e, err := change.DecodeAny(payload)
	if err != nil {
		r.log.Warn("dropping undecodable event", zap.Error(err))
		return
	}
	r.apply(e)
}

// apply runs the full applier pipeline for one event: loop suppression,
// dedupe, LWW, then a single store call taken without holding any lock
// across the bus I/O that already happened above.
func (r *Replicator) apply(e change.Event) {
	if e.Src == r.cfg.NodeID {
		return
	}

	id := e.OpIDString()

	r.seenMu.Lock()
	if _, dup := r.seen[id]; dup {
		r.seenMu.Unlock()
		return
	}
	prevTS, hadPrev := r.lastTS[e.Key]
	if hadPrev && e.TS < prevTS {
		r.seenMu.Unlock()
		return
	}
	if hadPrev && e.TS == prevTS && id <= r.lastOpID[e.Key] {
		// Tie-break: the event with the lexicographically greater op_id
		// wins. Equal op_ids would already have been caught by dedupe.
		r.seenMu.Unlock()
		return
	}
	r.seen[id] = struct{}{}
	r.lastTS[e.Key] = e.TS
	r.lastOpID[e.Key] = id
	r.seenMu.Unlock()

	if err := r.applyToStore(e); err != nil {
		r.log.Warn("failed applying replicated event",
			zap.String("key", e.Key), zap.String("op", string(e.Op)), zap.Error(err))
	}
}

// applyToStore sets or deletes the key. The three wire encodings round-trip
// arbitrary bytes through change.Event.Val just fine, but the store behind
// this node is served back out over the single-line text protocol: a value
// containing raw bytes that aren't valid UTF-8, or a literal newline/carriage
// return, would desynchronize line framing for every client reading it back
// with GET/MGET. Such values are base64-encoded before they're written
// locally, so whatever ends up in the store is always safe to echo as one
// line.
func (r *Replicator) applyToStore(e change.Event) error {
	if e.Op == change.OpDel {
		_, err := r.store.Delete(e.Key)
		return err
	}

	val := e.Val
	if val == nil {
		val = []byte{}
	}
	if !utf8.Valid(val) || bytes.ContainsAny(val, "\n\r") {
		val = []byte(base64.StdEncoding.EncodeToString(val))
	}
	return r.store.Set(e.Key, val)
}
