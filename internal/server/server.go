// Package server implements the TCP command dispatcher: connection
// lifecycle, the client registry, per-command statistics, and the
// execution of each parsed command against the storage engine, publishing
// a change event for every accepted SET, DELETE, INC, DEC, APPEND, PREPEND
// and MSET. TRUNCATE/FLUSHDB clear the local store only and publish no
// change event.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/merklekv/internal/change"
	"github.com/dreamware/merklekv/internal/cluster"
	"github.com/dreamware/merklekv/internal/merkle"
	"github.com/dreamware/merklekv/internal/protocol"
	"github.com/dreamware/merklekv/internal/reconcile"
	"github.com/dreamware/merklekv/internal/storage"
)

// maxLineBytes bounds a single protocol line; a longer line is a
// ResourceLimit error and closes the connection.
const maxLineBytes = 1 << 20

// Version is the server's protocol/build version string reported by the
// VERSION command.
const Version = "0.1.0"

// Server owns the listener and the state shared across connections.
type Server struct {
	store    storage.Store
	nodeID   string
	log      *zap.Logger
	clients  *registry
	stats    *stats
	publish  func(op change.OpKind, key string, val []byte)
	dial     reconcile.Dialer
	shutdown func()
	peers    *cluster.Registry
}

// SetPeerRegistry attaches the anti-entropy peer registry so INFO can
// report how many peers are known and how many are currently reachable.
// A nil registry (the default) reports zero peers.
func (s *Server) SetPeerRegistry(r *cluster.Registry) {
	s.peers = r
}

// New builds a Server. publish is called for every accepted mutation other
// than TRUNCATE/FLUSHDB (wired to a replication.Replicator.Publish in production, a no-op or
// recorder in tests); dial resolves a reconcile.Peer for SYNC; shutdown is
// invoked once, after the SHUTDOWN response is written.
func New(store storage.Store, nodeID string, log *zap.Logger, publish func(op change.OpKind, key string, val []byte), dial reconcile.Dialer, shutdown func()) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if publish == nil {
		publish = func(change.OpKind, string, []byte) {}
	}
	if shutdown == nil {
		shutdown = func() {}
	}
	return &Server{
		store:    store,
		nodeID:   nodeID,
		log:      log,
		clients:  newRegistry(),
		stats:    newStats(),
		publish:  publish,
		dial:     dial,
		shutdown: shutdown,
	}
}

// Serve accepts connections on ln until it's closed, handling each on its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	id := s.clients.connect(conn.RemoteAddr().String())
	s.stats.connectionOpened()
	defer func() {
		s.clients.disconnect(id)
		s.stats.connectionClosed()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		s.clients.touch(id)
		line := scanner.Text()

		reply, closeConn := s.dispatch(line)
		if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
			return
		}
		if closeConn {
			return
		}
	}
	if err := scanner.Err(); err != nil && strings.Contains(err.Error(), "too long") {
		io.WriteString(conn, "ERROR line exceeds 1 MiB limit\r\n")
	}
}

// dispatch parses and executes one line, returning the response and
// whether the connection should close afterward (true only for SHUTDOWN).
func (s *Server) dispatch(line string) (string, bool) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		return "ERROR " + err.Error(), false
	}
	s.stats.recordCommand(cmd.Verb)
	return s.execute(cmd)
}

func (s *Server) execute(cmd protocol.Command) (string, bool) {
	switch cmd.Verb {
	case protocol.Get:
		// A value accepted locally through SET/APPEND/PREPEND is always
		// line-safe text (parsing rejects embedded newlines). A value that
		// arrived via replication from a peer may have started out as
		// arbitrary, non-UTF-8 bytes; replication.Replicator.applyToStore
		// base64-encodes those before writing them locally, so what's
		// stored here is always safe to echo on a single line as-is.
		val, err := s.store.Get(cmd.Key)
		if err == storage.ErrKeyNotFound {
			return "NOT_FOUND", false
		}
		return "VALUE " + string(val), false

	case protocol.Set:
		if err := s.store.Set(cmd.Key, []byte(cmd.Value)); err != nil {
			return "ERROR " + err.Error(), false
		}
		s.publish(change.OpSet, cmd.Key, []byte(cmd.Value))
		return "OK", false

	case protocol.Delete:
		existed, err := s.store.Delete(cmd.Key)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		if existed {
			s.publish(change.OpDel, cmd.Key, nil)
			return "DELETED", false
		}
		return "NOT_FOUND", false

	case protocol.Scan:
		keys := s.store.Scan(cmd.Key)
		var b strings.Builder
		fmt.Fprintf(&b, "KEYS %d", len(keys))
		for _, k := range keys {
			b.WriteString("\r\n")
			b.WriteString(k)
		}
		return b.String(), false

	case protocol.Inc, protocol.Dec:
		amount := int64(1)
		if cmd.Amount != nil {
			amount = *cmd.Amount
		}
		var newVal int64
		var err error
		if cmd.Verb == protocol.Inc {
			newVal, err = s.store.Increment(cmd.Key, amount)
		} else {
			newVal, err = s.store.Decrement(cmd.Key, amount)
		}
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		op := change.OpIncr
		if cmd.Verb == protocol.Dec {
			op = change.OpDecr
		}
		post := []byte(strconv.FormatInt(newVal, 10))
		s.publish(op, cmd.Key, post)
		return "VALUE " + string(post), false

	case protocol.Append, protocol.Prepend:
		var newVal []byte
		var err error
		if cmd.Verb == protocol.Append {
			newVal, err = s.store.Append(cmd.Key, []byte(cmd.Value))
		} else {
			newVal, err = s.store.Prepend(cmd.Key, []byte(cmd.Value))
		}
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		op := change.OpAppend
		if cmd.Verb == protocol.Prepend {
			op = change.OpPrepend
		}
		s.publish(op, cmd.Key, newVal)
		return "VALUE " + string(newVal), false

	case protocol.Mget:
		var b strings.Builder
		var found int
		var lines strings.Builder
		for _, k := range cmd.Keys {
			val, err := s.store.Get(k)
			if err == storage.ErrKeyNotFound {
				continue
			}
			found++
			lines.WriteString("\r\n")
			lines.WriteString(k)
			lines.WriteString(" ")
			lines.Write(val)
		}
		if found == 0 {
			return "NOT_FOUND", false
		}
		fmt.Fprintf(&b, "VALUES %d", found)
		b.WriteString(lines.String())
		return b.String(), false

	case protocol.Mset:
		for _, kv := range cmd.Pairs {
			if err := s.store.Set(kv.Key, []byte(kv.Value)); err != nil {
				return "ERROR " + err.Error(), false
			}
			s.publish(change.OpSet, kv.Key, []byte(kv.Value))
		}
		return "OK", false

	case protocol.Exists:
		var n int
		for _, k := range cmd.Keys {
			if _, err := s.store.Get(k); err == nil {
				n++
			}
		}
		return fmt.Sprintf("EXISTS %d", n), false

	case protocol.Dbsize:
		return fmt.Sprintf("DBSIZE %d", s.store.Count()), false

	case protocol.Truncate:
		s.store.Truncate()
		return "OK", false

	case protocol.Stats:
		var b strings.Builder
		b.WriteString("STATS")
		for _, line := range s.stats.snapshot() {
			fmt.Fprintf(&b, "\r\n%s:%d", line.Name, line.Value)
		}
		return b.String(), false

	case protocol.Info:
		var b strings.Builder
		fmt.Fprintf(&b, "INFO\r\nversion:%s\r\nnode_id:%s\r\nuptime_seconds:%d\r\nkeys:%d\r\npeers_known:%d\r\npeers_reachable:%d",
			Version, s.nodeID, int64(time.Since(s.stats.startedAt).Seconds()), s.store.Count(),
			len(s.peerSnapshot()), s.reachablePeerCount())
		return b.String(), false

	case protocol.Ping:
		if cmd.Value == "" {
			return "PONG", false
		}
		return cmd.Value, false

	case protocol.Echo:
		return cmd.Value, false

	case protocol.Version:
		return "VERSION " + Version, false

	case protocol.Memory:
		return fmt.Sprintf("MEMORY %d", s.estimateMemory()), false

	case protocol.ClientList:
		var b strings.Builder
		b.WriteString("CLIENT LIST")
		now := time.Now()
		for _, c := range s.clients.snapshot() {
			fmt.Fprintf(&b, "\r\nid=%d addr=%s age=%d idle=%d",
				c.ID, c.Addr, int64(now.Sub(c.ConnectedAt).Seconds()), int64(now.Sub(c.LastActivity).Seconds()))
		}
		b.WriteString("\r\nEND")
		return b.String(), false

	case protocol.Hash:
		root := s.computeHash(cmd.Key)
		if cmd.Key == "" || cmd.Key == "*" {
			return "HASH " + root, false
		}
		return "HASH " + cmd.Key + " " + root, false

	case protocol.Sync:
		return s.runSync(cmd), false

	case protocol.Shutdown:
		go s.shutdown()
		return "OK", true

	default:
		return "ERROR unknown command", false
	}
}

func (s *Server) peerSnapshot() []cluster.PeerInfo {
	if s.peers == nil {
		return nil
	}
	return s.peers.Snapshot()
}

func (s *Server) reachablePeerCount() int {
	n := 0
	for _, p := range s.peerSnapshot() {
		if p.LastError == "" && !p.LastSeen.IsZero() {
			n++
		}
	}
	return n
}

func (s *Server) computeHash(prefix string) string {
	if prefix == "*" {
		prefix = ""
	}
	entries := make(map[string][]byte)
	for _, k := range s.store.Scan(prefix) {
		v, err := s.store.Get(k)
		if err == nil {
			entries[k] = v
		}
	}
	return merkle.Build(entries, "").RootHex()
}

func (s *Server) estimateMemory() int {
	total := 0
	for _, k := range s.store.Scan("") {
		v, err := s.store.Get(k)
		if err != nil {
			continue
		}
		total += len(k) + len(v)
	}
	return total
}

func (s *Server) runSync(cmd protocol.Command) string {
	if s.dial == nil {
		return "ERROR reconciliation is not configured on this node"
	}
	addr := fmt.Sprintf("%s:%d", cmd.Host, cmd.Port)
	peer, err := s.dial(addr)
	if err != nil {
		return "ERROR " + err.Error()
	}

	if err := reconcile.Sync(s.store, peer, reconcile.Options{Full: cmd.Full}); err != nil {
		return "ERROR " + err.Error()
	}

	if cmd.Verify {
		localRoot := s.computeHash("")
		remoteRoot, err := peer.Hash("")
		if err != nil {
			return "ERROR verify: " + err.Error()
		}
		if localRoot != remoteRoot {
			return "ERROR verify: roots diverge after reconciliation"
		}
	}
	return "OK"
}
