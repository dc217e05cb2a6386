package server

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/dreamware/merklekv/internal/protocol"
)

// stats tracks monotonic per-command-kind counters plus connection and
// uptime bookkeeping, mirrored from the atomic-counter pattern used for
// per-shard operation stats: lock-free increments on the hot path, a
// snapshot copy for reporting.
type stats struct {
	startedAt         time.Time
	totalConnections  uint64
	activeConnections int64
	commandCounts     map[protocol.Verb]*uint64
}

func newStats() *stats {
	s := &stats{startedAt: time.Now(), commandCounts: make(map[protocol.Verb]*uint64)}
	for _, v := range []protocol.Verb{
		protocol.Get, protocol.Set, protocol.Delete, protocol.Scan, protocol.Inc, protocol.Dec,
		protocol.Append, protocol.Prepend, protocol.Mget, protocol.Mset, protocol.Exists,
		protocol.Dbsize, protocol.Truncate, protocol.Stats, protocol.Info, protocol.Ping,
		protocol.Echo, protocol.Version, protocol.Memory, protocol.ClientList, protocol.Hash,
		protocol.Sync, protocol.Shutdown,
	} {
		var c uint64
		s.commandCounts[v] = &c
	}
	return s
}

func (s *stats) recordCommand(v protocol.Verb) {
	if c, ok := s.commandCounts[v]; ok {
		atomic.AddUint64(c, 1)
	}
}

func (s *stats) connectionOpened() {
	atomic.AddUint64(&s.totalConnections, 1)
	atomic.AddInt64(&s.activeConnections, 1)
}

func (s *stats) connectionClosed() {
	atomic.AddInt64(&s.activeConnections, -1)
}

// snapshot returns name/value pairs in a stable order for STATS output.
func (s *stats) snapshot() []statLine {
	lines := []statLine{
		{"uptime_seconds", int64(time.Since(s.startedAt).Seconds())},
		{"total_connections", int64(atomic.LoadUint64(&s.totalConnections))},
		{"active_connections", atomic.LoadInt64(&s.activeConnections)},
	}
	for _, v := range []protocol.Verb{
		protocol.Get, protocol.Set, protocol.Delete, protocol.Scan, protocol.Inc, protocol.Dec,
		protocol.Append, protocol.Prepend, protocol.Mget, protocol.Mset, protocol.Exists,
		protocol.Dbsize, protocol.Truncate, protocol.Stats, protocol.Info, protocol.Ping,
		protocol.Echo, protocol.Version, protocol.Memory, protocol.ClientList, protocol.Hash,
		protocol.Sync, protocol.Shutdown,
	} {
		name := "cmd_" + strings.ReplaceAll(string(v), " ", "_")
		lines = append(lines, statLine{name, int64(atomic.LoadUint64(s.commandCounts[v]))})
	}
	return lines
}

type statLine struct {
	Name  string
	Value int64
}
