package server

import (
	"sync"
	"time"
)

// clientInfo is the process-wide record kept for one connected client,
// behind its own mutex independent of the store's lock since writes here
// are infrequent (connect/disconnect) and reads come only from CLIENT LIST.
type clientInfo struct {
	ID           uint64
	Addr         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

type registry struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*clientInfo
}

func newRegistry() *registry {
	return &registry{clients: make(map[uint64]*clientInfo)}
}

func (r *registry) connect(addr string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	now := time.Now()
	r.clients[id] = &clientInfo{ID: id, Addr: addr, ConnectedAt: now, LastActivity: now}
	return id
}

func (r *registry) touch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.LastActivity = time.Now()
	}
}

func (r *registry) disconnect(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *registry) snapshot() []clientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]clientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
