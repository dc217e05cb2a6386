package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/merklekv/internal/cluster"
	"github.com/dreamware/merklekv/internal/storage"
)

// Dialer opens a Peer connection to a given "host:port" address. The real
// implementation dials the TCP text protocol; tests inject a fake.
type Dialer func(addr string) (Peer, error)

// Scheduler runs anti-entropy against a fixed peer list on a fixed
// interval, tracking last-attempt and last-success time per peer so
// operators can see reconciliation health the same way they'd see node
// health in a health-check loop.
type Scheduler struct {
	store    storage.Store
	dial     Dialer
	interval time.Duration
	peers    []string
	log      *zap.Logger

	mu     sync.RWMutex
	status map[string]*PeerStatus

	registry *cluster.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PeerStatus is the last-known reconciliation outcome for one peer.
type PeerStatus struct {
	Addr       string
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
}

// NewScheduler builds a scheduler over the given peer addresses. interval
// is how often every peer is reconciled against.
func NewScheduler(store storage.Store, dial Dialer, peers []string, interval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		dial:     dial,
		interval: interval,
		peers:    peers,
		log:      log,
		status:   make(map[string]*PeerStatus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run blocks, reconciling against every configured peer once per interval,
// until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.reconcileAll()

	for {
		select {
		case <-ticker.C:
			s.reconcileAll()
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// AttachRegistry wires a cluster.Registry to receive the same
// success/failure outcomes as Status(), for callers (the server's INFO
// command) that want peer health reported through the shared registry
// type instead of reconcile's own PeerStatus.
func (s *Scheduler) AttachRegistry(r *cluster.Registry) {
	s.mu.Lock()
	s.registry = r
	for _, addr := range s.peers {
		r.Add(addr)
	}
	s.mu.Unlock()
}

// Stop cancels the scheduler and waits for the current round to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) reconcileAll() {
	for _, addr := range s.peers {
		s.reconcileOne(addr)
	}
}

func (s *Scheduler) reconcileOne(addr string) {
	s.mu.Lock()
	st, ok := s.status[addr]
	if !ok {
		st = &PeerStatus{Addr: addr}
		s.status[addr] = st
	}
	st.LastAttempt = time.Now()
	s.mu.Unlock()

	peer, err := s.dial(addr)
	if err != nil {
		s.recordFailure(addr, err)
		return
	}

	err = Sync(s.store, peer, Options{})
	if err != nil {
		s.recordFailure(addr, err)
		return
	}

	s.mu.Lock()
	st.LastSuccess = time.Now()
	st.LastError = ""
	registry := s.registry
	s.mu.Unlock()

	if registry != nil {
		registry.RecordSuccess(addr)
	}
}

func (s *Scheduler) recordFailure(addr string, err error) {
	s.log.Warn("anti-entropy round failed", zap.String("peer", addr), zap.Error(err))
	s.mu.Lock()
	if st, ok := s.status[addr]; ok {
		st.LastError = err.Error()
	}
	registry := s.registry
	s.mu.Unlock()

	if registry != nil {
		registry.RecordError(addr, err)
	}
}

// Status returns a snapshot of every tracked peer's last reconciliation
// outcome.
func (s *Scheduler) Status() map[string]PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PeerStatus, len(s.status))
	for addr, st := range s.status {
		out[addr] = *st
	}
	return out
}
