package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/merklekv/internal/cluster"
	"github.com/dreamware/merklekv/internal/storage"
)

func TestSchedulerReconcilesEveryPeerOnEachTick(t *testing.T) {
	local := storage.NewMemoryStore()
	remote := storage.NewMemoryStore()
	remote.Set("k", []byte("v"))

	dial := func(addr string) (Peer, error) {
		return &fakePeer{store: remote}, nil
	}

	sched := NewScheduler(local, dial, []string{"peer-1:7379"}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	v, err := local.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	status := sched.Status()
	require.Contains(t, status, "peer-1:7379")
	assert.Empty(t, status["peer-1:7379"].LastError)
}

func TestSchedulerRecordsDialFailure(t *testing.T) {
	local := storage.NewMemoryStore()

	dial := func(addr string) (Peer, error) {
		return nil, assertErr{"connection refused"}
	}

	sched := NewScheduler(local, dial, []string{"dead:7379"}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	status := sched.Status()
	require.Contains(t, status, "dead:7379")
	assert.NotEmpty(t, status["dead:7379"].LastError)
}

func TestSchedulerAttachedRegistryTracksOutcomes(t *testing.T) {
	local := storage.NewMemoryStore()
	remote := storage.NewMemoryStore()
	remote.Set("k", []byte("v"))

	dial := func(addr string) (Peer, error) {
		return &fakePeer{store: remote}, nil
	}

	sched := NewScheduler(local, dial, []string{"peer-1:7379"}, 10*time.Millisecond, nil)
	registry := cluster.NewRegistry()
	sched.AttachRegistry(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	snap := registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "peer-1:7379", snap[0].Addr)
	assert.False(t, snap[0].LastSeen.IsZero())
	assert.Empty(t, snap[0].LastError)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
