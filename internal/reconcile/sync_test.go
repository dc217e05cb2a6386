package reconcile

import (
	"testing"

	"github.com/dreamware/merklekv/internal/merkle"
	"github.com/dreamware/merklekv/internal/storage"
)

// fakePeer adapts a storage.Store into the Peer interface for tests so
// reconciliation can run entirely in-process.
type fakePeer struct {
	store storage.Store
}

func (p *fakePeer) Hash(prefix string) (string, error) {
	entries := make(map[string][]byte)
	for _, k := range p.store.Scan(prefix) {
		v, err := p.store.Get(k)
		if err == nil {
			entries[k] = v
		}
	}
	return merkle.Build(entries, "").RootHex(), nil
}

func (p *fakePeer) Scan(prefix string) ([]string, error) {
	return p.store.Scan(prefix), nil
}

func (p *fakePeer) Get(key string) ([]byte, bool, error) {
	v, err := p.store.Get(key)
	if err == storage.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func TestSyncBringsLocalInAgreementWithRemote(t *testing.T) {
	local := storage.NewMemoryStore()
	remote := storage.NewMemoryStore()

	remote.Set("user:1", []byte("alice"))
	remote.Set("user:2", []byte("bob"))
	local.Set("user:1", []byte("stale"))
	local.Set("order:9", []byte("should be deleted"))

	if err := Sync(local, &fakePeer{store: remote}, Options{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	v, err := local.Get("user:1")
	if err != nil || string(v) != "alice" {
		t.Errorf("expected user:1=alice after sync, got %q err=%v", v, err)
	}
	v, err = local.Get("user:2")
	if err != nil || string(v) != "bob" {
		t.Errorf("expected user:2=bob after sync, got %q err=%v", v, err)
	}
	if _, err := local.Get("order:9"); err != storage.ErrKeyNotFound {
		t.Errorf("expected order:9 to be deleted by sync, got err=%v", err)
	}
}

func TestSyncNoOpWhenRootsMatch(t *testing.T) {
	local := storage.NewMemoryStore()
	remote := storage.NewMemoryStore()

	local.Set("k", []byte("v"))
	remote.Set("k", []byte("v"))

	if err := Sync(local, &fakePeer{store: remote}, Options{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	v, _ := local.Get("k")
	if string(v) != "v" {
		t.Errorf("expected k=v unchanged, got %q", v)
	}
}

func TestSyncRespectsLeafThreshold(t *testing.T) {
	local := storage.NewMemoryStore()
	remote := storage.NewMemoryStore()
	remote.Set("a", []byte("1"))

	err := Sync(local, &fakePeer{store: remote}, Options{LeafThreshold: 1000000, MaxDepth: 1})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	v, err := local.Get("a")
	if err != nil || string(v) != "1" {
		t.Errorf("expected a=1 after sync, got %q err=%v", v, err)
	}
}
