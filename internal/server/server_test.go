package server

import (
	"strings"
	"testing"

	"github.com/dreamware/merklekv/internal/change"
	"github.com/dreamware/merklekv/internal/cluster"
	"github.com/dreamware/merklekv/internal/protocol"
	"github.com/dreamware/merklekv/internal/storage"
)

func newTestServer() (*Server, storage.Store, *[]string) {
	store := storage.NewMemoryStore()
	var published []string
	publish := func(op change.OpKind, key string, val []byte) {
		published = append(published, string(op)+":"+key+":"+string(val))
	}
	s := New(store, "node-a", nil, publish, nil, nil)
	return s, store, &published
}

func TestExecuteSetThenGet(t *testing.T) {
	s, _, published := newTestServer()

	if reply, _ := s.execute(mustParse(t, "SET k hello world")); reply != "OK" {
		t.Errorf("unexpected SET reply: %q", reply)
	}
	if reply, _ := s.execute(mustParse(t, "GET k")); reply != "VALUE hello world" {
		t.Errorf("unexpected GET reply: %q", reply)
	}
	if len(*published) != 1 || !strings.HasPrefix((*published)[0], "set:k:") {
		t.Errorf("expected one set publication, got %v", *published)
	}
}

func TestExecuteGetMissingKey(t *testing.T) {
	s, _, _ := newTestServer()
	if reply, _ := s.execute(mustParse(t, "GET missing")); reply != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %q", reply)
	}
}

func TestExecuteDeleteReportsExistence(t *testing.T) {
	s, _, _ := newTestServer()
	s.execute(mustParse(t, "SET k v"))

	if reply, _ := s.execute(mustParse(t, "DELETE k")); reply != "DELETED" {
		t.Errorf("expected DELETED, got %q", reply)
	}
	if reply, _ := s.execute(mustParse(t, "DELETE k")); reply != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND on second delete, got %q", reply)
	}
}

func TestExecuteIncDefaultsToOne(t *testing.T) {
	s, _, _ := newTestServer()
	reply, _ := s.execute(mustParse(t, "INC counter"))
	if reply != "VALUE 1" {
		t.Errorf("expected VALUE 1, got %q", reply)
	}
	reply, _ = s.execute(mustParse(t, "INC counter 4"))
	if reply != "VALUE 5" {
		t.Errorf("expected VALUE 5, got %q", reply)
	}
}

func TestExecuteIncOnNonNumericReturnsError(t *testing.T) {
	s, _, _ := newTestServer()
	s.execute(mustParse(t, "SET k not-a-number"))
	reply, _ := s.execute(mustParse(t, "INC k"))
	if !strings.HasPrefix(reply, "ERROR") {
		t.Errorf("expected ERROR reply, got %q", reply)
	}
}

func TestExecuteScanReturnsKeyCount(t *testing.T) {
	s, _, _ := newTestServer()
	s.execute(mustParse(t, "SET user:1 a"))
	s.execute(mustParse(t, "SET user:2 b"))
	s.execute(mustParse(t, "SET order:1 c"))

	reply, _ := s.execute(mustParse(t, "SCAN user:"))
	if !strings.HasPrefix(reply, "KEYS 2") {
		t.Errorf("expected KEYS 2 prefix, got %q", reply)
	}
}

func TestExecuteDbsizeAndTruncate(t *testing.T) {
	s, _, _ := newTestServer()
	s.execute(mustParse(t, "SET a 1"))
	s.execute(mustParse(t, "SET b 2"))

	if reply, _ := s.execute(mustParse(t, "DBSIZE")); reply != "DBSIZE 2" {
		t.Errorf("expected DBSIZE 2, got %q", reply)
	}
	s.execute(mustParse(t, "TRUNCATE"))
	if reply, _ := s.execute(mustParse(t, "DBSIZE")); reply != "DBSIZE 0" {
		t.Errorf("expected DBSIZE 0 after truncate, got %q", reply)
	}
}

func TestExecuteInfoReportsPeerCounts(t *testing.T) {
	s, _, _ := newTestServer()
	peers := cluster.NewRegistry()
	peers.Add("10.0.0.2:7379")
	peers.Add("10.0.0.3:7379")
	peers.RecordSuccess("10.0.0.2:7379")
	s.SetPeerRegistry(peers)

	reply, _ := s.execute(mustParse(t, "INFO"))
	if !strings.Contains(reply, "peers_known:2") {
		t.Errorf("expected peers_known:2, got %q", reply)
	}
	if !strings.Contains(reply, "peers_reachable:1") {
		t.Errorf("expected peers_reachable:1, got %q", reply)
	}
}

func TestExecuteInfoWithNoPeerRegistryReportsZero(t *testing.T) {
	s, _, _ := newTestServer()
	reply, _ := s.execute(mustParse(t, "INFO"))
	if !strings.Contains(reply, "peers_known:0") || !strings.Contains(reply, "peers_reachable:0") {
		t.Errorf("expected zero peers with no registry attached, got %q", reply)
	}
}

func TestExecuteHashEmptyStoreIsZero(t *testing.T) {
	s, _, _ := newTestServer()
	reply, _ := s.execute(mustParse(t, "HASH"))
	if !strings.Contains(reply, strings.Repeat("0", 64)) {
		t.Errorf("expected 64 zeros for empty store, got %q", reply)
	}
}

func TestExecuteShutdownClosesConnection(t *testing.T) {
	s, _, _ := newTestServer()
	reply, closeConn := s.execute(mustParse(t, "SHUTDOWN"))
	if reply != "OK" || !closeConn {
		t.Errorf("expected (OK, true), got (%q, %v)", reply, closeConn)
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	s, _, _ := newTestServer()
	reply, _ := s.dispatch("BOGUS")
	if !strings.HasPrefix(reply, "ERROR") {
		t.Errorf("expected ERROR reply, got %q", reply)
	}
}

func mustParse(t *testing.T, line string) protocol.Command {
	t.Helper()
	cmd, err := protocol.Parse(line)
	if err != nil {
		t.Fatalf("parse %q failed: %v", line, err)
	}
	return cmd
}
