package server

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dreamware/merklekv/internal/storage"
)

func TestServeHandlesOneConnectionEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	s := New(store, "node-a", nil, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	go s.Serve(ln)

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "SET greeting hello\n")
	reader := bufio.NewReader(conn)
	line, _ := reader.ReadString('\n')
	if line != "OK\r\n" {
		t.Fatalf("unexpected SET reply: %q", line)
	}

	fmt.Fprintf(conn, "GET greeting\n")
	line, _ = reader.ReadString('\n')
	if line != "VALUE hello\r\n" {
		t.Fatalf("unexpected GET reply: %q", line)
	}
}
