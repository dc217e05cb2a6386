package protocol

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal synchronous client over the line protocol, used by
// the reconciler to issue HASH, SCAN, and GET against a remote peer. Each
// call opens a fresh connection, matching the reconciler's "no intrinsic
// timeout beyond the OS default" design choice.
type Client struct {
	addr string
}

// Dial returns a Client bound to addr ("host:port"); it does not connect
// eagerly — each RPC opens and closes its own connection.
func Dial(addr string) (*Client, error) {
	return &Client{addr: addr}, nil
}

func (c *Client) roundTrip(line string) (string, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("protocol: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("protocol: write to %s: %w", c.addr, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("protocol: read from %s: %w", c.addr, err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// Hash issues HASH [prefix] and returns the 64-character hex root.
func (c *Client) Hash(prefix string) (string, error) {
	reply, err := c.roundTrip("HASH " + prefix)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(reply)
	if len(fields) < 2 || fields[0] != "HASH" {
		return "", fmt.Errorf("protocol: unexpected HASH reply %q", reply)
	}
	return fields[len(fields)-1], nil
}

// Scan issues SCAN [prefix] over a persistent connection (the reply spans
// multiple lines) and returns the peer's key set under prefix.
func (c *Client) Scan(prefix string) ([]string, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "SCAN %s\n", prefix); err != nil {
		return nil, fmt.Errorf("protocol: write to %s: %w", c.addr, err)
	}

	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("protocol: read from %s: %w", c.addr, err)
	}
	header = strings.TrimRight(header, "\r\n")
	fields := strings.Fields(header)
	if len(fields) != 2 || fields[0] != "KEYS" {
		return nil, fmt.Errorf("protocol: unexpected SCAN reply %q", header)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("protocol: bad SCAN count %q: %w", fields[1], err)
	}

	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("protocol: reading key %d/%d: %w", i+1, n, err)
		}
		keys = append(keys, strings.TrimRight(line, "\r\n"))
	}
	return keys, nil
}

// Get issues GET <key> and reports whether the key exists on the peer.
func (c *Client) Get(key string) ([]byte, bool, error) {
	reply, err := c.roundTrip("GET " + key)
	if err != nil {
		return nil, false, err
	}
	if reply == "NOT_FOUND" {
		return nil, false, nil
	}
	if !strings.HasPrefix(reply, "VALUE ") {
		return nil, false, fmt.Errorf("protocol: unexpected GET reply %q", reply)
	}
	return []byte(strings.TrimPrefix(reply, "VALUE ")), true, nil
}

// dialTimeout is not read by Client: every RPC dials with net.Dial and the
// OS default connect timeout.
var dialTimeout = 5 * time.Second
