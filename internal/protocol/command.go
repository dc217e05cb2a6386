// Package protocol implements the single-line text command grammar spoken
// by both clients and peers over TCP, and a client for the subset of
// commands (HASH, SCAN, GET) the anti-entropy reconciler issues against a
// remote peer.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb names one recognized command.
type Verb string

const (
	Get        Verb = "GET"
	Set        Verb = "SET"
	Delete     Verb = "DELETE"
	Scan       Verb = "SCAN"
	Inc        Verb = "INC"
	Dec        Verb = "DEC"
	Append     Verb = "APPEND"
	Prepend    Verb = "PREPEND"
	Mget       Verb = "MGET"
	Mset       Verb = "MSET"
	Exists     Verb = "EXISTS"
	Dbsize     Verb = "DBSIZE"
	Truncate   Verb = "TRUNCATE"
	Stats      Verb = "STATS"
	Info       Verb = "INFO"
	Ping       Verb = "PING"
	Echo       Verb = "ECHO"
	Version    Verb = "VERSION"
	Memory     Verb = "MEMORY"
	ClientList Verb = "CLIENT LIST"
	Hash       Verb = "HASH"
	Sync       Verb = "SYNC"
	Shutdown   Verb = "SHUTDOWN"
)

// aliases maps verb spellings accepted on input to their canonical Verb.
var aliases = map[string]Verb{
	"GET": Get, "SET": Set, "DEL": Delete, "DELETE": Delete, "SCAN": Scan,
	"INC": Inc, "DEC": Dec, "APPEND": Append, "PREPEND": Prepend,
	"MGET": Mget, "MSET": Mset, "EXISTS": Exists, "DBSIZE": Dbsize,
	"TRUNCATE": Truncate, "FLUSHDB": Truncate, "STATS": Stats, "INFO": Info,
	"PING": Ping, "ECHO": Echo, "VERSION": Version, "MEMORY": Memory,
	"HASH": Hash, "SYNC": Sync, "SHUTDOWN": Shutdown,
}

// Command is the parsed form of one protocol line.
type Command struct {
	Verb  Verb
	Key   string   // GET, DELETE, INC, DEC, APPEND, PREPEND, SCAN prefix, HASH prefix
	Value string   // SET, APPEND, PREPEND, PING/ECHO message
	Keys  []string // MGET, EXISTS
	Pairs []KV     // MSET
	Amount *int64  // INC/DEC optional amount
	Host   string  // SYNC
	Port   int     // SYNC
	Full   bool    // SYNC --full
	Verify bool    // SYNC --verify
}

// KV is one key/value pair parsed from MSET.
type KV struct {
	Key   string
	Value string
}

// Parse splits one protocol line into a Command. The verb is matched
// case-insensitively; "CLIENT LIST" is the sole two-word verb.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, fmt.Errorf("empty command")
	}

	upper := strings.ToUpper(strings.TrimSpace(line))
	if upper == "CLIENT LIST" || strings.HasPrefix(upper, "CLIENT LIST ") {
		return Command{Verb: ClientList}, nil
	}

	fields := strings.SplitN(line, " ", 2)
	verbToken := strings.ToUpper(fields[0])
	verb, ok := aliases[verbToken]
	if !ok {
		return Command{}, fmt.Errorf("unknown command: %s", fields[0])
	}

	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}

	switch verb {
	case Get, Delete, Dbsize, Truncate, Stats, Info, Version, Memory, Shutdown:
		return parseFixedArity(verb, rest)
	case Scan, Hash:
		key := strings.TrimSpace(rest)
		if hasForbiddenKeyChar(key) {
			return Command{}, fmt.Errorf("%s: forbidden character in key", verb)
		}
		return Command{Verb: verb, Key: key}, nil
	case Set:
		return parseSet(rest)
	case Inc, Dec:
		return parseIncDec(verb, rest)
	case Append, Prepend:
		return parseAppendPrepend(verb, rest)
	case Mget, Exists:
		return parseKeyList(verb, rest)
	case Mset:
		return parseMset(rest)
	case Ping, Echo:
		return Command{Verb: verb, Value: strings.TrimSpace(rest)}, nil
	case Sync:
		return parseSync(rest)
	default:
		return Command{}, fmt.Errorf("unknown command: %s", fields[0])
	}
}

// forbiddenKeyChars are disallowed anywhere in a key: tab and newline are
// reserved for protocol framing and argument separation.
const forbiddenKeyChars = "\t\n\r"

// forbiddenValueChars are disallowed in a value: unlike tab, which a value
// may legitimately contain, a literal newline would desynchronize line
// framing for the rest of the connection.
const forbiddenValueChars = "\n\r"

func hasForbiddenKeyChar(s string) bool {
	return strings.ContainsAny(s, forbiddenKeyChars)
}

func hasForbiddenValueChar(s string) bool {
	return strings.ContainsAny(s, forbiddenValueChars)
}

func parseFixedArity(verb Verb, rest string) (Command, error) {
	needsKey := verb == Get || verb == Delete
	rest = strings.TrimSpace(rest)
	if needsKey {
		if rest == "" {
			return Command{}, fmt.Errorf("%s requires a key", verb)
		}
		if strings.Contains(rest, " ") {
			return Command{}, fmt.Errorf("%s takes exactly one argument", verb)
		}
		if hasForbiddenKeyChar(rest) {
			return Command{}, fmt.Errorf("%s: forbidden character in key", verb)
		}
		return Command{Verb: verb, Key: rest}, nil
	}
	if rest != "" {
		return Command{}, fmt.Errorf("%s takes no arguments", verb)
	}
	return Command{Verb: verb}, nil
}

func parseSet(rest string) (Command, error) {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) < 2 || parts[0] == "" {
		return Command{}, fmt.Errorf("SET requires a key and value")
	}
	if hasForbiddenKeyChar(parts[0]) {
		return Command{}, fmt.Errorf("SET: forbidden character in key")
	}
	if hasForbiddenValueChar(parts[1]) {
		return Command{}, fmt.Errorf("SET: forbidden character in value")
	}
	return Command{Verb: Set, Key: parts[0], Value: parts[1]}, nil
}

func parseIncDec(verb Verb, rest string) (Command, error) {
	fields := strings.Fields(rest)
	if len(fields) < 1 {
		return Command{}, fmt.Errorf("%s requires a key", verb)
	}
	if hasForbiddenKeyChar(fields[0]) {
		return Command{}, fmt.Errorf("%s: forbidden character in key", verb)
	}
	cmd := Command{Verb: verb, Key: fields[0]}
	if len(fields) == 2 {
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%s amount must be an integer: %w", verb, err)
		}
		cmd.Amount = &n
	} else if len(fields) > 2 {
		return Command{}, fmt.Errorf("%s takes at most a key and an amount", verb)
	}
	return cmd, nil
}

func parseAppendPrepend(verb Verb, rest string) (Command, error) {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) < 2 || parts[0] == "" {
		return Command{}, fmt.Errorf("%s requires a key and value", verb)
	}
	if hasForbiddenKeyChar(parts[0]) {
		return Command{}, fmt.Errorf("%s: forbidden character in key", verb)
	}
	if hasForbiddenValueChar(parts[1]) {
		return Command{}, fmt.Errorf("%s: forbidden character in value", verb)
	}
	return Command{Verb: verb, Key: parts[0], Value: parts[1]}, nil
}

func parseKeyList(verb Verb, rest string) (Command, error) {
	keys := strings.Fields(rest)
	if len(keys) < 1 {
		return Command{}, fmt.Errorf("%s requires at least one key", verb)
	}
	for _, k := range keys {
		if hasForbiddenKeyChar(k) {
			return Command{}, fmt.Errorf("%s: forbidden character in key", verb)
		}
	}
	return Command{Verb: verb, Keys: keys}, nil
}

func parseMset(rest string) (Command, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 || len(fields)%2 != 0 {
		return Command{}, fmt.Errorf("MSET requires an even number of key/value arguments")
	}
	pairs := make([]KV, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if hasForbiddenKeyChar(fields[i]) {
			return Command{}, fmt.Errorf("MSET: forbidden character in key")
		}
		pairs = append(pairs, KV{Key: fields[i], Value: fields[i+1]})
	}
	return Command{Verb: Mset, Pairs: pairs}, nil
}

func parseSync(rest string) (Command, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return Command{}, fmt.Errorf("SYNC requires a host and port")
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("SYNC port must be an integer: %w", err)
	}
	cmd := Command{Verb: Sync, Host: fields[0], Port: port}
	for _, flag := range fields[2:] {
		switch flag {
		case "--full":
			cmd.Full = true
		case "--verify":
			cmd.Verify = true
		default:
			return Command{}, fmt.Errorf("SYNC: unrecognized flag %q", flag)
		}
	}
	return cmd, nil
}
