// Package change defines the canonical replication record propagated
// between nodes and its three wire encodings.
package change

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// SchemaVersion is the current change-event schema version.
const SchemaVersion uint16 = 1

// OpKind is the mutation kind carried by a change event.
type OpKind string

const (
	OpSet     OpKind = "set"
	OpDel     OpKind = "del"
	OpIncr    OpKind = "incr"
	OpDecr    OpKind = "decr"
	OpAppend  OpKind = "append"
	OpPrepend OpKind = "prepend"
)

// Event is the canonical record of one accepted mutation. Val carries the
// post-image (the value after the operation); it is absent for Del.
type Event struct {
	V     uint16  `json:"v" cbor:"v"`
	Op    OpKind  `json:"op" cbor:"op"`
	Key   string  `json:"key" cbor:"key"`
	Val   []byte  `json:"val,omitempty" cbor:"val,omitempty"`
	TS    uint64  `json:"ts" cbor:"ts"`
	Src   string  `json:"src" cbor:"src"`
	OpID  [16]byte `json:"op_id" cbor:"op_id"`
	Prev  *[32]byte `json:"prev,omitempty" cbor:"prev,omitempty"`
	TTL   *uint64 `json:"ttl,omitempty" cbor:"ttl,omitempty"`
}

// New builds an event with a fresh random op_id and the current wall clock
// as ts. Callers supply val as nil for Del.
func New(op OpKind, key string, val []byte, src string) Event {
	id := uuid.New()
	var opID [16]byte
	copy(opID[:], id[:])
	return Event{
		V:    SchemaVersion,
		Op:   op,
		Key:  key,
		Val:  val,
		TS:   uint64(time.Now().UnixNano()),
		Src:  src,
		OpID: opID,
	}
}

// OpIDString renders OpID as its canonical UUID string form, used for
// dedupe-set keys and the tie-break comparison in §4.4.
func (e Event) OpIDString() string {
	return uuid.UUID(e.OpID).String()
}

// Encoding names one of the three supported wire formats.
type Encoding int

const (
	EncodingCBOR Encoding = iota
	EncodingCompact
	EncodingJSON
)

// Encode serializes e using the requested encoding.
func Encode(e Event, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingCBOR:
		return cbor.Marshal(e)
	case EncodingCompact:
		return encodeCompact(e)
	case EncodingJSON:
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("change: unknown encoding %d", enc)
	}
}

// DecodeAny attempts each supported encoding in turn — CBOR, then the
// compact binary layout, then JSON — and accepts the first that parses
// successfully. This mirrors the at-least-once bus contract: a subscriber
// must not assume which codec a given publisher chose.
func DecodeAny(data []byte) (Event, error) {
	if e, err := decodeCBOR(data); err == nil {
		return e, nil
	}
	if e, err := decodeCompact(data); err == nil {
		return e, nil
	}
	if e, err := decodeJSON(data); err == nil {
		return e, nil
	}
	return Event{}, fmt.Errorf("change: no decoder accepted payload of %d bytes", len(data))
}

func decodeCBOR(data []byte) (Event, error) {
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func decodeJSON(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) validate() error {
	switch e.Op {
	case OpSet, OpDel, OpIncr, OpDecr, OpAppend, OpPrepend:
	default:
		return fmt.Errorf("change: unrecognized op %q", e.Op)
	}
	if e.Key == "" {
		return fmt.Errorf("change: empty key")
	}
	return nil
}

// compact binary layout (fixed field order, length-prefixed variable
// fields): v(2) op(1) keyLen(4) key srcLen(2) src hasVal(1) [valLen(4) val]
// ts(8) opid(16) hasPrev(1) [prev(32)] hasTTL(1) [ttl(8)]
var opCodes = map[OpKind]byte{
	OpSet: 0, OpDel: 1, OpIncr: 2, OpDecr: 3, OpAppend: 4, OpPrepend: 5,
}

var opNames = map[byte]OpKind{
	0: OpSet, 1: OpDel, 2: OpIncr, 3: OpDecr, 4: OpAppend, 5: OpPrepend,
}

func encodeCompact(e Event) ([]byte, error) {
	code, ok := opCodes[e.Op]
	if !ok {
		return nil, fmt.Errorf("change: unrecognized op %q", e.Op)
	}

	buf := make([]byte, 0, 64+len(e.Key)+len(e.Src)+len(e.Val))
	var u16b [2]byte
	var u32b [4]byte
	var u64b [8]byte

	binary.BigEndian.PutUint16(u16b[:], e.V)
	buf = append(buf, u16b[:]...)
	buf = append(buf, code)

	binary.BigEndian.PutUint32(u32b[:], uint32(len(e.Key)))
	buf = append(buf, u32b[:]...)
	buf = append(buf, e.Key...)

	binary.BigEndian.PutUint16(u16b[:], uint16(len(e.Src)))
	buf = append(buf, u16b[:]...)
	buf = append(buf, e.Src...)

	if e.Val != nil {
		buf = append(buf, 1)
		binary.BigEndian.PutUint32(u32b[:], uint32(len(e.Val)))
		buf = append(buf, u32b[:]...)
		buf = append(buf, e.Val...)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint64(u64b[:], e.TS)
	buf = append(buf, u64b[:]...)
	buf = append(buf, e.OpID[:]...)

	if e.Prev != nil {
		buf = append(buf, 1)
		buf = append(buf, e.Prev[:]...)
	} else {
		buf = append(buf, 0)
	}

	if e.TTL != nil {
		buf = append(buf, 1)
		binary.BigEndian.PutUint64(u64b[:], *e.TTL)
		buf = append(buf, u64b[:]...)
	} else {
		buf = append(buf, 0)
	}

	return buf, nil
}

func decodeCompact(data []byte) (e Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("change: compact decode failed: %v", r)
		}
	}()

	pos := 0
	readU16 := func() uint16 {
		v := binary.BigEndian.Uint16(data[pos : pos+2])
		pos += 2
		return v
	}
	readU32 := func() uint32 {
		v := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		return v
	}
	readU64 := func() uint64 {
		v := binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return v
	}
	readBytes := func(n int) []byte {
		b := data[pos : pos+n]
		pos += n
		return b
	}

	e.V = readU16()
	code := readBytes(1)[0]
	op, ok := opNames[code]
	if !ok {
		return Event{}, fmt.Errorf("change: unrecognized compact op code %d", code)
	}
	e.Op = op

	keyLen := int(readU32())
	e.Key = string(readBytes(keyLen))

	srcLen := int(readU16())
	e.Src = string(readBytes(srcLen))

	hasVal := readBytes(1)[0]
	if hasVal == 1 {
		valLen := int(readU32())
		e.Val = append([]byte(nil), readBytes(valLen)...)
	}

	e.TS = readU64()
	copy(e.OpID[:], readBytes(16))

	hasPrev := readBytes(1)[0]
	if hasPrev == 1 {
		var prev [32]byte
		copy(prev[:], readBytes(32))
		e.Prev = &prev
	}

	hasTTL := readBytes(1)[0]
	if hasTTL == 1 {
		ttl := readU64()
		e.TTL = &ttl
	}

	if pos != len(data) {
		return Event{}, fmt.Errorf("change: %d trailing bytes after compact decode", len(data)-pos)
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
