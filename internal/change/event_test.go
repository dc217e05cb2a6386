package change

import (
	"reflect"
	"testing"
)

func TestRoundTripEachEncoding(t *testing.T) {
	ttl := uint64(30)
	prev := [32]byte{1, 2, 3}
	e := Event{
		V:    SchemaVersion,
		Op:   OpSet,
		Key:  "greeting",
		Val:  []byte("hello"),
		TS:   123456789,
		Src:  "node-a",
		OpID: [16]byte{0xde, 0xad, 0xbe, 0xef},
		Prev: &prev,
		TTL:  &ttl,
	}

	for _, enc := range []Encoding{EncodingCBOR, EncodingCompact, EncodingJSON} {
		encoded, err := Encode(e, enc)
		if err != nil {
			t.Fatalf("encode %d failed: %v", enc, err)
		}
		got, err := DecodeAny(encoded)
		if err != nil {
			t.Fatalf("decode %d failed: %v", enc, err)
		}
		if !reflect.DeepEqual(got, e) {
			t.Errorf("round trip mismatch for encoding %d: got %+v, want %+v", enc, got, e)
		}
	}
}

func TestDecodeAnyRejectsGarbage(t *testing.T) {
	_, err := DecodeAny([]byte("not an event in any supported encoding"))
	if err == nil {
		t.Error("expected an error decoding garbage payload")
	}
}

func TestNewGeneratesUniqueOpID(t *testing.T) {
	a := New(OpSet, "k", []byte("v"), "node-a")
	b := New(OpSet, "k", []byte("v"), "node-a")
	if a.OpIDString() == b.OpIDString() {
		t.Error("expected distinct op ids across separate New calls")
	}
}

func TestDeleteHasNoValue(t *testing.T) {
	e := New(OpDel, "k", nil, "node-a")
	if e.Val != nil {
		t.Errorf("expected nil Val for delete, got %v", e.Val)
	}

	encoded, err := Encode(e, EncodingCompact)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeAny(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Val != nil {
		t.Errorf("expected nil Val after round trip, got %v", got.Val)
	}
}
