package chash

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestRoundTripTrimmedAndFull(t *testing.T) {
	cases := []struct {
		name string
		h    ContentHash
	}{
		{"sha256", Sum256([]byte("hello world"))},
		{"blake2b256", SumBlake2b256([]byte("hello world"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trimmed := tc.h.Serialize()
			got, err := Parse(trimmed)
			if err != nil {
				t.Fatalf("Parse(trimmed): %v", err)
			}
			if !got.Equal(tc.h) {
				t.Fatalf("trimmed round-trip mismatch: got %v want %v", got, tc.h)
			}

			full := tc.h.SerializeFull()
			got, err = Parse(full)
			if err != nil {
				t.Fatalf("Parse(full): %v", err)
			}
			if !got.Equal(tc.h) {
				t.Fatalf("full round-trip mismatch: got %v want %v", got, tc.h)
			}
		})
	}
}

func TestVso0FullFormPadding(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 33)
	h, err := New(Vso0, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	full := h.SerializeFull()
	if len(full) != 1+MaxHashLength {
		t.Fatalf("expected full form length %d, got %d", 1+MaxHashLength, len(full))
	}
	got, err := Parse(full)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Equal(h) {
		t.Fatalf("round-trip mismatch for Vso0")
	}
}

func TestParseRejectsNonZeroPadding(t *testing.T) {
	h := Sum256([]byte("x"))
	full := h.SerializeFull()
	full[len(full)-1] = 0xFF // corrupt a padding byte beyond Sha256's 32 meaningful bytes
	if _, err := Parse(full); err == nil {
		t.Fatalf("expected error for non-zero padding, got nil")
	}
}

func TestEqualRequiresSameTag(t *testing.T) {
	a := Sum256([]byte("same bytes"))
	bRaw := a.Payload()
	b, err := New(Blake2b256, bRaw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Equal(b) {
		t.Fatalf("hashes with identical bytes but different tags must not be Equal")
	}
}

func TestLessOrdersByBytesThenTag(t *testing.T) {
	a := Sum256([]byte("a"))
	b := Sum256([]byte("b"))
	if !a.Less(b) && !b.Less(a) {
		t.Fatalf("expected distinct hashes to have a strict order")
	}
	if a.Less(a) {
		t.Fatalf("Less must be irreflexive")
	}

	// Identical payload bytes: the tag decides (Sha256 < Blake2b256).
	c, err := New(Blake2b256, a.Payload())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Less(c) || c.Less(a) {
		t.Fatalf("expected equal bytes to be ordered by tag")
	}
}

func TestShortHashIsPrefixOfPayload(t *testing.T) {
	h := Sum256([]byte("content"))
	short := h.ShortHash()
	if len(short) != ShortHashLength*2 {
		t.Fatalf("expected short hash hex length %d, got %d (%s)", ShortHashLength*2, len(short), short)
	}
	if want := hex.EncodeToString(h.Payload()[:ShortHashLength]); short != want {
		t.Fatalf("expected short hash %s to be the payload prefix %s", short, want)
	}
}

func TestNewRejectsWrongPayloadLength(t *testing.T) {
	if _, err := New(Sha256, make([]byte, 31)); err == nil {
		t.Fatalf("expected error for short payload")
	}
	if _, err := New(Unknown, make([]byte, 32)); err == nil {
		t.Fatalf("expected error for Unknown tag")
	}
}

func TestParseEmptyBuffer(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error parsing empty buffer")
	}
}
