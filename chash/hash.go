// Package chash implements the content-addressable identifier contract:
// ContentHash, sized and located variants, and machine identifiers. It
// only *consumes* the hash-function contract (crypto/sha256,
// golang.org/x/crypto/blake2b) — it does not implement content hashing as
// a build-graph concern.
package chash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashType tags a ContentHash with the algorithm family that produced it.
type HashType uint8

const (
	// Unknown is never valid on a constructed ContentHash.
	Unknown HashType = iota
	Sha256
	Blake2b256
	// Vso0 is a two-part content hash: a 32-byte digest plus one
	// determinism/algorithm byte, matching the "dedup variants" family.
	Vso0
	// Dedup64K and Dedup1024K identify chunk-dedup node hashes keyed by
	// chunk size; both carry a 32-byte digest.
	Dedup64K
	Dedup1024K
)

func (t HashType) String() string {
	switch t {
	case Sha256:
		return "SHA256"
	case Blake2b256:
		return "BLAKE2B256"
	case Vso0:
		return "VSO0"
	case Dedup64K:
		return "DEDUP64K"
	case Dedup1024K:
		return "DEDUP1024K"
	default:
		return "UNKNOWN"
	}
}

// meaningfulLength is the number of significant payload bytes for a tag.
func (t HashType) meaningfulLength() int {
	switch t {
	case Sha256, Blake2b256, Dedup64K, Dedup1024K:
		return 32
	case Vso0:
		return 33
	default:
		return 0
	}
}

// Valid reports whether t is a recognized, non-Unknown tag.
func (t HashType) Valid() bool { return t.meaningfulLength() > 0 }

// MaxHashLength is the fixed maximum payload length across all tags; the
// "full" serialization form always carries this many payload bytes,
// zero-padded beyond a tag's meaningful length.
const MaxHashLength = 33

// ShortHashLength is the documented byte prefix used by String()/ShortHash
// for logging, matching the [:8] convention used throughout the aistore
// codebase for short object-hash display.
const ShortHashLength = 8

// ContentHash is a tagged, fixed-width content identifier. The zero value
// is not valid: Tag must never be Unknown.
type ContentHash struct {
	Tag   HashType
	bytes [MaxHashLength]byte
}

// New builds a ContentHash from tag and the meaningful payload bytes.
// payload must be exactly tag.meaningfulLength() bytes.
func New(tag HashType, payload []byte) (ContentHash, error) {
	if !tag.Valid() {
		return ContentHash{}, fmt.Errorf("chash: invalid hash type %d", tag)
	}
	n := tag.meaningfulLength()
	if len(payload) != n {
		return ContentHash{}, fmt.Errorf("chash: %s expects %d payload bytes, got %d", tag, n, len(payload))
	}
	var h ContentHash
	h.Tag = tag
	copy(h.bytes[:n], payload)
	return h, nil
}

// Sum256 computes a Sha256 ContentHash over data.
func Sum256(data []byte) ContentHash {
	d := sha256.Sum256(data)
	h, _ := New(Sha256, d[:])
	return h
}

// SumBlake2b256 computes a Blake2b256 ContentHash over data.
func SumBlake2b256(data []byte) ContentHash {
	d := blake2b.Sum256(data)
	h, _ := New(Blake2b256, d[:])
	return h
}

// Payload returns the meaningful bytes (no trailing padding).
func (h ContentHash) Payload() []byte {
	n := h.Tag.meaningfulLength()
	return h.bytes[:n]
}

// Equal reports hash equality: same tag, same meaningful bytes.
func (h ContentHash) Equal(o ContentHash) bool {
	return h.Tag == o.Tag && bytes.Equal(h.Payload(), o.Payload())
}

// Less implements the documented total order: lexicographic over bytes,
// then tag.
func (h ContentHash) Less(o ContentHash) bool {
	if c := bytes.Compare(h.Payload(), o.Payload()); c != 0 {
		return c < 0
	}
	return h.Tag < o.Tag
}

// ShortHash truncates the payload to the documented prefix for logging.
func (h ContentHash) ShortHash() string {
	p := h.Payload()
	n := ShortHashLength
	if n > len(p) {
		n = len(p)
	}
	return hex.EncodeToString(p[:n])
}

func (h ContentHash) String() string {
	return fmt.Sprintf("%s:%s", h.Tag, h.ShortHash())
}

// Serialize writes the bit-stable trimmed form: one tag byte followed by
// exactly meaningfulLength(tag) payload bytes.
func (h ContentHash) Serialize() []byte {
	n := h.Tag.meaningfulLength()
	out := make([]byte, 1+n)
	out[0] = byte(h.Tag)
	copy(out[1:], h.bytes[:n])
	return out
}

// SerializeFull writes the bit-stable full form: one tag byte followed by
// MaxHashLength payload bytes, zero-padded beyond the tag's meaningful
// length.
func (h ContentHash) SerializeFull() []byte {
	out := make([]byte, 1+MaxHashLength)
	out[0] = byte(h.Tag)
	copy(out[1:], h.bytes[:])
	return out
}

// Parse reconstructs a ContentHash from either the trimmed or the full
// serialization form, detected by buffer length against the tag's
// meaningful length.
func Parse(b []byte) (ContentHash, error) {
	if len(b) < 1 {
		return ContentHash{}, fmt.Errorf("chash: empty buffer")
	}
	tag := HashType(b[0])
	if !tag.Valid() {
		return ContentHash{}, fmt.Errorf("chash: invalid hash type %d", tag)
	}
	n := tag.meaningfulLength()
	rest := b[1:]
	switch {
	case len(rest) == n:
		return New(tag, rest)
	case len(rest) == MaxHashLength:
		for _, pad := range rest[n:] {
			if pad != 0 {
				return ContentHash{}, fmt.Errorf("chash: non-zero padding in full form for %s", tag)
			}
		}
		return New(tag, rest[:n])
	default:
		return ContentHash{}, fmt.Errorf("chash: %s expects %d (trimmed) or %d (full) payload bytes, got %d", tag, n, MaxHashLength, len(rest))
	}
}
