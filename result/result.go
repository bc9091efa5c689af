// Package result holds the small, shared success/failure record types
// that both the copy engine and the ephemeral session need, kept in
// their own package to avoid an import cycle between the two.
package result

import (
	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/errkind"
)

// SourceTag records which tier ultimately satisfied a request.
type SourceTag int

const (
	SourceUnknown SourceTag = iota
	SourceLocalCache
	SourceDatacenterCache
	SourceBackingStore
)

func (s SourceTag) String() string {
	switch s {
	case SourceLocalCache:
		return "LocalCache"
	case SourceDatacenterCache:
		return "DatacenterCache"
	case SourceBackingStore:
		return "BackingStore"
	default:
		return "Unknown"
	}
}

// PutResult is the tagged success/failure record returned by put-shaped
// operations (PutFile, PutStream, and the copy engine's handleCopy
// continuation).
type PutResult struct {
	Hash          chash.ContentHash
	Size          int64
	Source        SourceTag
	AlreadyExists bool
	Err           *errkind.CoreError
}

// Ok reports whether the put succeeded.
func (r PutResult) Ok() bool { return r.Err == nil }

// PlaceFileResult is the tagged success/failure record returned by
// PlaceFile/OpenStream.
type PlaceFileResult struct {
	Hash          chash.ContentHash
	Size          int64
	Source        SourceTag
	AlreadyExists bool
	Path          string
	Err           *errkind.CoreError
}

// Ok reports whether the place succeeded.
func (r PlaceFileResult) Ok() bool { return r.Err == nil }
