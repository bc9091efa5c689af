package ephemeral

import (
	"context"
	"io"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/result"
)

// AccessMode, ReplacementMode, and Urgency are opaque pass-through hints
// the core forwards to the local/persistent stores without interpreting;
// their concrete value spaces belong to the store implementations.
type AccessMode int

type ReplacementMode int

type Urgency int

// RealizationMode selects how bytes land at the destination path. Unlike
// AccessMode/ReplacementMode/Urgency, the core inspects this one value
// ("PutFile with realization mode move is rejected").
type RealizationMode int

const (
	RealizationCopy RealizationMode = iota
	RealizationHardlink
	RealizationMove
)

// PlaceOptions bundles the place_file parameters beyond the hash and
// destination path.
type PlaceOptions struct {
	AccessMode      AccessMode
	ReplacementMode ReplacementMode
	RealizationMode RealizationMode
	Urgency         Urgency
}

// PlaceFilePutter is the place_file/put_file/put_stream surface shared by
// the local and persistent content sessions.
type PlaceFilePutter interface {
	PlaceFile(ctx context.Context, hash chash.ContentHash, path string, opts PlaceOptions) (result.PlaceFileResult, error)
	PutFile(ctx context.Context, hashType chash.HashType, path string, mode RealizationMode) (result.PutResult, error)
	PutStream(ctx context.Context, hashType chash.HashType, stream io.ReadSeeker, mode RealizationMode) (result.PutResult, error)
}

// LocalStore is the consumed local content session. It
// additionally exposes PutTrustedFile, which the datacenter path relies on
// to commit an already-hash-verified copy without re-hashing, and
// TracksElsewhere, the local half of ExistsElsewhere's combined query
// ("ask the local content tracker and the content resolver").
type LocalStore interface {
	PlaceFilePutter
	PutTrustedFile(ctx context.Context, hashInfo chash.ContentHashWithSize, tempPath string, mode RealizationMode) (result.PutResult, error)
	TracksElsewhere(hash chash.ContentHash) bool
}

// PersistentStore is the consumed persistent content session,
// additionally exposing Pin/PinBulk, which the session forwards directly
// without touching the local store ("Pin").
type PersistentStore interface {
	PlaceFilePutter
	Pin(ctx context.Context, hash chash.ContentHash) error
	PinBulk(ctx context.Context, hashes []chash.ContentHash) error
}
