package chash

// MachineID is an opaque identifier for a peer machine. The cluster-state
// service (an external collaborator) maps MachineID -> MachineLocation.
type MachineID string

// MachineLocation is an opaque, comparable peer address. Its concrete shape
// (host:port, region/rack hints, etc.) is owned by the cluster-state
// service; the core only transports and compares it.
type MachineLocation string

// LocationOrigin tags where a ContentHashWithSizeAndLocations came from.
type LocationOrigin int

const (
	OriginUnknown LocationOrigin = iota
	OriginLocal
	OriginDatacenter
	OriginBackingStore
)

// ContentHashWithSize pairs a hash with an optional byte length. Size == -1
// means "unknown, verify after copy".
type ContentHashWithSize struct {
	Hash ContentHash
	Size int64
}

// SizeUnknown is the documented sentinel for ContentHashWithSize.Size.
const SizeUnknown int64 = -1

// UseTrustedHash reports whether size crosses the trusted-hash streaming
// boundary: size >= boundary. A boundary of -1 (the default) means every
// non-negative size clears it, so trusted-hash streaming is on
// unconditionally.
func UseTrustedHash(size, boundary int64) bool {
	return size >= boundary
}

// ContentHashWithSizeAndLocations extends ContentHashWithSize with the
// ordered candidate peer list and filtering metadata. Candidate order is
// the search order.
type ContentHashWithSizeAndLocations struct {
	ContentHashWithSize
	// Locations is the ordered list of candidate peers to try, in search order.
	Locations []MachineLocation
	// FilteredOutLocations holds known-inactive peers, kept as a hint for
	// diagnostics/reputation, never retried within the same resolution.
	FilteredOutLocations []MachineLocation
	Origin               LocationOrigin
}
