package copyengine

import (
	"context"
	"io"
	"time"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/result"
)

// Reputation is the per-peer good/bad/missing/timeout signal the engine
// reports to HostCallbacks.ReportReputation after each attempt. The engine
// itself does not use it to order or filter candidates.
type Reputation int

const (
	RepGood Reputation = iota
	RepBad
	RepMissing
	RepTimeout
)

func (r Reputation) String() string {
	switch r {
	case RepGood:
		return "good"
	case RepBad:
		return "bad"
	case RepMissing:
		return "missing"
	case RepTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CopyCode is the outcome union reported by the remote file copier, used to
// classify each attempt into a Reputation and a retry/fatal bucket.
type CopyCode int

const (
	CopySuccess CopyCode = iota
	CopyFileNotFoundError
	CopyServerUnavailable
	CopyUnknownServerError
	CopyRpcError
	CopyUnknown
	CopyConnectionTimeout
	CopyTimeToFirstByteTimeout
	CopyTimeoutErr
	CopyBandwidthTimeout
	CopyDestinationPathError
	CopyInvalidHash
)

func (c CopyCode) String() string {
	switch c {
	case CopySuccess:
		return "Success"
	case CopyFileNotFoundError:
		return "FileNotFoundError"
	case CopyServerUnavailable:
		return "ServerUnavailable"
	case CopyUnknownServerError:
		return "UnknownServerError"
	case CopyRpcError:
		return "RpcError"
	case CopyConnectionTimeout:
		return "ConnectionTimeout"
	case CopyTimeToFirstByteTimeout:
		return "TimeToFirstByteTimeout"
	case CopyTimeoutErr:
		return "CopyTimeout"
	case CopyBandwidthTimeout:
		return "CopyBandwidthTimeout"
	case CopyDestinationPathError:
		return "DestinationPathError"
	case CopyInvalidHash:
		return "InvalidHash"
	default:
		return "Unknown"
	}
}

// CopyFileResult is the outcome of one copy_to_async invocation.
type CopyFileResult struct {
	Code                   CopyCode
	Size                   int64
	MinimumSpeedInMbPerSec float64
	HeaderResponseTime     time.Duration
	TimeSpentHashing       time.Duration
	TimeSpentWritingToDisk time.Duration
	Err                    error
}

// CopyOptions parametrizes one copy_to_async call.
type CopyOptions struct {
	Bandwidth       BandwidthProfile
	ExpectedSize    int64 // -1 if unknown
	CompressionHint bool
}

// BandwidthProfile is the attempt-resolved subset of config.BandwidthConfig
// the remote copier needs; kept separate from config.BandwidthConfig so
// this package does not import config for its public surface.
type BandwidthProfile struct {
	MinSpeedMbPerSec    float64
	BandwidthCheckEvery time.Duration
	ConnectTimeout      time.Duration
	OverallTimeout      time.Duration
}

// RemoteCopier is the consumed wire-copy transport. Its wire protocol is
// explicitly out of scope; only this contract is consumed.
type RemoteCopier interface {
	CopyToAsync(ctx context.Context, source chash.MachineLocation, dst io.WriteCloser, opts CopyOptions) (CopyFileResult, error)
}

// HostCallbacks is the small capability interface the engine's caller
// provides ("Dummy host adapter").
type HostCallbacks interface {
	ReportReputation(loc chash.MachineLocation, rep Reputation)
	ReportCopyResult(info string, res CopyFileResult) string
	WorkingFolder() string
}

// HandleCopyFunc commits a completed, byte-accurate copy into the caller's
// local store. It may be invoked multiple times across one CopyRequest (the
// engine retries on hash mismatch) and must be free of side effects on
// failure paths other than best-effort writes to the local store.
//
// verified reports whether the engine already confirmed, by streaming
// hash, that the bytes at tempPath hash to the request's expected hash
// (true whenever a trusted-hash algorithm is wired for this hash type).
// When verified is false the implementation must not commit the bytes
// under the expected hash without re-hashing them itself — the engine's
// own acceptance check afterward only compares the hash the
// implementation reports, so an implementation that echoes back the
// expected hash unconditionally defeats that check.
type HandleCopyFunc func(ctx context.Context, copyResult CopyFileResult, tempPath string, attemptCount int, verified bool) (result.PutResult, error)

// CopyRequest is the input to TryCopyAndPut.
type CopyRequest struct {
	TargetHost      chash.MachineLocation
	HashInfo        chash.ContentHashWithSizeAndLocations
	Reason          string
	HandleCopy      HandleCopyFunc
	CompressionHint bool
	InRingMachines  []chash.MachineLocation
	WorkingFolder   string
}

// candidate is one entry of the ordered walk list built by
// GetAllLocationCandidates.
type candidate struct {
	Location chash.MachineLocation
	// FromRing is true when this candidate came from InRingMachines rather
	// than HashInfo.Locations. It is visible only on the slice returned by
	// GetAllLocationCandidates; it is not passed to HostCallbacks.
	FromRing bool
}

// GetAllLocationCandidates concatenates HashInfo.Locations with any
// InRingMachines not already present, preserving original order and
// appending in-ring extras at the end.
func GetAllLocationCandidates(req CopyRequest) []candidate {
	out := make([]candidate, 0, len(req.HashInfo.Locations)+len(req.InRingMachines))
	seen := make(map[chash.MachineLocation]bool, len(req.HashInfo.Locations)+len(req.InRingMachines))
	for _, l := range req.HashInfo.Locations {
		out = append(out, candidate{Location: l})
		seen[l] = true
	}
	for _, l := range req.InRingMachines {
		if seen[l] {
			continue
		}
		out = append(out, candidate{Location: l, FromRing: true})
		seen[l] = true
	}
	return out
}
