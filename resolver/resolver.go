// Package resolver defines the consumed content-resolver and cluster-state
// interfaces: the datacenter path of ephemeral.Session asks these for
// candidate peer locations and the liveness of each. Both are external
// collaborators — only their contracts live here.
package resolver

import (
	"context"

	"github.com/buildnet-cache/ephemeral/chash"
)

// Request is one content-location query ("get_locations(request)").
type Request struct {
	Hash chash.ContentHash
	// Recursive mirrors the single-hash vs. recursive query distinction;
	// the datacenter path always issues a single, non-recursive request
	// per hash.
	Recursive bool
}

// Operation is one entry of a Result's event log — an observation the
// resolver recorded about a hash at some machine (e.g. "announced",
// "evicted"). The core reads only MachineID, through Result.Existing; it
// never interprets Kind.
type Operation struct {
	MachineID chash.MachineID
	Kind      string
}

// Result is one resolver answer for a hash.
type Result struct {
	Hash       chash.ContentHash
	Size       int64
	Operations []Operation
}

// Existing derives the set of machine IDs this result claims currently hold
// the hash, from its Operations event log. It collects every MachineID
// named by any Operation regardless of Kind: an "evicted" entry still
// counts as holding the hash, the same as an "announced" one. Callers
// that need add/remove semantics (a later "evicted" retracting an earlier
// "announced" for the same machine) must interpret Kind themselves.
func (r Result) Existing() map[chash.MachineID]bool {
	out := make(map[chash.MachineID]bool, len(r.Operations))
	for _, op := range r.Operations {
		out[op.MachineID] = true
	}
	return out
}

// Resolver is the consumed content-location index.
type Resolver interface {
	GetLocations(ctx context.Context, req Request) ([]Result, error)
	GetSingleLocation(ctx context.Context, hash chash.ContentHash) (Result, error)
}

// Record is what the cluster-state service knows about one machine.
type Record struct {
	ID       chash.MachineID
	Location chash.MachineLocation
	Inactive bool
}

// ClusterState is the consumed cluster-membership service. Membership,
// leader election, and liveness detection are owned elsewhere; this core
// only reads through this interface.
type ClusterState interface {
	PrimaryMachineID() chash.MachineID
	RecordByMachineID(id chash.MachineID) (Record, bool)
	IsInactive(id chash.MachineID) bool
}
