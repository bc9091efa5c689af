package resolver

import (
	"context"
	"sync"

	"github.com/buildnet-cache/ephemeral/chash"
)

// Fake is an in-memory Resolver + ClusterState used by the package's own
// tests and by ephemeral's scenario tests ("observable by
// mocking the resolver"). It is not used by production code.
type Fake struct {
	mu      sync.Mutex
	primary chash.MachineID
	records map[chash.MachineID]Record
	results map[chash.ContentHash][]Result
}

// NewFake constructs a Fake whose PrimaryMachineID is primary.
func NewFake(primary chash.MachineID) *Fake {
	return &Fake{
		primary: primary,
		records: make(map[chash.MachineID]Record),
		results: make(map[chash.ContentHash][]Result),
	}
}

// AddMachine registers a cluster-state record for id.
func (f *Fake) AddMachine(id chash.MachineID, loc chash.MachineLocation, inactive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = Record{ID: id, Location: loc, Inactive: inactive}
}

// SetLocations overwrites the resolver answer for hash: each machine in
// holders is recorded as an "announced" operation.
func (f *Fake) SetLocations(hash chash.ContentHash, size int64, holders ...chash.MachineID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]Operation, len(holders))
	for i, id := range holders {
		ops[i] = Operation{MachineID: id, Kind: "announced"}
	}
	f.results[hash] = []Result{{Hash: hash, Size: size, Operations: ops}}
}

func (f *Fake) GetLocations(_ context.Context, req Request) ([]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Result(nil), f.results[req.Hash]...), nil
}

func (f *Fake) GetSingleLocation(ctx context.Context, hash chash.ContentHash) (Result, error) {
	rs, err := f.GetLocations(ctx, Request{Hash: hash})
	if err != nil {
		return Result{}, err
	}
	if len(rs) == 0 {
		return Result{Hash: hash}, nil
	}
	return rs[0], nil
}

func (f *Fake) PrimaryMachineID() chash.MachineID { return f.primary }

func (f *Fake) RecordByMachineID(id chash.MachineID) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

func (f *Fake) IsInactive(id chash.MachineID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return ok && r.Inactive
}
