package ephemeral

import (
	"fmt"
	"sync"
	"time"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/config"
	"github.com/buildnet-cache/ephemeral/copyengine"
	"github.com/buildnet-cache/ephemeral/copysched"
	"github.com/buildnet-cache/ephemeral/elision"
	"github.com/buildnet-cache/ephemeral/flight"
	"github.com/buildnet-cache/ephemeral/internal/workspace"
	"github.com/buildnet-cache/ephemeral/resolver"
)

// Host is the state a session borrows a handle to but does not own. One
// Host outlives every Session built on top of it ("Cyclic ownership
// between session and host" — modeled here by Session holding a plain,
// non-owning *Host and Host never referencing a Session).
type Host struct {
	cfg     *config.Config
	cluster resolver.ClusterState
	resolv  resolver.Resolver
	engine  *copyengine.Engine
	gate    *flight.Gate
	elision *elision.Cache

	mu   sync.Mutex
	reps map[chash.MachineLocation]copyengine.Reputation
}

// NewHost constructs the shared ephemeral-session state: the single-flight
// gate, the elision cache, and the copy engine (wired with sched and copier
// and this Host itself as the copy engine's HostCallbacks — "the core
// calls it as a fire-and-forget notification"). A best-effort janitor
// sweep of cfg.Workspace runs once at construction.
func NewHost(cfg *config.Config, cluster resolver.ClusterState, resolv resolver.Resolver, sched *copysched.Scheduler, copier copyengine.RemoteCopier) (*Host, error) {
	el, err := elision.New()
	if err != nil {
		return nil, fmt.Errorf("ephemeral: constructing elision cache: %w", err)
	}
	h := &Host{
		cfg:     cfg,
		cluster: cluster,
		resolv:  resolv,
		gate:    flight.New(),
		elision: el,
		reps:    make(map[chash.MachineLocation]copyengine.Reputation),
	}
	h.engine = copyengine.New(cfg, sched, copier, h)

	if cfg.Workspace != "" {
		workspace.Sweep(cfg.Workspace, 24*time.Hour)
	}
	return h, nil
}

// ReportReputation implements copyengine.HostCallbacks: records the latest
// signal per peer for diagnostics and for a future reputation-aware routing
// layer outside this core's scope ("Reputation reporting").
func (h *Host) ReportReputation(loc chash.MachineLocation, rep copyengine.Reputation) {
	h.mu.Lock()
	h.reps[loc] = rep
	h.mu.Unlock()
}

// ReputationOf returns the last reputation reported for loc, or RepGood (no
// signal yet) if none.
func (h *Host) ReputationOf(loc chash.MachineLocation) copyengine.Reputation {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.reps[loc]; ok {
		return r
	}
	return copyengine.RepGood
}

// ReportCopyResult implements copyengine.HostCallbacks: it formats and
// returns a one-line diagnostic for one copy attempt. The engine calls it
// after every attempt and logs the returned text for failed ones; this
// method logs nothing itself.
func (h *Host) ReportCopyResult(info string, res copyengine.CopyFileResult) string {
	diag := fmt.Sprintf("%s: code=%s size=%d", info, res.Code, res.Size)
	if res.Err != nil {
		diag += ": " + res.Err.Error()
	}
	return diag
}

// WorkingFolder implements copyengine.HostCallbacks.
func (h *Host) WorkingFolder() string { return h.cfg.Workspace }

// dummyHostAdapter is the "Dummy" host adapter: a minimal
// copyengine.HostCallbacks that only carries the working-folder path, for
// callers that construct a copyengine.Engine directly without a full Host
// (e.g. unit tests exercising the engine in isolation).
type dummyHostAdapter struct{ workingFolder string }

// NewDummyHostAdapter builds a no-op HostCallbacks.
func NewDummyHostAdapter(workingFolder string) copyengine.HostCallbacks {
	return dummyHostAdapter{workingFolder: workingFolder}
}

func (dummyHostAdapter) ReportReputation(chash.MachineLocation, copyengine.Reputation) {}

func (dummyHostAdapter) ReportCopyResult(_ string, res copyengine.CopyFileResult) string {
	return res.Code.String()
}

func (d dummyHostAdapter) WorkingFolder() string { return d.workingFolder }
