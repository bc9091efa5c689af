// Package flight implements a single-flight gate: a keyed mutex with
// wait-free signalling so callers can tell whether they raced another
// holder and must re-check shared state.
package flight

import (
	"context"
	"sync"

	"github.com/OneOfOne/xxhash"
)

const shardCount = 64

// Gate is a sharded, keyed mutual-exclusion primitive. The zero value is
// not usable; construct with New. Safe for concurrent use.
type Gate struct {
	shards [shardCount]*shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*keyState
}

type keyState struct {
	sem   chan struct{} // buffered(1); token present means free
	count int32         // holders+waiters referencing this key, guarded by shard.mu
}

func newKeyState() *keyState {
	ks := &keyState{sem: make(chan struct{}, 1)}
	ks.sem <- struct{}{}
	return ks
}

// Handle represents one acquired critical section for a key.
type Handle struct {
	gate *Gate
	key  string
	ks   *keyState
	// WaitFree is true iff this acquisition did not have to wait for
	// another holder to release the key.
	WaitFree bool
	released bool
}

// New constructs a ready-to-use Gate.
func New() *Gate {
	g := &Gate{}
	for i := range g.shards {
		g.shards[i] = &shard{m: make(map[string]*keyState)}
	}
	return g
}

func (g *Gate) shardFor(key string) *shard {
	h := xxhash.ChecksumString64(key)
	return g.shards[h%uint64(shardCount)]
}

// Acquire blocks until key is free or ctx is cancelled. On cancellation it
// returns ctx.Err() and no Handle.
func (g *Gate) Acquire(ctx context.Context, key string) (*Handle, error) {
	sh := g.shardFor(key)

	sh.mu.Lock()
	ks, exists := sh.m[key]
	if !exists {
		ks = newKeyState()
		sh.m[key] = ks
	}
	ks.count++
	sh.mu.Unlock()

	waitFree := false
	select {
	case <-ks.sem:
		waitFree = true
	default:
		select {
		case <-ks.sem:
			waitFree = false
		case <-ctx.Done():
			g.dropRef(sh, key, ks)
			return nil, ctx.Err()
		}
	}

	return &Handle{gate: g, key: key, ks: ks, WaitFree: waitFree}, nil
}

// Release returns the key to the free pool. Releasing the last handle for a
// key removes the key's bookkeeping entirely. Release is idempotent.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.ks.sem <- struct{}{}
	h.gate.dropRef(h.gate.shardFor(h.key), h.key, h.ks)
}

// dropRef decrements the key's reference count and deletes the map entry
// once no holder or waiter remains.
func (g *Gate) dropRef(sh *shard, key string, ks *keyState) {
	sh.mu.Lock()
	ks.count--
	if ks.count == 0 {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
}
