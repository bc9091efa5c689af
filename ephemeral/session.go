// Package ephemeral implements the ephemeral session: three-tier
// orchestration of Pin / PlaceFile / PutFile / PutStream / OpenStream
// across a local store, the datacenter copy engine, and a persistent
// store, mediated by the single-flight gate and the elision cache.
package ephemeral

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/config"
	"github.com/buildnet-cache/ephemeral/copyengine"
	"github.com/buildnet-cache/ephemeral/errkind"
	"github.com/buildnet-cache/ephemeral/internal/debug"
	"github.com/buildnet-cache/ephemeral/internal/nlog"
	"github.com/buildnet-cache/ephemeral/internal/workspace"
	"github.com/buildnet-cache/ephemeral/result"
)

// Session wraps a local and a persistent store around a shared *Host
// ("Wraps a local and a persistent store plus the ephemeral
// host").
type Session struct {
	cfg        *config.Config
	local      LocalStore
	persistent PersistentStore
	host       *Host
	m          *metrics
}

// New constructs a Session. host must have been built with NewHost so its
// copy engine already requires local's trusted-put capability — in Go this
// is enforced structurally by the LocalStore interface rather than at
// runtime ("assert at construction otherwise" is a
// static-typing non-issue here; see DESIGN.md).
func New(cfg *config.Config, local LocalStore, persistent PersistentStore, host *Host) *Session {
	debug.Assert(local != nil, "ephemeral: local store required")
	debug.Assert(persistent != nil, "ephemeral: persistent store required")
	debug.Assert(host != nil, "ephemeral: host required")
	return &Session{cfg: cfg, local: local, persistent: persistent, host: host, m: newMetrics(nil)}
}

func gateKey(h chash.ContentHash) string {
	return hex.EncodeToString(h.Serialize())
}

func failPlace(kind errkind.Kind, h chash.ContentHash, source, diagnostic string) result.PlaceFileResult {
	return result.PlaceFileResult{Hash: h, Err: errkind.New(kind, h.ShortHash(), source, diagnostic, nil)}
}

func failPut(kind errkind.Kind, h chash.ContentHash, source, diagnostic string) result.PutResult {
	return result.PutResult{Hash: h, Err: errkind.New(kind, h.ShortHash(), source, diagnostic, nil)}
}

// Pin forwards directly to the persistent store; the local store is
// assumed too small to authoritatively pin build content.
func (s *Session) Pin(ctx context.Context, hash chash.ContentHash) error {
	return s.persistent.Pin(ctx, hash)
}

// PinBulk forwards unchanged to the persistent store.
func (s *Session) PinBulk(ctx context.Context, hashes []chash.ContentHash) error {
	return s.persistent.PinBulk(ctx, hashes)
}

// PlaceFile implements the three-tier place: local, then
// (single-flight-gated) datacenter, then persistent with a best-effort
// asynchronous local populate.
func (s *Session) PlaceFile(ctx context.Context, hash chash.ContentHash, path string, opts PlaceOptions) (result.PlaceFileResult, error) {
	if pr, err := s.local.PlaceFile(ctx, hash, path, opts); err == nil && pr.Ok() {
		s.host.elision.TryAdd(hash, pr.Size, s.cfg.PutCacheTimeToLive)
		pr.Source = result.SourceLocalCache
		s.m.recordPlace(pr.Source)
		return pr, nil
	} else if err != nil {
		nlog.Warningln("ephemeral: local PlaceFile", hash.ShortHash(), err)
	}

	handle, err := s.host.gate.Acquire(ctx, gateKey(hash))
	if err != nil {
		return failPlace(errkind.KindCancelled, hash, "", "cancelled waiting for single-flight gate"), nil
	}
	defer handle.Release()

	if !handle.WaitFree {
		// Another goroutine may have just finished populating local;
		// "Rationale" — re-check before doing real work.
		if pr, err := s.local.PlaceFile(ctx, hash, path, opts); err == nil && pr.Ok() {
			s.host.elision.TryAdd(hash, pr.Size, s.cfg.PutCacheTimeToLive)
			pr.Source = result.SourceLocalCache
			s.m.recordPlace(pr.Source)
			return pr, nil
		}
	}

	dc, err := s.placeFromDatacenter(ctx, hash, path, opts)
	if err != nil {
		return result.PlaceFileResult{}, err
	}
	if dc.Ok() {
		s.host.elision.TryAdd(hash, dc.Size, s.cfg.PutCacheTimeToLive)
		dc.Source = result.SourceDatacenterCache
		s.m.recordPlace(dc.Source)
		return dc, nil
	}

	ppr, err := s.persistent.PlaceFile(ctx, hash, path, opts)
	if err != nil {
		return failPlace(errkind.KindNotFoundAnywhere, hash, "", err.Error()), nil
	}
	if !ppr.Ok() {
		return failPlace(errkind.KindNotFoundAnywhere, hash, "", "not found in local, datacenter, or persistent store"), nil
	}

	s.host.elision.TryAdd(hash, ppr.Size, s.cfg.PutCacheTimeToLive)
	go func() {
		// Best-effort: populate local for next time. Errors ignored —
		// local population is best-effort. Uses a detached context: this
		// must outlive the caller's PlaceFile call, which is about to
		// return.
		if _, err := s.local.PutFile(context.Background(), hash.Tag, path, RealizationCopy); err != nil {
			nlog.Warningln("ephemeral: async local populate failed", hash.ShortHash(), err)
		}
	}()
	ppr.Source = result.SourceBackingStore
	s.m.recordPlace(ppr.Source)
	return ppr, nil
}

// placeFromDatacenter resolves candidate peer locations for hash and
// drives the copy engine to pull the content into the local store.
func (s *Session) placeFromDatacenter(ctx context.Context, hash chash.ContentHash, path string, opts PlaceOptions) (result.PlaceFileResult, error) {
	res, err := s.host.resolv.GetSingleLocation(ctx, hash)
	if err != nil {
		return failPlace(errkind.KindNotFoundAnywhere, hash, "", "resolver query failed: "+err.Error()), nil
	}

	primary := s.host.cluster.PrimaryMachineID()
	var active, inactiveLocs []chash.MachineLocation
	// res.Existing() does not filter by Operation.Kind, so a machine with
	// only an "evicted" event is still treated as a candidate here; a
	// stale cluster-state record (rec.Inactive) is the only thing that
	// keeps such a peer out of the active list below.
	for id := range res.Existing() {
		if id == primary {
			continue
		}
		rec, ok := s.host.cluster.RecordByMachineID(id)
		if !ok {
			nlog.Warningln("ephemeral: resolver named unknown machine", id)
			continue
		}
		if rec.Inactive {
			inactiveLocs = append(inactiveLocs, rec.Location)
			continue
		}
		active = append(active, rec.Location)
	}

	if len(active) == 0 {
		return failPlace(errkind.KindNotFoundAnywhere, hash, "", "no active datacenter peer holds this content"), nil
	}

	req := copyengine.CopyRequest{
		HashInfo: chash.ContentHashWithSizeAndLocations{
			ContentHashWithSize:  chash.ContentHashWithSize{Hash: hash, Size: res.Size},
			Locations:            active,
			FilteredOutLocations: inactiveLocs,
			Origin:               chash.OriginDatacenter,
		},
		Reason:        "place:" + hash.ShortHash(),
		WorkingFolder: s.host.WorkingFolder(),
		HandleCopy: func(ctx context.Context, cfr copyengine.CopyFileResult, tempPath string, _ int, verified bool) (result.PutResult, error) {
			if verified {
				return s.local.PutTrustedFile(ctx, chash.ContentHashWithSize{Hash: hash, Size: cfr.Size}, tempPath, opts.RealizationMode)
			}
			// No trusted-hash algorithm is wired for this hash type, so the
			// engine could not verify the stream in flight. Let the local
			// store compute the real hash from tempPath's bytes instead of
			// committing them under the expected hash unconditionally; the
			// engine's post-commit check below catches any mismatch and
			// retries another candidate.
			return s.local.PutFile(ctx, hash.Tag, tempPath, opts.RealizationMode)
		},
	}

	pr := s.host.engine.TryCopyAndPut(ctx, req)
	if !pr.Ok() {
		return result.PlaceFileResult{Hash: hash, Err: pr.Err}, nil
	}

	final, err := s.local.PlaceFile(ctx, hash, path, opts)
	if err != nil {
		return failPlace(errkind.KindNotFoundAnywhere, hash, "", "local realization after datacenter copy failed: "+err.Error()), nil
	}
	if !final.Ok() {
		return final, nil
	}
	final.Source = result.SourceDatacenterCache
	return final, nil
}

// ExistsElsewhere combines the local content tracker and the content
// resolver ("ExistsElsewhere"): true if either claims a live
// peer distinct from the primary machine holds hash. The predicate
// deliberately races with event propagation
func (s *Session) ExistsElsewhere(ctx context.Context, hash chash.ContentHash) bool {
	if s.local.TracksElsewhere(hash) {
		return true
	}
	res, err := s.host.resolv.GetSingleLocation(ctx, hash)
	if err != nil {
		nlog.Warningln("ephemeral: ExistsElsewhere resolver query failed", hash.ShortHash(), err)
		return false
	}
	primary := s.host.cluster.PrimaryMachineID()
	for id := range res.Existing() {
		if id == primary || s.host.cluster.IsInactive(id) {
			continue
		}
		return true
	}
	return false
}

// PutFile always goes local first ("PutFile / PutStream").
func (s *Session) PutFile(ctx context.Context, hashType chash.HashType, path string, mode RealizationMode) (result.PutResult, error) {
	pr, err := s.local.PutFile(ctx, hashType, path, mode)
	if err != nil {
		return result.PutResult{}, err
	}
	return s.finishPut(ctx, pr, func(ctx context.Context) (result.PutResult, error) {
		return s.persistent.PutFile(ctx, pr.Hash.Tag, path, mode)
	}, mode)
}

// PutStream requires a seekable stream: the local put may consume it, so
// PutStream restores the original position before handing the stream to
// the persistent store.
func (s *Session) PutStream(ctx context.Context, hashType chash.HashType, stream io.ReadSeeker, mode RealizationMode) (result.PutResult, error) {
	pos, serr := stream.Seek(0, io.SeekCurrent)
	if serr != nil {
		return failPut(errkind.KindPutRejected, chash.ContentHash{}, "", "input stream is not seekable"), nil
	}

	pr, err := s.local.PutStream(ctx, hashType, stream, mode)
	if err != nil {
		return result.PutResult{}, err
	}
	return s.finishPut(ctx, pr, func(ctx context.Context) (result.PutResult, error) {
		if _, serr := stream.Seek(pos, io.SeekStart); serr != nil {
			return result.PutResult{}, serr
		}
		return s.persistent.PutStream(ctx, pr.Hash.Tag, stream, mode)
	}, mode)
}

// finishPut implements the common elision-check, gate, and best-effort
// persistent-upload steps shared by PutFile and PutStream once the local
// put has produced pr.
func (s *Session) finishPut(ctx context.Context, pr result.PutResult, uploadToPersistent func(context.Context) (result.PutResult, error), mode RealizationMode) (result.PutResult, error) {
	if !pr.Ok() {
		return pr, nil
	}
	if pr.AlreadyExists {
		return pr, nil
	}

	if _, ok := s.host.elision.TryGet(pr.Hash); ok {
		pr.AlreadyExists = true
		pr.Source = result.SourceLocalCache
		return pr, nil
	}

	if mode == RealizationMove {
		// PutFile with realization mode move is rejected from reaching the
		// persistent store by a move. The local put already consumed the
		// source bytes; record elision so a concurrent duplicate put still
		// short-circuits, but never upload.
		s.host.elision.TryAdd(pr.Hash, pr.Size, s.cfg.PutCacheTimeToLive)
		return pr, nil
	}

	handle, err := s.host.gate.Acquire(ctx, gateKey(pr.Hash))
	if err != nil {
		return failPut(errkind.KindCancelled, pr.Hash, "", "cancelled waiting for single-flight gate"), nil
	}
	defer handle.Release()

	if !handle.WaitFree {
		if _, ok := s.host.elision.TryGet(pr.Hash); ok {
			pr.AlreadyExists = true
			pr.Source = result.SourceLocalCache
			return pr, nil
		}
	}

	if s.ExistsElsewhere(ctx, pr.Hash) {
		s.host.elision.TryAdd(pr.Hash, pr.Size, s.cfg.PutCacheTimeToLive)
		pr.AlreadyExists = true
		return pr, nil
	}

	ppr, err := uploadToPersistent(ctx)
	if err != nil {
		return failPut(errkind.KindPutRejected, pr.Hash, "", err.Error()), nil
	}
	if ppr.Ok() {
		s.host.elision.TryAdd(ppr.Hash, ppr.Size, s.cfg.PutCacheTimeToLive)
	}
	return ppr, nil
}

// Stream is the handle returned by OpenStream: a read-only file that
// removes its own backing temp file on Close. Removal happens in Close
// itself; the file is not opened with delete-on-close or share-delete
// semantics.
type Stream struct {
	f    *os.File
	path string
}

func (st *Stream) Read(p []byte) (int, error) { return st.f.Read(p) }

func (st *Stream) Close() error {
	cerr := st.f.Close()
	workspace.Remove(st.path)
	return cerr
}

// OpenStream places hash into a private temp file and opens it for read.
// The temp file is never the local store's own managed storage, so the
// store may evict or replace its copy without affecting the stream. When
// PlaceFile was served by the persistent store, its asynchronous local
// populate reads this same temp file; OpenStream does not wait for that
// populate, so if the stream is closed (and the file removed) first, the
// populate fails, is logged, and the local store is not populated.
func (s *Session) OpenStream(ctx context.Context, hash chash.ContentHash, opts PlaceOptions) (*Stream, result.PlaceFileResult, error) {
	tempPath, err := workspace.NewTempPath(s.host.WorkingFolder())
	if err != nil {
		return nil, failPlace(errkind.KindDestinationError, hash, "", "could not allocate temp path"), err
	}

	pr, err := s.PlaceFile(ctx, hash, tempPath, opts)
	if err != nil {
		workspace.Remove(tempPath)
		return nil, pr, err
	}
	if !pr.Ok() {
		workspace.Remove(tempPath)
		return nil, pr, nil
	}

	f, ferr := os.Open(tempPath)
	if ferr != nil {
		workspace.Remove(tempPath)
		return nil, failPlace(errkind.KindDestinationError, hash, "", ferr.Error()), ferr
	}
	return &Stream{f: f, path: tempPath}, pr, nil
}
