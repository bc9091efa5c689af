// Package copyengine implements the copy engine — the heart of the core:
// walking candidate peer locations in order, streaming a trusted-hash copy
// into a temp file, retrying with back-off, and handing a verified copy to
// the caller's commit continuation.
package copyengine

import (
	"context"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/config"
	"github.com/buildnet-cache/ephemeral/copysched"
	"github.com/buildnet-cache/ephemeral/errkind"
	"github.com/buildnet-cache/ephemeral/internal/debug"
	"github.com/buildnet-cache/ephemeral/internal/nlog"
	"github.com/buildnet-cache/ephemeral/internal/workspace"
	"github.com/buildnet-cache/ephemeral/result"
)

// badPeerFilterCapacity bounds the process-lifetime cuckoo filter of
// known-bad peer/hash pairs used for reputation-aware candidate ordering.
// It is a hint only: correctness never depends on it (every candidate is
// still walked, only re-ordered).
const badPeerFilterCapacity = 1 << 16

// Engine is the copy engine. Construct with New.
type Engine struct {
	cfg    *config.Config
	sched  *copysched.Scheduler
	copier RemoteCopier
	host   HostCallbacks

	badPeers *cuckoo.Filter
	m        *metrics
}

// New constructs an Engine bound to cfg, sched, and the supplied wire-copy
// transport and host callbacks.
func New(cfg *config.Config, sched *copysched.Scheduler, copier RemoteCopier, host HostCallbacks) *Engine {
	return &Engine{
		cfg:      cfg,
		sched:    sched,
		copier:   copier,
		host:     host,
		badPeers: cuckoo.NewFilter(badPeerFilterCapacity),
		m:        newMetrics(nil),
	}
}

func badPeerKey(loc chash.MachineLocation, hash chash.ContentHash) []byte {
	return []byte(string(loc) + "|" + hash.ShortHash())
}

// TryCopyAndPut tries candidate peer locations in order, invoking
// req.HandleCopy on the first successful byte-accurate copy, and returns
// its result ("Contract").
func (e *Engine) TryCopyAndPut(ctx context.Context, req CopyRequest) result.PutResult {
	candidates := GetAllLocationCandidates(req)
	e.reorderByReputation(candidates, req.HashInfo.Hash)

	if len(candidates) == 0 {
		return failResult(errkind.KindNotFoundAnywhere, req.HashInfo.Hash, "", "no candidate locations")
	}

	missing := make(map[chash.MachineLocation]bool, len(candidates))
	lastFailure := make(map[chash.MachineLocation]time.Time, len(candidates))
	totalRetries := 0

	var last result.PutResult
	for attempt := 0; attempt < len(e.cfg.RetryIntervalForCopies); attempt++ {
		maxReplicaCount := len(candidates)
		if attempt < e.cfg.CopyAttemptsWithRestrictedReplicas {
			maxReplicaCount = minInt(maxReplicaCount, e.cfg.RestrictedCopyReplicaCount)
		}

		pr, shouldRetry := e.walkLocationsAndCopyAndPut(ctx, req, candidates, maxReplicaCount, attempt, &totalRetries, missing, lastFailure)
		last = pr
		if pr.Ok() {
			return pr
		}
		if ctx.Err() != nil {
			return failResult(errkind.KindCancelled, req.HashInfo.Hash, string(req.TargetHost), "context cancelled")
		}
		if !shouldRetry {
			return pr
		}
		if allMissing(candidates, missing) {
			return failResult(errkind.KindNotFoundAnywhere, req.HashInfo.Hash, "", "all candidate locations reported missing")
		}
	}

	if last.Err == nil {
		last = failResult(errkind.KindMaxRetries, req.HashInfo.Hash, "", "retry table exhausted")
	}
	return last
}

// walkLocationsAndCopyAndPut is the inner retry loop, one pass over the
// candidate list. A bucketBad classification (transient server/timeout
// errors) never sticks past this single pass over candidates — only
// missing and lastFailure persist for the whole TryCopyAndPut call.
func (e *Engine) walkLocationsAndCopyAndPut(
	ctx context.Context,
	req CopyRequest,
	candidates []candidate,
	maxReplicaCount int,
	attempt int,
	totalRetries *int,
	missing map[chash.MachineLocation]bool,
	lastFailure map[chash.MachineLocation]time.Time,
) (result.PutResult, bool) {
	var last result.PutResult
	for replicaIndex := 0; replicaIndex < maxReplicaCount && replicaIndex < len(candidates); replicaIndex++ {
		if *totalRetries >= e.cfg.MaxRetryCount {
			return failResult(errkind.KindMaxRetries, req.HashInfo.Hash, "", "max retry count reached"), false
		}

		loc := candidates[replicaIndex]
		if missing[loc.Location] {
			continue
		}

		nominal := e.cfg.RetryIntervalForCopies[minInt(attempt, len(e.cfg.RetryIntervalForCopies)-1)]
		if err := sleepRemaining(ctx, lastFailure[loc.Location], randomizeInterval(nominal)); err != nil {
			return failResult(errkind.KindCancelled, req.HashInfo.Hash, string(loc.Location), "context cancelled while waiting"), false
		}

		tempPath, err := workspace.NewTempPath(req.WorkingFolder)
		if err != nil {
			return failResult(errkind.KindDestinationError, req.HashInfo.Hash, string(loc.Location), "could not allocate temp path"), false
		}

		outcome := e.attemptOne(ctx, req, loc, attempt, *totalRetries, tempPath)
		*totalRetries++
		lastFailure[loc.Location] = time.Now()
		workspace.Remove(tempPath)

		if outcome.missing {
			missing[loc.Location] = true
		}

		last = outcome.pr
		if outcome.success {
			return outcome.pr, true
		}
		if outcome.stop {
			return outcome.pr, !outcome.fatal
		}
		// otherwise: try next replica
	}

	if last.Err == nil {
		last = failResult(errkind.KindNotFoundAnywhere, req.HashInfo.Hash, "", "no replica produced a result")
	}
	return last, true
}

type bucket int

const (
	bucketSuccess bucket = iota
	bucketMissing
	bucketBad
	bucketDestination
	bucketInvalidHash
)

type attemptOutcome struct {
	pr      result.PutResult
	success bool
	// stop breaks the inner per-replica walk of this pass immediately.
	// fatal additionally tells the outer retry loop not to attempt another
	// pass: only destination-full, cancellation, non-retryable put
	// failures, and max-retry exhaustion end the whole operation; a plain
	// destination error stops this pass but the outer loop may still retry
	// on the next one.
	stop    bool
	fatal   bool
	missing bool
	bucket  bucket
}

// attemptOne performs one (replica, attempt) copy: open the temp file,
// optionally wrap it in a trusted-hash stream and/or lz4 decompression,
// admit the pull through the scheduler, classify the result, and on
// success invoke req.HandleCopy. totalRetries is the number of attempts
// already made across all passes; once it reaches half of MaxRetryCount the
// default (-1) bandwidth profile is used instead of the attempt-indexed one.
func (e *Engine) attemptOne(ctx context.Context, req CopyRequest, loc candidate, attempt, totalRetries int, tempPath string) attemptOutcome {
	f, ferr := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if ferr != nil {
		kind := errkind.KindDestinationError
		outOfDisk := isOutOfDisk(ferr)
		if outOfDisk {
			kind = errkind.KindDestinationFull
		}
		return attemptOutcome{
			pr:     failResult(kind, req.HashInfo.Hash, string(loc.Location), ferr.Error()),
			bucket: bucketDestination,
			stop:   true,
			fatal:  outOfDisk,
		}
	}
	defer f.Close()

	trusted := chash.UseTrustedHash(req.HashInfo.Size, e.cfg.TrustedHashFileSizeBoundary)
	var hws *hashingWriteStream
	var base io.WriteCloser = writerNopCloser{f}
	if trusted {
		if s, ok := newHashingWriteStream(f, req.HashInfo.Hash.Tag, req.HashInfo.Size, e.cfg.ParallelHashingFileSizeBoundary); ok {
			hws = s
			base = writerNopCloser{s}
		}
	}

	var dest io.WriteCloser = base
	if req.CompressionHint {
		dest = newDecompressingWriteCloser(base)
	}

	bwAttempt := attempt
	if totalRetries >= e.cfg.MaxRetryCount/2 {
		bwAttempt = -1
	}
	bw := e.cfg.BandwidthFor(bwAttempt)
	opts := CopyOptions{
		Bandwidth: BandwidthProfile{
			MinSpeedMbPerSec:    bw.MinSpeedMbPerSec,
			BandwidthCheckEvery: bw.BandwidthCheckEvery,
			ConnectTimeout:      bw.ConnectTimeout,
			OverallTimeout:      bw.OverallTimeout,
		},
		ExpectedSize:    req.HashInfo.Size,
		CompressionHint: req.CompressionHint,
	}

	op := copysched.Operation{
		Direction: copysched.Pull,
		Reason:    req.Reason,
		Attempt:   attempt,
		Run: func(rctx context.Context) (any, error) {
			return e.copier.CopyToAsync(rctx, loc.Location, dest, opts)
		},
	}
	raw, _, scherr := e.sched.Schedule(ctx, op)

	closeErr := dest.Close()

	var cfr CopyFileResult
	if scherr != nil {
		if errkind.Is(scherr, errkind.KindSchedulerTimeout) {
			cfr = CopyFileResult{Code: CopyTimeoutErr, Err: scherr}
		} else if ctx.Err() != nil {
			return attemptOutcome{pr: failResult(errkind.KindCancelled, req.HashInfo.Hash, string(loc.Location), "cancelled"), stop: true, fatal: true}
		} else {
			cfr = CopyFileResult{Code: CopyUnknown, Err: scherr}
		}
	} else {
		cfr, _ = raw.(CopyFileResult)
	}
	if cfr.Err == nil && closeErr != nil {
		cfr.Err = closeErr
	}

	rep, bkt := classify(cfr.Code)
	e.m.attempts.WithLabelValues(bkt.label()).Inc()
	if cfr.Code != CopyInvalidHash && cfr.Code != CopyDestinationPathError {
		e.host.ReportReputation(loc.Location, rep)
		e.m.reputed.WithLabelValues(rep.String()).Inc()
	}
	diag := e.host.ReportCopyResult(req.Reason, cfr)
	if bkt != bucketSuccess {
		nlog.Warningln("copyengine: attempt failed", req.HashInfo.Hash.ShortHash(), loc.Location, cfr.Code, diag)
	}

	switch bkt {
	case bucketMissing:
		return attemptOutcome{
			pr:      failResult(errkind.KindSourceMissing, req.HashInfo.Hash, string(loc.Location), diag),
			bucket:  bkt,
			missing: true,
		}
	case bucketDestination:
		kind := errkind.KindDestinationError
		outOfDisk := isOutOfDisk(cfr.Err)
		if outOfDisk {
			kind = errkind.KindDestinationFull
		}
		return attemptOutcome{pr: failResult(kind, req.HashInfo.Hash, string(loc.Location), diag), bucket: bkt, stop: true, fatal: outOfDisk}
	case bucketInvalidHash:
		return attemptOutcome{pr: failResult(errkind.KindHashMismatch, req.HashInfo.Hash, string(loc.Location), diag), bucket: bkt}
	case bucketBad:
		return attemptOutcome{pr: failResult(errkind.KindSourceBad, req.HashInfo.Hash, string(loc.Location), diag), bucket: bkt}
	}

	// bucketSuccess: verify size, verify trusted hash, then commit.
	if req.HashInfo.Size != chash.SizeUnknown && cfr.Size != req.HashInfo.Size {
		return attemptOutcome{
			pr:     failResult(errkind.KindSourceBad, req.HashInfo.Hash, string(loc.Location), "observed size did not match expected size"),
			bucket: bucketBad,
		}
	}

	if hws != nil {
		computed, hashDur, writeDur := hws.Finish()
		cfr.TimeSpentHashing = hashDur
		cfr.TimeSpentWritingToDisk = writeDur
		if !computed.Equal(req.HashInfo.Hash) {
			e.markBad(loc.Location, req.HashInfo.Hash)
			return attemptOutcome{
				pr: failResult(errkind.KindHashMismatch, req.HashInfo.Hash, string(loc.Location),
					"trusted stream hash did not match expected hash (found size="+strconv.FormatInt(cfr.Size, 10)+
						", expected size="+strconv.FormatInt(req.HashInfo.Size, 10)+
						", min speed Mb/s="+strconv.FormatFloat(cfr.MinimumSpeedInMbPerSec, 'f', 2, 64)+")"),
				bucket: bucketInvalidHash,
			}
		}
	}

	pr, herr := req.HandleCopy(ctx, cfr, tempPath, attempt, hws != nil)
	if herr != nil {
		if ctx.Err() != nil {
			return attemptOutcome{pr: failResult(errkind.KindCancelled, req.HashInfo.Hash, string(loc.Location), "cancelled during handleCopy"), stop: true, fatal: true}
		}
		return attemptOutcome{pr: failResult(errkind.KindPutRejected, req.HashInfo.Hash, string(loc.Location), herr.Error()), stop: true, fatal: true}
	}
	if !pr.Hash.Equal(req.HashInfo.Hash) {
		e.markBad(loc.Location, req.HashInfo.Hash)
		return attemptOutcome{
			pr:     failResult(errkind.KindHashMismatch, req.HashInfo.Hash, string(loc.Location), "handleCopy committed a different hash than expected"),
			bucket: bucketInvalidHash,
		}
	}

	debug.Assert(pr.Err == nil, "successful handleCopy must not carry an error")
	return attemptOutcome{pr: pr, success: true, bucket: bucketSuccess}
}

func (e *Engine) markBad(loc chash.MachineLocation, h chash.ContentHash) {
	_, _ = e.badPeers.InsertUnique(badPeerKey(loc, h))
}

// reorderByReputation stably moves candidates the cuckoo filter flags as
// known-bad to the end of the walk order, without dropping any. With an
// empty filter this is a no-op.
func (e *Engine) reorderByReputation(candidates []candidate, h chash.ContentHash) {
	if e.badPeers.Count() == 0 {
		return
	}
	good := make([]candidate, 0, len(candidates))
	bad := make([]candidate, 0)
	for _, c := range candidates {
		if e.badPeers.Lookup(badPeerKey(c.Location, h)) {
			bad = append(bad, c)
		} else {
			good = append(good, c)
		}
	}
	copy(candidates, append(good, bad...))
}

func classify(code CopyCode) (Reputation, bucket) {
	switch code {
	case CopySuccess:
		return RepGood, bucketSuccess
	case CopyFileNotFoundError:
		return RepMissing, bucketMissing
	case CopyServerUnavailable, CopyUnknownServerError, CopyRpcError, CopyUnknown:
		return RepBad, bucketBad
	case CopyConnectionTimeout, CopyTimeToFirstByteTimeout, CopyTimeoutErr, CopyBandwidthTimeout:
		return RepTimeout, bucketBad
	case CopyDestinationPathError:
		return RepGood, bucketDestination
	case CopyInvalidHash:
		return RepGood, bucketInvalidHash
	default:
		return RepBad, bucketBad
	}
}

// isOutOfDisk recognizes the out-of-space diagnostic within a
// DestinationPathError ("Out-of-disk detection").
func isOutOfDisk(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full") || strings.Contains(msg, "out of disk")
}

func allMissing(candidates []candidate, missing map[chash.MachineLocation]bool) bool {
	for _, c := range candidates {
		if !missing[c.Location] {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// randomizeInterval jitters a nominal retry interval into [0.5x, 1.5x)
// to avoid synchronized retry storms across concurrent callers.
func randomizeInterval(nominal time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(nominal) * factor)
}

// sleepRemaining waits max(0, interval-(now-lastFailure)) or returns
// ctx.Err() if ctx is cancelled first.
func sleepRemaining(ctx context.Context, lastFailure time.Time, interval time.Duration) error {
	if lastFailure.IsZero() {
		return nil
	}
	remaining := interval - time.Since(lastFailure)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failResult(kind errkind.Kind, hash chash.ContentHash, source, diagnostic string) result.PutResult {
	return result.PutResult{
		Hash: hash,
		Err:  errkind.New(kind, hash.ShortHash(), source, diagnostic, nil),
	}
}
