// Package copysched implements the copy scheduler: admission control for
// outbound pull/push copies, plus the attempt-indexed bandwidth profile
// lookup the copy engine consults per pass.
package copysched

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/buildnet-cache/ephemeral/config"
	"github.com/buildnet-cache/ephemeral/errkind"
)

// Direction distinguishes outbound pulls (this machine fetching from a
// peer) from pushes (this machine serving/uploading to a peer).
type Direction int

const (
	Pull Direction = iota
	Push
)

// Operation is the unit of work the scheduler admits, matching the
// "(reason, attempt, performOperationAsync)" shape.
type Operation struct {
	Direction Direction
	Reason    string
	Attempt   int
	Run       func(ctx context.Context) (any, error)
}

// Summary reports admission bookkeeping alongside the operation's result.
type Summary struct {
	QueueWait time.Duration
}

// Scheduler admission-controls outbound copies with bounded concurrency per
// direction.
type Scheduler struct {
	cfg  *config.Config
	pull *semaphore.Weighted
	push *semaphore.Weighted
	m    *metrics
}

// New constructs a Scheduler bounded by cfg.MaxConcurrentPulls/Pushes, with
// its own private metrics registry. Use NewWithRegisterer to expose those
// series on a shared Registerer instead, e.g. the process's /metrics
// endpoint.
func New(cfg *config.Config) *Scheduler {
	return NewWithRegisterer(cfg, nil)
}

// NewWithRegisterer is New, registering metrics with reg (nil gets a fresh
// private prometheus.Registry; see newMetrics).
func NewWithRegisterer(cfg *config.Config, reg prometheus.Registerer) *Scheduler {
	return &Scheduler{
		cfg:  cfg,
		pull: semaphore.NewWeighted(max1(cfg.MaxConcurrentPulls)),
		push: semaphore.NewWeighted(max1(cfg.MaxConcurrentPushes)),
		m:    newMetrics(reg),
	}
}

func max1(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return n
}

func (s *Scheduler) semFor(d Direction) *semaphore.Weighted {
	if d == Push {
		return s.push
	}
	return s.pull
}

// Schedule admits op according to the configured per-direction bound and
// runs it. If admission does not happen within cfg.AdmissionTimeout, it
// returns a *errkind.CoreError with Kind == errkind.KindSchedulerTimeout
// ("Timeout ... the gate itself timed out before admitting").
// Any error returned by op.Run propagates unchanged.
func (s *Scheduler) Schedule(ctx context.Context, op Operation) (any, Summary, error) {
	start := time.Now()
	sem := s.semFor(op.Direction)
	label := op.Direction.label()

	admitCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.AdmissionTimeout > 0 {
		admitCtx, cancel = context.WithTimeout(ctx, s.cfg.AdmissionTimeout)
		defer cancel()
	}

	if err := sem.Acquire(admitCtx, 1); err != nil {
		wait := time.Since(start)
		s.m.queueWait.WithLabelValues(label).Observe(wait.Seconds())
		if ctx.Err() != nil {
			return nil, Summary{QueueWait: wait}, ctx.Err()
		}
		s.m.timedOut.WithLabelValues(label).Inc()
		return nil, Summary{QueueWait: wait}, errkind.New(errkind.KindSchedulerTimeout, "", op.Reason, "admission timed out", err)
	}
	defer sem.Release(1)

	wait := time.Since(start)
	s.m.queueWait.WithLabelValues(label).Observe(wait.Seconds())
	s.m.admitted.WithLabelValues(label).Inc()
	s.m.inflight.WithLabelValues(label).Inc()
	defer s.m.inflight.WithLabelValues(label).Dec()

	g, gctx := errgroup.WithContext(ctx)
	var result any
	g.Go(func() error {
		res, err := op.Run(gctx)
		result = res
		return err
	})
	err := g.Wait()
	return result, Summary{QueueWait: wait}, err
}

// BandwidthFor resolves the bandwidth profile for attempt, delegating to
// config's attempt-indexed table and the half-of-MaxRetryCount
// fall-through rule.
func (s *Scheduler) BandwidthFor(attempt int) config.BandwidthConfig {
	return s.cfg.BandwidthFor(attempt)
}
