package copysched

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exports the scheduler's per-direction admission-control
// bookkeeping as Prometheus series, the way metrics/prom.Adapter does it
// for its cache's hit/miss/eviction counters.
type metrics struct {
	inflight  *prometheus.GaugeVec
	admitted  *prometheus.CounterVec
	timedOut  *prometheus.CounterVec
	queueWait *prometheus.HistogramVec
}

// newMetrics registers a fresh set of collectors with reg. A nil reg gets
// its own private prometheus.Registry rather than
// prometheus.DefaultRegisterer: every Scheduler constructed by New has an
// identical metric name set, and the global registry rejects the
// duplicate registration a second Scheduler (a second test, a second
// session) would attempt. Callers that want these series exposed on the
// process-wide /metrics endpoint pass their own Registerer explicitly.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ephemeral",
			Subsystem: "copysched",
			Name:      "inflight",
			Help:      "Copies currently admitted, by direction.",
		}, []string{"direction"}),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemeral",
			Subsystem: "copysched",
			Name:      "admitted_total",
			Help:      "Operations admitted past the scheduler gate, by direction.",
		}, []string{"direction"}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemeral",
			Subsystem: "copysched",
			Name:      "admission_timeouts_total",
			Help:      "Operations that never got admitted before cfg.AdmissionTimeout, by direction.",
		}, []string{"direction"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ephemeral",
			Subsystem: "copysched",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for admission, by direction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
	}
	reg.MustRegister(m.inflight, m.admitted, m.timedOut, m.queueWait)
	return m
}

func (d Direction) label() string {
	if d == Push {
		return "push"
	}
	return "pull"
}
