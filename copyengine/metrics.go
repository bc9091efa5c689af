package copyengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exports per-attempt outcome counts and reputation changes, the
// way metrics/prom.Adapter exports a cache's hit/miss/eviction counters.
type metrics struct {
	attempts *prometheus.CounterVec
	reputed  *prometheus.CounterVec
}

// newMetrics registers a fresh collector set with reg. Like
// copysched.newMetrics, a nil reg gets its own private prometheus.Registry
// so that constructing more than one Engine (every test, every Session)
// never collides on the global default registry.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemeral",
			Subsystem: "copyengine",
			Name:      "copy_attempts_total",
			Help:      "Copy attempts by outcome bucket.",
		}, []string{"bucket"}),
		reputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemeral",
			Subsystem: "copyengine",
			Name:      "reputation_reports_total",
			Help:      "Peer reputation reports by verdict.",
		}, []string{"reputation"}),
	}
	reg.MustRegister(m.attempts, m.reputed)
	return m
}

func (b bucket) label() string {
	switch b {
	case bucketSuccess:
		return "success"
	case bucketMissing:
		return "missing"
	case bucketDestination:
		return "destination"
	case bucketInvalidHash:
		return "invalid_hash"
	case bucketBad:
		return "bad"
	default:
		return "unknown"
	}
}

