package ephemeral

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildnet-cache/ephemeral/result"
)

// metrics counts PlaceFile outcomes by which tier served them, grounded
// in the same metrics/prom.Adapter shape copysched and copyengine use.
type metrics struct {
	placed *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		placed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemeral",
			Subsystem: "session",
			Name:      "place_file_total",
			Help:      "PlaceFile outcomes by serving tier.",
		}, []string{"source"}),
	}
	reg.MustRegister(m.placed)
	return m
}

func (m *metrics) recordPlace(source result.SourceTag) {
	m.placed.WithLabelValues(source.String()).Inc()
}
