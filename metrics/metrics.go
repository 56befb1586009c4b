// Package metrics registers the engine's Prometheus counters and gauges:
// sources tracked, packets dropped (by reason), and sources lost, per
// SPEC_FULL.md's ambient-observability note. Grounded on the
// runZeroInc-sockstats/pkg/exporter collector-registration idiom
// (Register against a caller-supplied registry, rather than
// the package-level default), adapted here to plain Gauge/Counter vectors
// since the engine has no per-connection file descriptors to collect from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons for DropsTotal.
const (
	ReasonMalformed = "malformed"
	ReasonSequence  = "sequence"
	ReasonFiltered  = "filtered"
)

// Set holds one receiver's metric family instances. A process running
// several receivers (one per universe, say) should give each its own Set
// with a distinguishing constLabels entry rather than share one.
type Set struct {
	SourcesTracked prometheus.Gauge
	DropsTotal     *prometheus.CounterVec
	SourcesLost    prometheus.Counter
}

// New builds a Set and registers it against reg. constLabels is meant for
// labels constant over the process lifetime (e.g. universe number,
// hostname), mirroring the exporter package's constLabels parameter.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) (*Set, error) {
	s := &Set{
		SourcesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sacn_receiver_sources_tracked",
			Help:        "Number of sACN sources currently tracked by the receiver.",
			ConstLabels: constLabels,
		}),
		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sacn_receiver_packets_dropped_total",
			Help:        "Packets dropped by the receiver, labeled by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		SourcesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sacn_receiver_sources_lost_total",
			Help:        "Sources reported lost (termination-set expiry or explicit stream-terminated).",
			ConstLabels: constLabels,
		}),
	}
	for _, c := range []prometheus.Collector{s.SourcesTracked, s.DropsTotal, s.SourcesLost} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dropped increments the drop counter for reason.
func (s *Set) Dropped(reason string) {
	if s == nil {
		return
	}
	s.DropsTotal.WithLabelValues(reason).Inc()
}

// SetSourcesTracked sets the current tracked-source gauge to n.
func (s *Set) SetSourcesTracked(n int) {
	if s == nil {
		return
	}
	s.SourcesTracked.Set(float64(n))
}

// LostSources increments the sources-lost counter by n.
func (s *Set) LostSources(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.SourcesLost.Add(float64(n))
}
