package dispatch

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "mesh"
	subsystem = "dispatch"
)

// Collector holds the Prometheus metrics for unread-sample delivery.
type Collector struct {
	UnreadQueued   *prometheus.GaugeVec
	SamplesDrained *prometheus.CounterVec
}

// NewCollector creates a Collector registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		UnreadQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unread_queued",
			Help:      "Samples currently queued unread for a topic reader.",
		}, []string{"topic"}),
		SamplesDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_drained_total",
			Help:      "Samples handed to application code via GetNextUnread/GetAllUnread.",
		}, []string{"topic"}),
	}
	reg.MustRegister(c.UnreadQueued, c.SamplesDrained)
	return c
}
