package mesh

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "mesh"
	subsystem = "node"
)

// Collector holds the Prometheus metrics for peer session lifecycle.
type Collector struct {
	Sessions         prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	ConnectAttempts  *prometheus.CounterVec
	ForwardedGossip  *prometheus.CounterVec
}

// NewCollector creates a Collector registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Live peer sessions.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "NodeSessionManager state transitions.",
		}, []string{"from", "to"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Outbound session connect attempts, labeled by outcome.",
		}, []string{"outcome"}),
		ForwardedGossip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_gossip_total",
			Help:      "Lookup announcements relayed to other sessions.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.Sessions, c.StateTransitions, c.ConnectAttempts, c.ForwardedGossip)
	return c
}
