package history

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "mesh"
	subsystem = "history"
)

// Collector holds the Prometheus metrics for sample retention. One
// Collector is shared by every WriterHistory/ReaderHistory in a node
// instance; callers pass the topic label at the call site rather than
// allocating a Collector per element.
type Collector struct {
	RetainedSamples *prometheus.GaugeVec
	SamplesAppended *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	ReplaysServed   *prometheus.CounterVec
}

// NewCollector creates a Collector registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(c.RetainedSamples, c.SamplesAppended, c.SamplesDropped, c.ReplaysServed)
	return c
}

func newMetrics() *Collector {
	topicLabel := []string{"topic"}
	return &Collector{
		RetainedSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retained_samples",
			Help:      "Samples currently retained across all element histories for a topic.",
		}, topicLabel),
		SamplesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_appended_total",
			Help:      "Samples appended to an element history.",
		}, topicLabel),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped as stale duplicates, evicted by clear-history, or trimmed by max age or max count.",
		}, topicLabel),
		ReplaysServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replays_served_total",
			Help:      "Late-join replays served to newly attached readers.",
		}, topicLabel),
	}
}
