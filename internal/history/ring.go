// Package history implements the retained-sample storage for a topic
// element on both the producer (writer) and consumer (reader) side:
// bounded rings under a clear-history/count/age retention policy, plus
// late-join replay with event promotion.
package history

import (
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

// Ring is a bounded, ordered list of retained samples for one element,
// under a single fully-resolved retention policy. It is used on both the
// producer side (one Ring per published element) and the consumer side
// (one Ring per attached element, with the reader's own policy).
type Ring struct {
	policy    wire.RetentionPolicy
	samples   []wire.Sample
	highwater map[wire.NodeID]uint64

	metrics *Collector
	topic   string
}

// NewRing constructs an empty ring under the given policy.
func NewRing(policy wire.RetentionPolicy) *Ring {
	return &Ring{policy: policy, highwater: make(map[wire.NodeID]uint64)}
}

// Attach wires m as the ring's metrics sink, labeled by topic. A nil-valued
// metrics sink (the default) disables recording; Attach with m == nil is a
// no-op rather than clearing an already-attached one.
func (r *Ring) Attach(m *Collector, topic string) {
	if m == nil {
		return
	}
	r.metrics = m
	r.topic = topic
}

// Append adds s to the ring, first dropping it if it is a stale duplicate
// (a same-or-lower Seq already seen from the same Origin), then applying
// the clear-history policy, then trimming by count and age. It reports
// whether s was retained and whether appending it cleared the previously
// retained history.
func (r *Ring) Append(s wire.Sample, now time.Time) (retained, cleared bool) {
	if last, ok := r.highwater[s.Origin]; ok && s.Seq != 0 && s.Seq <= last {
		r.dropped(1)
		return false, false
	}
	if s.Seq != 0 {
		r.highwater[s.Origin] = s.Seq
	}

	before := len(r.samples)
	if r.policy.ClearHistory.TriggersOn(s.Event) && len(r.samples) > 0 {
		r.dropped(len(r.samples))
		r.samples = nil
		cleared = true
	}

	r.samples = append(r.samples, s)
	r.appended(1)
	r.trim(now)
	r.retained(len(r.samples) - before)
	return true, cleared
}

func (r *Ring) trim(now time.Time) {
	if maxAge := r.policy.MaxAge(); maxAge > 0 {
		cutoff := now.Add(-maxAge)
		kept := r.samples[:0:0]
		for _, s := range r.samples {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			}
		}
		if dropped := len(r.samples) - len(kept); dropped > 0 {
			r.dropped(dropped)
		}
		r.samples = kept
	}

	if !r.policy.Unbounded() && len(r.samples) > r.policy.MaxCount {
		drop := len(r.samples) - r.policy.MaxCount
		r.samples = r.samples[drop:]
		r.dropped(drop)
	}
}

func (r *Ring) appended(n int) {
	if r.metrics != nil {
		r.metrics.SamplesAppended.WithLabelValues(r.topic).Add(float64(n))
	}
}

func (r *Ring) dropped(n int) {
	if r.metrics != nil {
		r.metrics.SamplesDropped.WithLabelValues(r.topic).Add(float64(n))
	}
}

func (r *Ring) retained(delta int) {
	if r.metrics != nil && delta != 0 {
		r.metrics.RetainedSamples.WithLabelValues(r.topic).Add(float64(delta))
	}
}

// Snapshot returns a defensive copy of the currently retained samples,
// oldest first.
func (r *Ring) Snapshot() []wire.Sample {
	out := make([]wire.Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Len reports the number of currently retained samples.
func (r *Ring) Len() int {
	return len(r.samples)
}
