package history

import (
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

// ReaderHistory is the consumer-side retained history for one attached
// element: the late-join replay target, and afterwards the live feed for
// samples published once attached.
type ReaderHistory struct {
	ring     *Ring
	lifetime time.Duration
	metrics  *Collector
	topic    string
}

// NewReaderHistory constructs a reader-side history under policy. lifetime,
// if non-zero, drops samples older than it relative to the instant they
// are delivered; it applies at both replay and live delivery.
func NewReaderHistory(policy wire.RetentionPolicy, lifetime time.Duration) *ReaderHistory {
	return &ReaderHistory{ring: NewRing(policy), lifetime: lifetime}
}

// Replay delivers a late-joining reader's initial backlog from the
// writer's currently retained producer snapshot (oldest first). If the
// reader's own MaxCount truncates the snapshot, the oldest sample actually
// delivered is reclassified from Add or PartialUpdate to Update: a fresh
// subscriber with missing prior history must not see an
// Add it cannot reconcile against nothing, nor a PartialUpdate it has no
// baseline to fold against. The returned samples are exactly the reader's
// initial unread queue: what survives the reader's lifetime filter,
// clear-history policy and count/age trimming, in order. A sample the
// reader's own clear-history policy evicts mid-replay (an Add later in the
// backlog clearing everything before it) is not returned.
func (h *ReaderHistory) Replay(producerSnapshot []wire.Sample, now time.Time) []wire.Sample {
	if len(producerSnapshot) > 0 && h.metrics != nil {
		h.metrics.ReplaysServed.WithLabelValues(h.topic).Inc()
	}
	n := len(producerSnapshot)
	truncated := false
	if !h.ring.policy.Unbounded() && h.ring.policy.MaxCount < n {
		truncated = true
		n = h.ring.policy.MaxCount
	}
	if n < 0 {
		n = 0
	}
	start := len(producerSnapshot) - n
	delivered := make([]wire.Sample, n)
	copy(delivered, producerSnapshot[start:])

	if truncated && len(delivered) > 0 {
		d0 := delivered[0]
		if d0.Event == wire.Add || d0.Event == wire.PartialUpdate {
			d0.Event = wire.Update
			delivered[0] = d0
		}
	}

	type sampleKey struct {
		origin wire.NodeID
		seq    uint64
	}
	accepted := make(map[sampleKey]struct{}, len(delivered))
	for _, s := range delivered {
		if h.stale(s, now) {
			continue
		}
		if ok, _ := h.ring.Append(s, now); ok {
			accepted[sampleKey{s.Origin, s.Seq}] = struct{}{}
		}
	}

	// The unread queue is what the ring still holds of this batch: a
	// later clear-history trigger or count/age trim retracts the samples
	// it evicted before the reader ever sees them.
	out := make([]wire.Sample, 0, len(accepted))
	for _, s := range h.ring.samples {
		if _, ok := accepted[sampleKey{s.Origin, s.Seq}]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Feed delivers one live sample published after the reader attached. It
// reports the sample (unchanged), whether it was retained and should be
// enqueued as unread, and whether retaining it cleared the previously
// retained history, in which case the caller must also drop any samples
// it queued as unread before this one. A sample can be dropped as a stale
// duplicate or as older than the lifetime filter.
func (h *ReaderHistory) Feed(s wire.Sample, now time.Time) (wire.Sample, bool, bool) {
	if h.stale(s, now) {
		return s, false, false
	}
	retained, cleared := h.ring.Append(s, now)
	return s, retained, cleared
}

func (h *ReaderHistory) stale(s wire.Sample, now time.Time) bool {
	if h.lifetime <= 0 {
		return false
	}
	return now.Sub(s.Timestamp) > h.lifetime
}

// Snapshot returns the currently retained samples, oldest first.
func (h *ReaderHistory) Snapshot() []wire.Sample {
	return h.ring.Snapshot()
}

// Attach wires m as this element's metrics sink, labeled by topic.
func (h *ReaderHistory) Attach(m *Collector, topic string) {
	h.metrics = m
	h.topic = topic
	h.ring.Attach(m, topic)
}
