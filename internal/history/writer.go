package history

import (
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

// WriterHistory is the producer-side retained history for one element. It
// materializes PartialUpdate deltas into the reduced current value at
// publish time: the value a consumer observes is the reduced one, and
// late-join replay must be able to hand a truncated-in joiner a full
// current value with no access to the deltas it never saw, so reduction
// happens once, here, rather than being repeated independently per
// reader.
type WriterHistory struct {
	ring     *Ring
	reducers map[string]wire.Reducer
	current  interface{}
	hasValue bool
	seq      uint64
}

// NewWriterHistory constructs a writer-side history under policy, using
// reducers (the topic's registered reducer set, shared with every reader)
// to materialize PartialUpdate values.
func NewWriterHistory(policy wire.RetentionPolicy, reducers map[string]wire.Reducer) *WriterHistory {
	return &WriterHistory{ring: NewRing(policy), reducers: reducers}
}

// Publish records one event for the element, returning the Sample as
// retained (with a materialized Value for PartialUpdate) or
// wire.ErrMissingReducer if event is PartialUpdate and updateTag names no
// registered reducer.
func (h *WriterHistory) Publish(value interface{}, event wire.Event, updateTag string, origin wire.NodeID, now time.Time) (wire.Sample, error) {
	switch event {
	case wire.PartialUpdate:
		reducer, ok := h.reducers[updateTag]
		if !ok {
			return wire.Sample{}, wire.ErrMissingReducer
		}
		h.current = reducer(h.current, value)
	default:
		h.current = value
	}
	h.hasValue = event != wire.Remove
	h.seq++

	s := wire.Sample{
		Value:     h.current,
		Event:     event,
		UpdateTag: updateTag,
		Timestamp: now,
		Origin:    origin,
		Seq:       h.seq,
	}
	h.ring.Append(s, now)
	return s, nil
}

// Snapshot returns the currently retained samples for late-join replay.
func (h *WriterHistory) Snapshot() []wire.Sample {
	return h.ring.Snapshot()
}

// Attach wires m as this element's metrics sink, labeled by topic.
func (h *WriterHistory) Attach(m *Collector, topic string) {
	h.ring.Attach(m, topic)
}

// Current returns the last materialized value and whether the element
// currently holds one: false if it was never published or if its last
// event was a Remove.
func (h *WriterHistory) Current() (interface{}, bool) {
	return h.current, h.hasValue
}
