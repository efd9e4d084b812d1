// Package topic implements topic-scoped pub/sub state: the named
// registry of readers and writers, per-key sample history, and the
// local application-facing Reader/Writer handles.
package topic

import (
	"context"
	"sync"
	"time"

	"github.com/dsmesh/mesh/internal/dispatch"
	"github.com/dsmesh/mesh/internal/history"
	"github.com/dsmesh/mesh/internal/wire"
)

// Topic is a named pub/sub channel: a reducer registry, default
// reader/writer retention configuration, and the per-key element state
// that backs every attached Reader and Writer.
type Topic struct {
	Name string

	mu               sync.Mutex
	readerDefault    wire.RetentionPolicy
	writerDefault    wire.RetentionPolicy
	readerSampleLife time.Duration
	reducers         map[string]wire.Reducer
	elements         map[string]*element

	matchGate *dispatch.Dispatcher

	// historyMetrics, if set, is attached to every WriterHistory/ReaderHistory
	// this topic creates, labeled with the topic's own name.
	historyMetrics *history.Collector
	// dispatchMetrics, if set, is attached to every Reader's Dispatcher this
	// topic creates, labeled with the topic's own name.
	dispatchMetrics *dispatch.Collector

	// onPublish is called once after every local publish, so the
	// transport layer can relay the sample over the wire to every
	// matched remote reader. Set by the wiring code; nil in standalone
	// tests that only exercise local delivery.
	onPublish func(topic, key string, s wire.Sample)
}

type element struct {
	key     string
	writer  *history.WriterHistory
	readers map[*Reader]*readerBinding
}

type readerBinding struct {
	history *history.ReaderHistory
	disp    *dispatch.Dispatcher
}

// New constructs an empty topic with the stock defaults: unbounded
// retention, clear history on Add.
func New(name string) *Topic {
	return &Topic{
		Name:          name,
		readerDefault: wire.DefaultRetentionPolicy(),
		writerDefault: wire.DefaultRetentionPolicy(),
		reducers:      make(map[string]wire.Reducer),
		elements:      make(map[string]*element),
		matchGate:     dispatch.New(),
	}
}

// SetHistoryMetrics wires m as the metrics sink for every element history
// this topic creates from now on. Existing elements are not retrofitted.
func (t *Topic) SetHistoryMetrics(m *history.Collector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.historyMetrics = m
}

// SetDispatchMetrics wires m as the metrics sink for every reader
// dispatcher this topic creates from now on. Existing readers are not
// retrofitted.
func (t *Topic) SetDispatchMetrics(m *dispatch.Collector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatchMetrics = m
}

// SetOnPublish installs the transport relay hook.
func (t *Topic) SetOnPublish(fn func(topic, key string, s wire.Sample)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPublish = fn
}

// SetUpdater registers the reducer for PartialUpdate samples tagged tag.
func (t *Topic) SetUpdater(tag string, reducer wire.Reducer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reducers[tag] = reducer
}

// SetReaderDefaultConfig sets the topic-wide default retention policy new
// readers inherit absent their own override.
func (t *Topic) SetReaderDefaultConfig(cfg wire.ReaderConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readerDefault = cfg.RetentionOverride.Resolve(t.readerDefault)
	t.readerSampleLife = cfg.SampleLifetime()
}

// SetWriterDefaultConfig sets the topic-wide default retention policy new
// writers inherit absent their own override.
func (t *Topic) SetWriterDefaultConfig(cfg wire.WriterConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writerDefault = cfg.RetentionOverride.Resolve(t.writerDefault)
}

// SetMatchedWriterCount and SetMatchedReaderCount report the number of
// remote peers currently matched as writers/readers of this topic,
// updated by the matcher as sessions attach and detach.
func (t *Topic) SetMatchedWriterCount(n int) { t.matchGate.SetWriterCount(n) }
func (t *Topic) SetMatchedReaderCount(n int) { t.matchGate.SetReaderCount(n) }

// WaitForWriters blocks until at least n remote writers are matched.
func (t *Topic) WaitForWriters(ctx context.Context, n int) error {
	return t.matchGate.WaitForWriters(ctx, n)
}

// WaitForReaders blocks until at least n remote readers are matched.
func (t *Topic) WaitForReaders(ctx context.Context, n int) error {
	return t.matchGate.WaitForReaders(ctx, n)
}

// Keys returns the set of keys this topic currently has a local writer
// for, used by the matcher to announce what exists to a newly matched
// remote reader.
func (t *Topic) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.elements))
	for k, e := range t.elements {
		if e.writer != nil {
			out = append(out, k)
		}
	}
	return out
}

// IngestRemote applies a sample received from a remote writer (over an
// attached session's element subscription) to every local reader bound to
// key, exactly as Writer.publish does for a local writer, but without
// re-deriving the value: the origin writer already materialized
// PartialUpdate deltas before putting the sample on the wire.
func (t *Topic) IngestRemote(key string, s wire.Sample) {
	now := time.Now()
	t.mu.Lock()
	e := t.elementLocked(key)
	for _, rb := range e.readers {
		delivered, ok, cleared := rb.history.Feed(s, now)
		if cleared {
			rb.disp.ClearUnread()
		}
		if ok {
			rb.disp.Push(delivered)
		}
	}
	t.mu.Unlock()
}

// ReplaySnapshot returns, for every key this topic has a local writer for,
// that writer's currently retained samples: the producer-side backlog
// pushed to a newly matched remote reader right after the match (its
// AttachElements or its reader announcement).
func (t *Topic) ReplaySnapshot() map[string][]wire.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]wire.Sample)
	for key, e := range t.elements {
		if e.writer == nil {
			continue
		}
		if snap := e.writer.Snapshot(); len(snap) > 0 {
			out[key] = snap
		}
	}
	return out
}

// IngestReplay applies a remote writer's late-join backlog for key to every
// local reader bound to it, through each reader's own retention policy and
// late-join promotion rule, exactly as a local Reader replays a local
// writer's history in NewReader. A reader created after this backlog
// arrives sees nothing from it: it only covers readers already attached
// at the moment the remote writer matched us.
func (t *Topic) IngestReplay(key string, samples []wire.Sample) {
	if len(samples) == 0 {
		return
	}
	now := time.Now()
	t.mu.Lock()
	e := t.elementLocked(key)
	for _, rb := range e.readers {
		delivered := rb.history.Replay(samples, now)
		rb.disp.PushAll(delivered)
	}
	t.mu.Unlock()
}

func (t *Topic) elementLocked(key string) *element {
	e, ok := t.elements[key]
	if !ok {
		e = &element{key: key, readers: make(map[*Reader]*readerBinding)}
		t.elements[key] = e
	}
	return e
}

func (t *Topic) reducersSnapshot() map[string]wire.Reducer {
	out := make(map[string]wire.Reducer, len(t.reducers))
	for k, v := range t.reducers {
		out[k] = v
	}
	return out
}
