package topic

import (
	"context"
	"time"

	"github.com/dsmesh/mesh/internal/dispatch"
	"github.com/dsmesh/mesh/internal/history"
	"github.com/dsmesh/mesh/internal/wire"
)

// Reader is a local handle consuming samples for one key on a topic.
type Reader struct {
	topic *Topic
	key   string
	disp  *dispatch.Dispatcher
}

// NewReader attaches a reader for key. If a local writer has already
// published to key, the new reader immediately receives a late-join
// replay of that writer's currently retained history.
func (t *Topic) NewReader(key string, cfg wire.ReaderConfig) *Reader {
	t.mu.Lock()
	policy := cfg.RetentionOverride.Resolve(t.readerDefault)
	lifetime := cfg.SampleLifetime()
	if lifetime == 0 {
		lifetime = t.readerSampleLife
	}

	e := t.elementLocked(key)
	rh := history.NewReaderHistory(policy, lifetime)
	rh.Attach(t.historyMetrics, t.Name)
	r := &Reader{topic: t, key: key, disp: dispatch.New()}
	r.disp.Attach(t.dispatchMetrics, t.Name)
	e.readers[r] = &readerBinding{history: rh, disp: r.disp}

	var replay []wire.Sample
	if e.writer != nil {
		replay = rh.Replay(e.writer.Snapshot(), time.Now())
	}
	t.mu.Unlock()

	r.disp.PushAll(replay)
	return r
}

// GetNextUnread blocks until a sample is available and returns it.
func (r *Reader) GetNextUnread(ctx context.Context) (wire.Sample, error) {
	return r.disp.GetNextUnread(ctx)
}

// GetAllUnread is non-blocking: it drains and returns whatever is
// currently queued, which may be empty.
func (r *Reader) GetAllUnread() ([]wire.Sample, error) {
	return r.disp.GetAllUnread()
}

// WaitForUnread blocks until at least n samples are queued unread.
func (r *Reader) WaitForUnread(ctx context.Context, n int) error {
	return r.disp.WaitForUnread(ctx, n)
}

// WaitForWriters blocks until at least n remote writers are matched on
// the owning topic.
func (r *Reader) WaitForWriters(ctx context.Context, n int) error {
	return r.topic.WaitForWriters(ctx, n)
}

// Close detaches the reader from its key, dropping further live
// deliveries.
func (r *Reader) Close() {
	t := r.topic
	t.mu.Lock()
	if e, ok := t.elements[r.key]; ok {
		delete(e.readers, r)
	}
	t.mu.Unlock()
	r.disp.Close()
}
