package topic

import (
	"time"

	"github.com/dsmesh/mesh/internal/history"
	"github.com/dsmesh/mesh/internal/wire"
)

// Writer is a local handle publishing samples for one key on a topic.
type Writer struct {
	topic  *Topic
	key    string
	origin wire.NodeID
	cfg    wire.RetentionOverride
}

// NewWriter attaches a writer for key; announcing topic-writer interest
// is the caller's responsibility, this constructor only creates the
// local handle.
func (t *Topic) NewWriter(key string, origin wire.NodeID, cfg wire.WriterConfig) *Writer {
	return &Writer{topic: t, key: key, origin: origin, cfg: cfg.RetentionOverride}
}

// Add publishes a new full value for the key.
func (w *Writer) Add(value interface{}) error { return w.publish(value, wire.Add, "") }

// Update publishes a replacement full value for the key.
func (w *Writer) Update(value interface{}) error { return w.publish(value, wire.Update, "") }

// PartialUpdate publishes a delta to be folded by the reducer registered
// under tag.
func (w *Writer) PartialUpdate(tag string, delta interface{}) error {
	return w.publish(delta, wire.PartialUpdate, tag)
}

// Remove publishes the key's removal.
func (w *Writer) Remove() error { return w.publish(nil, wire.Remove, "") }

func (w *Writer) publish(value interface{}, event wire.Event, tag string) error {
	t := w.topic
	now := time.Now()

	t.mu.Lock()
	e := t.elementLocked(w.key)
	if e.writer == nil {
		policy := w.cfg.Resolve(t.writerDefault)
		e.writer = history.NewWriterHistory(policy, t.reducersSnapshot())
		e.writer.Attach(t.historyMetrics, t.Name)
	}
	sample, err := e.writer.Publish(value, event, tag, w.origin, now)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	for _, rb := range e.readers {
		delivered, ok, cleared := rb.history.Feed(sample, now)
		if cleared {
			rb.disp.ClearUnread()
		}
		if ok {
			rb.disp.Push(delivered)
		}
	}
	hook := t.onPublish
	t.mu.Unlock()

	if hook != nil {
		hook(t.Name, w.key, sample)
	}
	return nil
}
