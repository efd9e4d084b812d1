// Package dispatch implements the per-reader unread-sample queue and the
// matched-peer-count gate exposed to application code attached to a
// topic. The operations it exposes (getNextUnread, waitForUnread,
// waitForWriters) are condition waits rather than message dispatch, so
// everything hangs off one mutex and a sync.Cond.
package dispatch

import (
	"context"
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

// Dispatcher holds one reader's unread-sample queue plus the matched
// writer/reader counts used by WaitForWriters/WaitForReaders.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []wire.Sample
	writers int
	readers int
	closed  bool

	metrics *Collector
	label   string
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Attach wires m as this dispatcher's metrics sink, labeled by topic. A nil
// m is a no-op rather than clearing an already-attached one.
func (d *Dispatcher) Attach(m *Collector, topic string) {
	if m == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
	d.label = topic
}

// Push enqueues a newly delivered sample as unread. A no-op once Close has
// been called.
func (d *Dispatcher) Push(s wire.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, s)
	d.reportQueued()
	d.cond.Broadcast()
}

// PushAll enqueues a batch (used to deliver a late-join replay as a single
// unread burst).
func (d *Dispatcher) PushAll(samples []wire.Sample) {
	if len(samples) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, samples...)
	d.reportQueued()
	d.cond.Broadcast()
}

// ClearUnread drops every queued unread sample, for the clear-history
// case where a newly retained sample evicts all history before it: what
// the reader has not yet read is gone along with the retained samples it
// came from. Already-read samples are unaffected.
func (d *Dispatcher) ClearUnread() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.reportQueued()
}

// Close marks the Dispatcher shut down and wakes every waiter; subsequent
// Get/Wait calls return wire.ErrShutdown once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
}

// GetNextUnread blocks until at least one unread sample is available, then
// pops and returns the oldest one.
func (d *Dispatcher) GetNextUnread(ctx context.Context) (wire.Sample, error) {
	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && ctx.Err() == nil && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) > 0 {
		s := d.queue[0]
		d.queue = d.queue[1:]
		d.reportQueued()
		d.reportDrained(1)
		return s, nil
	}
	if ctx.Err() != nil {
		return wire.Sample{}, ctx.Err()
	}
	return wire.Sample{}, wire.ErrShutdown
}

// GetAllUnread is non-blocking: it drains and returns immediately with
// whatever is queued, which may be empty. It only reports wire.ErrShutdown
// once Close has been called and the queue has been fully drained.
func (d *Dispatcher) GetAllUnread() ([]wire.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.queue
	d.queue = nil
	d.reportQueued()
	d.reportDrained(len(out))
	if len(out) == 0 && d.closed {
		return nil, wire.ErrShutdown
	}
	return out, nil
}

// WaitForUnread blocks until at least n samples are queued unread.
func (d *Dispatcher) WaitForUnread(ctx context.Context, n int) error {
	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) < n && ctx.Err() == nil && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) >= n {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return wire.ErrShutdown
}

// SetWriterCount updates the number of matched writers, waking anyone
// blocked in WaitForWriters.
func (d *Dispatcher) SetWriterCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers = n
	d.cond.Broadcast()
}

// SetReaderCount updates the number of matched readers, waking anyone
// blocked in WaitForReaders.
func (d *Dispatcher) SetReaderCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = n
	d.cond.Broadcast()
}

// WaitForWriters blocks until at least n writers are matched.
func (d *Dispatcher) WaitForWriters(ctx context.Context, n int) error {
	return d.waitForCount(ctx, n, func() int { return d.writers })
}

// WaitForReaders blocks until at least n readers are matched.
func (d *Dispatcher) WaitForReaders(ctx context.Context, n int) error {
	return d.waitForCount(ctx, n, func() int { return d.readers })
}

func (d *Dispatcher) waitForCount(ctx context.Context, n int, count func() int) error {
	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for count() < n && ctx.Err() == nil && !d.closed {
		d.cond.Wait()
	}
	if count() >= n {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return wire.ErrShutdown
}

func (d *Dispatcher) reportQueued() {
	if d.metrics != nil {
		d.metrics.UnreadQueued.WithLabelValues(d.label).Set(float64(len(d.queue)))
	}
}

func (d *Dispatcher) reportDrained(n int) {
	if n > 0 && d.metrics != nil {
		d.metrics.SamplesDrained.WithLabelValues(d.label).Add(float64(n))
	}
}

func (d *Dispatcher) wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cond.Broadcast()
}
