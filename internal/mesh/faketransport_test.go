package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

type fakeConn struct {
	addr      string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, closed: make(chan struct{})}
}

func (c *fakeConn) RemoteAddr() string       { return c.addr }
func (c *fakeConn) Closed() <-chan struct{}  { return c.closed }
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type announceCall struct {
	kind    string
	topic   string
	readers []string
	writers []string
	node    wire.NodeRef
}

type fakeLookup struct {
	mu        sync.Mutex
	peer      wire.NodeID
	createErr error
	calls     []announceCall
}

func (l *fakeLookup) AnnounceTopicReader(_ context.Context, topic string, node wire.NodeRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, announceCall{kind: "reader", topic: topic, node: node})
	return nil
}

func (l *fakeLookup) AnnounceTopicWriter(_ context.Context, topic string, node wire.NodeRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, announceCall{kind: "writer", topic: topic, node: node})
	return nil
}

func (l *fakeLookup) AnnounceTopics(_ context.Context, readers, writers []string, node wire.NodeRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, announceCall{kind: "topics", readers: readers, writers: writers, node: node})
	return nil
}

func (l *fakeLookup) CreateSession(_ context.Context, _ wire.NodeRef) (wire.NodeRef, error) {
	if l.createErr != nil {
		return wire.NodeRef{}, l.createErr
	}
	return wire.NodeRef{ID: l.peer}, nil
}

func (l *fakeLookup) Calls() []announceCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]announceCall, len(l.calls))
	copy(out, l.calls)
	return out
}

type fakeSessionProxy struct{}

func (fakeSessionProxy) AttachTopic(context.Context, string) (wire.TopicSessionProxy, error) {
	return nil, errors.New("fakeSessionProxy: AttachTopic not used by these tests")
}
func (fakeSessionProxy) DetachTopic(context.Context, string) error { return nil }

// fakeDialer lets tests script a sequence of DialLookup outcomes (e.g.
// fail, fail, succeed) to exercise NodeSessionManager's retry/backoff
// path deterministically.
type fakeDialer struct {
	mu             sync.Mutex
	lookupErrs     []error
	attempts       int
	lookup         *fakeLookup
	dialSessionErr error
}

func (d *fakeDialer) DialLookup(_ context.Context, addr string) (wire.LookupProxy, wire.Connection, error) {
	d.mu.Lock()
	i := d.attempts
	d.attempts++
	d.mu.Unlock()

	if i < len(d.lookupErrs) && d.lookupErrs[i] != nil {
		return nil, nil, d.lookupErrs[i]
	}
	return d.lookup, newFakeConn(addr), nil
}

func (d *fakeDialer) DialSession(_ context.Context, addr string) (wire.SessionProxy, wire.Connection, error) {
	if d.dialSessionErr != nil {
		return nil, nil, d.dialSessionErr
	}
	return fakeSessionProxy{}, newFakeConn(addr), nil
}

func (d *fakeDialer) DialNode(context.Context, string) (wire.NodeProxy, wire.Connection, error) {
	return nil, nil, errors.New("fakeDialer: DialNode not used by these tests")
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
