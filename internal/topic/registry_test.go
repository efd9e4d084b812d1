package topic

import (
	"context"
	"testing"
	"time"

	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/wire"
)

// loopConn is the minimal wire.Connection double used to link two
// in-process Registries directly, bypassing internal/rpctransport
// entirely: registry_test.go exercises the matching logic, not the wire
// encoding.
type loopConn struct{ closed chan struct{} }

func newLoopConn() *loopConn { return &loopConn{closed: make(chan struct{})} }

func (c *loopConn) RemoteAddr() string      { return "loop" }
func (c *loopConn) Closed() <-chan struct{} { return c.closed }
func (c *loopConn) Close() error            { return nil }

// loopLookup delivers lookup RPCs directly into a peer Registry's Handle*
// entrypoints, standing in for the servant dispatch internal/rpctransport
// provides.
type loopLookup struct {
	to   *Registry
	conn wire.Connection
}

func (l loopLookup) AnnounceTopicReader(ctx context.Context, topic string, node wire.NodeRef) error {
	l.to.HandleTopicReader(ctx, topic, node, l.conn)
	return nil
}

func (l loopLookup) AnnounceTopicWriter(ctx context.Context, topic string, node wire.NodeRef) error {
	l.to.HandleTopicWriter(ctx, topic, node, l.conn)
	return nil
}

func (l loopLookup) AnnounceTopics(ctx context.Context, readers, writers []string, node wire.NodeRef) error {
	l.to.HandleTopics(ctx, readers, writers, node, l.conn)
	return nil
}

func (l loopLookup) CreateSession(context.Context, wire.NodeRef) (wire.NodeRef, error) {
	return wire.NodeRef{}, nil
}

// loopSessionProxy is one node's view of its peer's session: as is the
// identity the peer should attribute the resulting calls to (this node's
// own identity), since a real RPC server would learn it from the
// connection's registered peer rather than from an explicit parameter.
type loopSessionProxy struct {
	as wire.NodeID
	to *Registry
}

func (p loopSessionProxy) AttachTopic(ctx context.Context, name string) (wire.TopicSessionProxy, error) {
	p.to.Topic(name)
	return loopTopicSessionProxy{as: p.as, name: name, to: p.to}, nil
}

func (p loopSessionProxy) DetachTopic(context.Context, string) error { return nil }

type loopTopicSessionProxy struct {
	as   wire.NodeID
	name string
	to   *Registry
}

func (p loopTopicSessionProxy) AnnounceKeys(ctx context.Context, keys []string) error {
	p.to.HandleAnnounceKeys(p.name, p.as, keys)
	return nil
}

func (p loopTopicSessionProxy) AttachElements(ctx context.Context, keys []string) error {
	return p.to.HandleAttachElements(ctx, p.name, wire.NodeRef{ID: p.as}, keys)
}

func (p loopTopicSessionProxy) PushSample(ctx context.Context, key string, sample wire.Sample) error {
	p.to.PushSample(p.name, key, sample)
	return nil
}

func (p loopTopicSessionProxy) PushHistory(ctx context.Context, key string, samples []wire.Sample) error {
	p.to.PushHistory(p.name, key, samples)
	return nil
}

// node bundles a mesh.Instance and the topic.Registry wired to it, the
// pairing cmd/meshnode wires in a real process.
type node struct {
	instance *mesh.Instance
	registry *Registry
}

func newNode(name string) *node {
	in := mesh.NewInstance(wire.NodeID{Name: name}, nil, mesh.BackoffPolicy{}, "", wire.NodeID{}, nil)
	return &node{instance: in, registry: NewRegistry(in)}
}

// link registers a session between a and b directly, as if both had just
// dialed and authenticated each other, triggering each side's
// onSessionEstablished name exchange.
func link(t *testing.T, a, b *node) {
	t.Helper()
	conn := newLoopConn()
	if _, created := a.instance.RegisterInbound(b.instance.SelfID, conn,
		loopSessionProxy{as: a.instance.SelfID, to: b.registry}, loopLookup{to: b.registry, conn: conn}); !created {
		t.Fatal("expected a new session a->b")
	}
	if _, created := b.instance.RegisterInbound(a.instance.SelfID, conn,
		loopSessionProxy{as: b.instance.SelfID, to: a.registry}, loopLookup{to: a.registry, conn: conn}); !created {
		t.Fatal("expected a new session b->a")
	}
}

func TestRegistryMatchesExistingWriterWhenReaderRegistersAfterLink(t *testing.T) {
	writerNode := newNode("writer")
	readerNode := newNode("reader")

	w := writerNode.registry.RegisterWriter(context.Background(), "topic1", "k1", writerNode.instance.SelfID, wire.WriterConfig{})
	link(t, writerNode, readerNode)

	r := readerNode.registry.RegisterReader(context.Background(), "topic1", "k1", wire.ReaderConfig{})

	if err := w.Add("hello"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.GetNextUnread(ctx)
	if err != nil {
		t.Fatalf("GetNextUnread: %v", err)
	}
	if s.Value != "hello" || s.Event != wire.Add {
		t.Fatalf("got %+v, want Add(hello)", s)
	}
}

func TestRegistryMatchesExistingReaderWhenWriterRegistersAfterLink(t *testing.T) {
	writerNode := newNode("writer2")
	readerNode := newNode("reader2")

	r := readerNode.registry.RegisterReader(context.Background(), "topic2", "k1", wire.ReaderConfig{})
	link(t, writerNode, readerNode)

	w := writerNode.registry.RegisterWriter(context.Background(), "topic2", "k1", writerNode.instance.SelfID, wire.WriterConfig{})

	if err := w.Update(42); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.GetNextUnread(ctx)
	if err != nil {
		t.Fatalf("GetNextUnread: %v", err)
	}
	if s.Value != 42 || s.Event != wire.Update {
		t.Fatalf("got %+v, want Update(42)", s)
	}
}

func TestRegistryAnnouncementIsIdempotentPerPeer(t *testing.T) {
	writerNode := newNode("writer3")
	readerNode := newNode("reader3")

	link(t, writerNode, readerNode)
	r := readerNode.registry.RegisterReader(context.Background(), "topic3", "k1", wire.ReaderConfig{})
	w := writerNode.registry.RegisterWriter(context.Background(), "topic3", "k1", writerNode.instance.SelfID, wire.WriterConfig{})

	// Announcement fan-out is asynchronous; wait for the match before
	// publishing.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := writerNode.registry.Topic("topic3").WaitForReaders(ctx, 1); err != nil {
		t.Fatalf("WaitForReaders: %v", err)
	}

	// Re-announcing the same name a second time must not panic or
	// duplicate the match; re-registration fan-out is a no-op after the
	// first name registration.
	writerNode.instance.AnnounceTopicWriter(context.Background(), "topic3")
	readerNode.instance.AnnounceTopicReader(context.Background(), "topic3")

	if err := w.Add("once"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.WaitForUnread(ctx, 1); err != nil {
		t.Fatalf("WaitForUnread: %v", err)
	}

	got, err := r.GetAllUnread()
	if err != nil {
		t.Fatalf("GetAllUnread: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d samples, want exactly 1 (no duplicate delivery from double match)", len(got))
	}
}

func TestRegistryLateJoinReaderReplaysRetainedHistory(t *testing.T) {
	writerNode := newNode("writer4")
	readerNode := newNode("reader4")

	w := writerNode.registry.RegisterWriter(context.Background(), "topic4", "k1", writerNode.instance.SelfID, wire.WriterConfig{})
	if err := w.Add("first"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	link(t, writerNode, readerNode)
	r := readerNode.registry.RegisterReader(context.Background(), "topic4", "k1", wire.ReaderConfig{})

	// The remote writer's "first" sample was published before this
	// reader's session existed. Matching the reader against the writer
	// (triggered by RegisterReader's announcement) pushes the writer's
	// currently retained backlog across the wire in one PushHistory
	// batch, so "first" still arrives, ahead of whatever the writer
	// publishes afterwards.
	if err := w.Update("second"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := r.GetNextUnread(ctx)
	if err != nil {
		t.Fatalf("GetNextUnread (first): %v", err)
	}
	if first.Value != "first" || first.Event != wire.Add {
		t.Fatalf("got %+v, want Add(first)", first)
	}
	second, err := r.GetNextUnread(ctx)
	if err != nil {
		t.Fatalf("GetNextUnread (second): %v", err)
	}
	if second.Value != "second" || second.Event != wire.Update {
		t.Fatalf("got %+v, want Update(second)", second)
	}
}
