package mesh

import (
	"context"
	"log"

	"github.com/dsmesh/mesh/internal/wire"
)

// LookupForwarder is the fan-out half of the collocated lookup servant:
// it re-issues an announcement to every other live forwarding session,
// so that gossip about a topic interest reaches every node in the mesh
// without requiring a full mesh of dials. It does not apply the
// announcement locally; topic.Registry's Handle* methods do that
// themselves and call the forwarder for the fan-out.
type LookupForwarder struct {
	self     wire.NodeID
	registry *SessionRegistry
	metrics  *Collector
}

// NewLookupForwarder constructs a forwarder for the node identified by
// self, backed by registry. metrics may be nil, in which case no metrics
// are recorded.
func NewLookupForwarder(self wire.NodeID, registry *SessionRegistry, metrics *Collector) *LookupForwarder {
	return &LookupForwarder{self: self, registry: registry, metrics: metrics}
}

// AnnounceTopicReader relays a reader announcement to every session except
// the one it arrived on (exclude), preventing the echo the connection it
// came in on would otherwise produce.
func (f *LookupForwarder) AnnounceTopicReader(ctx context.Context, topic string, node wire.NodeRef, exclude wire.Connection) {
	node = f.substitute(node)
	f.fanOut("reader", exclude, func(s *Session) error {
		return s.Lookup().AnnounceTopicReader(ctx, topic, node)
	})
}

// AnnounceTopicWriter relays a writer announcement, excluding the session
// it arrived on.
func (f *LookupForwarder) AnnounceTopicWriter(ctx context.Context, topic string, node wire.NodeRef, exclude wire.Connection) {
	node = f.substitute(node)
	f.fanOut("writer", exclude, func(s *Session) error {
		return s.Lookup().AnnounceTopicWriter(ctx, topic, node)
	})
}

// AnnounceTopics relays a bulk reader/writer announcement (sent once at
// session establishment), excluding the session it arrived on.
func (f *LookupForwarder) AnnounceTopics(ctx context.Context, readers, writers []string, node wire.NodeRef, exclude wire.Connection) {
	node = f.substitute(node)
	f.fanOut("bulk", exclude, func(s *Session) error {
		return s.Lookup().AnnounceTopics(ctx, readers, writers, node)
	})
}

// substitute applies the announcement substitution rule: an
// announcement naming a peer this node has a direct session with is
// forwarded as relayed-via-this-node, so downstream listeners route their
// calls here and this node relays them over the established session,
// rather than every listener dialing the peer itself.
func (f *LookupForwarder) substitute(node wire.NodeRef) wire.NodeRef {
	if node.ID == f.self {
		return node
	}
	if _, ok := f.registry.GetByPeer(node.ID); ok {
		return wire.NodeRef{ID: node.ID, RelayVia: f.self}
	}
	return node
}

func (f *LookupForwarder) fanOut(kind string, exclude wire.Connection, call func(*Session) error) {
	for _, s := range f.registry.All() {
		if s.Conn() == exclude || !s.Forwards() {
			continue
		}
		s := s
		go func() {
			if err := call(s); err != nil {
				log.Println("mesh: forward to", s.Peer(), "failed:", err)
				return
			}
			traceAnnounce("mesh: forwarded", kind, "announcement to", s.Peer())
			if f.metrics != nil {
				f.metrics.ForwardedGossip.WithLabelValues(kind).Inc()
			}
		}()
	}
}
