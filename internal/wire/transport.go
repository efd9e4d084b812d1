package wire

import "context"

// Connection identifies the underlying transport connection a session rides
// on. It is opaque to the core components: they only ever compare two
// Connections for identity (to implement the "never echo back over the
// connection it arrived on" rule) and ask to be notified of closure.
//
// Transport implementations (internal/rpctransport, or an in-memory test
// double) satisfy this with a pointer type so equality is connection
// identity, not value equality.
type Connection interface {
	// RemoteAddr is a human-readable description for logging/tracing.
	RemoteAddr() string
	// Closed returns a channel that is closed exactly once, when the
	// underlying connection goes away for any reason.
	Closed() <-chan struct{}
	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// NodeProxy is the address form of a remote node: enough to either reach it
// directly, or to ask a relay to reach it, and to compare node identities.
type NodeProxy interface {
	ID() NodeID
	// Ref returns the wire form of this proxy, suitable for forwarding to
	// a third party.
	Ref() NodeRef
}

// LookupProxy is the lookup gossip endpoint of a remote peer, reached
// directly or through a relay. The local mesh.LookupForwarder does not
// implement it: its methods take the excluded connection explicitly.
type LookupProxy interface {
	AnnounceTopicReader(ctx context.Context, topic string, node NodeRef) error
	AnnounceTopicWriter(ctx context.Context, topic string, node NodeRef) error
	AnnounceTopics(ctx context.Context, readers, writers []string, node NodeRef) error
	// CreateSession asks the lookup's node to establish a direct session
	// with self, returning the responder's node proxy ref on success.
	CreateSession(ctx context.Context, self NodeRef) (NodeRef, error)
}

// SessionProxy is the per-peer-pair session protocol.
type SessionProxy interface {
	AttachTopic(ctx context.Context, topic string) (TopicSessionProxy, error)
	DetachTopic(ctx context.Context, topic string) error
}

// TopicSessionProxy is the per-(session,topic) element-subscription and
// sample-stream protocol.
type TopicSessionProxy interface {
	AnnounceKeys(ctx context.Context, keys []string) error
	AttachElements(ctx context.Context, keys []string) error
	PushSample(ctx context.Context, key string, sample Sample) error
	// PushHistory delivers a late joiner's initial backlog for key in one
	// batch, immediately after the writer's node matches the reader (on
	// AttachElements or on the reader's announcement):
	// distinct from PushSample so the
	// receiving side can run the batch through its reader-side retention
	// and late-join promotion logic instead of treating each entry as an
	// independent live sample.
	PushHistory(ctx context.Context, key string, samples []Sample) error
}

// Dialer creates outbound proxies to a node reachable at addr. Production
// code gets one from internal/rpctransport; tests get one backed by an
// in-memory fake.
type Dialer interface {
	DialLookup(ctx context.Context, addr string) (LookupProxy, Connection, error)
	DialNode(ctx context.Context, addr string) (NodeProxy, Connection, error)
	DialSession(ctx context.Context, addr string) (SessionProxy, Connection, error)
}
