package rpctransport

import (
	"context"
	"fmt"
	"net/rpc"

	"github.com/dsmesh/mesh/internal/wire"
)

// callRPC wraps c.client.Call, marking the connection closed when the
// failure means the underlying link is gone (rpc.ErrShutdown). The
// reconnect decision stays with mesh.NodeSessionManager; this layer only
// surfaces "this link is dead" via the Connection's Closed() channel.
func callRPC(c *conn, proc string, req, resp interface{}) error {
	if err := c.client.Call(proc, req, resp); err != nil {
		if err == rpc.ErrShutdown {
			c.noteIOError()
			return fmt.Errorf("rpctransport: %s to %s: %w", proc, c.addr, wire.ErrTransportClosed)
		}
		return err
	}
	return nil
}

// lookupProxy is the client-side wire.LookupProxy facade: every call is
// a single synchronous rpc.Client.Call against the "Node" service.
// Nothing here needs rpc.Go's fire-and-forget dispatch; the mesh layer
// already runs fan-out on its own goroutines.
type lookupProxy struct{ c *conn }

func (p lookupProxy) AnnounceTopicReader(ctx context.Context, topic string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.AnnounceTopicReader", AnnounceReq{Topic: topic, Node: node}, &Ack{})
}

func (p lookupProxy) AnnounceTopicWriter(ctx context.Context, topic string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.AnnounceTopicWriter", AnnounceReq{Topic: topic, Node: node}, &Ack{})
}

func (p lookupProxy) AnnounceTopics(ctx context.Context, readers, writers []string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.AnnounceTopics", AnnounceTopicsReq{Readers: readers, Writers: writers, Node: node}, &Ack{})
}

func (p lookupProxy) CreateSession(ctx context.Context, self wire.NodeRef) (wire.NodeRef, error) {
	var resp CreateSessionResp
	if err := callRPC(p.c, "Node.CreateSession", CreateSessionReq{Self: self}, &resp); err != nil {
		return wire.NodeRef{}, err
	}
	return resp.Self, nil
}

// sessionProxy is the client-side wire.SessionProxy facade.
type sessionProxy struct{ c *conn }

func (p sessionProxy) AttachTopic(ctx context.Context, topic string) (wire.TopicSessionProxy, error) {
	if err := callRPC(p.c, "Node.AttachTopic", AttachTopicReq{Topic: topic}, &Ack{}); err != nil {
		return nil, err
	}
	return topicSessionProxy{c: p.c, topic: topic}, nil
}

func (p sessionProxy) DetachTopic(ctx context.Context, topic string) error {
	return callRPC(p.c, "Node.DetachTopic", DetachTopicReq{Topic: topic}, &Ack{})
}

// topicSessionProxy is the client-side wire.TopicSessionProxy facade: one
// per (session, topic) pair, cached by mesh.Session.TopicSession.
type topicSessionProxy struct {
	c     *conn
	topic string
}

func (p topicSessionProxy) AnnounceKeys(ctx context.Context, keys []string) error {
	return callRPC(p.c, "Node.AnnounceKeys", AnnounceKeysReq{Topic: p.topic, Keys: keys}, &Ack{})
}

func (p topicSessionProxy) AttachElements(ctx context.Context, keys []string) error {
	return p.attachElementsOrigin(ctx, keys, wire.NodeRef{})
}

func (p topicSessionProxy) attachElementsOrigin(ctx context.Context, keys []string, origin wire.NodeRef) error {
	return callRPC(p.c, "Node.AttachElements", AttachElementsReq{Topic: p.topic, Keys: keys, Origin: origin}, &Ack{})
}

func (p topicSessionProxy) PushSample(ctx context.Context, key string, sample wire.Sample) error {
	return callRPC(p.c, "Node.PushSample", PushSampleReq{Topic: p.topic, Key: key, Sample: sample}, &Ack{})
}

func (p topicSessionProxy) PushHistory(ctx context.Context, key string, samples []wire.Sample) error {
	return callRPC(p.c, "Node.PushHistory", PushHistoryReq{Topic: p.topic, Key: key, Samples: samples}, &Ack{})
}

// nodeProxy is the client-side wire.NodeProxy facade returned by DialNode.
type nodeProxy struct{ ref wire.NodeRef }

func (p nodeProxy) ID() wire.NodeID   { return p.ref.ID }
func (p nodeProxy) Ref() wire.NodeRef { return p.ref }

// originAttacher is how the relay dispatch preserves a subscriber's ref
// across a hop without widening wire.TopicSessionProxy for the common
// direct case.
type originAttacher interface {
	attachElementsOrigin(ctx context.Context, keys []string, origin wire.NodeRef) error
}

