package rpctransport

import (
	"context"
	"fmt"

	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/wire"
)

// RelayProxyFactory returns the hook mesh.Instance uses to synthesize
// proxies for a peer reachable only through an established relay
// session. self supplies the Origin ref stamped on relayed element
// subscriptions, so the far side can route its own pushes back through
// the same relay.
func RelayProxyFactory(self func() wire.NodeRef) func(via *mesh.Session, target wire.NodeID) (wire.LookupProxy, wire.SessionProxy, bool) {
	return func(via *mesh.Session, target wire.NodeID) (wire.LookupProxy, wire.SessionProxy, bool) {
		lp, ok := via.Lookup().(lookupProxy)
		if !ok || lp.c.client == nil {
			return nil, nil, false
		}
		return relayLookupProxy{c: lp.c, target: target},
			relaySessionProxy{c: lp.c, target: target, self: self},
			true
	}
}

// relayLookupProxy routes lookup calls for target through the relay
// node's connection, each wrapped in a Node.Relay envelope.
type relayLookupProxy struct {
	c      *conn
	target wire.NodeID
}

func (p relayLookupProxy) AnnounceTopicReader(ctx context.Context, topic string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AnnReader: &AnnounceReq{Topic: topic, Node: node}}, &Ack{})
}

func (p relayLookupProxy) AnnounceTopicWriter(ctx context.Context, topic string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AnnWriter: &AnnounceReq{Topic: topic, Node: node}}, &Ack{})
}

func (p relayLookupProxy) AnnounceTopics(ctx context.Context, readers, writers []string, node wire.NodeRef) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AnnBulk: &AnnounceTopicsReq{Readers: readers, Writers: writers, Node: node}}, &Ack{})
}

func (p relayLookupProxy) CreateSession(ctx context.Context, self wire.NodeRef) (wire.NodeRef, error) {
	// Sessions are established by dialing, never by relaying: a relay
	// session is synthesized locally by mesh.Instance.SessionFor.
	return wire.NodeRef{}, fmt.Errorf("rpctransport: createSession cannot be relayed to %s: %w", p.target, wire.ErrPeerUnknown)
}

// relaySessionProxy is the session facade for a relayed peer.
type relaySessionProxy struct {
	c      *conn
	target wire.NodeID
	self   func() wire.NodeRef
}

func (p relaySessionProxy) AttachTopic(ctx context.Context, topic string) (wire.TopicSessionProxy, error) {
	if err := callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AttachTopic: &AttachTopicReq{Topic: topic}}, &Ack{}); err != nil {
		return nil, err
	}
	return relayTopicSessionProxy{c: p.c, target: p.target, topic: topic, self: p.self}, nil
}

func (p relaySessionProxy) DetachTopic(ctx context.Context, topic string) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, DetachTopic: &DetachTopicReq{Topic: topic}}, &Ack{})
}

type relayTopicSessionProxy struct {
	c      *conn
	target wire.NodeID
	topic  string
	self   func() wire.NodeRef
}

func (p relayTopicSessionProxy) AnnounceKeys(ctx context.Context, keys []string) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AnnounceKeys: &AnnounceKeysReq{Topic: p.topic, Keys: keys}}, &Ack{})
}

func (p relayTopicSessionProxy) AttachElements(ctx context.Context, keys []string) error {
	return p.attachElementsOrigin(ctx, keys, p.self())
}

func (p relayTopicSessionProxy) attachElementsOrigin(ctx context.Context, keys []string, origin wire.NodeRef) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, AttachElements: &AttachElementsReq{Topic: p.topic, Keys: keys, Origin: origin}}, &Ack{})
}

func (p relayTopicSessionProxy) PushSample(ctx context.Context, key string, sample wire.Sample) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, Sample: &PushSampleReq{Topic: p.topic, Key: key, Sample: sample}}, &Ack{})
}

func (p relayTopicSessionProxy) PushHistory(ctx context.Context, key string, samples []wire.Sample) error {
	return callRPC(p.c, "Node.Relay", RelayReq{Target: p.target, History: &PushHistoryReq{Topic: p.topic, Key: key, Samples: samples}}, &Ack{})
}

// unreachableProxy stands in for a peer that dialed in without a dialable
// address of its own: every outbound call toward it reports the peer
// unknown instead of panicking on a connection that cannot carry calls.
type unreachableProxy struct {
	peer wire.NodeID
}

func (p unreachableProxy) err() error {
	return fmt.Errorf("rpctransport: no dial-back address for %s: %w", p.peer, wire.ErrPeerUnknown)
}

func (p unreachableProxy) AnnounceTopicReader(context.Context, string, wire.NodeRef) error {
	return p.err()
}

func (p unreachableProxy) AnnounceTopicWriter(context.Context, string, wire.NodeRef) error {
	return p.err()
}

func (p unreachableProxy) AnnounceTopics(context.Context, []string, []string, wire.NodeRef) error {
	return p.err()
}

func (p unreachableProxy) CreateSession(context.Context, wire.NodeRef) (wire.NodeRef, error) {
	return wire.NodeRef{}, p.err()
}

func (p unreachableProxy) AttachTopic(context.Context, string) (wire.TopicSessionProxy, error) {
	return nil, p.err()
}

func (p unreachableProxy) DetachTopic(context.Context, string) error {
	return p.err()
}
