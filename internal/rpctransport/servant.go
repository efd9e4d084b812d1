package rpctransport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/topic"
	"github.com/dsmesh/mesh/internal/wire"
)

// servant is the single RPC receiver registered on each accepted
// connection, exposing every Lookup/Session/TopicSession method under
// the "Node" service name but scoped to one connection instead of the
// whole process, so AttachTopic and later calls on the same link know
// which peer they're for without a Peer field on every request (see
// package doc).
type servant struct {
	conn     *conn
	instance *mesh.Instance
	registry *topic.Registry

	mu   sync.Mutex
	peer wire.NodeID
}

func newServant(c *conn, instance *mesh.Instance, registry *topic.Registry) *servant {
	return &servant{conn: c, instance: instance, registry: registry}
}

func (s *servant) setPeer(id wire.NodeID) {
	s.mu.Lock()
	s.peer = id
	s.mu.Unlock()
}

func (s *servant) getPeer() (wire.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, !s.peer.IsZero()
}

// Identify answers DialNode's identity probe.
func (s *servant) Identify(req Ack, resp *CreateSessionResp) error {
	resp.Self = s.instance.SelfRef()
	return nil
}

// CreateSession registers req.Self as this connection's peer, both in
// the SessionRegistry (as an inbound session) and on this servant (so
// every later call on the same connection is attributable).
func (s *servant) CreateSession(req CreateSessionReq, resp *CreateSessionResp) error {
	lp, sp := s.dialBack(req.Self)
	s.instance.RegisterInbound(req.Self.ID, s.conn, sp, lp)
	s.setPeer(req.Self.ID)
	resp.Self = s.instance.SelfRef()
	return nil
}

// dialBack opens this node's own client link to the peer that just dialed
// in: net/rpc cannot issue calls back over an accepted connection (its
// codec is strictly request/response, with no bidirectional dispatch),
// so the proxies this node holds for an inbound peer ride a
// second connection dialed to the peer's announced address, while the
// session itself stays keyed to the inbound connection for close and
// exclude-on-forward purposes. A peer with no dialable address gets
// proxies that report it unknown.
func (s *servant) dialBack(peer wire.NodeRef) (wire.LookupProxy, wire.SessionProxy) {
	if peer.Direct() {
		d := s.instance.Dialer()
		lp, cw, err := d.DialLookup(context.Background(), peer.Addr)
		if err == nil {
			if c, ok := cw.(*conn); ok {
				// Bind our identity on the dialed-back link so session
				// calls we later issue over it are attributable without
				// a second CreateSession (which would churn the peer's
				// registry).
				err = callRPC(c, "Node.BindPeer", BindPeerReq{Self: s.instance.SelfRef()}, &Ack{})
			}
		}
		if err == nil {
			if sp, _, derr := d.DialSession(context.Background(), peer.Addr); derr == nil {
				return lp, sp
			}
		}
		log.Println("rpctransport: dial back to", peer.ID, "at", peer.Addr, "failed:", err)
	}
	u := unreachableProxy{peer: peer.ID}
	return u, u
}

// BindPeer records the caller's identity on this connection without
// creating a session (see dialBack).
func (s *servant) BindPeer(req BindPeerReq, resp *Ack) error {
	s.setPeer(req.Self.ID)
	return nil
}

// AnnounceTopicReader handles an inbound reader announcement, re-gossiping
// it and matching it against a local writer.
func (s *servant) AnnounceTopicReader(req AnnounceReq, resp *Ack) error {
	s.registry.HandleTopicReader(context.Background(), req.Topic, req.Node, s.conn)
	return nil
}

// AnnounceTopicWriter is AnnounceTopicReader's writer-side counterpart.
func (s *servant) AnnounceTopicWriter(req AnnounceReq, resp *Ack) error {
	s.registry.HandleTopicWriter(context.Background(), req.Topic, req.Node, s.conn)
	return nil
}

// AnnounceTopics handles the bulk announcement sent once at session
// establishment.
func (s *servant) AnnounceTopics(req AnnounceTopicsReq, resp *Ack) error {
	s.registry.HandleTopics(context.Background(), req.Readers, req.Writers, req.Node, s.conn)
	return nil
}

// AttachTopic ensures the named topic exists locally; the actual
// subscription effect happens in AttachElements/AnnounceKeys.
func (s *servant) AttachTopic(req AttachTopicReq, resp *Ack) error {
	s.registry.Topic(req.Topic)
	return nil
}

// DetachTopic is presently a no-op: this module tears a matched
// subscription down lazily, on the next failed push (Registry.fanOutPublish),
// rather than eagerly on an explicit detach call.
func (s *servant) DetachTopic(req DetachTopicReq, resp *Ack) error {
	return nil
}

// AnnounceKeys records the keys a matched writer currently has.
func (s *servant) AnnounceKeys(req AnnounceKeysReq, resp *Ack) error {
	peer, ok := s.getPeer()
	if !ok {
		return wire.ErrPeerUnknown
	}
	s.registry.HandleAnnounceKeys(req.Topic, peer, req.Keys)
	return nil
}

// AttachElements is the server-side half of matchWriter: the caller has
// decided to subscribe to this node's writer for req.Topic. A relayed
// call carries the subscriber's ref in req.Origin; a direct one is
// attributed to the connection's bound peer.
func (s *servant) AttachElements(req AttachElementsReq, resp *Ack) error {
	origin := req.Origin
	if origin.ID.IsZero() {
		peer, ok := s.getPeer()
		if !ok {
			return wire.ErrPeerUnknown
		}
		origin = wire.NodeRef{ID: peer}
	}
	return s.registry.HandleAttachElements(context.Background(), req.Topic, origin, req.Keys)
}

// PushSample delivers one streamed sample into local readers.
func (s *servant) PushSample(req PushSampleReq, resp *Ack) error {
	s.registry.PushSample(req.Topic, req.Key, req.Sample)
	return nil
}

// PushHistory delivers a late joiner's retained backlog into local readers.
func (s *servant) PushHistory(req PushHistoryReq, resp *Ack) error {
	s.registry.PushHistory(req.Topic, req.Key, req.Samples)
	return nil
}

// Relay re-issues one call over this node's session with req.Target: the
// caller knows the target only through this node, so this node routes
// the payload over the established session. An unknown target is
// surfaced as wire.ErrPeerUnknown.
func (s *servant) Relay(req RelayReq, resp *Ack) error {
	sess, ok := s.instance.Registry.GetByPeer(req.Target)
	if !ok {
		return fmt.Errorf("rpctransport: relay to %s: %w", req.Target, wire.ErrPeerUnknown)
	}
	ctx := context.Background()
	switch {
	case req.AnnReader != nil:
		return sess.Lookup().AnnounceTopicReader(ctx, req.AnnReader.Topic, req.AnnReader.Node)
	case req.AnnWriter != nil:
		return sess.Lookup().AnnounceTopicWriter(ctx, req.AnnWriter.Topic, req.AnnWriter.Node)
	case req.AnnBulk != nil:
		return sess.Lookup().AnnounceTopics(ctx, req.AnnBulk.Readers, req.AnnBulk.Writers, req.AnnBulk.Node)
	case req.AttachTopic != nil:
		_, err := s.relayTopicSession(ctx, sess, req.AttachTopic.Topic)
		return err
	case req.DetachTopic != nil:
		return sess.Proxy().DetachTopic(ctx, req.DetachTopic.Topic)
	case req.AnnounceKeys != nil:
		ts, err := s.relayTopicSession(ctx, sess, req.AnnounceKeys.Topic)
		if err != nil {
			return err
		}
		return ts.AnnounceKeys(ctx, req.AnnounceKeys.Keys)
	case req.AttachElements != nil:
		ts, err := s.relayTopicSession(ctx, sess, req.AttachElements.Topic)
		if err != nil {
			return err
		}
		if oa, ok := ts.(originAttacher); ok {
			return oa.attachElementsOrigin(ctx, req.AttachElements.Keys, req.AttachElements.Origin)
		}
		return ts.AttachElements(ctx, req.AttachElements.Keys)
	case req.Sample != nil:
		ts, err := s.relayTopicSession(ctx, sess, req.Sample.Topic)
		if err != nil {
			return err
		}
		return ts.PushSample(ctx, req.Sample.Key, req.Sample.Sample)
	case req.History != nil:
		ts, err := s.relayTopicSession(ctx, sess, req.History.Topic)
		if err != nil {
			return err
		}
		return ts.PushHistory(ctx, req.History.Key, req.History.Samples)
	}
	return nil
}

func (s *servant) relayTopicSession(ctx context.Context, sess *mesh.Session, name string) (wire.TopicSessionProxy, error) {
	return sess.TopicSession(name, func() (wire.TopicSessionProxy, error) {
		return sess.Proxy().AttachTopic(ctx, name)
	})
}
