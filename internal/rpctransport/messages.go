// Package rpctransport implements wire.Dialer and the server side of the
// discovery/session/topic-session protocol over net/rpc and
// encoding/gob: one *rpc.Client per directed peer link, with one servant
// registered per accepted connection.
//
// Each accepted connection gets its own servant instance (see server.go)
// rather than one process-wide receiver: the session protocol needs to
// know which peer a given AttachTopic/AttachElements/PushSample call
// came from, and net/rpc gives a method no way to inspect the connection
// it arrived on. Binding identity at CreateSession time to a
// connection-scoped servant sidesteps that without inventing a
// connection-ID field threaded through every request.
package rpctransport

import (
	"github.com/dsmesh/mesh/internal/wire"
)

func init() {
	// Sample.Value travels as interface{}; gob requires every concrete
	// type ever placed in it to be registered up front.
	registerGobTypes()
}

// Ack is the empty reply for RPCs whose only interesting result is
// success/failure; net/rpc requires a concrete, non-nil reply pointer
// even when there is nothing to return.
type Ack struct{}

// CreateSessionReq asks the callee to treat self as a new directly
// reachable peer.
type CreateSessionReq struct {
	Self wire.NodeRef
}

// CreateSessionResp echoes the callee's own ref; NodeSessionManager adopts
// its ID for a peer it dialed by address alone.
type CreateSessionResp struct {
	Self wire.NodeRef
}

// AnnounceReq carries a single-topic reader/writer announcement. Node is
// the original announcer, independent of which physical connection
// relayed the call: gossip may hop through an intermediate forwarder,
// so the connection a call arrives on and the node it is about are
// different things.
type AnnounceReq struct {
	Topic string
	Node  wire.NodeRef
}

// AnnounceTopicsReq carries the bulk reader+writer announcement sent once
// at session establishment.
type AnnounceTopicsReq struct {
	Readers []string
	Writers []string
	Node    wire.NodeRef
}

// AttachTopicReq opens a topic session over an already-established
// Session connection. Topic alone is enough: Peer is not part of the
// request, since the servant handling it already knows which peer dialed
// in (bound at CreateSession time on this connection).
type AttachTopicReq struct {
	Topic string
}

// DetachTopicReq closes a previously attached topic session.
type DetachTopicReq struct {
	Topic string
}

// AnnounceKeysReq tells the peer what keys a matched writer currently
// has.
type AnnounceKeysReq struct {
	Topic string
	Keys  []string
}

// AttachElementsReq subscribes the caller to keys on the callee's
// writer; nil/empty keys means every key (the any-key subscription
// model).
type AttachElementsReq struct {
	Topic string
	Keys  []string
	// Origin identifies the subscribing node when the call was relayed
	// through another node's session: the callee must route its pushes
	// back via Origin.RelayVia, not to the relay that delivered the call.
	// Zero for a directly attached peer, whose identity the callee
	// already bound to the connection at CreateSession/BindPeer time.
	Origin wire.NodeRef
}

// PushSampleReq streams one live sample for key.
type PushSampleReq struct {
	Topic  string
	Key    string
	Sample wire.Sample
}

// PushHistoryReq delivers a late-joiner's retained backlog for key in one
// batch, sent right after this node matches the peer as a reader of its
// writer (on the peer's AttachElements or on its reader announcement).
type PushHistoryReq struct {
	Topic   string
	Key     string
	Samples []wire.Sample
}

// BindPeerReq records the caller's identity on a connection without
// creating a session, for a dialed-back link whose session stays keyed to
// the original inbound connection (see servant.dialBack).
type BindPeerReq struct {
	Self wire.NodeRef
}

// RelayReq asks the callee to re-issue one call over its own session
// with Target, as an explicit envelope since net/rpc has no servant
// identities to route on. Exactly one payload field is set; gob omits
// the nil ones. An unknown Target yields wire.ErrPeerUnknown.
type RelayReq struct {
	Target wire.NodeID

	AnnReader      *AnnounceReq
	AnnWriter      *AnnounceReq
	AnnBulk        *AnnounceTopicsReq
	AttachTopic    *AttachTopicReq
	DetachTopic    *DetachTopicReq
	AnnounceKeys   *AnnounceKeysReq
	AttachElements *AttachElementsReq
	Sample         *PushSampleReq
	History        *PushHistoryReq
}
