// Package mesh implements peer discovery and session lifecycle: the
// session registry, the connection watcher, the collocated lookup
// forwarder, and the node session manager that dials and re-dials
// remote peers.
package mesh

import (
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

// Session is an established peer-to-peer link: one per remote node this
// instance currently has a live connection with, in either direction.
type Session struct {
	mu sync.Mutex

	peer    wire.NodeID
	conn    wire.Connection
	proxy   wire.SessionProxy
	lookup  wire.LookupProxy
	forward bool

	topics map[string]wire.TopicSessionProxy
}

func newSession(peer wire.NodeID, conn wire.Connection, proxy wire.SessionProxy, lookup wire.LookupProxy, forward bool) *Session {
	return &Session{
		peer:    peer,
		conn:    conn,
		proxy:   proxy,
		lookup:  lookup,
		forward: forward,
		topics:  make(map[string]wire.TopicSessionProxy),
	}
}

// Peer returns the remote node identity this session is with.
func (s *Session) Peer() wire.NodeID { return s.peer }

// Conn returns the underlying connection, used for exclude-on-forward
// comparisons and close notification.
func (s *Session) Conn() wire.Connection { return s.conn }

// Forwards reports whether this session is willing to relay lookup
// gossip to its peer: sessions to collocated forwarders or purely
// passive observers may decline.
func (s *Session) Forwards() bool { return s.forward }

// Lookup returns the peer's lookup proxy, used by LookupForwarder to fan
// out gossip.
func (s *Session) Lookup() wire.LookupProxy { return s.lookup }

// Proxy returns the peer's session proxy, used by TopicMatcher to attach
// topic sessions on demand.
func (s *Session) Proxy() wire.SessionProxy { return s.proxy }

// TopicSession returns the cached per-topic session proxy for topic,
// attaching it lazily via open if not yet cached.
func (s *Session) TopicSession(topic string, open func() (wire.TopicSessionProxy, error)) (wire.TopicSessionProxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.topics[topic]; ok {
		return ts, nil
	}
	ts, err := open()
	if err != nil {
		return nil, err
	}
	s.topics[topic] = ts
	return ts, nil
}
