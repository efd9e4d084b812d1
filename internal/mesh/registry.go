package mesh

import (
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

// SessionRegistry is the dual-indexed directory of live sessions. A
// session is reachable either by the identity of its peer (to avoid
// dialing a node twice) or by its underlying connection (to tear it down
// when the connection drops).
type SessionRegistry struct {
	mu     sync.Mutex
	byPeer map[wire.NodeID]*Session
	byConn map[wire.Connection]*Session
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byPeer: make(map[wire.NodeID]*Session),
		byConn: make(map[wire.Connection]*Session),
	}
}

// CreateOrGet returns the existing session for peer if one is already
// registered under the same conn (the proxies passed here then go
// unused; the conn is the live session's own). If a session exists for
// peer under a different conn, the
// older session is destroyed and erased first and a new session replaces
// it, keeping at most one session per peer. The second return value reports
// whether a new session was created; the third returns the destroyed
// stale session, if any, so the caller can close its connection.
func (r *SessionRegistry) CreateOrGet(peer wire.NodeID, conn wire.Connection, proxy wire.SessionProxy, lookup wire.LookupProxy, forward bool) (*Session, bool, *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale *Session
	if existing, ok := r.byPeer[peer]; ok {
		if existing.Conn() == conn {
			return existing, false, nil
		}
		delete(r.byConn, existing.Conn())
		delete(r.byPeer, peer)
		stale = existing
	}

	s := newSession(peer, conn, proxy, lookup, forward)
	r.byPeer[peer] = s
	r.byConn[conn] = s
	return s, true, stale
}

// GetByPeer looks up the session for a known peer identity.
func (r *SessionRegistry) GetByPeer(peer wire.NodeID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPeer[peer]
	return s, ok
}

// GetByConn looks up the session owning a connection.
func (r *SessionRegistry) GetByConn(conn wire.Connection) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// Destroy removes the session associated with conn from both indices. It
// reports the removed session, if any.
func (r *SessionRegistry) Destroy(conn wire.Connection) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(r.byConn, conn)
	delete(r.byPeer, s.peer)
	return s, true
}

// All returns a snapshot of every live session, safe to range over without
// holding the registry lock.
func (r *SessionRegistry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byPeer))
	for _, s := range r.byPeer {
		out = append(out, s)
	}
	return out
}

// Count reports the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPeer)
}
