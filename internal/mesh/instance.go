package mesh

import (
	"context"
	"log"
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

// Instance is this node's mesh runtime: the session directory, the
// collocated lookup forwarder, and the set of NodeSessionManagers this
// node actively dials, whether from static configuration or because a
// peer's address was learned from gossip. Held as a value rather than
// package-level globals so a process can host more than one in tests.
type Instance struct {
	SelfID wire.NodeID

	Registry  *SessionRegistry
	Forwarder *LookupForwarder
	Metrics   *Collector

	mu       sync.Mutex
	managers map[wire.NodeID]*NodeSessionManager

	dialer      wire.Dialer
	backoff     BackoffPolicy
	publicAddr  string
	relayVia    wire.NodeID
	forwardGoss bool
	onSession   func(*Session)

	// relayFactory synthesizes proxies that reach target through an
	// established session with a relay node. Supplied by the transport;
	// nil means relayed refs are unreachable.
	relayFactory func(via *Session, target wire.NodeID) (wire.LookupProxy, wire.SessionProxy, bool)
}

// NewInstance constructs the mesh runtime for a node identified by self,
// dialing peers through dialer. publicAddr is this node's own directly
// reachable address, or empty if it has none (in which case relayVia, if
// non-zero, names a node other peers should route through to reach it).
func NewInstance(self wire.NodeID, dialer wire.Dialer, backoff BackoffPolicy, publicAddr string, relayVia wire.NodeID, metrics *Collector) *Instance {
	registry := NewSessionRegistry()
	return &Instance{
		SelfID:      self,
		Registry:    registry,
		Forwarder:   NewLookupForwarder(self, registry, metrics),
		Metrics:     metrics,
		managers:    make(map[wire.NodeID]*NodeSessionManager),
		dialer:      dialer,
		backoff:     backoff,
		publicAddr:  publicAddr,
		relayVia:    relayVia,
		forwardGoss: true,
	}
}

// SelfRef returns this instance's own wire-form node reference: if this
// node has no directly reachable address, its ref names the relay
// instead.
func (in *Instance) SelfRef() wire.NodeRef {
	in.mu.Lock()
	addr := in.publicAddr
	in.mu.Unlock()
	return wire.NodeRef{ID: in.SelfID, Addr: addr, RelayVia: in.relayVia}
}

// Dialer returns the dialer this instance reaches peers through, for
// transport servants that need to dial back to an inbound peer.
func (in *Instance) Dialer() wire.Dialer { return in.dialer }

// SetRelayProxyFactory installs the transport hook SessionFor uses to
// synthesize proxies for a peer reachable only through a relay session.
func (in *Instance) SetRelayProxyFactory(fn func(via *Session, target wire.NodeID) (wire.LookupProxy, wire.SessionProxy, bool)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.relayFactory = fn
}

// SetPublicAddr updates the address this instance announces as its own,
// for the case where it isn't known until after the inbound listener binds
// (e.g. an ephemeral ":0" port). Safe to call before any session is
// established; announcements already sent with the old value are not
// retracted.
func (in *Instance) SetPublicAddr(addr string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.publicAddr = addr
}

// EnsureManager returns the NodeSessionManager for ref.ID, creating and
// starting one if this is the first time this node's address has been
// seen (e.g. just learned from a gossiped announcement).
func (in *Instance) EnsureManager(ctx context.Context, ref wire.NodeRef) *NodeSessionManager {
	in.mu.Lock()
	m, ok := in.managers[ref.ID]
	if !ok {
		m = NewNodeSessionManager(ref, in.dialer, in.Registry, in.backoff, in.SelfRef, in.forwardGoss, in.Metrics)
		if in.onSession != nil {
			m.SetOnSessionEstablished(in.onSession)
		}
		in.managers[ref.ID] = m
	}
	in.mu.Unlock()

	if !ok {
		m.Start(ctx)
	}
	return m
}

// SetOnSessionEstablished installs a hook run once for every session this
// instance establishes, inbound or outbound, right after it is registered.
// topic.Registry uses this to push this node's current reader/writer
// names over a session it did not itself dial.
func (in *Instance) SetOnSessionEstablished(fn func(*Session)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onSession = fn
}

// SessionFor resolves ref to a live session: the direct session if one is
// registered, else a relay session synthesized over this node's session
// with ref.RelayVia.
// A direct ref with no session yet starts a NodeSessionManager dial and
// reports false for now; the name exchange on connect re-runs topic
// matching, so the caller loses nothing by giving up here.
func (in *Instance) SessionFor(ctx context.Context, ref wire.NodeRef) (*Session, bool) {
	if s, ok := in.Registry.GetByPeer(ref.ID); ok {
		return s, true
	}
	if ref.Direct() {
		in.EnsureManager(ctx, ref)
		return nil, false
	}
	if ref.RelayVia.IsZero() || ref.ID == in.SelfID {
		return nil, false
	}
	via, ok := in.Registry.GetByPeer(ref.RelayVia)
	if !ok {
		return nil, false
	}
	in.mu.Lock()
	factory := in.relayFactory
	in.mu.Unlock()
	if factory == nil {
		return nil, false
	}
	lp, sp, ok := factory(via, ref.ID)
	if !ok {
		return nil, false
	}

	// forward=false: a relay session never fans gossip out itself; the
	// relay node already forwards on this node's behalf.
	s, created, stale := in.Registry.CreateOrGet(ref.ID, newRelayConn(via.Conn()), sp, lp, false)
	if stale != nil {
		stale.Conn().Close()
	}
	if created {
		traceSession("mesh: relay session to", ref.ID, "via", ref.RelayVia)
		conn := s.Conn()
		NewConnectionWatcher().Watch(conn, func() {
			in.Registry.Destroy(conn)
		})
	}
	return s, true
}

// relayConn gives a relay session a connection identity of its own while
// sharing the carrier link's closure signal, so the registry's by-conn
// index stays one-to-one and closing the relay session never closes the
// carrier.
type relayConn struct {
	carrier wire.Connection
	closed  chan struct{}
	once    sync.Once
}

func newRelayConn(carrier wire.Connection) *relayConn {
	rc := &relayConn{carrier: carrier, closed: make(chan struct{})}
	go func() {
		select {
		case <-carrier.Closed():
			rc.Close()
		case <-rc.closed:
		}
	}()
	return rc
}

func (c *relayConn) RemoteAddr() string { return c.carrier.RemoteAddr() + " (relayed)" }

func (c *relayConn) Closed() <-chan struct{} { return c.closed }

func (c *relayConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Manager returns the manager for peer, if one has been created.
func (in *Instance) Manager(peer wire.NodeID) (*NodeSessionManager, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, ok := in.managers[peer]
	return m, ok
}

// RegisterInbound records a session created by an inbound connection (the
// peer dialed us): registered directly into the Registry, bypassing the
// NodeSessionManager dial/backoff machinery, which only governs sessions
// this instance initiates.
func (in *Instance) RegisterInbound(peer wire.NodeID, conn wire.Connection, proxy wire.SessionProxy, lookup wire.LookupProxy) (*Session, bool) {
	s, created, stale := in.Registry.CreateOrGet(peer, conn, proxy, lookup, in.forwardGoss)
	if stale != nil {
		stale.Conn().Close()
	}
	if created {
		traceSession("mesh: inbound session from", peer)
		watcher := NewConnectionWatcher()
		watcher.Watch(conn, func() {
			traceSession("mesh: inbound session from", peer, "closed")
			in.Registry.Destroy(conn)
			if in.Metrics != nil {
				in.Metrics.Sessions.Set(float64(in.Registry.Count()))
			}
		})
		if in.Metrics != nil {
			in.Metrics.Sessions.Set(float64(in.Registry.Count()))
		}
		in.mu.Lock()
		onSession := in.onSession
		in.mu.Unlock()
		if onSession != nil {
			onSession(s)
		}
	}
	return s, created
}

// AnnounceTopicReader broadcasts a freshly registered local reader name to
// every peer this instance currently knows about: live sessions hear about
// it immediately via the forwarder; managers with no live session yet
// queue it for the moment they connect. The two paths can both reach an
// already-connected peer, which is harmless since announcements are
// idempotent.
func (in *Instance) AnnounceTopicReader(ctx context.Context, name string) {
	in.Forwarder.AnnounceTopicReader(ctx, name, in.SelfRef(), nil)
	for _, m := range in.snapshotManagers() {
		if err := m.AnnounceTopicReader(ctx, name); err != nil {
			log.Println("mesh: announce reader", name, "to", m.ref.ID, "failed:", err)
		}
	}
}

// AnnounceTopicWriter is AnnounceTopicReader's writer-side counterpart.
func (in *Instance) AnnounceTopicWriter(ctx context.Context, name string) {
	in.Forwarder.AnnounceTopicWriter(ctx, name, in.SelfRef(), nil)
	for _, m := range in.snapshotManagers() {
		if err := m.AnnounceTopicWriter(ctx, name); err != nil {
			log.Println("mesh: announce writer", name, "to", m.ref.ID, "failed:", err)
		}
	}
}

func (in *Instance) snapshotManagers() []*NodeSessionManager {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*NodeSessionManager, 0, len(in.managers))
	for _, m := range in.managers {
		out = append(out, m)
	}
	return out
}

// Close tears down every managed outbound session.
func (in *Instance) Close() {
	in.mu.Lock()
	managers := make([]*NodeSessionManager, 0, len(in.managers))
	for _, m := range in.managers {
		managers = append(managers, m)
	}
	in.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
