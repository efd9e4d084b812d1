package mesh

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsmesh/mesh/internal/wire"
)

// State is a NodeSessionManager's position in the connection lifecycle.
type State int

const (
	// StateIdle: no address to dial, or not yet started.
	StateIdle State = iota
	// StateConnecting: a dial attempt is in flight.
	StateConnecting
	// StateConnected: a live session is established.
	StateConnected
	// StateBackoff: waiting out a retry delay after a failed attempt.
	StateBackoff
	// StateClosed: the manager has been torn down and will not retry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateBackoff:
		return "Backoff"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// NodeSessionManager owns the connection lifecycle to one remote node
// this instance actively dials: the Idle/Connecting/Connected/Backoff
// state machine, with the retry count reset only on a successful
// connection, never merely on scheduling a retry.
//
// Purely passive peers (reachable only because they dialed us) have no
// NodeSessionManager; their Session is registered directly by the inbound
// RPC handler. A manager exists only for nodes this instance knows an
// address for, whether from static configuration or a gossiped
// announcement.
type NodeSessionManager struct {
	mu sync.Mutex

	ref     wire.NodeRef
	state   State
	retry   int
	timer   *time.Timer
	session *Session
	closed  bool

	// eg tracks every in-flight connect/retry goroutine this manager has
	// spawned, so Close can wait for them to unwind instead of leaving
	// them to race a torn-down instance.
	eg errgroup.Group

	pendingReaders map[string]struct{}
	pendingWriters map[string]struct{}

	dialer    wire.Dialer
	registry  *SessionRegistry
	backoff   BackoffPolicy
	selfRef   func() wire.NodeRef
	forward   bool
	onSession func(*Session)
	metrics   *Collector
}

// NewNodeSessionManager constructs a manager for ref, not yet started.
// selfRef returns this instance's own node reference at call time (it may
// change if relay reachability changes), used both to create sessions and
// to announce local topic interest. metrics may be nil, in which case no
// metrics are recorded.
func NewNodeSessionManager(ref wire.NodeRef, dialer wire.Dialer, registry *SessionRegistry, backoff BackoffPolicy, selfRef func() wire.NodeRef, forward bool, metrics *Collector) *NodeSessionManager {
	return &NodeSessionManager{
		ref:            ref,
		dialer:         dialer,
		registry:       registry,
		backoff:        backoff,
		selfRef:        selfRef,
		forward:        forward,
		metrics:        metrics,
		pendingReaders: make(map[string]struct{}),
		pendingWriters: make(map[string]struct{}),
	}
}

// setState moves the manager to s, recording the transition if metrics are
// enabled. Callers must hold n.mu.
func (n *NodeSessionManager) setState(s State) {
	from := n.state
	n.state = s
	if n.metrics != nil {
		n.metrics.StateTransitions.WithLabelValues(from.String(), s.String()).Inc()
	}
}

// SetOnSessionEstablished installs a hook run once, synchronously, right
// after a new session is registered (before pending announcements are
// flushed), used by Instance to let an owning topic.Registry send this
// node's current reader/writer names over a session it did not itself
// dial; the name exchange applies symmetrically regardless of dial
// direction.
func (n *NodeSessionManager) SetOnSessionEstablished(fn func(*Session)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSession = fn
}

// State returns the manager's current state.
func (n *NodeSessionManager) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Session returns the live session, if any.
func (n *NodeSessionManager) Session() (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session, n.session != nil
}

// Start begins dialing ref if it names a direct address; a ref reachable
// only via relay stays Idle until it is reachable by some other means (a
// relayed session established the other way).
func (n *NodeSessionManager) Start(ctx context.Context) {
	n.mu.Lock()
	if n.state != StateIdle || n.closed {
		n.mu.Unlock()
		return
	}
	if !n.ref.Direct() {
		n.mu.Unlock()
		return
	}
	n.setState(StateConnecting)
	n.mu.Unlock()
	n.eg.Go(func() error {
		n.connect(ctx)
		return nil
	})
}

func (n *NodeSessionManager) connect(ctx context.Context) {
	lookupProxy, lookupConn, err := n.dialer.DialLookup(ctx, n.ref.Addr)
	if err != nil {
		log.Println("mesh: dial lookup", n.ref.Addr, "failed:", err)
		n.recordConnectAttempt("failure")
		n.scheduleRetry()
		return
	}

	peerRef, err := lookupProxy.CreateSession(ctx, n.selfRef())
	if err != nil {
		log.Println("mesh: create session with", n.ref.Addr, "failed:", err)
		lookupConn.Close()
		n.recordConnectAttempt("failure")
		n.scheduleRetry()
		return
	}

	// A statically configured bootstrap peer (Node.ConnectTo) is dialed
	// before its identity is known; adopt the identity the handshake
	// reports.
	n.mu.Lock()
	if n.ref.ID.IsZero() && !peerRef.ID.IsZero() {
		n.ref.ID = peerRef.ID
	}
	peer := n.ref.ID
	n.mu.Unlock()

	sessionProxy, sessConn, err := n.dialer.DialSession(ctx, n.ref.Addr)
	if err != nil {
		log.Println("mesh: dial session", n.ref.Addr, "failed:", err)
		lookupConn.Close()
		n.recordConnectAttempt("failure")
		n.scheduleRetry()
		return
	}

	n.recordConnectAttempt("success")
	n.onConnected(peer, sessConn, sessionProxy, lookupProxy)
}

func (n *NodeSessionManager) recordConnectAttempt(outcome string) {
	if n.metrics != nil {
		n.metrics.ConnectAttempts.WithLabelValues(outcome).Inc()
	}
}

func (n *NodeSessionManager) onConnected(peer wire.NodeID, conn wire.Connection, proxy wire.SessionProxy, lookup wire.LookupProxy) {
	traceSession("mesh: session established with", peer)
	s, _, stale := n.registry.CreateOrGet(peer, conn, proxy, lookup, n.forward)
	if stale != nil {
		stale.Conn().Close()
	}

	n.mu.Lock()
	n.setState(StateConnected)
	n.retry = 0
	n.session = s
	readers := drainSet(n.pendingReaders)
	writers := drainSet(n.pendingWriters)
	onSession := n.onSession
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.Sessions.Set(float64(n.registry.Count()))
	}

	watcher := NewConnectionWatcher()
	watcher.Watch(s.Conn(), n.onDisconnected)

	if onSession != nil {
		onSession(s)
	}

	if len(readers) > 0 || len(writers) > 0 {
		if err := s.Lookup().AnnounceTopics(context.Background(), readers, writers, n.selfRef()); err != nil {
			log.Println("mesh: flush pending announcements to", n.ref.ID, "failed:", err)
		}
	}
}

func (n *NodeSessionManager) onDisconnected() {
	n.mu.Lock()
	if n.state == StateClosed || n.session == nil {
		n.mu.Unlock()
		return
	}
	conn := n.session.Conn()
	n.session = nil
	peer := n.ref.ID
	n.mu.Unlock()

	traceSession("mesh: session with", peer, "closed, reconnecting")
	n.registry.Destroy(conn)
	if n.metrics != nil {
		n.metrics.Sessions.Set(float64(n.registry.Count()))
	}
	n.scheduleRetry()
}

func (n *NodeSessionManager) scheduleRetry() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	delay := n.backoff.Delay(n.retry)
	n.retry++
	n.setState(StateBackoff)
	n.mu.Unlock()

	n.timer = time.AfterFunc(delay, func() {
		n.eg.Go(func() error {
			n.mu.Lock()
			if n.closed {
				n.mu.Unlock()
				return nil
			}
			n.setState(StateConnecting)
			n.mu.Unlock()
			n.connect(context.Background())
			return nil
		})
	})
}

// AnnounceTopicReader tells the peer this instance reads topic. If not
// currently connected, the announcement is queued and flushed on the next
// successful connection.
func (n *NodeSessionManager) AnnounceTopicReader(ctx context.Context, topic string) error {
	n.mu.Lock()
	session := n.session
	if session == nil {
		n.pendingReaders[topic] = struct{}{}
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return session.Lookup().AnnounceTopicReader(ctx, topic, n.selfRef())
}

// AnnounceTopicWriter tells the peer this instance writes topic, queuing
// if disconnected.
func (n *NodeSessionManager) AnnounceTopicWriter(ctx context.Context, topic string) error {
	n.mu.Lock()
	session := n.session
	if session == nil {
		n.pendingWriters[topic] = struct{}{}
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return session.Lookup().AnnounceTopicWriter(ctx, topic, n.selfRef())
}

// Close tears the manager down: it stops retrying, closes any live session,
// and waits for any in-flight connect/retry goroutine to observe n.closed
// and return.
func (n *NodeSessionManager) Close() {
	n.mu.Lock()
	n.closed = true
	n.setState(StateClosed)
	t := n.timer
	s := n.session
	n.session = nil
	n.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if s != nil {
		s.Conn().Close()
	}
	n.eg.Wait()
}

func drainSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
		delete(m, k)
	}
	return out
}
