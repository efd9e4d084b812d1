package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

func TestSessionRegistryReplacesOnPeerCollision(t *testing.T) {
	r := NewSessionRegistry()
	peer := wire.NodeID{Name: "p1"}
	conn1 := newFakeConn("c1")
	conn2 := newFakeConn("c2")

	s1, created, stale := r.CreateOrGet(peer, conn1, fakeSessionProxy{}, &fakeLookup{}, true)
	if !created || stale != nil {
		t.Fatalf("first CreateOrGet: created=%v stale=%v", created, stale)
	}

	// Same peer, same conn: the existing session is returned untouched.
	again, created, stale := r.CreateOrGet(peer, conn1, fakeSessionProxy{}, &fakeLookup{}, true)
	if created || stale != nil || again != s1 {
		t.Fatalf("same-conn CreateOrGet: created=%v stale=%v same=%v", created, stale, again == s1)
	}

	// Same peer, new conn: the older session is destroyed first and
	// handed back so the caller can close its connection.
	s2, created, stale := r.CreateOrGet(peer, conn2, fakeSessionProxy{}, &fakeLookup{}, true)
	if !created || stale != s1 {
		t.Fatalf("collision CreateOrGet: created=%v stale=%v", created, stale == s1)
	}
	if s2 == s1 {
		t.Fatal("collision must produce a new session")
	}

	// Both indexes agree: one session for the peer, keyed by the new conn
	// only.
	if got, ok := r.GetByPeer(peer); !ok || got != s2 {
		t.Fatalf("GetByPeer = %v, ok=%v, want the replacement session", got, ok)
	}
	if _, ok := r.GetByConn(conn1); ok {
		t.Fatal("stale conn must not remain in the by-conn index")
	}
	if got, ok := r.GetByConn(conn2); !ok || got != s2 {
		t.Fatalf("GetByConn(conn2) = %v, ok=%v", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestSessionRegistryDestroyRemovesBothIndexes(t *testing.T) {
	r := NewSessionRegistry()
	peer := wire.NodeID{Name: "p2"}
	conn := newFakeConn("c")
	r.CreateOrGet(peer, conn, fakeSessionProxy{}, &fakeLookup{}, true)

	if _, ok := r.Destroy(conn); !ok {
		t.Fatal("Destroy should report the removed session")
	}
	if _, ok := r.GetByPeer(peer); ok {
		t.Fatal("destroyed session still reachable by peer")
	}
	if _, ok := r.GetByConn(conn); ok {
		t.Fatal("destroyed session still reachable by conn")
	}
	if _, ok := r.Destroy(conn); ok {
		t.Fatal("second Destroy should be a no-op")
	}
}

// TestForwarderExcludesSourceConnection checks the no-echo invariant: a
// fanned-out announcement is never re-issued on the connection it arrived
// on.
func TestForwarderExcludesSourceConnection(t *testing.T) {
	registry := NewSessionRegistry()
	self := wire.NodeID{Name: "self"}

	connA := newFakeConn("a")
	lookupA := &fakeLookup{}
	registry.CreateOrGet(wire.NodeID{Name: "peerA"}, connA, fakeSessionProxy{}, lookupA, true)

	connB := newFakeConn("b")
	lookupB := &fakeLookup{}
	registry.CreateOrGet(wire.NodeID{Name: "peerB"}, connB, fakeSessionProxy{}, lookupB, true)

	f := NewLookupForwarder(self, registry, nil)
	origin := wire.NodeRef{ID: wire.NodeID{Name: "announcer"}, Addr: "announcer:1"}
	f.AnnounceTopicReader(context.Background(), "t1", origin, connA)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(lookupB.Calls()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if calls := lookupB.Calls(); len(calls) != 1 || calls[0].kind != "reader" || calls[0].topic != "t1" {
		t.Fatalf("peerB calls = %+v, want one reader announcement for t1", lookupB.Calls())
	}
	// Give a stray echo a moment to show up before asserting absence.
	time.Sleep(20 * time.Millisecond)
	if calls := lookupA.Calls(); len(calls) != 0 {
		t.Fatalf("announcement echoed to its source connection: %+v", calls)
	}
}

// TestForwarderSubstitutesKnownPeers checks the substitution rule: an
// announcement naming a peer this node has a session with is forwarded as
// relayed-via-this-node, and one naming an unknown node is forwarded
// verbatim.
func TestForwarderSubstitutesKnownPeers(t *testing.T) {
	registry := NewSessionRegistry()
	self := wire.NodeID{Name: "self"}

	connA := newFakeConn("a")
	registry.CreateOrGet(wire.NodeID{Name: "peerA"}, connA, fakeSessionProxy{}, &fakeLookup{}, true)

	connB := newFakeConn("b")
	lookupB := &fakeLookup{}
	registry.CreateOrGet(wire.NodeID{Name: "peerB"}, connB, fakeSessionProxy{}, lookupB, true)

	f := NewLookupForwarder(self, registry, nil)

	// peerA has a session here, so the ref forwarded to peerB names this
	// node as the relay and drops the direct address.
	f.AnnounceTopicWriter(context.Background(), "t2", wire.NodeRef{ID: wire.NodeID{Name: "peerA"}, Addr: "a:1"}, connA)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(lookupB.Calls()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	calls := lookupB.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want 1", calls)
	}
	if got := calls[0].node; got.RelayVia != self || got.Addr != "" {
		t.Fatalf("forwarded ref = %+v, want relayed via %v with no address", got, self)
	}

	// An unknown announcer's ref passes through untouched.
	unknown := wire.NodeRef{ID: wire.NodeID{Name: "stranger"}, Addr: "s:1"}
	f.AnnounceTopicWriter(context.Background(), "t3", unknown, connA)
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(lookupB.Calls()) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	calls = lookupB.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v, want 2", calls)
	}
	if got := calls[1].node; got != unknown {
		t.Fatalf("forwarded ref = %+v, want %+v verbatim", got, unknown)
	}
}
