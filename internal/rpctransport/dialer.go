package rpctransport

import (
	"context"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

// defaultPingInterval paces the per-connection liveness probe (see
// conn.pingLoop). Low frequency on purpose: the probe exists to catch a
// peer that died while the link was idle, not to race application
// traffic.
const defaultPingInterval = 15 * time.Second

// Dialer implements wire.Dialer over net/rpc: one *rpc.Client per remote
// address, dialed once and reused for every proxy facade requested
// against it, the Lookup/Session protocol split collapsing onto that
// single connection (see package doc).
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*conn

	// PingInterval overrides the liveness-probe pacing for connections
	// dialed after it is set. Zero means defaultPingInterval.
	PingInterval time.Duration
}

// NewDialer constructs a Dialer with no connections yet open.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*conn)}
}

func (d *Dialer) dial(addr string) (*conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[addr]; ok {
		select {
		case <-c.Closed():
			delete(d.conns, addr)
		default:
			return c, nil
		}
	}

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	client := rpc.NewClient(nc)
	c := newConn(addr, nc, client)
	d.conns[addr] = c

	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	go c.pingLoop(interval)
	return c, nil
}

// Close closes every cached connection. In-flight calls on them fail with
// rpc.ErrShutdown; the mesh layer observes the closures through each
// Connection's Closed channel.
func (d *Dialer) Close() error {
	d.mu.Lock()
	conns := make([]*conn, 0, len(d.conns))
	for addr, c := range d.conns {
		conns = append(conns, c)
		delete(d.conns, addr)
	}
	d.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DialLookup returns the Lookup-service proxy for addr.
func (d *Dialer) DialLookup(ctx context.Context, addr string) (wire.LookupProxy, wire.Connection, error) {
	c, err := d.dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return lookupProxy{c}, c, nil
}

// DialSession returns the Session-service proxy for addr, reusing the
// same connection DialLookup would for this address.
func (d *Dialer) DialSession(ctx context.Context, addr string) (wire.SessionProxy, wire.Connection, error) {
	c, err := d.dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return sessionProxy{c}, c, nil
}

// DialNode returns a lightweight identity probe for addr, used outside
// the mesh package's own protocol (e.g. an operator health-check
// command) to confirm what node answers at an address.
func (d *Dialer) DialNode(ctx context.Context, addr string) (wire.NodeProxy, wire.Connection, error) {
	c, err := d.dial(addr)
	if err != nil {
		return nil, nil, err
	}
	var resp CreateSessionResp
	if err := c.client.Call("Node.Identify", Ack{}, &resp); err != nil {
		c.noteIOError()
		return nil, nil, err
	}
	return nodeProxy{ref: resp.Self}, c, nil
}
