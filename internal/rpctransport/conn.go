package rpctransport

import (
	"net"
	"net/rpc"
	"sync"
	"time"
)

// conn is one physical TCP connection, shared by every proxy facade
// (lookup, session, topic-session) handed out for a given peer address:
// one conn backs both the Lookup and Session RPC service groups at once,
// so the server-side "exclude the connection this arrived on" comparison
// and the client-side "one dial per directed link" shape both hold
// without a second socket.
type conn struct {
	addr      string
	nc        net.Conn
	client    *rpc.Client
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(addr string, nc net.Conn, client *rpc.Client) *conn {
	return &conn{addr: addr, nc: nc, client: client, closed: make(chan struct{})}
}

func (c *conn) RemoteAddr() string      { return c.addr }
func (c *conn) Closed() <-chan struct{} { return c.closed }

// Close tears down the connection. client is nil for a server-side conn
// (it never dials out, only accepts), in which case the raw net.Conn is
// closed directly instead.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.client != nil {
			err = c.client.Close()
		} else if c.nc != nil {
			err = c.nc.Close()
		}
		close(c.closed)
	})
	return err
}

// noteIOError marks the connection closed after an RPC fails with
// rpc.ErrShutdown or a network error; net/rpc has no close notification
// of its own, so closure is inferred from a failing call.
func (c *conn) noteIOError() {
	_ = c.Close()
}

// pingLoop probes the peer with a lightweight Identify call at every
// interval. A failed application call already marks the link dead via
// noteIOError, but a peer that dies while no announcements or samples
// happen to be flowing would otherwise go undetected forever: net/rpc
// only surfaces a broken link on the next outbound call, so this loop
// supplies one. Identify is always registered on the remote servant, so
// any error at all means the link itself is gone.
func (c *conn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			var resp CreateSessionResp
			if err := c.client.Call("Node.Identify", Ack{}, &resp); err != nil {
				c.noteIOError()
				return
			}
		}
	}
}
