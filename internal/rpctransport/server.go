package rpctransport

import (
	"errors"
	"log"
	"net"
	"net/rpc"

	"golang.org/x/net/netutil"

	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/topic"
)

// Server accepts inbound peer connections and dispatches the
// Lookup/Session/TopicSession protocol into an Instance and Registry,
// one freshly registered servant per accepted connection (see servant.go
// for why).
type Server struct {
	instance *mesh.Instance
	registry *topic.Registry
	ln       net.Listener

	// MaxConns bounds concurrently accepted peer connections via
	// netutil.LimitListener.
	MaxConns int
}

// NewServer starts listening on addr. Call Serve to begin accepting.
func NewServer(addr string, instance *mesh.Instance, registry *topic.Registry, maxConns int) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return &Server{instance: instance, registry: registry, ln: ln, MaxConns: maxConns}, nil
}

// Addr returns the listener's bound address, useful when addr was ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until the listener is closed, serving each on
// its own goroutine. It returns the Accept error that stopped it (nil
// after a clean Close).
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(nc)
	}
}

// Close stops accepting new connections; connections already accepted run
// to completion.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) serveConn(nc net.Conn) {
	c := newConn(nc.RemoteAddr().String(), nc, nil)
	sv := newServant(c, s.instance, s.registry)

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Node", sv); err != nil {
		log.Println("rpctransport: register servant failed:", err)
		nc.Close()
		return
	}
	rpcServer.ServeConn(nc)
	_ = c.Close()
}
