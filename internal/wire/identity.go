// Package wire holds the data model and transport contracts shared by a
// node's discovery, session and topic-matching components. Nothing in this
// package knows how a value reaches the wire; internal/rpctransport supplies
// that.
package wire

import "fmt"

// NodeID is a node's identity: a name plus a category, unique within any
// set of nodes that can reach each other. Category lets two nodes of the
// same name but different roles (e.g. a forwarder vs the node it forwards
// for) coexist.
type NodeID struct {
	Name     string
	Category string
}

func (id NodeID) String() string {
	if id.Category == "" {
		return id.Name
	}
	return fmt.Sprintf("%s/%s", id.Category, id.Name)
}

// IsZero reports whether id is the unset identity.
func (id NodeID) IsZero() bool {
	return id.Name == "" && id.Category == ""
}

// NodeRef is how a node's identity travels over the wire: either a direct
// dial address, or a hint to relay through an already-established session
// with another node. A relayed ref is produced by the forwarder's
// announcement-substitution rule when the named peer already has a
// direct session with the forwarding node.
type NodeRef struct {
	ID NodeID
	// Addr is a dialable address. Empty when RelayVia is set.
	Addr string
	// RelayVia names the node to ask to relay calls to ID, when ID has no
	// direct address reachable from the caller.
	RelayVia NodeID
}

// Direct reports whether this ref can be dialed directly.
func (r NodeRef) Direct() bool {
	return r.Addr != ""
}
