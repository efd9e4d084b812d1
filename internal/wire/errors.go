package wire

import "errors"

// Sentinel error kinds. Components wrap these with context via
// fmt.Errorf("...: %w", ...); callers use errors.Is against them.
var (
	// ErrTransportClosed: the underlying connection is gone. Recovery
	// lives entirely in NodeSessionManager's state machine; it never
	// propagates further up.
	ErrTransportClosed = errors.New("wire: transport closed")

	// ErrPeerUnknown: routing found no session for the requested peer.
	// Surfaced to RPC callers as "object not exist".
	ErrPeerUnknown = errors.New("wire: peer unknown")

	// ErrShutdown: the local instance is torn down. In-flight work is
	// best-effort cancelled.
	ErrShutdown = errors.New("wire: instance shut down")

	// ErrConfigError: the process configuration failed validation.
	// Surfaced synchronously from config.Load.
	ErrConfigError = errors.New("wire: invalid configuration")

	// ErrMissingReducer: a PartialUpdate named a tag with no registered
	// reducer. The sample is dropped unpublished, and the writer's
	// PartialUpdate call returns this error.
	ErrMissingReducer = errors.New("wire: no reducer registered for update tag")
)
