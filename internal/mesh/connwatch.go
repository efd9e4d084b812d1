package mesh

import (
	"sync"

	"github.com/dsmesh/mesh/internal/wire"
)

// ConnectionWatcher guarantees a connection's teardown callback runs
// exactly once, regardless of whether it fires because the transport
// observed the connection close asynchronously or because the owning
// NodeSessionManager tore it down itself first.
type ConnectionWatcher struct {
	once sync.Once
}

// NewConnectionWatcher constructs a watcher. The zero value is also ready
// to use; the constructor exists for symmetry with the other components.
func NewConnectionWatcher() *ConnectionWatcher {
	return &ConnectionWatcher{}
}

// Watch spawns a goroutine that runs onClose the first time conn reports
// closed, whether that happens because Watch's goroutine observed it or
// because Fire was called first.
func (w *ConnectionWatcher) Watch(conn wire.Connection, onClose func()) {
	go func() {
		<-conn.Closed()
		w.once.Do(onClose)
	}()
}

// Fire runs onClose immediately if it has not already run, for the
// explicit-teardown path (e.g. the owner decided to close the connection
// itself and does not want to wait for the async Closed() notification).
func (w *ConnectionWatcher) Fire(onClose func()) {
	w.once.Do(onClose)
}
