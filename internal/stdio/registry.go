package stdio

import (
	"sync"

	"github.com/virtshim/guestagent/internal/transport"
)

// Registry tracks passthrough I/O connections by their host-side peer port.
// A single mutex guards the map across all bridge connections; concurrent
// accepts for the same key are resolved as last write wins.
type Registry struct {
	mu    sync.Mutex
	conns map[uint32]transport.Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint32]transport.Connection)}
}

// Store records `conn` under `port`, replacing and closing any connection
// previously stored under the same key.
func (r *Registry) Store(port uint32, conn transport.Connection) {
	r.mu.Lock()
	prev := r.conns[port]
	r.conns[port] = conn
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// Load returns the connection stored under `port`, or nil.
func (r *Registry) Load(port uint32) transport.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[port]
}

// Remove deletes the entry for `port` and returns the removed connection,
// or nil if there was none. The caller owns closing it.
func (r *Registry) Remove(port uint32) transport.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.conns[port]
	delete(r.conns, port)
	return conn
}

// CloseAll closes and forgets every stored connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint32]transport.Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
