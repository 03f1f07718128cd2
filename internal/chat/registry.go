package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnRegistry tracks the live WebSocket per connection key. The lifecycle
// controller consults it before firing a grace-window eviction so a
// reconnected client is not swept out from under its own session.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		active: make(map[string]*websocket.Conn),
	}
}

// GetActive returns the live connection for a key, or nil.
func (r *ConnRegistry) GetActive(connKey string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[connKey]
}

// Register records a new live connection. A previous connection under the
// same key is closed: the newest connection wins.
func (r *ConnRegistry) Register(connKey string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[connKey]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	r.active[connKey] = conn
	slog.Info("Chat connection registered", "conn_key", connKey)
}

// Unregister removes a live connection, but only if it is still the
// current one: a stale unregister must not clobber a replacement.
func (r *ConnRegistry) Unregister(connKey string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[connKey]; ok && current == conn {
		delete(r.active, connKey)
		slog.Info("Chat connection unregistered", "conn_key", connKey)
	}
}
