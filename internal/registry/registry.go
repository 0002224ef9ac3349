// Package registry maps a conversation id to the single live client
// connection currently viewing it. Connection lifecycle events mutate it and
// broker push deliveries read it, from different goroutines.
package registry

import "sync"

// Conn is the part of a live client connection the relay needs: a way to send
// one text frame.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry is a thread-safe conversation id -> Conn map. A newer registration
// for the same id replaces the older one so a reconnect or a second tab takes
// over the conversation.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn // conversation_id -> Conn
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Put registers conn under id and returns the connection it replaced, if any.
func (r *Registry) Put(id string, conn Conn) (replaced Conn) {
	r.mu.Lock()
	replaced = r.conns[id]
	r.conns[id] = conn
	r.mu.Unlock()
	return replaced
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	return conn, ok
}

// Remove deletes the entry for id regardless of which connection holds it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// RemoveIf deletes the entry for id only while it still points at conn, so a
// late close of a superseded connection cannot evict its replacement. It
// reports whether an entry was removed.
func (r *Registry) RemoveIf(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[id]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, id)
	return true
}

// Count returns the number of conversations with a live viewer.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}
