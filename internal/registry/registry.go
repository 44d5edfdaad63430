// Package registry maps logged-in user identities to their live
// connections. It is the single source of truth for whether a user is
// online and through which connection messages reach them.
package registry

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Conn is a routable connection. The registry never closes connections; it
// only hands them to the dispatcher.
type Conn interface {
	// ID uniquely identifies the transport instance.
	ID() string
	// Send enqueues payload without blocking and reports whether it was
	// accepted.
	Send(payload []byte) bool
	// IsOpen reports whether the transport can still accept payloads.
	IsOpen() bool
}

// Entry is one binding returned by Entries.
type Entry struct {
	Identity string
	Conn     Conn
}

// Registry holds at most one connection per identity.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Bind associates identity with conn, replacing any previous binding. When a
// different connection was bound it is returned so the caller can close it.
func (r *Registry) Bind(identity string, conn Conn) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.conns[identity]
	r.conns[identity] = conn
	if !ok || previous.ID() == conn.ID() {
		return nil, false
	}
	return previous, true
}

// Lookup returns the connection bound to identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[identity]
	return conn, ok
}

// Unbind removes identity only while it is still bound to conn, so a
// connection superseded by a newer login cannot remove that login.
func (r *Registry) Unbind(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[identity]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Snapshot returns the online identities in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	identities := lo.Keys(r.conns)
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// Entries returns a consistent copy of every binding.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.conns, func(identity string, conn Conn) Entry {
		return Entry{Identity: identity, Conn: conn}
	})
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
