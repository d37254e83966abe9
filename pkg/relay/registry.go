package relay

import (
	"fmt"
	"sync"
)

// Registry is the authoritative table of live sessions. Every inbound
// envelope is routed through it, and bulk shutdown enumerates it. A session
// id appears at most once; a session is visible from the moment its creation
// is accepted until its teardown completes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts a session, enforcing id uniqueness.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("session %s already registered", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Lookup returns the live session for an id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the entry for id, but only if it still maps to s. A peer
// that reconnects right after a teardown gets a brand-new session under the
// same id; the stale teardown must not evict it.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[id]; ok && current == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Snapshot returns the live sessions at this instant.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
