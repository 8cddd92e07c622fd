package dispatch

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrSessionExists is returned when registering a session id twice.
	ErrSessionExists = errors.New("session already registered")
	// ErrSessionNotFound is returned for unknown or already deregistered ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Registry tracks live sessions and the subscriber addresses interested in
// their output. It is shared between the request path and session
// goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		subs:     make(map[string][]string),
	}
}

// Register creates the session slot and an empty subscriber list.
func (r *Registry) Register(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrSessionExists
	}
	r.sessions[id] = s
	r.subs[id] = []string{}
	return nil
}

// Subscribe adds addr to the session's subscribers. Subscribing the same
// address twice is a no-op.
func (r *Registry) Subscribe(id, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.subs[id]
	if !ok {
		return ErrSessionNotFound
	}
	for _, a := range list {
		if a == addr {
			return nil
		}
	}
	r.subs[id] = append(list, addr)
	return nil
}

// Unsubscribe removes one subscriber address.
func (r *Registry) Unsubscribe(id, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.subs[id]
	if !ok {
		return ErrSessionNotFound
	}
	for i, a := range list {
		if a == addr {
			r.subs[id] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// Subscribers returns a snapshot of the session's subscriber addresses.
func (r *Registry) Subscribers(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l := r.subs[id]
	out := make([]string, len(l))
	copy(out, l)
	return out
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Deregister drops the session slot and its subscribers. Sessions call it
// only after their terminal message and the grace period.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.subs, id)
}

// List returns the live sessions ordered by id, which is time-ordered.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
