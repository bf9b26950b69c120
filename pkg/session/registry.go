// Package session tracks which authenticated users are online and through
// which live connections.
//
// The registry holds connection ids only. A user id is present if and only if
// at least one of its connection ids is registered; Register and Unregister
// report the first/last transitions so callers can derive presence events
// without racing each other.
package session

import "sync"

// Registry maps user id -> set of connection ids. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{} // userId → set of connIds
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// Register records connID for userID. It reports whether this made the user
// online, i.e. connID is the user's first live connection. Registering an
// already-registered pair is a no-op that reports false.
func (r *Registry) Register(userID, connID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	return !ok
}

// Unregister removes connID from userID. It reports whether the user has no
// remaining connections as a result of this call. Removing an unknown pair is
// a no-op that reports false, so concurrent teardowns of the same connection
// produce at most one offline transition.
func (r *Registry) Unregister(userID, connID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Connections returns a snapshot of userID's connection ids.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	return result
}

// UserCount returns the number of online users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectionCount returns the number of registered connections across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}
