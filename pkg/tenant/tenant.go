// Package tenant implements the tenant layer (spec.md §4.11/component K):
// the ambient tenant id that the key codec prefixes every physical key
// with.
package tenant

import "sync"

// Resolver is a zero-argument producer consulted when no explicit tenant
// id is set, e.g. to pull one from a header or session abstraction the
// caller owns.
type Resolver func() (string, bool)

// Scope holds one request context's ambient tenant state: an explicit
// current id (if set) plus a resolver chain consulted otherwise.
type Scope struct {
	mu        sync.RWMutex
	current   string
	hasCurrent bool
	resolvers []Resolver
}

// NewScope returns an empty tenant scope with no current id and no
// resolvers.
func NewScope() *Scope {
	return &Scope{}
}

// SetCurrent explicitly sets the ambient tenant id.
func (s *Scope) SetCurrent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
	s.hasCurrent = true
}

// Clear removes the explicit ambient tenant id, falling back to the
// resolver chain on the next Current call.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
	s.hasCurrent = false
}

// AddResolver appends a resolver to the chain consulted when no explicit
// tenant id is set.
func (s *Scope) AddResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvers = append(s.resolvers, r)
}

// Current returns the active tenant id: the explicit id if set, else the
// first resolver to report one, else "" with ok=false.
func (s *Scope) Current() (string, bool) {
	s.mu.RLock()
	if s.hasCurrent {
		id := s.current
		s.mu.RUnlock()
		return id, true
	}
	resolvers := s.resolvers
	s.mu.RUnlock()

	for _, r := range resolvers {
		if id, ok := r(); ok {
			return id, true
		}
	}
	return "", false
}

// RunWithTenant runs body with id as the scope's explicit current tenant,
// restoring whatever was set before on return (spec.md §4.11).
func (s *Scope) RunWithTenant(id string, body func() error) error {
	s.mu.Lock()
	prevID, prevHas := s.current, s.hasCurrent
	s.current, s.hasCurrent = id, true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current, s.hasCurrent = prevID, prevHas
		s.mu.Unlock()
	}()

	return body()
}

// Fork returns a new Scope inheriting the current tenant id (if any) and
// the resolver chain, for use by a nested request context (spec.md §4.5).
func (s *Scope) Fork() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	child := &Scope{resolvers: append([]Resolver(nil), s.resolvers...)}
	if s.hasCurrent {
		child.current, child.hasCurrent = s.current, true
	}
	return child
}
