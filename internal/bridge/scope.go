package bridge

import (
	"context"
	"sort"
	"sync"
)

// Scope is a name table of values exposed to the peer. Each connection owns one
// scope whose parent is the server-wide globals scope; lookups fall through to
// the parent, writes never do.
type Scope struct {
	mu     sync.RWMutex
	vars   map[string]any
	parent *Scope
}

// NewScope creates an empty scope that falls back to parent.
func NewScope(parent *Scope) *Scope {
	return &Scope{vars: make(map[string]any), parent: parent}
}

// Get looks name up in this scope, then in its parents. The names "window" and
// "globalThis" resolve to the scope itself.
func (s *Scope) Get(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	if name == "window" || name == "globalThis" {
		return s, true
	}
	s.mu.RLock()
	v, ok := s.vars[name]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	return s.parent.Get(name)
}

// Set binds name in this scope.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Delete removes name from this scope.
func (s *Scope) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[name]; !ok {
		return false
	}
	delete(s.vars, name)
	return true
}

// Names lists the names bound directly in this scope.
func (s *Scope) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of names bound directly in this scope.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}

// Clear drops every binding of this scope.
func (s *Scope) Clear() {
	s.mu.Lock()
	s.vars = make(map[string]any)
	s.mu.Unlock()
}

// GetAttr implements Object.
func (s *Scope) GetAttr(_ context.Context, name string) (any, error) {
	if v, ok := s.Get(name); ok {
		return v, nil
	}
	return nil, &AttributeError{Target: "scope", Name: name}
}

// SetAttr implements Object.
func (s *Scope) SetAttr(_ context.Context, name string, value any) error {
	s.Set(name, value)
	return nil
}

// DelAttr implements AttrDeleter.
func (s *Scope) DelAttr(_ context.Context, name string) error {
	if !s.Delete(name) {
		return &AttributeError{Target: "scope", Name: name}
	}
	return nil
}

// Attrs implements AttrLister.
func (s *Scope) Attrs() []string { return s.Names() }
