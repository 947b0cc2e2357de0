package bridge

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Registry maps opaque handles to host objects the peer holds proxies for.
// Every Register hands out one reference; a handle stays valid until each of
// its references is returned with Release or a delete_proxy command. Nothing
// is reclaimed implicitly.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

type registryEntry struct {
	value any
	kind  Kind
	refs  int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register returns the handle for v, minting one if v is not registered yet.
// Registering the same object twice yields the same handle. Functions have no
// usable identity in Go and always receive a fresh handle.
func (r *Registry) Register(v any) (string, Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, entry := range r.entries {
		if sameValue(entry.value, v) {
			entry.refs++
			r.entries[handle] = entry
			return handle, entry.kind
		}
	}
	handle := uuid.NewString()
	kind := KindOf(v)
	r.entries[handle] = registryEntry{value: v, kind: kind, refs: 1}
	return handle, kind
}

// Lookup returns the object behind handle.
func (r *Registry) Lookup(handle string) (any, bool) {
	r.mu.Lock()
	entry, ok := r.entries[handle]
	r.mu.Unlock()
	return entry.value, ok
}

// Kind returns the kind recorded for handle at registration.
func (r *Registry) Kind(handle string) (Kind, bool) {
	r.mu.Lock()
	entry, ok := r.entries[handle]
	r.mu.Unlock()
	return entry.kind, ok
}

// Release returns one reference to handle and drops the handle with its last
// reference. It reports whether the handle was live.
func (r *Registry) Release(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[handle]
	if !ok {
		return false
	}
	if entry.refs--; entry.refs > 0 {
		r.entries[handle] = entry
		return true
	}
	delete(r.entries, handle)
	return true
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sameValue compares by identity for reference types and by equality for
// comparable values.
func sameValue(a, b any) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Func:
		return false
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}
	if !ra.Type().Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
