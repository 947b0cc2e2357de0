package dom

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// ChangeEvent is dispatched by a Reactive after its value changes. Listeners
// receive the previous value.
const ChangeEvent = "change"

// Reactive is a value cell that can stand in for a child. Setting it
// dispatches ChangeEvent so the page can reconcile.
type Reactive struct {
	Hooks
	mu    sync.RWMutex
	value any
}

// NewReactive returns a cell holding initial.
func NewReactive(initial any) *Reactive {
	return &Reactive{value: initial}
}

// Get returns the current value.
func (r *Reactive) Get() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Set stores value and dispatches ChangeEvent with the old value.
func (r *Reactive) Set(ctx context.Context, value any) error {
	r.mu.Lock()
	old := r.value
	r.value = value
	r.mu.Unlock()
	return r.Dispatch(ctx, ChangeEvent, old)
}

var refSeq atomic.Uint64

// Ref is bound to the live element it was rendered on once the page reaches
// the browser.
type Ref struct {
	id    string
	mu    sync.RWMutex
	proxy any
}

// NewRef returns an unbound ref.
func NewRef() *Ref {
	return &Ref{id: strconv.FormatUint(refSeq.Add(1), 10)}
}

// ID is the value rendered into the ref attribute.
func (r *Ref) ID() string { return r.id }

// Value returns the bound remote element, nil before connection.
func (r *Ref) Value() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proxy
}

// Connect binds the ref to a remote element.
func (r *Ref) Connect(proxy any) {
	r.mu.Lock()
	r.proxy = proxy
	r.mu.Unlock()
}
