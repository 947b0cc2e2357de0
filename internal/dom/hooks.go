package dom

import (
	"context"
	"errors"
	"sync"
)

// Listener handles one dispatched event.
type Listener func(ctx context.Context, args ...any) error

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

type listener struct {
	id   ListenerID
	fn   Listener
	once bool
}

// Hooks is a small event emitter. The zero value is ready to use.
type Hooks struct {
	mu     sync.Mutex
	nextID ListenerID
	events map[string][]listener
}

// On registers fn for event.
func (h *Hooks) On(event string, fn Listener) ListenerID {
	return h.add(event, fn, false)
}

// Once registers fn for the next dispatch of event only.
func (h *Hooks) Once(event string, fn Listener) ListenerID {
	return h.add(event, fn, true)
}

func (h *Hooks) add(event string, fn Listener, once bool) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = make(map[string][]listener)
	}
	h.nextID++
	h.events[event] = append(h.events[event], listener{id: h.nextID, fn: fn, once: once})
	return h.nextID
}

// Off removes a listener. Unknown ids are ignored.
func (h *Hooks) Off(event string, id ListenerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.events[event]
	for i, l := range list {
		if l.id == id {
			h.events[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Listeners reports how many listeners event has.
func (h *Hooks) Listeners(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events[event])
}

// Dispatch calls every listener of event in registration order and joins
// their errors. Once listeners are dropped before they run.
func (h *Hooks) Dispatch(ctx context.Context, event string, args ...any) error {
	h.mu.Lock()
	list := append([]listener(nil), h.events[event]...)
	kept := h.events[event][:0:0]
	for _, l := range h.events[event] {
		if !l.once {
			kept = append(kept, l)
		}
	}
	if h.events != nil {
		h.events[event] = kept
	}
	h.mu.Unlock()

	var errs []error
	for _, l := range list {
		if err := l.fn(ctx, args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
