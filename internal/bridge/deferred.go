package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
)

// newFrame is the stack frame that turns a deferred call into a constructor call.
const newFrame = "new"

// Deferred is a lazily evaluated proxy. Attr and Item record frames without any
// I/O; Value, Assign, Set, Call and Construct send the whole chain as a single
// request. Each Deferred resolves at most once.
type Deferred struct {
	conn   requester
	handle string
	stack  []any
	used   atomic.Bool
}

func newDeferred(conn requester, handle string, stack []any) *Deferred {
	return &Deferred{conn: conn, handle: handle, stack: stack}
}

// Handle returns the root handle, empty for chains rooted at the peer's global scope.
func (d *Deferred) Handle() string { return d.handle }

// Stack returns a copy of the recorded frames.
func (d *Deferred) Stack() []any {
	out := make([]any, len(d.stack))
	copy(out, d.stack)
	return out
}

// Attr records an attribute access.
func (d *Deferred) Attr(name string) *Deferred {
	return d.extend(name)
}

// Item records an index access.
func (d *Deferred) Item(key any) *Deferred {
	return d.extend(key)
}

func (d *Deferred) extend(frame any) *Deferred {
	stack := make([]any, len(d.stack), len(d.stack)+1)
	copy(stack, d.stack)
	return newDeferred(d.conn, d.handle, append(stack, frame))
}

// Get implements RemoteHandle; it records the access and returns the extended chain.
func (d *Deferred) Get(_ context.Context, name string) (any, error) {
	return d.Attr(name), nil
}

// Index implements RemoteHandle; it records the access and returns the extended chain.
func (d *Deferred) Index(_ context.Context, key any) (any, error) {
	return d.Item(key), nil
}

// Value resolves the chain and returns the value it designates.
func (d *Deferred) Value(ctx context.Context) (any, error) {
	if err := d.consume(); err != nil {
		return nil, err
	}
	return d.conn.Request(ctx, Message{
		FieldAction: "get_stack_attribute",
		"location":  d.location(),
		"stack":     d.Stack(),
	})
}

// Result implements Future.
func (d *Deferred) Result(ctx context.Context) (any, error) {
	return d.Value(ctx)
}

// Assign writes value to the last recorded frame. With no frame left and no
// root handle, the assignment targets the peer's top-level window.
func (d *Deferred) Assign(ctx context.Context, value any) error {
	if len(d.stack) == 0 {
		return fmt.Errorf("bridge: nothing to assign on an empty deferred chain")
	}
	stack := d.Stack()
	target := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	return d.set(ctx, stack, target, value)
}

// Set writes value to name on the object the chain designates.
func (d *Deferred) Set(ctx context.Context, name string, value any) error {
	return d.set(ctx, d.Stack(), name, value)
}

func (d *Deferred) set(ctx context.Context, stack []any, target any, value any) error {
	if err := d.consume(); err != nil {
		return err
	}
	if len(stack) == 0 && d.handle == "" {
		stack = []any{"window"}
	}
	res, err := d.conn.Request(ctx, Message{
		FieldAction: "set_stack_attribute",
		"location":  d.location(),
		"target":    target,
		"value":     value,
		"stack":     stack,
	})
	if err != nil {
		return err
	}
	return checkMutationResult(res, d.handle)
}

// Call invokes the designated object. A trailing "new" frame makes it a constructor call.
func (d *Deferred) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	stack := d.Stack()
	isNew := false
	if n := len(stack); n > 0 && stack[n-1] == newFrame {
		stack = stack[:n-1]
		isNew = true
	}
	return d.call(ctx, stack, isNew, args, kwargs)
}

// Construct invokes the designated object as a constructor.
func (d *Deferred) Construct(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return d.call(ctx, d.Stack(), true, args, kwargs)
}

// CallMethod calls name on the designated object with the receiver bound.
func (d *Deferred) CallMethod(ctx context.Context, name string, args ...any) (any, error) {
	return d.Attr(name).Call(ctx, args, nil)
}

func (d *Deferred) call(ctx context.Context, stack []any, isNew bool, args []any, kwargs map[string]any) (any, error) {
	if len(stack) == 0 && d.handle == "" {
		return nil, fmt.Errorf("bridge: nothing to call on an empty deferred chain")
	}
	if err := d.consume(); err != nil {
		return nil, err
	}
	return d.conn.Request(ctx, Message{
		FieldAction: "call_stack",
		"location":  d.location(),
		"stack":     stack,
		"args":      orEmptyArgs(args),
		"kwargs":    orEmptyKwargs(kwargs),
		"new":       isNew,
	})
}

func (d *Deferred) consume() error {
	if !d.used.CompareAndSwap(false, true) {
		return ErrProxyConsumed
	}
	return nil
}

func (d *Deferred) location() any {
	if d.handle == "" {
		return nil
	}
	return d.handle
}
