package bridge

import (
	"context"
	"fmt"
)

// RemoteHandle is the capability set shared by every proxy for a peer object.
type RemoteHandle interface {
	Get(ctx context.Context, name string) (any, error)
	Set(ctx context.Context, name string, value any) error
	Index(ctx context.Context, key any) (any, error)
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
	Construct(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// MethodCaller invokes a named method with the receiver bound, in one round trip.
type MethodCaller interface {
	CallMethod(ctx context.Context, name string, args ...any) (any, error)
}

// requester issues correlated requests; Connection is the production implementation.
type requester interface {
	Request(ctx context.Context, msg Message) (any, error)
}

// Proxy is an immediate proxy: every operation is one blocking round trip.
type Proxy struct {
	conn    requester
	handle  string
	objType string
}

var (
	_ RemoteHandle = (*Proxy)(nil)
	_ MethodCaller = (*Proxy)(nil)
	_ RemoteHandle = (*Deferred)(nil)
	_ MethodCaller = (*Deferred)(nil)
)

func newProxy(conn requester, handle, objType string) *Proxy {
	return &Proxy{conn: conn, handle: handle, objType: objType}
}

// Handle returns the peer-side handle this proxy stands for.
func (p *Proxy) Handle() string { return p.handle }

// ObjType returns the obj_type tag the peer attached, if any.
func (p *Proxy) ObjType() string { return p.objType }

func (p *Proxy) String() string {
	return fmt.Sprintf("Proxy(%s)", p.handle)
}

// Get reads an attribute of the remote object.
func (p *Proxy) Get(ctx context.Context, name string) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "get_proxy_attribute",
		"location":  p.handle,
		"target":    name,
	})
}

// Set writes an attribute of the remote object.
func (p *Proxy) Set(ctx context.Context, name string, value any) error {
	res, err := p.conn.Request(ctx, Message{
		FieldAction: "set_proxy_attribute",
		"location":  p.handle,
		"target":    name,
		"value":     value,
	})
	if err != nil {
		return err
	}
	return checkMutationResult(res, p.handle)
}

// Index reads p[key].
func (p *Proxy) Index(ctx context.Context, key any) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "get_proxy_index",
		"location":  p.handle,
		"target":    key,
	})
}

// SetIndex writes p[key] = value.
func (p *Proxy) SetIndex(ctx context.Context, key any, value any) error {
	res, err := p.conn.Request(ctx, Message{
		FieldAction: "set_proxy_index",
		"location":  p.handle,
		"target":    key,
		"value":     value,
	})
	if err != nil {
		return err
	}
	return checkMutationResult(res, p.handle)
}

// Call invokes the remote object.
func (p *Proxy) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "call_proxy",
		"location":  p.handle,
		"args":      orEmptyArgs(args),
		"kwargs":    orEmptyKwargs(kwargs),
	})
}

// Construct invokes the remote object as a constructor.
func (p *Proxy) Construct(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "call_proxy_constructor",
		"location":  p.handle,
		"args":      orEmptyArgs(args),
		"kwargs":    orEmptyKwargs(kwargs),
	})
}

// CallMethod calls p.name(args...) with p bound as the receiver.
func (p *Proxy) CallMethod(ctx context.Context, name string, args ...any) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "call_stack",
		"location":  p.handle,
		"stack":     []any{name},
		"args":      orEmptyArgs(args),
		"kwargs":    map[string]any{},
		"new":       false,
	})
}

// Cast asks the peer for a primitive rendition of the object.
func (p *Proxy) Cast(ctx context.Context) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "get_primitive",
		"location":  p.handle,
	})
}

// Await resolves a remote awaitable.
func (p *Proxy) Await(ctx context.Context) (any, error) {
	return p.conn.Request(ctx, Message{
		FieldAction: "await_proxy",
		"location":  p.handle,
	})
}

// Attributes lists the attribute names of the remote object.
func (p *Proxy) Attributes(ctx context.Context) ([]string, error) {
	res, err := p.conn.Request(ctx, Message{
		FieldAction: "get_proxy_attributes",
		"location":  p.handle,
	})
	if err != nil {
		return nil, err
	}
	items, ok := res.([]any)
	if !ok {
		if res == false || res == nil {
			return nil, &ProxyNotFoundError{Handle: p.handle}
		}
		return nil, &ProtocolError{Action: "get_proxy_attributes", Reason: fmt.Sprintf("unexpected result %T", res)}
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, fmt.Sprint(item))
	}
	return names, nil
}

// Release asks the peer to drop the handle. The proxy must not be used afterwards.
func (p *Proxy) Release(ctx context.Context) error {
	res, err := p.conn.Request(ctx, Message{
		FieldAction: "delete_proxy",
		"location":  p.handle,
	})
	if err != nil {
		return err
	}
	return checkMutationResult(res, p.handle)
}

// Deferred returns a deferred proxy rooted at this object.
func (p *Proxy) Deferred() *Deferred {
	return &Deferred{conn: p.conn, handle: p.handle}
}

// checkMutationResult interprets the graceful-failure results of registry handlers:
// false means the handle is unknown, an object with an error field carries the failure.
func checkMutationResult(res any, handle string) error {
	switch v := res.(type) {
	case bool:
		if !v {
			return &ProxyNotFoundError{Handle: handle}
		}
	case map[string]any:
		if trace, ok := v[FieldError]; ok && truthy(trace) {
			return &RemoteError{Trace: fmt.Sprint(trace)}
		}
	}
	return nil
}

func orEmptyArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func orEmptyKwargs(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return map[string]any{}
	}
	return kwargs
}
