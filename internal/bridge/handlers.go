package bridge

import (
	"context"
)

func (d *Dispatcher) registerBuiltins() {
	for action, h := range map[string]HandlerFunc{
		"evaluate":                 d.handleEvaluate,
		"exec":                     d.handleExec,
		"evaluate_stack_attribute": d.handleEvaluateStackAttribute,
		"get_stack_attribute":      d.handleGetStackAttribute,
		"get_stack_attributes":     d.handleGetStackAttributes,
		"set_stack_attribute":      d.handleSetStackAttribute,
		"call_stack_attribute":     d.handleCallStackAttribute,
		"call_stack":               d.handleCallStackAttribute,
		"execute":                  d.handleExecute,
		"evaluate_code":            d.handleEvaluateCode,
		"get_proxy_attributes":     d.handleGetProxyAttributes,
		"get_proxy_attribute":      d.handleGetProxyAttribute,
		"set_proxy_attribute":      d.handleSetProxyAttribute,
		"delete_proxy_attribute":   d.handleDeleteProxyAttribute,
		"has_proxy_attribute":      d.handleHasProxyAttribute,
		"call_proxy":               d.handleCallProxy,
		"delete_proxy":             d.handleDeleteProxy,
		"get_proxy_index":          d.handleGetProxyIndex,
		"set_proxy_index":          d.handleSetProxyIndex,
		"call_proxy_constructor":   d.handleCallProxyConstructor,
		"get_primitive":            d.handleGetPrimitive,
		"await_proxy":              d.handleAwaitProxy,
	} {
		d.handlers[action] = h
	}
}

// handleEvaluate returns a top-level name from the connection scope, nil when unbound.
func (d *Dispatcher) handleEvaluate(_ context.Context, call *Call) (any, error) {
	v, _ := call.Conn.scope.Get(call.Msg.String(FieldValue))
	return v, nil
}

// handleExec calls an exposed callable by name, the path page callbacks take.
func (d *Dispatcher) handleExec(ctx context.Context, call *Call) (any, error) {
	target := call.Msg.String("target")
	if target == "" {
		return nil, nil
	}
	fn, ok := call.Conn.scope.Get(target)
	if !ok || fn == nil {
		return nil, nil
	}
	args, err := call.Args(ctx)
	if err != nil {
		return nil, err
	}
	ret, err := callValue(ctx, fn, args, nil)
	if err != nil {
		return nil, err
	}
	return d.apply(ctx, ret)
}

func (d *Dispatcher) handleEvaluateStackAttribute(ctx context.Context, call *Call) (any, error) {
	stack := call.Stack()
	if len(stack) == 0 {
		return nil, &ProtocolError{Action: "evaluate_stack_attribute", Reason: "empty stack"}
	}
	return call.Conn.walk(ctx, "", stack)
}

// handleGetStackAttribute walks stack from the handle, or from the connection
// scope when no handle is given.
func (d *Dispatcher) handleGetStackAttribute(ctx context.Context, call *Call) (any, error) {
	return call.Conn.walk(ctx, call.Location(), call.Stack())
}

func (d *Dispatcher) handleGetStackAttributes(ctx context.Context, call *Call) (any, error) {
	target, err := call.Conn.walk(ctx, call.Location(), nil)
	if err != nil {
		return nil, err
	}
	for _, frame := range call.Stack() {
		next, errStep := step(ctx, target, frame)
		if errStep != nil || !truthy(next) {
			return nil, nil
		}
		target = next
	}
	return listAttrs(target), nil
}

// handleSetStackAttribute assigns value. With a target field the stack names the
// object to assign on; without one the last frame is the name.
func (d *Dispatcher) handleSetStackAttribute(ctx context.Context, call *Call) (any, error) {
	stack := call.Stack()
	target, hasTarget := call.Msg["target"]
	if !hasTarget {
		if len(stack) == 0 {
			return nil, &ProtocolError{Action: "set_stack_attribute", Reason: "empty stack"}
		}
		target = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	}
	owner, err := call.Conn.walk(ctx, call.Location(), stack)
	if err != nil {
		return nil, err
	}
	value, err := call.Arg(ctx, FieldValue)
	if err != nil {
		return nil, err
	}
	if name, ok := target.(string); ok {
		err = setAttr(ctx, owner, name, value)
	} else {
		err = setIndex(ctx, owner, target, value)
	}
	if err != nil {
		return nil, err
	}
	return true, nil
}

// handleCallStackAttribute resolves stack and calls the result. isolate runs the
// call detached and answers true at once; new makes it a constructor call.
func (d *Dispatcher) handleCallStackAttribute(ctx context.Context, call *Call) (any, error) {
	stack := call.Stack()
	if call.Location() == "" && len(stack) == 0 {
		return nil, &ProtocolError{Action: call.Msg.Action(), Reason: "empty stack"}
	}
	fn, err := call.Conn.walk(ctx, call.Location(), stack)
	if err != nil {
		return nil, err
	}
	args, err := call.Args(ctx)
	if err != nil {
		return nil, err
	}
	kwargs, err := call.Kwargs(ctx)
	if err != nil {
		return nil, err
	}
	delete(kwargs, "this")

	invoke := func(ctx context.Context) (any, error) {
		if call.Msg.Bool("new") {
			return construct(ctx, fn, args, kwargs)
		}
		ret, errCall := callValue(ctx, fn, args, kwargs)
		if errCall != nil {
			return nil, errCall
		}
		return d.apply(ctx, ret)
	}
	if call.Msg.Bool("isolate") {
		detached := call.Conn.ctx
		go func() {
			if _, errRun := invoke(detached); errRun != nil {
				call.Conn.entry.WithError(errRun).Debug("bridge: isolated call failed")
			}
		}()
		return true, nil
	}
	return invoke(ctx)
}

func (d *Dispatcher) handleExecute(ctx context.Context, call *Call) (any, error) {
	locals, err := d.locals(ctx, call)
	if err != nil {
		return nil, err
	}
	return d.server.opts.Evaluator.Exec(ctx, call.Msg.String("code"), locals, call.Conn.scope)
}

func (d *Dispatcher) handleEvaluateCode(ctx context.Context, call *Call) (any, error) {
	locals, err := d.locals(ctx, call)
	if err != nil {
		return nil, err
	}
	return d.server.opts.Evaluator.Eval(ctx, call.Msg.String("code"), locals, call.Conn.scope)
}

// locals decodes the locals table; entries naming a registry handle become the owned value.
func (d *Dispatcher) locals(ctx context.Context, call *Call) (map[string]any, error) {
	raw := call.Msg.Map("locals")
	out := make(map[string]any, len(raw))
	for key, item := range raw {
		if ref, ok := item.(map[string]any); ok {
			if loc, okLoc := ref["location"].(string); okLoc {
				if v, found := d.server.registry.Lookup(loc); found {
					out[key] = v
					continue
				}
			}
		}
		v, err := call.Conn.codec.decode(ctx, item)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (d *Dispatcher) lookup(call *Call) (any, bool) {
	loc := call.Location()
	if loc == "" {
		return nil, false
	}
	return d.server.registry.Lookup(loc)
}

func (d *Dispatcher) handleGetProxyAttributes(_ context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return false, nil
	}
	return listAttrs(target), nil
}

func (d *Dispatcher) handleGetProxyAttribute(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, &ProxyNotFoundError{Handle: call.Location()}
	}
	return getAttr(ctx, target, call.Msg.String("target"))
}

func (d *Dispatcher) handleSetProxyAttribute(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return false, nil
	}
	value, err := call.Arg(ctx, FieldValue)
	if err != nil {
		return gracefulFailure(err), nil
	}
	if err := setAttr(ctx, target, call.Msg.String("target"), value); err != nil {
		return gracefulFailure(err), nil
	}
	return true, nil
}

func (d *Dispatcher) handleDeleteProxyAttribute(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return false, nil
	}
	if err := delAttr(ctx, target, call.Msg.String("target")); err != nil {
		return gracefulFailure(err), nil
	}
	return nil, nil
}

func (d *Dispatcher) handleHasProxyAttribute(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return false, nil
	}
	return hasAttr(ctx, target, call.Msg.String("target")), nil
}

func (d *Dispatcher) handleCallProxy(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, nil
	}
	args, err := call.Args(ctx)
	if err != nil {
		return nil, err
	}
	kwargs, err := call.Kwargs(ctx)
	if err != nil {
		return nil, err
	}
	ret, err := callValue(ctx, target, args, kwargs)
	if err != nil {
		return nil, err
	}
	return d.apply(ctx, ret)
}

// handleDeleteProxy drops a handle; it answers true whenever a handle was named.
func (d *Dispatcher) handleDeleteProxy(_ context.Context, call *Call) (any, error) {
	loc := call.Location()
	if loc == "" {
		return false, nil
	}
	d.server.registry.Release(loc)
	return true, nil
}

func (d *Dispatcher) handleGetProxyIndex(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, &ProxyNotFoundError{Handle: call.Location()}
	}
	return getIndex(ctx, target, call.Msg["target"])
}

func (d *Dispatcher) handleSetProxyIndex(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return false, nil
	}
	value, err := call.Arg(ctx, FieldValue)
	if err != nil {
		return gracefulFailure(err), nil
	}
	if err := setIndex(ctx, target, call.Msg["target"], value); err != nil {
		return gracefulFailure(err), nil
	}
	return true, nil
}

func (d *Dispatcher) handleCallProxyConstructor(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, &ProxyNotFoundError{Handle: call.Location()}
	}
	args, err := call.Args(ctx)
	if err != nil {
		return nil, err
	}
	kwargs, err := call.Kwargs(ctx)
	if err != nil {
		return nil, err
	}
	return construct(ctx, target, args, kwargs)
}

func (d *Dispatcher) handleGetPrimitive(_ context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, &ProxyNotFoundError{Handle: call.Location()}
	}
	return primitive(target), nil
}

func (d *Dispatcher) handleAwaitProxy(ctx context.Context, call *Call) (any, error) {
	target, ok := d.lookup(call)
	if !ok {
		return nil, &ProxyNotFoundError{Handle: call.Location()}
	}
	if f, isFuture := target.(Future); isFuture {
		return f.Result(ctx)
	}
	return target, nil
}
