package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// HandlerFunc serves one command action.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Call is one inbound command together with the connection it arrived on.
type Call struct {
	Conn *Connection
	Msg  Message
}

// Arg decodes field key, turning proxy references into proxies or owned values.
func (c *Call) Arg(ctx context.Context, key string) (any, error) {
	return c.Conn.codec.decode(ctx, c.Msg[key])
}

// Args decodes the positional arguments.
func (c *Call) Args(ctx context.Context) ([]any, error) {
	raw := c.Msg.Slice("args")
	if raw == nil {
		return []any{}, nil
	}
	v, err := c.Conn.codec.decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// Kwargs decodes the keyword arguments.
func (c *Call) Kwargs(ctx context.Context) (map[string]any, error) {
	raw := c.Msg.Map("kwargs")
	if raw == nil {
		return map[string]any{}, nil
	}
	v, err := c.Conn.codec.decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Location returns the registry handle the command targets.
func (c *Call) Location() string { return c.Msg.String("location") }

// Stack returns the recorded call stack.
func (c *Call) Stack() []any { return c.Msg.Slice("stack") }

// Dispatcher maps action names to handlers. Handlers run on the connection's
// command goroutines and may issue requests back to the same peer.
type Dispatcher struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newDispatcher(s *Server) *Dispatcher {
	d := &Dispatcher{server: s, handlers: make(map[string]HandlerFunc)}
	d.registerBuiltins()
	return d
}

// Handle registers h for action, replacing any previous handler.
func (d *Dispatcher) Handle(action string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
}

// Actions lists the registered action names.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process runs the handler for msg and returns {"response": v} or {"error": trace}.
// It never panics.
func (d *Dispatcher) Process(ctx context.Context, conn *Connection, msg Message) (resp Message) {
	action := msg.Action()
	entry := log.WithFields(log.Fields{"conn_id": conn.ID(), "action": action})
	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic in %s: %v\n%s", action, r, debug.Stack())
			entry.WithField("error", r).Debug("bridge: handler panicked")
			resp = Message{FieldError: trace}
		}
	}()

	d.mu.RLock()
	h, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		err := &ProtocolError{Action: action, Reason: "invalid action"}
		entry.Debug("bridge: unknown action")
		return Message{FieldError: err.Error()}
	}

	value, err := h(ctx, &Call{Conn: conn, Msg: msg})
	if err != nil {
		entry.WithError(err).Debug("bridge: handler failed")
		return errorResponse(action, err)
	}
	return Message{FieldResponse: value}
}

// errorResponse renders a handler failure with its full error chain. Unknown
// handles are flagged so the requester can tell them apart from other failures.
func errorResponse(action string, err error) Message {
	resp := Message{FieldError: errorTrace(action, err)}
	var notFound *ProxyNotFoundError
	if errors.As(err, &notFound) {
		resp[FieldErrorType] = ErrorTypeProxyNotFound
		resp["location"] = notFound.Handle
	}
	return resp
}

func errorTrace(action string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: %s (%T)", action, err.Error(), err)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "\n  caused by %T: %s", cause, cause.Error())
	}
	return b.String()
}

// apply settles asynchronous results when force-sync is on.
func (d *Dispatcher) apply(ctx context.Context, v any) (any, error) {
	if !d.server.opts.ForceSyncCalls {
		return v, nil
	}
	if f, ok := v.(Future); ok {
		return f.Result(ctx)
	}
	return v, nil
}

// gracefulFailure is the value registry-scoped handlers answer with instead of failing.
func gracefulFailure(err error) map[string]any {
	return map[string]any{
		"type":     nil,
		FieldValue: nil,
		FieldError: strings.ReplaceAll(err.Error(), `"`, "'"),
	}
}
