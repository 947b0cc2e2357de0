package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/DOMBridge/internal/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const inboundQueueSize = 256

type reply struct {
	raw []byte
	err error
}

type pendingRequest struct {
	ch     chan reply
	action string
}

// Connection is one logical peer. It owns the receive loop, the pending-request
// table, the inbound queue of unmatched messages, and a scope of exposed values.
type Connection struct {
	id      string
	server  *Server
	tr      transport.Transport
	framer  Framer
	codec   *codec
	scope   *Scope
	inbound chan Message
	sem     *semaphore.Weighted
	entry   *log.Entry
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConnection(ctx context.Context, s *Server, id string, tr transport.Transport, scope *Scope) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		server:  s,
		tr:      tr,
		framer:  s.framer,
		scope:   scope,
		inbound: make(chan Message, inboundQueueSize),
		entry:   log.WithField("conn_id", id),
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
	}
	if n := s.opts.MaxConcurrentHandlers; n > 0 {
		c.sem = semaphore.NewWeighted(int64(n))
	}
	c.codec = &codec{registry: s.registry, conn: c, resolve: c.resolveReverse}
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Scope returns the connection-scoped table of exposed values.
func (c *Connection) Scope() *Scope { return c.scope }

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the cause the connection ended with, or nil while it is live.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Inbound yields peer messages that were neither commands nor responses to a
// pending request.
func (c *Connection) Inbound() <-chan Message { return c.inbound }

// Next waits for the next unmatched inbound message.
func (c *Connection) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Window returns a deferred proxy rooted at the peer's top-level scope.
func (c *Connection) Window() *Deferred {
	return newDeferred(c, "", nil)
}

// Proxy returns an immediate proxy for a handle held by the peer.
func (c *Connection) Proxy(handle string) *Proxy {
	return newProxy(c, handle, "")
}

// Evaluate reads a top-level name from the peer.
func (c *Connection) Evaluate(ctx context.Context, name string) (any, error) {
	return c.Request(ctx, Message{FieldAction: "evaluate", FieldValue: name})
}

// Require asks the peer to load a script.
func (c *Connection) Require(ctx context.Context, src string) (any, error) {
	return c.Request(ctx, Message{FieldAction: "import_script", FieldValue: src})
}

// Expose binds value in this connection's scope so the peer can reach it by name.
func (c *Connection) Expose(name string, value any) {
	c.scope.Set(name, value)
}

// Send writes msg without waiting for an answer.
func (c *Connection) Send(ctx context.Context, msg Message) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	out := make(Message, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	out[FieldConnID] = c.id
	data, err := c.codec.encodeMessage(out)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// Request sends msg with a fresh message id and waits for the matching response.
// It fails with ErrTimeout after the request timeout and with
// ErrConnectionClosed if the connection ends first.
func (c *Connection) Request(ctx context.Context, msg Message) (any, error) {
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}
	id := uuid.NewString()
	out := make(Message, len(msg)+2)
	for k, v := range msg {
		out[k] = v
	}
	out[FieldMessageID] = id
	out[FieldConnID] = c.id
	data, err := c.codec.encodeMessage(out)
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{ch: make(chan reply, 1), action: msg.Action()}
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pr
	c.mu.Unlock()

	if err := c.write(ctx, data); err != nil {
		if c.forget(id) {
			return nil, err
		}
		return c.settle(ctx, <-pr.ch)
	}

	timeout := c.server.RequestTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-pr.ch:
		return c.settle(ctx, r)
	case <-timer.C:
		if c.forget(id) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, pr.action, timeout)
		}
	case <-ctx.Done():
		if c.forget(id) {
			return nil, ctx.Err()
		}
	}
	// The response won the race with the deadline and is already on its way.
	return c.settle(ctx, <-pr.ch)
}

func (c *Connection) settle(ctx context.Context, r reply) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	payload, err := responsePayload(r.raw)
	if err != nil {
		return nil, err
	}
	return c.codec.decodeRaw(ctx, payload)
}

// forget removes a pending request; it reports false when a reply already claimed it.
func (c *Connection) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// resolve hands raw to the pending request with id. Only the first message
// carrying an id resolves it.
func (c *Connection) resolve(id string, raw []byte) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pr.ch <- reply{raw: raw}
	return true
}

func (c *Connection) write(ctx context.Context, data []byte) error {
	frame := c.framer.Pack(data)
	if c.server.frames != nil {
		c.server.frames.Record(c.id, false, frame)
	}
	if err := c.tr.Send(ctx, frame); err != nil {
		if transport.IsClosed(err) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("bridge: send: %w", err)
	}
	return nil
}

// run is the receive loop. It returns when the transport fails or closes.
func (c *Connection) run() error {
	ctx := c.ctx
	for {
		frame, err := c.tr.Receive(ctx)
		if err != nil {
			return err
		}
		if c.server.frames != nil {
			c.server.frames.Record(c.id, true, frame)
		}
		msgs, errSplit := c.framer.Split(frame)
		if errSplit != nil {
			c.entry.WithError(errSplit).Warn("bridge: dropping undecodable frame segment")
		}
		for _, raw := range msgs {
			c.route(ctx, raw)
		}
	}
}

func (c *Connection) route(ctx context.Context, raw []byte) {
	env, err := peekEnvelope(raw)
	if err != nil {
		c.entry.WithError(err).Debug("bridge: ignoring malformed message")
		return
	}
	if c.resolve(env.messageID, raw) {
		return
	}
	if env.isCommand() {
		go c.handleCommand(ctx, env)
		return
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		c.entry.WithError(err).Debug("bridge: ignoring undecodable message")
		return
	}
	select {
	case c.inbound <- msg:
	default:
		c.entry.WithField("message_id", env.messageID).Warn("bridge: inbound queue full, dropping message")
	}
}

func (c *Connection) handleCommand(ctx context.Context, env envelope) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
	}
	msg, err := decodeMessage(env.raw)
	var resp Message
	if err != nil {
		resp = Message{FieldError: err.Error()}
	} else {
		resp = c.server.dispatcher.Process(ctx, c, msg)
	}
	data, err := c.codec.encodeMessage(resp)
	if err != nil {
		c.entry.WithError(err).WithField("action", env.action).Warn("bridge: encode response failed")
		data, _ = c.codec.encodeMessage(Message{FieldError: err.Error()})
	}
	data, err = stampEnvelope(data, env.messageID, c.id)
	if err != nil {
		c.entry.WithError(err).Warn("bridge: stamp response failed")
		return
	}
	if err := c.write(ctx, data); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.entry.WithError(err).WithField("action", env.action).Debug("bridge: response not delivered")
	}
}

// resolveReverse looks up a value this side owns: a registry handle or, with no
// handle, the connection scope keyed by the first stack frame.
func (c *Connection) resolveReverse(ctx context.Context, location string, stack []any) (any, error) {
	return c.walk(ctx, location, stack)
}

func (c *Connection) walk(ctx context.Context, location string, stack []any) (any, error) {
	var current any
	if location != "" {
		v, ok := c.server.registry.Lookup(location)
		if !ok {
			return nil, &ProxyNotFoundError{Handle: location}
		}
		current = v
	} else {
		if len(stack) == 0 {
			return c.scope, nil
		}
		name := fmt.Sprint(stack[0])
		v, ok := c.scope.Get(name)
		if !ok {
			return nil, &AttributeError{Target: "window", Name: name}
		}
		current = v
		stack = stack[1:]
	}
	for _, frame := range stack {
		next, err := step(ctx, current, frame)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// step follows one stack frame: names are attributes, anything else an index.
func step(ctx context.Context, target any, frame any) (any, error) {
	if name, ok := frame.(string); ok {
		return getAttr(ctx, target, name)
	}
	return getIndex(ctx, target, frame)
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close ends the connection and fails every outstanding request.
func (c *Connection) Close() error {
	c.cleanup(ErrConnectionClosed)
	return c.tr.Close()
}

func (c *Connection) cleanup(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}
		c.mu.Lock()
		c.closeErr = cause
		close(c.closed)
		pending := c.pending
		c.pending = make(map[string]*pendingRequest)
		c.mu.Unlock()
		for _, pr := range pending {
			pr.ch <- reply{err: ErrConnectionClosed}
		}
		c.cancel()
		_ = c.tr.Close()
	})
}
