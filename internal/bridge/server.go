package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/transport"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout    = 5 * time.Second
	defaultConnectionTimeout = 60 * time.Second
)

// FrameRecorder receives every raw frame a connection reads or writes.
type FrameRecorder interface {
	Record(connID string, inbound bool, data []byte)
	Finish(connID string)
}

// Options configures a Server.
type Options struct {
	RequestTimeout        time.Duration
	ConnectionTimeout     time.Duration
	Framing               string
	Separator             string
	MaxConcurrentHandlers int
	ForceSyncCalls        bool
	SocketPath            string
	Evaluator             Evaluator
	Frames                FrameRecorder
	OnConnected           func(string)
	OnDisconnected        func(string, error)
}

// OptionsFromConfig maps the bridge section of the configuration to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{ForceSyncCalls: true}
	}
	b := cfg.Bridge
	return Options{
		RequestTimeout:        b.RequestTimeoutDuration(),
		ConnectionTimeout:     b.ConnectionTimeoutDuration(),
		Framing:               b.Framing,
		Separator:             b.Separator,
		MaxConcurrentHandlers: b.MaxConcurrentHandlers,
		ForceSyncCalls:        b.ForceSync(),
		SocketPath:            b.SocketPath,
	}
}

// Server owns the handle registry, the connection table and the dispatcher.
// Each connection gets its own scope, which falls back to the server globals.
type Server struct {
	opts       Options
	framer     Framer
	registry   *Registry
	globals    *Scope
	dispatcher *Dispatcher
	frames     FrameRecorder

	requestTimeout    atomic.Int64
	connectionTimeout atomic.Int64

	mu      sync.Mutex
	conns   map[string]*Connection
	scopes  map[string]*Scope
	waiters map[string][]chan *Connection
	closed  bool
}

// NewServer builds a server. It fails only on an unknown framing mode.
func NewServer(opts Options) (*Server, error) {
	framer, err := NewFramer(opts.Framing, opts.Separator)
	if err != nil {
		return nil, err
	}
	if opts.Evaluator == nil {
		opts.Evaluator = PathEvaluator{}
	}
	s := &Server{
		opts:     opts,
		framer:   framer,
		registry: NewRegistry(),
		globals:  NewScope(nil),
		frames:   opts.Frames,
		conns:    make(map[string]*Connection),
		scopes:   make(map[string]*Scope),
		waiters:  make(map[string][]chan *Connection),
	}
	s.SetTimeouts(opts.RequestTimeout, opts.ConnectionTimeout)
	s.dispatcher = newDispatcher(s)
	return s, nil
}

// Registry returns the handle registry.
func (s *Server) Registry() *Registry { return s.registry }

// Globals returns the scope every connection scope falls back to.
func (s *Server) Globals() *Scope { return s.globals }

// Dispatcher returns the command dispatcher, for registering extra actions.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// SetTimeouts updates the request and connection-wait timeouts; zero keeps the default.
func (s *Server) SetTimeouts(request, connection time.Duration) {
	if request <= 0 {
		request = defaultRequestTimeout
	}
	if connection <= 0 {
		connection = defaultConnectionTimeout
	}
	s.requestTimeout.Store(int64(request))
	s.connectionTimeout.Store(int64(connection))
}

// RequestTimeout returns the current request timeout.
func (s *Server) RequestTimeout() time.Duration {
	return time.Duration(s.requestTimeout.Load())
}

// ConnectionTimeout returns the current connection-wait ceiling.
func (s *Server) ConnectionTimeout() time.Duration {
	return time.Duration(s.connectionTimeout.Load())
}

// NewConnectionID mints a connection id and prepares its scope, so values can be
// exposed before the peer connects.
func (s *Server) NewConnectionID() string {
	id := uuid.NewString()
	s.Scope(id)
	return id
}

// InitScript returns the bootstrap script a page runs to connect back as connID.
func (s *Server) InitScript(connID, host string, port int) string {
	path := s.opts.SocketPath
	if path == "" {
		path = config.DefaultSocketPath
	}
	return fmt.Sprintf(
		"\nwindow.client = new JSBridge.JSBridgeClient({host: %q, port: %d, path: %q, conn_id: %q, reconnect: false, debug: false});\nclient.set_mode(\"python\");\nclient.start();\n",
		host, port, strings.TrimRight(path, "/")+"/"+connID, connID,
	)
}

// Scope returns the scope for connection id, creating it if needed.
func (s *Server) Scope(id string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[id]
	if !ok {
		scope = NewScope(s.globals)
		s.scopes[id] = scope
	}
	return scope
}

// Discard drops the scope of an id that never connected or has finished.
func (s *Server) Discard(id string) {
	s.mu.Lock()
	scope := s.scopes[id]
	if _, live := s.conns[id]; !live {
		delete(s.scopes, id)
	} else {
		scope = nil
	}
	s.mu.Unlock()
	if scope != nil {
		scope.Clear()
	}
}

// Connection returns the live connection with id.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns the ids of every live connection.
func (s *Server) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// WaitConnection blocks until connection id is registered, the connection
// timeout elapses (ErrNoConnection) or ctx ends.
func (s *Server) WaitConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if c, ok := s.conns[id]; ok {
		s.mu.Unlock()
		return c, nil
	}
	ch := make(chan *Connection, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	timer := time.NewTimer(s.ConnectionTimeout())
	defer timer.Stop()
	select {
	case c := <-ch:
		if c == nil {
			return nil, ErrServerClosed
		}
		return c, nil
	case <-timer.C:
		s.dropWaiter(id, ch)
		return nil, ErrNoConnection
	case <-ctx.Done():
		s.dropWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (s *Server) dropWaiter(id string, ch chan *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// Serve runs connection id over tr until the transport closes or ctx ends. An
// empty id gets a fresh one. A connection already registered under id is
// replaced. On return the connection scope is purged and every outstanding
// request has failed with ErrConnectionClosed.
func (s *Server) Serve(ctx context.Context, id string, tr transport.Transport) error {
	if id == "" {
		id = uuid.NewString()
	}
	scope := s.Scope(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = tr.Close()
		return ErrServerClosed
	}
	c := newConnection(ctx, s, id, tr, scope)
	replaced := s.conns[id]
	s.conns[id] = c
	waiters := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	if replaced != nil {
		replaced.cleanup(errors.New("bridge: replaced by new connection"))
	}
	for _, w := range waiters {
		w <- c
	}
	log.WithField("conn_id", id).Debug("bridge: connection established")
	if s.opts.OnConnected != nil {
		s.opts.OnConnected(id)
	}

	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()

	err := c.run()
	c.cleanup(err)
	s.release(c)

	if transport.IsClosed(err) || errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		err = nil
	}
	if s.opts.OnDisconnected != nil {
		s.opts.OnDisconnected(id, err)
	}
	log.WithField("conn_id", id).Debug("bridge: connection closed")
	return err
}

// release unregisters c and purges its scope, unless a newer connection took the id.
func (s *Server) release(c *Connection) {
	s.mu.Lock()
	current := s.conns[c.id] == c
	if current {
		delete(s.conns, c.id)
		delete(s.scopes, c.id)
	}
	s.mu.Unlock()
	if current {
		c.scope.Clear()
	}
	if s.frames != nil {
		s.frames.Finish(c.id)
	}
}

// Shutdown closes every connection, fails every waiter, and purges every scope.
func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	waiters := s.waiters
	s.waiters = make(map[string][]chan *Connection)
	scopes := s.scopes
	s.scopes = make(map[string]*Scope)
	s.mu.Unlock()

	for _, c := range conns {
		c.cleanup(ErrServerClosed)
	}
	for _, list := range waiters {
		for _, w := range list {
			w <- nil
		}
	}
	for _, scope := range scopes {
		scope.Clear()
	}
	return nil
}
