package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReadTimeout       = 60 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxMessageBytes   = 64 << 20 // 64 MiB
	defaultHeartbeatInterval = 30 * time.Second
)

// WebSocketOptions tunes a WebSocket transport. Zero values select the defaults.
type WebSocketOptions struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	HeartbeatInterval time.Duration
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	return o
}

// WebSocket adapts a gorilla connection to Transport. Reads are kept alive by
// pong frames answering a periodic ping.
type WebSocket struct {
	conn       *websocket.Conn
	opts       WebSocketOptions
	writeMutex sync.Mutex
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewWebSocket wraps conn and starts its heartbeat.
func NewWebSocket(conn *websocket.Conn, opts WebSocketOptions) *WebSocket {
	opts = opts.withDefaults()
	ws := &WebSocket{conn: conn, opts: opts, closed: make(chan struct{})}
	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	ws.startHeartbeat()
	return ws
}

func (ws *WebSocket) startHeartbeat() {
	ticker := time.NewTicker(ws.opts.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ws.closed:
				return
			case <-ticker.C:
				ws.writeMutex.Lock()
				err := ws.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(ws.opts.WriteTimeout))
				ws.writeMutex.Unlock()
				if err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()
}

// Receive blocks for the next text or binary frame.
func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ws.Closed() {
			return nil, ErrClosed
		}
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			if ws.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(ws.opts.ReadTimeout))
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes data as one text frame.
func (ws *WebSocket) Send(ctx context.Context, data []byte) error {
	select {
	case <-ws.closed:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(ws.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.writeMutex.Lock()
	defer ws.writeMutex.Unlock()
	if err := ws.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close sends a close frame when possible and releases the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closed)
		ws.writeMutex.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMutex.Unlock()
		err = ws.conn.Close()
	})
	return err
}

// Closed reports whether Close has run.
func (ws *WebSocket) Closed() bool {
	select {
	case <-ws.closed:
		return true
	default:
		return false
	}
}

// NewUpgrader returns an upgrader accepting any origin; pages are served by the
// same process that accepts their sockets.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Dial connects to a bridge socket endpoint.
func Dial(ctx context.Context, url string, opts WebSocketOptions) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts), nil
}

// IsClosed reports whether err marks a transport that went away normally.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}
