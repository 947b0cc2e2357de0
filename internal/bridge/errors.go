package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request is not answered within the request timeout.
	ErrTimeout = errors.New("bridge: request timed out")
	// ErrConnectionClosed is returned for requests whose connection closed before a response arrived.
	ErrConnectionClosed = errors.New("bridge: connection closed")
	// ErrNoConnection is returned when a connection id is not registered within the wait ceiling.
	ErrNoConnection = errors.New("bridge: no connection was made")
	// ErrProxyConsumed is returned when a deferred proxy is resolved a second time.
	ErrProxyConsumed = errors.New("bridge: deferred proxy already resolved")
	// ErrServerClosed is returned by Serve and WaitConnection after Shutdown.
	ErrServerClosed = errors.New("bridge: server closed")
)

// ProtocolError reports a malformed message or an action nobody handles.
type ProtocolError struct {
	Action string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Action == "" {
		return "bridge: protocol error: " + e.Reason
	}
	return fmt.Sprintf("bridge: protocol error: %s (action %q)", e.Reason, e.Action)
}

// RemoteError carries the trace text the peer returned in an error envelope.
type RemoteError struct {
	Trace string
}

func (e *RemoteError) Error() string {
	return "bridge: remote error: " + e.Trace
}

// ProxyNotFoundError is returned when a handle does not name a live registry entry.
// When the peer reported it, Remote carries the peer's trace.
type ProxyNotFoundError struct {
	Handle string
	Remote *RemoteError
}

func (e *ProxyNotFoundError) Error() string {
	return fmt.Sprintf("bridge: proxy %q not found", e.Handle)
}

func (e *ProxyNotFoundError) Unwrap() error {
	if e.Remote == nil {
		return nil
	}
	return e.Remote
}
