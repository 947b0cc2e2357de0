// Package transport provides the byte-frame transports a bridge connection runs over.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive and Send once the transport is closed.
var ErrClosed = errors.New("transport: closed")

// Transport carries whole frames between two peers. Receive is called from a
// single goroutine; Send may be called concurrently.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
	Closed() bool
}
