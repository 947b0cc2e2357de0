package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPipeDeliversBothWays(t *testing.T) {
	a, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send a->b: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil || string(got) != "ping" {
		t.Fatalf("b.Receive = %q, %v", got, err)
	}
	if err := b.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("send b->a: %v", err)
	}
	got, err = a.Receive(ctx)
	if err != nil || string(got) != "pong" {
		t.Fatalf("a.Receive = %q, %v", got, err)
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	a, b := Pipe()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !b.Closed() {
		t.Fatal("expected peer end to report closed")
	}
	if _, err := b.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after close = %v, want ErrClosed", err)
	}
	if err := a.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestPipeReceiveHonoursContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, want deadline exceeded", err)
	}
}

func TestWebSocketEcho(t *testing.T) {
	upgrader := NewUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, WebSocketOptions{})
		defer ws.Close()
		for {
			data, err := ws.Receive(r.Context())
			if err != nil {
				return
			}
			if err := ws.Send(r.Context(), data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), WebSocketOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(ctx, []byte(`{"action":"echo"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != `{"action":"echo"}` {
		t.Fatalf("echo = %q", got)
	}

	_ = client.Close()
	if !client.Closed() {
		t.Fatal("expected client to be closed")
	}
	if err := client.Send(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}
