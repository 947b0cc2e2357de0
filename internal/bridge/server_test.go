package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/DOMBridge/internal/transport"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// linkServers serves id on both servers over one in-memory pipe.
func linkServers(t *testing.T, a, b *Server, id string) (*Connection, *Connection) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ea, eb := transport.Pipe()
	go func() { _ = a.Serve(ctx, id, ea) }()
	go func() { _ = b.Serve(ctx, id, eb) }()
	ca, err := a.WaitConnection(ctx, id)
	if err != nil {
		t.Fatalf("wait a: %v", err)
	}
	cb, err := b.WaitConnection(ctx, id)
	if err != nil {
		t.Fatalf("wait b: %v", err)
	}
	return ca, cb
}

// serveRaw serves id on s and hands back the bare peer end.
func serveRaw(t *testing.T, s *Server, id string) (*Connection, transport.Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	local, peer := transport.Pipe()
	go func() { _ = s.Serve(ctx, id, local) }()
	c, err := s.WaitConnection(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return c, peer
}

func readMessage(t *testing.T, tr transport.Transport) gjson.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("peer receive: %v", err)
	}
	return gjson.ParseBytes(data)
}

type counter struct {
	mu sync.Mutex
	N  int
}

func (c *counter) Inc(by int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.N += by
	return c.N
}

func TestGetStackAttributeResolvesFromConnectionScope(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	ca, cb := linkServers(t, a, b, "c1")
	cb.Expose("document", map[string]any{"title": "Hello"})

	got, err := ca.Window().Attr("document").Attr("title").Value(context.Background())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got != "Hello" {
		t.Fatalf("document.title = %v, want Hello", got)
	}
}

func TestProxyRoundTripBetweenPeers(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	ca, cb := linkServers(t, a, b, "c1")
	cb.Expose("counter", &counter{})
	ctx := context.Background()

	v, err := ca.Evaluate(ctx, "counter")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	p, ok := v.(*Proxy)
	if !ok {
		t.Fatalf("Evaluate returned %#v, want *Proxy", v)
	}
	if got, err := p.CallMethod(ctx, "Inc", 2); err != nil || got != int64(2) {
		t.Fatalf("Inc = %v, %v", got, err)
	}
	first, err := p.Get(ctx, "N")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, _ := p.Get(ctx, "N")
	if first != second || first != int64(2) {
		t.Fatalf("repeated reads = %v, %v", first, second)
	}
	if err := p.Set(ctx, "N", 5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := p.Get(ctx, "N"); got != int64(5) {
		t.Fatalf("N after Set = %v", got)
	}
	if err := p.Set(ctx, "Missing", 1); err == nil {
		t.Fatal("expected graceful failure for unknown attribute")
	}
	names, err := p.Attributes(ctx)
	if err != nil || !strings.Contains(strings.Join(names, ","), "Inc") {
		t.Fatalf("Attributes = %v, %v", names, err)
	}
	if err := p.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if b.Registry().Len() != 0 {
		t.Fatalf("registry still holds %d handles", b.Registry().Len())
	}
	var remote *RemoteError
	if _, err := p.Get(ctx, "N"); !errors.As(err, &remote) {
		t.Fatalf("Get after release = %v, want RemoteError", err)
	}
}

func TestCallbacksTravelAsProxies(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	ca, cb := linkServers(t, a, b, "c1")
	ctx := context.Background()

	cb.Expose("apply", func(ctx context.Context, fn *Proxy, x int) (any, error) {
		return fn.Call(ctx, []any{x * 10}, nil)
	})
	double := Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		n, _ := ToInt(args[0])
		return n * 2, nil
	})
	got, err := ca.Window().Attr("apply").Call(ctx, []any{double, 4}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != int64(80) {
		t.Fatalf("apply(double, 4) = %v, want 80", got)
	}
}

func TestConnectionScopesAreIsolated(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	c1a, c1b := linkServers(t, a, b, "one")
	c2a, c2b := linkServers(t, a, b, "two")
	c1b.Expose("handler", "first")
	c2b.Expose("handler", "second")
	ctx := context.Background()

	if got, _ := c1a.Evaluate(ctx, "handler"); got != "first" {
		t.Fatalf("connection one sees %v", got)
	}
	if got, _ := c2a.Evaluate(ctx, "handler"); got != "second" {
		t.Fatalf("connection two sees %v", got)
	}
	b.Globals().Set("shared", "g")
	if got, _ := c2a.Evaluate(ctx, "shared"); got != "g" {
		t.Fatalf("globals not visible: %v", got)
	}
}

func TestConcurrentRequestsResolveByMessageID(t *testing.T) {
	s := newTestServer(t, Options{RequestTimeout: 2 * time.Second})
	conn, peer := serveRaw(t, s, "c1")
	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			got, err := conn.Request(context.Background(), Message{FieldAction: "echo", FieldValue: i})
			if err != nil {
				results <- err
				return
			}
			if got != int64(i) {
				results <- fmt.Errorf("request %d resolved with %v", i, got)
				return
			}
			results <- nil
		}(i)
	}
	requests := make([]gjson.Result, 0, n)
	for len(requests) < n {
		requests = append(requests, readMessage(t, peer))
	}
	replies := make([]string, 0, n)
	for i := len(requests) - 1; i >= 0; i-- {
		replies = append(replies, fmt.Sprintf(`{"message_id":%q,"response":%s}`,
			requests[i].Get("message_id").String(), requests[i].Get("value").Raw))
	}
	// Every reply in one frame, newest request first.
	if err := peer.Send(context.Background(), []byte(strings.Join(replies, ";[::];"))); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRequestFailsWhenConnectionCloses(t *testing.T) {
	s := newTestServer(t, Options{RequestTimeout: 5 * time.Second})
	conn, peer := serveRaw(t, s, "c1")
	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), Message{FieldAction: "evaluate", FieldValue: "x"})
		done <- err
	}()
	readMessage(t, peer)
	_ = peer.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail after close")
	}
	if _, err := conn.Request(context.Background(), Message{FieldAction: "evaluate"}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("request on closed connection = %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	s := newTestServer(t, Options{RequestTimeout: 50 * time.Millisecond})
	conn, _ := serveRaw(t, s, "c1")
	_, err := conn.Request(context.Background(), Message{FieldAction: "evaluate", FieldValue: "x"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestUnmatchedMessagesReachInboundQueue(t *testing.T) {
	s := newTestServer(t, Options{})
	conn, peer := serveRaw(t, s, "c1")
	if err := peer.Send(context.Background(), []byte(`{"message_id":"stale","response":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.ID() != "stale" {
		t.Fatalf("inbound message = %v", msg)
	}
}

func TestDispatcherAnswersUnknownActionWithError(t *testing.T) {
	s := newTestServer(t, Options{})
	_, peer := serveRaw(t, s, "c1")
	if err := peer.Send(context.Background(), []byte(`{"action":"nope","message_id":"m1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp := readMessage(t, peer)
	if resp.Get("message_id").String() != "m1" || resp.Get("conn_id").String() != "c1" {
		t.Fatalf("response not correlated: %s", resp.Raw)
	}
	if !strings.Contains(resp.Get("error").String(), "invalid action") {
		t.Fatalf("error = %s", resp.Get("error").String())
	}
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	s := newTestServer(t, Options{})
	s.Dispatcher().Handle("explode", func(context.Context, *Call) (any, error) {
		panic("kaboom")
	})
	_, peer := serveRaw(t, s, "c1")
	ctx := context.Background()
	_ = peer.Send(ctx, []byte(`{"action":"explode","message_id":"m1"}`))
	resp := readMessage(t, peer)
	if !strings.Contains(resp.Get("error").String(), "kaboom") {
		t.Fatalf("error = %s", resp.Raw)
	}
	// The loop survives and keeps answering.
	_ = peer.Send(ctx, []byte(`{"action":"evaluate","value":"missing","message_id":"m2"}`))
	resp = readMessage(t, peer)
	if resp.Get("message_id").String() != "m2" || resp.Get("error").Exists() {
		t.Fatalf("second response = %s", resp.Raw)
	}
}

func TestRegistryHandlersFailGracefully(t *testing.T) {
	s := newTestServer(t, Options{})
	h, _ := s.Registry().Register(&counter{})
	_, peer := serveRaw(t, s, "c1")
	ctx := context.Background()

	_ = peer.Send(ctx, []byte(`{"action":"set_proxy_attribute","location":"`+h+`","target":"Nope","value":1,"message_id":"m1"}`))
	resp := readMessage(t, peer)
	if !resp.Get("response.error").Exists() || resp.Get("error").Exists() {
		t.Fatalf("set on unknown attribute = %s", resp.Raw)
	}
	_ = peer.Send(ctx, []byte(`{"action":"has_proxy_attribute","location":"missing","target":"N","message_id":"m2"}`))
	resp = readMessage(t, peer)
	if resp.Get("response").Type != gjson.False {
		t.Fatalf("has on missing handle = %s", resp.Raw)
	}
	_ = peer.Send(ctx, []byte(`{"action":"delete_proxy","location":"`+h+`","message_id":"m3"}`))
	resp = readMessage(t, peer)
	if resp.Get("response").Type != gjson.True || s.Registry().Len() != 0 {
		t.Fatalf("delete_proxy = %s", resp.Raw)
	}
}

func TestIsolatedCallAnswersImmediately(t *testing.T) {
	s := newTestServer(t, Options{})
	conn, peer := serveRaw(t, s, "c1")
	ran := make(chan struct{})
	release := make(chan struct{})
	conn.Expose("slow", func() {
		close(ran)
		<-release
	})
	defer close(release)
	_ = peer.Send(context.Background(), []byte(`{"action":"call_stack_attribute","stack":["slow"],"isolate":true,"message_id":"m1"}`))
	resp := readMessage(t, peer)
	if resp.Get("response").Type != gjson.True {
		t.Fatalf("isolated call = %s", resp.Raw)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("isolated call never ran")
	}
}

func TestForceSyncAwaitsFutures(t *testing.T) {
	s := newTestServer(t, Options{ForceSyncCalls: true})
	conn, peer := serveRaw(t, s, "c1")
	conn.Expose("later", func(ctx context.Context) Future {
		return Async(ctx, func(context.Context) (any, error) { return "done", nil })
	})
	_ = peer.Send(context.Background(), []byte(`{"action":"exec","target":"later","args":[],"message_id":"m1"}`))
	resp := readMessage(t, peer)
	if resp.Get("response").String() != "done" {
		t.Fatalf("exec = %s", resp.Raw)
	}
}

func TestWaitConnection(t *testing.T) {
	s := newTestServer(t, Options{ConnectionTimeout: 30 * time.Millisecond})
	if _, err := s.WaitConnection(context.Background(), "never"); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}

	s.SetTimeouts(0, 2*time.Second)
	got := make(chan *Connection, 1)
	go func() {
		c, _ := s.WaitConnection(context.Background(), "later")
		got <- c
	}()
	time.Sleep(20 * time.Millisecond)
	local, _ := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, "later", local) }()
	select {
	case c := <-got:
		if c == nil || c.ID() != "later" {
			t.Fatalf("waiter got %v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestServePurgesScopeOnClose(t *testing.T) {
	s := newTestServer(t, Options{})
	id := s.NewConnectionID()
	scope := s.Scope(id)
	scope.Set("cb", "value")
	ctx, cancel := context.WithCancel(context.Background())
	local, _ := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, id, local) }()
	if _, err := s.WaitConnection(context.Background(), id); err != nil {
		t.Fatalf("wait: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if scope.Len() != 0 {
		t.Fatalf("scope still holds %v", scope.Names())
	}
	if _, ok := s.Connection(id); ok {
		t.Fatal("connection still registered")
	}
}

func TestInitScriptNamesConnection(t *testing.T) {
	s := newTestServer(t, Options{SocketPath: "/ws/"})
	script := s.InitScript("abc", "localhost", 8080)
	for _, want := range []string{`conn_id: "abc"`, `path: "/ws/abc"`, `port: 8080`, "client.start();"} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
}

func TestShutdownFailsWaiters(t *testing.T) {
	s, err := NewServer(Options{ConnectionTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.WaitConnection(context.Background(), "x")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = s.Shutdown(context.Background())
	if err := <-errCh; !errors.Is(err, ErrServerClosed) {
		t.Fatalf("err = %v, want ErrServerClosed", err)
	}
}

func TestProxyNotFoundCrossesTheWire(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	ca, _ := linkServers(t, a, b, "c1")
	ctx := context.Background()

	_, err := ca.Proxy("released-handle").CallMethod(ctx, "hasChildNodes")
	var notFound *ProxyNotFoundError
	if !errors.As(err, &notFound) || notFound.Handle != "released-handle" {
		t.Fatalf("CallMethod on a released handle = %v (%T), want ProxyNotFoundError", err, err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Trace, "call_stack failed") {
		t.Fatalf("remote trace missing: %v", err)
	}

	// Other failures stay plain remote errors.
	_, err = ca.Window().Attr("nothing").Value(ctx)
	if errors.As(err, &notFound) || !errors.As(err, &remote) {
		t.Fatalf("missing scope name = %v (%T), want RemoteError", err, err)
	}
}

func TestHandlerErrorsCarryTheirChain(t *testing.T) {
	s := newTestServer(t, Options{})
	s.Dispatcher().Handle("wrapped", func(context.Context, *Call) (any, error) {
		return nil, fmt.Errorf("load widget: %w", &AttributeError{Target: "widget", Name: "size"})
	})
	_, peer := serveRaw(t, s, "c1")
	ctx := context.Background()

	_ = peer.Send(ctx, []byte(`{"action":"wrapped","message_id":"m1"}`))
	resp := readMessage(t, peer)
	trace := resp.Get("error").String()
	for _, want := range []string{"wrapped failed: load widget", "caused by *bridge.AttributeError", `"size"`} {
		if !strings.Contains(trace, want) {
			t.Fatalf("trace %q does not contain %q", trace, want)
		}
	}
	if resp.Get("error_type").Exists() {
		t.Fatalf("unexpected error_type: %s", resp.Raw)
	}

	_ = peer.Send(ctx, []byte(`{"action":"get_proxy_attribute","location":"gone","target":"x","message_id":"m2"}`))
	resp = readMessage(t, peer)
	if resp.Get("error_type").String() != ErrorTypeProxyNotFound || resp.Get("location").String() != "gone" {
		t.Fatalf("not-found response = %s", resp.Raw)
	}
}

func TestConcurrentAssignmentsToExposedMap(t *testing.T) {
	a := newTestServer(t, Options{})
	b := newTestServer(t, Options{})
	ca, cb := linkServers(t, a, b, "c1")
	cfg := map[string]any{}
	cb.Expose("cfg", cfg)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- ca.Window().Attr("cfg").Attr(fmt.Sprintf("k%d", i)).Assign(ctx, i)
		}(i)
		go func() {
			defer wg.Done()
			_, err := ca.Window().Attr("cfg").Value(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent access: %v", err)
		}
	}

	back, err := ca.Window().Attr("cfg").Value(ctx)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := len(back.(map[string]any)); got != n {
		t.Fatalf("cfg has %d keys, want %d", got, n)
	}
}
