package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/dom"
	"github.com/router-for-me/DOMBridge/internal/page"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T) (*Server, *bridge.Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	b, err := bridge.NewServer(bridge.OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("bridge.NewServer: %v", err)
	}
	s, err := NewServer(cfg, b)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
		ts.Close()
	})
	return s, b, ts
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"gzip, deflate, br", "br"},
		{"br;q=0, gzip", "gzip"},
		{"identity", ""},
		{" BR ", "br"},
	}
	for _, tc := range cases {
		if got := negotiate(tc.header); got != tc.want {
			t.Fatalf("negotiate(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestScriptServedCompressed(t *testing.T) {
	_, _, ts := newTestServer(t)

	for _, tc := range []struct {
		encoding string
		decode   func(io.Reader) (io.Reader, error)
	}{
		{"", func(r io.Reader) (io.Reader, error) { return r, nil }},
		{"gzip", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{"br", func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
	} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+config.DefaultScriptPath, nil)
		// Set explicitly so the client does not decompress transparently.
		req.Header.Set("Accept-Encoding", tc.encoding)
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			t.Fatalf("GET script (%q): %v", tc.encoding, err)
		}
		if got := resp.Header.Get("Content-Encoding"); got != tc.encoding {
			t.Fatalf("Content-Encoding = %q, want %q", got, tc.encoding)
		}
		r, err := tc.decode(resp.Body)
		if err != nil {
			t.Fatalf("decoder (%q): %v", tc.encoding, err)
		}
		body, err := io.ReadAll(r)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body (%q): %v", tc.encoding, err)
		}
		if !bytes.Equal(body, bundledClient) {
			t.Fatalf("body (%q) does not match the bundled client", tc.encoding)
		}
	}
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || gjson.GetBytes(body, "status").String() != "ok" {
		t.Fatalf("healthz = %d %s", resp.StatusCode, body)
	}
	if n := gjson.GetBytes(body, "connections").Int(); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}

func TestSocketServesBridgeCommands(t *testing.T) {
	_, b, ts := newTestServer(t)
	connID := b.NewConnectionID()
	b.Scope(connID).Set("answer", 42)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + config.DefaultSocketPath + "/" + connID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.WaitConnection(ctx, connID); err != nil {
		t.Fatalf("WaitConnection: %v", err)
	}

	msg := `{"action":"evaluate","value":"answer","message_id":"m1"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if id := gjson.GetBytes(data, "message_id").String(); id != "m1" {
		t.Fatalf("message_id = %q in %s", id, data)
	}
	if gjson.GetBytes(data, "conn_id").String() != connID {
		t.Fatalf("conn_id missing in %s", data)
	}
	if v := gjson.GetBytes(data, "response").Int(); v != 42 {
		t.Fatalf("response = %s", data)
	}
}

func TestPageRouteRendersBootstrap(t *testing.T) {
	s, b, ts := newTestServer(t)
	var rendered *page.Page
	s.Page("/hello", func(c *gin.Context, p *page.Page) (*dom.Node, error) {
		rendered = p
		return dom.E("p", "hi ", c.Query("name")), nil
	})

	resp, err := http.Get(ts.URL + "/hello?name=bob")
	if err != nil {
		t.Fatalf("GET page: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if rendered == nil {
		t.Fatalf("render func not called")
	}
	t.Cleanup(rendered.Close)

	html := string(body)
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<p>hi bob</p>",
		`<script src="` + config.DefaultScriptPath + `"></script>`,
		`conn_id: "` + rendered.ID() + `"`,
		`path: "` + config.DefaultSocketPath + "/" + rendered.ID() + `"`,
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("page missing %q:\n%s", want, html)
		}
	}
	if _, ok := b.Connection(rendered.ID()); ok {
		t.Fatalf("page should not be connected before the browser dials")
	}
}

func TestUpdateConfigAppliesTimeouts(t *testing.T) {
	s, b, _ := newTestServer(t)
	cfg := config.Default()
	cfg.Bridge.RequestTimeout = 9
	cfg.Bridge.ConnectionTimeout = 11
	s.UpdateConfig(cfg)
	if b.RequestTimeout() != 9*time.Second || b.ConnectionTimeout() != 11*time.Second {
		t.Fatalf("timeouts = %s / %s", b.RequestTimeout(), b.ConnectionTimeout())
	}
}

func TestRequestHostPort(t *testing.T) {
	cases := []struct {
		host     string
		wantHost string
		wantPort int
	}{
		{"example.com:9000", "example.com", 9000},
		{"example.com", "example.com", 8317},
		{"[::1]:81", "::1", 81},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = tc.host
		host, port := requestHostPort(r, 8317)
		if host != tc.wantHost || port != tc.wantPort {
			t.Fatalf("requestHostPort(%q) = %s:%d", tc.host, host, port)
		}
	}
}
