package api

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

//go:embed static/bridge.js
var bundledClient []byte

// scriptAsset serves the client library, compressing it once per encoding.
type scriptAsset struct {
	mu      sync.Mutex
	body    []byte
	encoded map[string][]byte
}

func newScriptAsset(path string) (*scriptAsset, error) {
	body := bundledClient
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("api: read client script %s: %w", path, err)
		}
		body = data
	}
	return &scriptAsset{body: body, encoded: make(map[string][]byte)}, nil
}

// negotiate picks the best supported encoding from an Accept-Encoding header.
func negotiate(header string) string {
	accepted := map[string]bool{}
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}
	switch {
	case accepted["br"]:
		return "br"
	case accepted["gzip"]:
		return "gzip"
	}
	return ""
}

func (a *scriptAsset) bytes(encoding string) ([]byte, error) {
	if encoding == "" {
		return a.body, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.encoded[encoding]; ok {
		return cached, nil
	}
	var buf bytes.Buffer
	switch encoding {
	case "br":
		w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
		if _, err := w.Write(a.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return a.body, nil
	}
	a.encoded[encoding] = buf.Bytes()
	return a.encoded[encoding], nil
}

func (a *scriptAsset) handle(c *gin.Context) {
	encoding := negotiate(c.GetHeader("Accept-Encoding"))
	body, err := a.bytes(encoding)
	if err != nil {
		encoding = ""
		body = a.body
	}
	c.Header("Vary", "Accept-Encoding")
	c.Header("Cache-Control", "no-cache")
	if encoding != "" {
		c.Header("Content-Encoding", encoding)
	}
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", body)
}
