// Package api provides the HTTP surface of the bridge: the client script, the
// per-connection websocket route, page routes and a health probe, on gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DOMBridge/internal/api/modules"
	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/buildinfo"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/logging"
	"github.com/router-for-me/DOMBridge/internal/page"
	"github.com/router-for-me/DOMBridge/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Server is the HTTP server in front of a bridge server.
type Server struct {
	bridge *bridge.Server
	engine *gin.Engine
	script *scriptAsset

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cfg     *config.Config
	server  *http.Server
	modules []modules.RouteModule
}

// NewServer builds the gin engine and mounts the bridge routes.
func NewServer(cfg *config.Config, b *bridge.Server) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	script, err := newScriptAsset(cfg.Bridge.ClientScriptFile)
	if err != nil {
		return nil, err
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{bridge: b, engine: engine, script: script, cfg: cfg, ctx: ctx, cancel: cancel}
	engine.GET(cfg.Bridge.ScriptPath, script.handle)
	engine.GET(cfg.Bridge.SocketPath+"/:conn_id", s.serveSocket)
	engine.GET("/healthz", s.healthz)
	return s, nil
}

// Engine exposes the gin engine for extra routes.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Page mounts a GET route that renders a fresh page per request. The page
// lives on after the response until its browser connection ends.
func (s *Server) Page(path string, render modules.RenderFunc) {
	s.engine.GET(path, func(c *gin.Context) {
		cfg := s.config()
		host, port := requestHostPort(c.Request, cfg.Port)
		p := page.New(s.bridge, page.Options{
			Host:       host,
			Port:       port,
			ScriptPath: cfg.Bridge.ScriptPath,
			Debounce:   cfg.Mirror.Debounce(),
		})
		logging.SetGinConnID(c, p.ID())

		root, err := render(c, p)
		if err != nil {
			p.Close()
			log.WithError(err).WithField("path", path).Error("api: page render failed")
			c.String(http.StatusInternalServerError, "render failed")
			return
		}
		body, err := p.Render(root)
		if err != nil {
			p.Close()
			c.String(http.StatusInternalServerError, "render failed")
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
	})
}

// Module registers a routing module.
func (s *Server) Module(m modules.RouteModule) error {
	ctx := modules.Context{Engine: s.engine, Bridge: s.bridge, Config: s.config(), Pages: s}
	if err := modules.RegisterModule(ctx, m); err != nil {
		return fmt.Errorf("api: module %s: %w", m.Name(), err)
	}
	s.mu.Lock()
	s.modules = append(s.modules, m)
	s.mu.Unlock()
	return nil
}

// UpdateConfig applies a reloaded configuration: bridge timeouts, mirror
// interval for new pages, and module hooks. Routes are not remounted.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	mods := append([]modules.RouteModule(nil), s.modules...)
	s.mu.Unlock()

	s.bridge.SetTimeouts(cfg.Bridge.RequestTimeoutDuration(), cfg.Bridge.ConnectionTimeoutDuration())
	for _, m := range mods {
		if err := m.OnConfigUpdated(cfg); err != nil {
			log.WithError(err).Warnf("api: module %s rejected config update", m.Name())
		}
	}
}

func (s *Server) serveSocket(c *gin.Context) {
	connID := c.Param("conn_id")
	if connID == "" {
		c.String(http.StatusBadRequest, "missing connection id")
		return
	}
	logging.SetGinConnID(c, connID)
	conn, err := transport.NewUpgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).WithField("conn_id", connID).Warn("api: websocket upgrade failed")
		return
	}
	cfg := s.config()
	heartbeat := cfg.Bridge.HeartbeatDuration()
	tr := transport.NewWebSocket(conn, transport.WebSocketOptions{
		ReadTimeout:       2 * heartbeat,
		HeartbeatInterval: heartbeat,
		MaxMessageBytes:   cfg.Bridge.MaxMessageBytes,
	})
	if err := s.bridge.Serve(s.ctx, connID, tr); err != nil {
		log.WithError(err).WithField("conn_id", connID).Debug("api: connection ended with error")
	}
}

func (s *Server) healthz(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     buildinfo.Version,
		"connections": len(s.bridge.Connections()),
	})
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	cfg := s.config()
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Infof("api: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve %s: %w", srv.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and ends every websocket connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	log.Info("api: stopped")
	return nil
}

// requestHostPort splits the Host header, falling back to the listen port.
func requestHostPort(r *http.Request, fallback int) (string, int) {
	host, portText, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		if r.TLS != nil {
			return host, 443
		}
		if fallback == 0 {
			fallback = 80
		}
		return host, fallback
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		port = fallback
	}
	return host, port
}
