// Package modules provides a pluggable routing module system for mounting
// pages and extra routes on the HTTP server without touching its core routing.
package modules

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/dom"
	"github.com/router-for-me/DOMBridge/internal/page"
)

// RenderFunc builds the tree for one page request. The page is already bound
// to a fresh connection id; callbacks in the tree are exposed on it.
type RenderFunc func(c *gin.Context, p *page.Page) (*dom.Node, error)

// PageRegistrar mounts pages.
type PageRegistrar interface {
	Page(path string, render RenderFunc)
}

// Context encapsulates the dependencies exposed to routing modules during
// registration.
type Context struct {
	Engine *gin.Engine
	Bridge *bridge.Server
	Config *config.Config
	Pages  PageRegistrar
}

// RouteModule is a pluggable bundle of routes.
type RouteModule interface {
	// Name returns a unique identifier for logging and diagnostics.
	Name() string

	// Register wires the module's routes. Calling it twice must not register
	// routes twice.
	Register(ctx Context) error

	// OnConfigUpdated is called after a configuration hot reload.
	OnConfigUpdated(cfg *config.Config) error
}

// RegisterModule registers mod, rejecting anything that is not a RouteModule.
func RegisterModule(ctx Context, mod any) error {
	if m, ok := mod.(RouteModule); ok {
		return m.Register(ctx)
	}
	return fmt.Errorf("unsupported module type %T (must implement RouteModule)", mod)
}
