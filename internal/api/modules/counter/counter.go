// Package counter implements a demo page: a counter driven by browser clicks
// through page callbacks and reactive cells.
package counter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DOMBridge/internal/api/modules"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/dom"
	"github.com/router-for-me/DOMBridge/internal/page"
	log "github.com/sirupsen/logrus"
)

// Option configures the Module.
type Option func(*Module)

// Module mounts the counter page.
type Module struct {
	path         string
	step         int
	registerOnce sync.Once
}

// New creates the counter module. The page is mounted at "/" unless WithPath is given.
func New(opts ...Option) *Module {
	m := &Module{path: "/", step: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithPath sets the route the page is served on.
func WithPath(path string) Option {
	return func(m *Module) { m.path = path }
}

// WithStep sets how much each click changes the count.
func WithStep(step int) Option {
	return func(m *Module) { m.step = step }
}

// Name implements modules.RouteModule.
func (m *Module) Name() string { return "counter" }

// Register implements modules.RouteModule.
func (m *Module) Register(ctx modules.Context) error {
	if ctx.Pages == nil {
		return fmt.Errorf("counter: no page registrar")
	}
	m.registerOnce.Do(func() {
		ctx.Pages.Page(m.path, m.render)
		log.Debugf("counter: page mounted at %s", m.path)
	})
	return nil
}

// OnConfigUpdated implements modules.RouteModule.
func (m *Module) OnConfigUpdated(*config.Config) error { return nil }

func (m *Module) render(_ *gin.Context, p *page.Page) (*dom.Node, error) {
	count := dom.NewReactive(0)
	history := dom.E("ul", dom.A("id", "history"))
	bump := func(delta int) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			next := count.Get().(int) + delta
			history.Append(dom.E("li", fmt.Sprintf("%+d → %d", delta, next)))
			return count.Set(ctx, next)
		}
	}

	input := dom.NewRef()
	p.Once(page.EventSend, func(context.Context, ...any) error {
		log.WithField("conn_id", p.ID()).Debug("counter: page connected")
		return nil
	})
	return dom.E("main",
		dom.E("h1", "Counter"),
		dom.E("p", dom.A("id", "count"), count),
		dom.E("button", dom.A("id", "dec"), dom.A("onclick", dom.On(bump(-m.step)).Named("dec")), "-"),
		dom.E("button", dom.A("id", "inc"), dom.A("onclick", dom.On(bump(m.step)).Named("inc")), "+"),
		dom.E("input", dom.A("id", "note"), dom.A("ref", input), dom.A("placeholder", "note")),
		history,
	), nil
}
