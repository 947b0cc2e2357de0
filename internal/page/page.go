// Package page ties a dom tree to one browser connection: it renders the
// first response with the bootstrap scripts, exposes callbacks, and keeps the
// live document in sync through the reconciliation engine and the mutation
// mirror.
package page

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/dom"
	"github.com/router-for-me/DOMBridge/internal/reconcile"
	log "github.com/sirupsen/logrus"
)

// Events dispatched on a Page.
const (
	// EventUpdate asks for a reconciliation pass.
	EventUpdate = "update"
	// EventSend fires once the browser has connected and refs are bound.
	EventSend = "send"
	// EventClose fires when the page is torn down.
	EventClose = "close"
)

// ErrAlreadySent is returned by Render after the first response went out.
var ErrAlreadySent = errors.New("page: already sent")

// Options configures a Page.
type Options struct {
	// Host and Port are where the browser reaches the websocket route.
	Host string
	Port int
	// ScriptPath is the URL of the client library.
	ScriptPath string
	// Debounce is the mutation mirror batch interval.
	Debounce time.Duration
}

// Page is the server side of one browser tab. The tree it renders must only
// be mutated inside callbacks or through Do.
type Page struct {
	dom.Hooks

	server *bridge.Server
	id     string
	opts   Options
	entry  *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	root     *dom.Node
	renderer *dom.Renderer
	observer *dom.MutationObserver
	mirror   *reconcile.Mirror
	sent     bool
	names    map[*dom.Callback]string
	watched  map[*dom.Reactive]bool
	refs     map[string]*dom.Ref
	seq      int

	updates   chan struct{}
	closeOnce sync.Once
}

// New creates a page bound to a fresh connection id on server.
func New(server *bridge.Server, opts Options) *Page {
	if opts.ScriptPath == "" {
		opts.ScriptPath = config.DefaultScriptPath
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		server:  server,
		id:      server.NewConnectionID(),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		names:   make(map[*dom.Callback]string),
		watched: make(map[*dom.Reactive]bool),
		refs:    make(map[string]*dom.Ref),
		updates: make(chan struct{}, 1),
	}
	p.entry = log.WithField("conn_id", p.id)
	p.renderer = &dom.Renderer{Binder: p, Watch: p.watch, Refs: p.addRef}
	p.mirror = &reconcile.Mirror{Document: p.document, Renderer: p.renderer}
	p.observer = dom.NewMutationObserver(opts.Debounce, p.flush)
	p.On(EventUpdate, func(context.Context, ...any) error {
		p.Update()
		return nil
	})
	go p.loop()
	return p
}

// ID returns the connection id the browser will connect with.
func (p *Page) ID() string { return p.id }

// Context ends when the page closes.
func (p *Page) Context() context.Context { return p.ctx }

// InitScript returns the inline script that connects the browser back.
func (p *Page) InitScript() string {
	return p.server.InitScript(p.id, p.opts.Host, p.opts.Port)
}

// Render turns root into the first HTML response. A bare node is wrapped into
// a document, the client scripts are appended to the body, and the tree is
// observed from then on. Later calls fail with ErrAlreadySent; use Write.
func (p *Page) Render(root *dom.Node) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent {
		return "", ErrAlreadySent
	}
	doc := dom.EnsureDocument(root)
	body := dom.Body(doc)
	if body == nil {
		body = dom.E("body")
		doc.Append(body)
	}
	body.Append(
		dom.E("script", dom.A("src", p.opts.ScriptPath)),
		dom.E("script", p.InitScript()),
	)
	p.root = doc
	p.sent = true
	out := p.renderer.Document(doc)
	p.observer.Observe(doc, dom.ObserveAll)
	go p.attach()
	return out, nil
}

// Root returns the rendered document tree, nil before Render.
func (p *Page) Root() *dom.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// Do runs fn with exclusive access to the tree.
func (p *Page) Do(fn func(root *dom.Node)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.root)
}

// Browser waits for the live connection.
func (p *Page) Browser(ctx context.Context) (*bridge.Connection, error) {
	return p.server.WaitConnection(ctx, p.id)
}

// Update schedules a reconciliation pass. Calls made while one is pending coalesce.
func (p *Page) Update() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

// Reconcile diffs the tree against document.children[0] now. It must not be
// called from a callback; use Update there.
func (p *Page) Reconcile(ctx context.Context) error {
	conn, err := p.Browser(ctx)
	if err != nil {
		return err
	}
	engine := &reconcile.Engine{Renderer: p.renderer}
	doc, err := remoteValue(conn.Window().Attr("document").Value(ctx))
	if err != nil {
		return err
	}
	engine.Document = doc
	engine.Track(doc)
	remoteRoot, err := remoteValue(conn.Window().Attr("document").Attr("children").Item(0).Value(ctx))
	if err != nil {
		engine.Release(ctx)
		return err
	}
	engine.Track(remoteRoot)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		engine.Release(ctx)
		return nil
	}
	return engine.Diff(ctx, p.root, remoteRoot)
}

// Write replaces the live document with markup through document.write.
func (p *Page) Write(ctx context.Context, markup string) error {
	conn, err := p.Browser(ctx)
	if err != nil {
		return err
	}
	document := conn.Window().Attr("document")
	if _, err := document.CallMethod(ctx, "write", markup); err != nil {
		return fmt.Errorf("page: document.write: %w", err)
	}
	return nil
}

// Resend renders root as a full document and writes it over the live one.
func (p *Page) Resend(ctx context.Context, root *dom.Node) error {
	p.mu.Lock()
	markup := p.renderer.Document(dom.EnsureDocument(root))
	p.mu.Unlock()
	return p.Write(ctx, markup)
}

// Bind exposes cb on the connection scope and returns the client expression
// that calls it. A callback keeps its name across renders.
func (p *Page) Bind(cb *dom.Callback) string {
	name, ok := p.names[cb]
	if !ok {
		base := cb.Name
		if base == "" {
			p.seq++
			base = "func_" + strconv.Itoa(p.seq)
		}
		name = base + "_" + p.id
		p.names[cb] = name
		p.server.Scope(p.id).Set(name, p.callback(cb))
	}
	return dom.Descriptor(name, cb.Arguments(), cb.AsCallback)
}

// callback runs cb.Fn with the tree locked.
func (p *Page) callback(cb *dom.Callback) bridge.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return bridge.Invoke(ctx, cb.Fn, args, kwargs)
	}
}

// Close tears the page down. It is safe to call more than once.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.observer.Disconnect()
		p.cancel()
		p.server.Discard(p.id)
		if err := p.Dispatch(context.Background(), EventClose); err != nil {
			p.entry.WithError(err).Debug("page: close listener failed")
		}
		p.entry.Debug("page: closed")
	})
}

func (p *Page) watch(cell *dom.Reactive) {
	if p.watched[cell] {
		return
	}
	p.watched[cell] = true
	cell.On(dom.ChangeEvent, func(context.Context, ...any) error {
		p.Update()
		return nil
	})
}

func (p *Page) addRef(selector string, ref *dom.Ref) {
	p.refs[selector] = ref
}

// attach waits for the browser, binds refs and announces the page as sent.
// The page closes with its connection, or when the browser never arrives.
func (p *Page) attach() {
	conn, err := p.Browser(p.ctx)
	if err != nil {
		p.entry.WithError(err).Debug("page: browser never connected")
		p.Close()
		return
	}
	p.bindRefs(p.ctx, conn)
	if err := p.Dispatch(p.ctx, EventSend); err != nil {
		p.entry.WithError(err).Debug("page: send listener failed")
	}
	select {
	case <-conn.Done():
		p.Close()
	case <-p.ctx.Done():
	}
}

func (p *Page) bindRefs(ctx context.Context, conn *bridge.Connection) {
	p.mu.Lock()
	refs := make(map[string]*dom.Ref, len(p.refs))
	for sel, ref := range p.refs {
		refs[sel] = ref
	}
	p.mu.Unlock()

	for sel, ref := range refs {
		el, err := conn.Window().Attr("document").CallMethod(ctx, "querySelector", sel)
		if err != nil {
			p.entry.WithError(err).WithField("path", sel).Debug("page: ref lookup failed")
			continue
		}
		if el != nil {
			ref.Connect(el)
		}
	}
}

func (p *Page) loop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.updates:
			if err := p.Reconcile(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.entry.WithError(err).Warn("page: reconciliation failed")
			}
		}
	}
}

func (p *Page) flush(records []dom.MutationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mirror.Apply(p.ctx, records); err != nil {
		p.entry.WithError(err).Warn("page: mirror failed")
	}
}

func (p *Page) document(ctx context.Context) (reconcile.Remote, error) {
	conn, ok := p.server.Connection(p.id)
	if !ok {
		return nil, bridge.ErrNoConnection
	}
	return remoteValue(conn.Window().Attr("document").Value(ctx))
}

func remoteValue(v any, err error) (reconcile.Remote, error) {
	if err != nil {
		return nil, err
	}
	r, ok := v.(reconcile.Remote)
	if !ok {
		return nil, fmt.Errorf("page: expected a remote node, got %T", v)
	}
	return r, nil
}
