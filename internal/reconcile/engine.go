// Package reconcile brings a live remote document in line with a local dom
// tree, either by diffing the two (Engine) or by replaying recorded local
// mutations (Mirror). Every remote access is a bridge round trip.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/dom"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	releaseTimeout     = 5 * time.Second
	releaseParallelism = 8
)

// Remote is a handle on a live DOM object.
type Remote interface {
	bridge.RemoteHandle
	bridge.MethodCaller
}

// releaser is a remote reference the peer keeps alive until it is released.
type releaser interface {
	Release(ctx context.Context) error
}

// Engine diffs a local tree against a remote node and issues the minimal
// mutations it can find. Document creates new remote nodes.
//
// Every remote reference the engine obtains is held until Release; Diff
// releases them when the pass ends.
type Engine struct {
	Document Remote
	Renderer *dom.Renderer

	mu   sync.Mutex
	held []releaser
}

// Track hands references obtained elsewhere to the engine, to be released
// with the ones it obtains itself. Values that cannot be released are ignored.
func (e *Engine) Track(values ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range values {
		if r, ok := v.(releaser); ok {
			e.held = append(e.held, r)
		}
	}
}

// Release returns every held reference to the peer. Failures are logged; the
// peer may already be gone.
func (e *Engine) Release(ctx context.Context) {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()
	if len(held) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(releaseParallelism)
	for _, r := range held {
		g.Go(func() error {
			if err := r.Release(ctx); err != nil {
				log.WithError(err).Debug("reconcile: release failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) renderer() *dom.Renderer {
	if e.Renderer == nil {
		e.Renderer = &dom.Renderer{}
	}
	return e.Renderer
}

// Diff reconciles remote against target. Remote nodes that cannot be
// resolved are skipped rather than reported.
func (e *Engine) Diff(ctx context.Context, target *dom.Node, remote Remote) error {
	err := e.diff(ctx, target, remote)
	e.Release(ctx)
	return err
}

func (e *Engine) diff(ctx context.Context, target *dom.Node, remote Remote) error {
	if target == nil || remote == nil {
		return nil
	}
	if v, ok := target.Attr(dom.IgnoreUpdateAttr); ok && v != false && v != nil {
		return nil
	}
	r := e.renderer()
	children := target.Children()

	hasChildren, err := remote.CallMethod(ctx, "hasChildNodes")
	if err != nil {
		return skipUnresolved(err)
	}
	if hasChildren != true {
		for _, child := range children {
			if err := e.appendChild(ctx, remote, child); err != nil {
				return err
			}
		}
		return nil
	}

	inner, err := remote.Get(ctx, "innerHTML")
	if err != nil {
		return skipUnresolved(err)
	}
	if s, ok := inner.(string); ok && s == r.InnerHTML(target) {
		return nil
	}

	nodes, err := e.getRemote(ctx, remote, "childNodes")
	if err != nil || nodes == nil {
		return skipUnresolved(err)
	}
	length, err := remoteLength(ctx, nodes)
	if err != nil {
		return skipUnresolved(err)
	}
	for i := length - 1; i >= len(children); i-- {
		surplus, errIdx := e.indexRemote(ctx, nodes, i)
		if errIdx != nil {
			return skipUnresolved(errIdx)
		}
		if surplus == nil {
			continue
		}
		if _, errRm := surplus.CallMethod(ctx, "remove"); errRm != nil {
			return fmt.Errorf("reconcile: remove child %d: %w", i, errRm)
		}
	}
	if length > len(children) {
		length = len(children)
	}

	for i, child := range children {
		resolved := r.Resolve(child)
		if i >= length {
			if err := e.appendResolved(ctx, remote, resolved); err != nil {
				return err
			}
			continue
		}
		current, errIdx := e.indexRemote(ctx, nodes, i)
		if errIdx != nil {
			return skipUnresolved(errIdx)
		}
		if current == nil {
			if err := e.appendResolved(ctx, remote, resolved); err != nil {
				return err
			}
			continue
		}
		if err := e.patchChild(ctx, resolved, current); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) patchChild(ctx context.Context, child any, current Remote) error {
	nameValue, err := current.Get(ctx, "nodeName")
	if err != nil {
		return skipUnresolved(err)
	}
	nodeName, _ := nameValue.(string)
	nodeName = strings.ToLower(nodeName)

	switch v := child.(type) {
	case dom.Text:
		if nodeName == "#text" {
			text, errGet := current.Get(ctx, "textContent")
			if errGet != nil {
				return skipUnresolved(errGet)
			}
			if s, _ := text.(string); s != string(v) {
				if errSet := current.Set(ctx, "textContent", string(v)); errSet != nil {
					return fmt.Errorf("reconcile: set text: %w", errSet)
				}
			}
			return nil
		}
	case *dom.Node:
		if nodeName == v.Tag {
			if err := e.patchAttributes(ctx, v, current); err != nil {
				return err
			}
			return e.diff(ctx, v, current)
		}
	}

	replacement, err := e.Materialize(ctx, child)
	if err != nil {
		return err
	}
	if _, err := current.CallMethod(ctx, "replaceWith", replacement); err != nil {
		return fmt.Errorf("reconcile: replace child: %w", err)
	}
	if el, ok := child.(*dom.Node); ok {
		return e.diff(ctx, el, replacement)
	}
	return nil
}

// patchAttributes adds missing attributes, updates differing ones and removes
// those only the remote node has.
func (e *Engine) patchAttributes(ctx context.Context, target *dom.Node, remote Remote) error {
	namesValue, err := remote.CallMethod(ctx, "getAttributeNames")
	if err != nil {
		return skipUnresolved(err)
	}
	remoteNames := map[string]bool{}
	var order []string
	for _, item := range asSlice(namesValue) {
		if name, ok := item.(string); ok {
			remoteNames[name] = true
			order = append(order, name)
		}
	}

	wanted := map[string]bool{}
	for _, a := range e.renderer().Attrs(target) {
		value := a.Value.(string)
		wanted[a.Name] = true
		if remoteNames[a.Name] {
			current, errGet := remote.CallMethod(ctx, "getAttribute", a.Name)
			if errGet != nil {
				return skipUnresolved(errGet)
			}
			if s, _ := current.(string); s == value {
				continue
			}
		}
		if _, errSet := remote.CallMethod(ctx, "setAttribute", a.Name, value); errSet != nil {
			return fmt.Errorf("reconcile: set attribute %s: %w", a.Name, errSet)
		}
	}
	for _, name := range order {
		if wanted[name] {
			continue
		}
		if _, errRm := remote.CallMethod(ctx, "removeAttribute", name); errRm != nil {
			return fmt.Errorf("reconcile: remove attribute %s: %w", name, errRm)
		}
	}
	return nil
}

func (e *Engine) appendChild(ctx context.Context, parent Remote, child any) error {
	return e.appendResolved(ctx, parent, e.renderer().Resolve(child))
}

func (e *Engine) appendResolved(ctx context.Context, parent Remote, child any) error {
	node, err := e.Materialize(ctx, child)
	if err != nil {
		return err
	}
	if _, err := parent.CallMethod(ctx, "append", node); err != nil {
		return fmt.Errorf("reconcile: append: %w", err)
	}
	return nil
}

// Materialize creates a remote copy of child: a text node, or an element with
// its rendered attributes and materialized children. The created nodes are
// held until Release.
func (e *Engine) Materialize(ctx context.Context, child any) (Remote, error) {
	if e.Document == nil {
		return nil, errors.New("reconcile: no remote document")
	}
	r := e.renderer()
	switch v := r.Resolve(child).(type) {
	case dom.Text:
		return e.callRemote(ctx, e.Document, "createTextNode", string(v))
	case *dom.Node:
		el, err := e.callRemote(ctx, e.Document, "createElement", v.Tag)
		if err != nil {
			return nil, err
		}
		for _, a := range r.Attrs(v) {
			if _, err := el.CallMethod(ctx, "setAttribute", a.Name, a.Value); err != nil {
				return nil, fmt.Errorf("reconcile: set attribute %s: %w", a.Name, err)
			}
		}
		if dom.IsVoid(v.Tag) {
			return el, nil
		}
		for _, c := range v.Children() {
			sub, err := e.Materialize(ctx, c)
			if err != nil {
				return nil, err
			}
			if _, err := el.CallMethod(ctx, "append", sub); err != nil {
				return nil, fmt.Errorf("reconcile: append: %w", err)
			}
		}
		return el, nil
	}
	return nil, fmt.Errorf("reconcile: cannot materialize %T", child)
}

func (e *Engine) callRemote(ctx context.Context, target Remote, method string, args ...any) (Remote, error) {
	v, err := target.CallMethod(ctx, method, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %s: %w", method, err)
	}
	e.Track(v)
	out, ok := v.(Remote)
	if !ok {
		return nil, fmt.Errorf("reconcile: %s returned %T", method, v)
	}
	return out, nil
}

func (e *Engine) getRemote(ctx context.Context, target Remote, name string) (Remote, error) {
	v, err := target.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	e.Track(v)
	out, _ := v.(Remote)
	return out, nil
}

func (e *Engine) indexRemote(ctx context.Context, target Remote, i int) (Remote, error) {
	v, err := target.Index(ctx, i)
	if err != nil {
		return nil, err
	}
	e.Track(v)
	out, _ := v.(Remote)
	return out, nil
}

func remoteLength(ctx context.Context, target Remote) (int, error) {
	v, err := target.Get(ctx, "length")
	if err != nil {
		return 0, err
	}
	n, ok := bridge.ToInt(v)
	if !ok {
		return 0, fmt.Errorf("reconcile: length is %T", v)
	}
	return n, nil
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	}
	return nil
}

// skipUnresolved swallows errors that mean the remote counterpart is gone.
func skipUnresolved(err error) error {
	if err == nil {
		return nil
	}
	var notFound *bridge.ProxyNotFoundError
	if errors.As(err, &notFound) {
		log.WithError(err).Debug("reconcile: skipping unresolvable node")
		return nil
	}
	return fmt.Errorf("reconcile: %w", err)
}
