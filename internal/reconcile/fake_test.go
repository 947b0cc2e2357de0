package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/router-for-me/DOMBridge/internal/dom"
)

// fakeCall is one mutation or method call seen by the fake document.
type fakeCall struct {
	target *fakeNode
	method string
	args   []any
	index  int
}

// fakeDoc is an in-memory stand-in for a browser document reached through proxies.
type fakeDoc struct {
	unsupported
	root  *fakeNode
	calls []fakeCall
	// fail makes every call on the named method fail with the given error.
	fail map[string]error
	// handed and released count references given out and returned, the way a
	// browser peer counts its handles.
	handed   atomic.Int64
	released atomic.Int64
}

func newFakeDoc() *fakeDoc {
	d := &fakeDoc{fail: map[string]error{}}
	d.root = d.element("html")
	return d
}

func (d *fakeDoc) hand(v any) any {
	d.handed.Add(1)
	return v
}

// live returns the number of references not released yet.
func (d *fakeDoc) live() int64 {
	return d.handed.Load() - d.released.Load()
}

func (d *fakeDoc) element(tag string, children ...*fakeNode) *fakeNode {
	n := &fakeNode{doc: d, name: tag}
	for _, c := range children {
		c.parent = n
		n.children = append(n.children, c)
	}
	return n
}

func (d *fakeDoc) text(s string) *fakeNode {
	return &fakeNode{doc: d, name: "#text", text: s}
}

func (d *fakeDoc) record(target *fakeNode, method string, args ...any) error {
	idx := -1
	if target != nil && target.parent != nil {
		idx = target.parent.indexOf(target)
	}
	d.calls = append(d.calls, fakeCall{target: target, method: method, args: args, index: idx})
	return d.fail[method]
}

// mutations returns the recorded calls that change the document.
func (d *fakeDoc) mutations() []fakeCall {
	var out []fakeCall
	for _, c := range d.calls {
		switch c.method {
		case "append", "appendChild", "remove", "replaceWith", "setAttribute", "removeAttribute",
			"set:textContent", "set:innerHTML", "set:innerText", "setProperty", "removeProperty":
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDoc) count(method string) int {
	n := 0
	for _, c := range d.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (d *fakeDoc) CallMethod(_ context.Context, name string, args ...any) (any, error) {
	if err := d.record(nil, name, args...); err != nil {
		return nil, err
	}
	switch name {
	case "createElement":
		return d.hand(d.element(args[0].(string))), nil
	case "createTextNode":
		return d.hand(d.text(args[0].(string))), nil
	case "evaluate":
		n := d.find(args[0].(string))
		return d.hand(&fakeResult{doc: d, node: n}), nil
	}
	return nil, fmt.Errorf("fake document: no method %s", name)
}

func (d *fakeDoc) find(path string) *fakeNode {
	steps := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(steps) == 0 || !strings.HasPrefix(steps[0], d.root.name+"[") {
		return nil
	}
	cur := d.root
	for _, step := range steps[1:] {
		open := strings.IndexByte(step, '[')
		tag := step[:open]
		want, _ := strconv.Atoi(step[open+1 : len(step)-1])
		var next *fakeNode
		seen := 0
		for _, c := range cur.children {
			if c.name == tag {
				seen++
				if seen == want {
					next = c
					break
				}
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

type fakeNode struct {
	unsupported
	doc      *fakeDoc
	name     string
	text     string
	attrs    []dom.Attr
	children []*fakeNode
	parent   *fakeNode
}

func (n *fakeNode) indexOf(child *fakeNode) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

func (n *fakeNode) detach() {
	if n.parent == nil {
		return
	}
	i := n.parent.indexOf(n)
	n.parent.children = append(n.parent.children[:i], n.parent.children[i+1:]...)
	n.parent = nil
}

func (n *fakeNode) attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value.(string), true
		}
	}
	return "", false
}

// toDOM converts the fake subtree so the real serializer can produce innerHTML.
func (n *fakeNode) toDOM() any {
	if n.name == "#text" {
		return dom.Text(n.text)
	}
	items := make([]any, 0, len(n.attrs)+len(n.children))
	for _, a := range n.attrs {
		items = append(items, a)
	}
	for _, c := range n.children {
		items = append(items, c.toDOM())
	}
	return dom.E(n.name, items...)
}

func (n *fakeNode) textContent() string {
	if n.name == "#text" {
		return n.text
	}
	var b strings.Builder
	for _, c := range n.children {
		b.WriteString(c.textContent())
	}
	return b.String()
}

func (n *fakeNode) Get(_ context.Context, name string) (any, error) {
	if err := n.doc.fail["get:"+name]; err != nil {
		return nil, err
	}
	switch name {
	case "innerHTML":
		var r dom.Renderer
		return r.InnerHTML(n.toDOM().(*dom.Node)), nil
	case "childNodes":
		return n.doc.hand(&fakeList{node: n}), nil
	case "nodeName":
		if n.name == "#text" {
			return "#text", nil
		}
		return strings.ToUpper(n.name), nil
	case "textContent":
		return n.textContent(), nil
	case "style":
		return n.doc.hand(&fakeStyle{node: n}), nil
	}
	return nil, nil
}

func (n *fakeNode) Release(context.Context) error {
	n.doc.released.Add(1)
	return nil
}

func (n *fakeNode) Set(_ context.Context, name string, value any) error {
	if err := n.doc.record(n, "set:"+name, value); err != nil {
		return err
	}
	if name == "textContent" {
		if n.name == "#text" {
			n.text = value.(string)
		} else {
			n.children = []*fakeNode{n.doc.text(value.(string))}
		}
	}
	return nil
}

func (n *fakeNode) CallMethod(_ context.Context, name string, args ...any) (any, error) {
	if err := n.doc.record(n, name, args...); err != nil {
		return nil, err
	}
	switch name {
	case "hasChildNodes":
		return len(n.children) > 0, nil
	case "append", "appendChild":
		for _, a := range args {
			child := a.(*fakeNode)
			child.detach()
			child.parent = n
			n.children = append(n.children, child)
		}
		return nil, nil
	case "remove":
		n.detach()
		return nil, nil
	case "replaceWith":
		repl := args[0].(*fakeNode)
		parent := n.parent
		i := parent.indexOf(n)
		repl.detach()
		repl.parent = parent
		parent.children[i] = repl
		n.parent = nil
		return nil, nil
	case "getAttributeNames":
		out := make([]any, 0, len(n.attrs))
		for _, a := range n.attrs {
			out = append(out, a.Name)
		}
		return out, nil
	case "getAttribute":
		v, ok := n.attr(args[0].(string))
		if !ok {
			return nil, nil
		}
		return v, nil
	case "setAttribute":
		name, value := args[0].(string), fmt.Sprint(args[1])
		for i, a := range n.attrs {
			if a.Name == name {
				n.attrs[i].Value = value
				return nil, nil
			}
		}
		n.attrs = append(n.attrs, dom.Attr{Name: name, Value: value})
		return nil, nil
	case "removeAttribute":
		for i, a := range n.attrs {
			if a.Name == args[0].(string) {
				n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
				break
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("fake node: no method %s", name)
}

type fakeList struct {
	unsupported
	node *fakeNode
}

func (l *fakeList) Get(_ context.Context, name string) (any, error) {
	if name == "length" {
		return int64(len(l.node.children)), nil
	}
	return nil, nil
}

func (l *fakeList) Index(_ context.Context, key any) (any, error) {
	i := key.(int)
	if i < 0 || i >= len(l.node.children) {
		return nil, nil
	}
	return l.node.doc.hand(l.node.children[i]), nil
}

func (l *fakeList) Release(context.Context) error {
	l.node.doc.released.Add(1)
	return nil
}

type fakeResult struct {
	unsupported
	doc  *fakeDoc
	node *fakeNode
}

func (r *fakeResult) Get(_ context.Context, name string) (any, error) {
	if name == "singleNodeValue" && r.node != nil {
		return r.doc.hand(r.node), nil
	}
	return nil, nil
}

func (r *fakeResult) Release(context.Context) error {
	r.doc.released.Add(1)
	return nil
}

type fakeStyle struct {
	unsupported
	node *fakeNode
}

func (s *fakeStyle) CallMethod(_ context.Context, name string, args ...any) (any, error) {
	return nil, s.node.doc.record(s.node, name, args...)
}

func (s *fakeStyle) Release(context.Context) error {
	s.node.doc.released.Add(1)
	return nil
}

// unsupported fills in the Remote methods a fake does not implement.
type unsupported struct{}

var errUnsupported = errors.New("fake: unsupported")

func (unsupported) Get(context.Context, string) (any, error) { return nil, errUnsupported }
func (unsupported) Set(context.Context, string, any) error { return errUnsupported }
func (unsupported) Index(context.Context, any) (any, error) { return nil, errUnsupported }
func (unsupported) Call(context.Context, []any, map[string]any) (any, error) {
	return nil, errUnsupported
}
func (unsupported) Construct(context.Context, []any, map[string]any) (any, error) {
	return nil, errUnsupported
}
func (unsupported) CallMethod(context.Context, string, ...any) (any, error) {
	return nil, errUnsupported
}
