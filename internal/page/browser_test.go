package page

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/dom"
)

// browserDoc is a Go-hosted document exposed to the page through a second
// bridge server, standing in for the JavaScript client.
type browserDoc struct {
	mu      sync.Mutex
	root    *browserNode
	written []string
}

type browserNode struct {
	doc      *browserDoc
	name     string
	text     string
	attrs    []dom.Attr
	children []*browserNode
	parent   *browserNode
}

type browserList struct {
	doc   *browserDoc
	items func() []*browserNode
}

type browserResult struct{ node *browserNode }

type browserStyle struct{ node *browserNode }

// newBrowserDoc loads rendered markup the way a browser would.
func newBrowserDoc(markup string) (*browserDoc, error) {
	root, err := dom.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	d := &browserDoc{}
	d.root = d.load(root).(*browserNode)
	return d, nil
}

func (d *browserDoc) load(item any) any {
	switch v := item.(type) {
	case dom.Text:
		return &browserNode{doc: d, name: "#text", text: string(v)}
	case *dom.Node:
		n := &browserNode{doc: d, name: v.Tag}
		var r dom.Renderer
		n.attrs = r.Attrs(v)
		for _, c := range v.Children() {
			child := d.load(c).(*browserNode)
			child.parent = n
			n.children = append(n.children, child)
		}
		return n
	}
	return nil
}

func (d *browserDoc) GetAttr(_ context.Context, name string) (any, error) {
	switch name {
	case "children":
		return &browserList{doc: d, items: func() []*browserNode { return []*browserNode{d.root} }}, nil
	case "createElement":
		return bridge.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
			return &browserNode{doc: d, name: fmt.Sprint(args[0])}, nil
		}), nil
	case "createTextNode":
		return bridge.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
			return &browserNode{doc: d, name: "#text", text: fmt.Sprint(args[0])}, nil
		}), nil
	case "querySelector":
		return bridge.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			sel := fmt.Sprint(args[0])
			if !strings.HasPrefix(sel, "#") {
				return nil, nil
			}
			if found := d.root.byID(sel[1:]); found != nil {
				return found, nil
			}
			return nil, nil
		}), nil
	case "write":
		return bridge.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.written = append(d.written, fmt.Sprint(args[0]))
			return nil, nil
		}), nil
	case "evaluate":
		return bridge.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			return &browserResult{node: d.find(fmt.Sprint(args[0]))}, nil
		}), nil
	}
	return nil, &bridge.AttributeError{Target: "document", Name: name}
}

func (d *browserDoc) SetAttr(context.Context, string, any) error { return nil }

func (d *browserDoc) find(path string) *browserNode {
	steps := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(steps) == 0 || !strings.HasPrefix(steps[0], d.root.name+"[") {
		return nil
	}
	cur := d.root
	for _, step := range steps[1:] {
		tag, idx, _ := strings.Cut(step, "[")
		want := 0
		fmt.Sscanf(strings.TrimSuffix(idx, "]"), "%d", &want)
		var next *browserNode
		seen := 0
		for _, c := range cur.children {
			if c.name == tag {
				if seen++; seen == want {
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

func (n *browserNode) byID(id string) *browserNode {
	for _, a := range n.attrs {
		if a.Name == "id" && a.Value == id {
			return n
		}
	}
	for _, c := range n.children {
		if found := c.byID(id); found != nil {
			return found
		}
	}
	return nil
}

func (n *browserNode) toDOM() any {
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

func (n *browserNode) textContent() string {
	if n.name == "#text" {
		return n.text
	}
	var b strings.Builder
	for _, c := range n.children {
		b.WriteString(c.textContent())
	}
	return b.String()
}

func (n *browserNode) attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return fmt.Sprint(a.Value), true
		}
	}
	return "", false
}

func (n *browserNode) detach() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *browserNode) method(fn func(args []any) any) bridge.Func {
	return func(_ context.Context, args []any, _ map[string]any) (any, error) {
		n.doc.mu.Lock()
		defer n.doc.mu.Unlock()
		return fn(args), nil
	}
}

func (n *browserNode) GetAttr(_ context.Context, name string) (any, error) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	switch name {
	case "innerHTML":
		if n.name == "#text" {
			return nil, nil
		}
		var r dom.Renderer
		return r.InnerHTML(n.toDOM().(*dom.Node)), nil
	case "childNodes":
		return &browserList{doc: n.doc, items: func() []*browserNode { return n.children }}, nil
	case "nodeName":
		if n.name == "#text" {
			return "#text", nil
		}
		return strings.ToUpper(n.name), nil
	case "textContent":
		return n.textContent(), nil
	case "style":
		return &browserStyle{node: n}, nil
	case "hasChildNodes":
		return n.method(func([]any) any { return len(n.children) > 0 }), nil
	case "append", "appendChild":
		return n.method(func(args []any) any {
			for _, a := range args {
				child := a.(*browserNode)
				child.detach()
				child.parent = n
				n.children = append(n.children, child)
			}
			return nil
		}), nil
	case "remove":
		return n.method(func([]any) any { n.detach(); return nil }), nil
	case "replaceWith":
		return n.method(func(args []any) any {
			repl := args[0].(*browserNode)
			for i, c := range n.parent.children {
				if c == n {
					repl.detach()
					repl.parent = n.parent
					n.parent.children[i] = repl
					n.parent = nil
					break
				}
			}
			return nil
		}), nil
	case "getAttributeNames":
		return n.method(func([]any) any {
			out := make([]any, 0, len(n.attrs))
			for _, a := range n.attrs {
				out = append(out, a.Name)
			}
			return out
		}), nil
	case "getAttribute":
		return n.method(func(args []any) any {
			if v, ok := n.attr(fmt.Sprint(args[0])); ok {
				return v
			}
			return nil
		}), nil
	case "setAttribute":
		return n.method(func(args []any) any {
			key, value := fmt.Sprint(args[0]), fmt.Sprint(args[1])
			for i, a := range n.attrs {
				if a.Name == key {
					n.attrs[i].Value = value
					return nil
				}
			}
			n.attrs = append(n.attrs, dom.Attr{Name: key, Value: value})
			return nil
		}), nil
	case "removeAttribute":
		return n.method(func(args []any) any {
			for i, a := range n.attrs {
				if a.Name == fmt.Sprint(args[0]) {
					n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
					break
				}
			}
			return nil
		}), nil
	}
	return nil, &bridge.AttributeError{Target: n.name, Name: name}
}

func (n *browserNode) SetAttr(_ context.Context, name string, value any) error {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	if name != "textContent" {
		return nil
	}
	if n.name == "#text" {
		n.text = fmt.Sprint(value)
		return nil
	}
	n.children = []*browserNode{{doc: n.doc, name: "#text", text: fmt.Sprint(value), parent: n}}
	return nil
}

func (l *browserList) GetAttr(_ context.Context, name string) (any, error) {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	items := l.items()
	if name == "length" {
		return len(items), nil
	}
	var i int
	if _, err := fmt.Sscanf(name, "%d", &i); err != nil || i < 0 || i >= len(items) {
		return nil, nil
	}
	return items[i], nil
}

func (l *browserList) SetAttr(context.Context, string, any) error { return nil }

func (r *browserResult) GetAttr(_ context.Context, name string) (any, error) {
	if name == "singleNodeValue" && r.node != nil {
		return r.node, nil
	}
	return nil, nil
}

func (r *browserResult) SetAttr(context.Context, string, any) error { return nil }

func (s *browserStyle) GetAttr(_ context.Context, name string) (any, error) {
	return nil, nil
}

func (s *browserStyle) SetAttr(context.Context, string, any) error { return nil }
