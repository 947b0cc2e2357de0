package dom

import (
	"fmt"
	"strconv"
	"strings"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "keygen": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

var rawTextElements = map[string]bool{"script": true, "style": true}

// IsVoid reports whether tag never has children or a closing tag.
func IsVoid(tag string) bool { return voidElements[strings.ToLower(tag)] }

// Binder turns a callback into the client-side expression placed in an event attribute.
type Binder interface {
	Bind(cb *Callback) string
}

// Renderer serializes trees the way a browser serializes innerHTML, so the
// output compares equal to what the live document reports. The zero value
// renders without callbacks.
type Renderer struct {
	// Binder resolves callback attributes; without one they are omitted.
	Binder Binder
	// Watch is called for every reactive child met.
	Watch func(*Reactive)
	// Refs is called for every ref attribute with the selector that finds it.
	Refs func(selector string, ref *Ref)
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "\u00a0", "&nbsp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "\u00a0", "&nbsp;", `"`, "&quot;")
)

// OuterHTML serializes n including its own tags.
func (r *Renderer) OuterHTML(n *Node) string {
	var b strings.Builder
	r.writeNode(&b, n)
	return b.String()
}

// InnerHTML serializes the children of n.
func (r *Renderer) InnerHTML(n *Node) string {
	var b strings.Builder
	r.writeChildren(&b, n)
	return b.String()
}

// Document serializes n as a full document.
func (r *Renderer) Document(n *Node) string {
	return "<!DOCTYPE html>" + r.OuterHTML(n)
}

// Child serializes a single child: an element, text, or reactive cell.
func (r *Renderer) Child(child any) string {
	var b strings.Builder
	r.writeChild(&b, child, false)
	return b.String()
}

// Attrs returns the attributes of n as they are rendered, in order. Omitted
// attributes (false, nil, empty, unbound callbacks) are left out.
func (r *Renderer) Attrs(n *Node) []Attr {
	out := make([]Attr, 0, len(n.attrs))
	for _, a := range n.attrs {
		if value, ok := r.attrValue(n, a); ok {
			out = append(out, Attr{Name: a.Name, Value: value})
		}
	}
	return out
}

// Resolve dereferences a child, reporting reactive cells to Watch.
func (r *Renderer) Resolve(child any) any {
	if cell, ok := child.(*Reactive); ok && r.Watch != nil {
		r.Watch(cell)
	}
	return ResolveChild(child)
}

func (r *Renderer) attrValue(n *Node, a Attr) (string, bool) {
	switch v := a.Value.(type) {
	case nil:
		return "", false
	case bool:
		if !v {
			return "", false
		}
		return "", true
	case string:
		return v, v != ""
	case Text:
		return string(v), v != ""
	case Style:
		s := v.String()
		return s, s != ""
	case *Callback:
		if r.Binder == nil || v == nil {
			return "", false
		}
		return r.Binder.Bind(v), true
	case *Ref:
		if v == nil {
			return "", false
		}
		if id := n.ID(); id != "" {
			if r.Refs != nil {
				r.Refs("#"+id, v)
			}
			return v.ID(), true
		}
		if r.Refs != nil {
			r.Refs(fmt.Sprintf("[%s=%q]", a.Name, v.ID()), v)
		}
		return v.ID(), true
	case int:
		return strconv.Itoa(v), v != 0
	case int64:
		return strconv.FormatInt(v, 10), v != 0
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), v != 0
	case fmt.Stringer:
		s := v.String()
		return s, s != ""
	default:
		s := fmt.Sprint(v)
		return s, s != ""
	}
}

func (r *Renderer) writeNode(b *strings.Builder, n *Node) {
	b.WriteByte('<')
	b.WriteString(n.Tag)
	for _, a := range r.Attrs(n) {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(attrEscaper.Replace(a.Value.(string)))
		b.WriteByte('"')
	}
	b.WriteByte('>')
	if voidElements[n.Tag] {
		return
	}
	r.writeChildren(b, n)
	b.WriteString("</")
	b.WriteString(n.Tag)
	b.WriteByte('>')
}

func (r *Renderer) writeChildren(b *strings.Builder, n *Node) {
	raw := rawTextElements[n.Tag]
	for _, c := range n.children {
		r.writeChild(b, c, raw)
	}
}

func (r *Renderer) writeChild(b *strings.Builder, child any, raw bool) {
	switch v := r.Resolve(child).(type) {
	case *Node:
		r.writeNode(b, v)
	case Text:
		if raw {
			b.WriteString(string(v))
		} else {
			b.WriteString(textEscaper.Replace(string(v)))
		}
	}
}

// EnsureDocument wraps n into html > head + body unless it already is a document.
func EnsureDocument(n *Node) *Node {
	switch n.Tag {
	case "html":
		return n
	case "head", "body":
		return E("html", n)
	}
	return E("html", E("head"), E("body", n))
}

// Body returns the body element of a document tree, or nil.
func Body(doc *Node) *Node { return childByTag(doc, "body") }

// Head returns the head element of a document tree, or nil.
func Head(doc *Node) *Node { return childByTag(doc, "head") }

func childByTag(n *Node, tag string) *Node {
	for _, c := range n.children {
		if el, ok := c.(*Node); ok && el.Tag == tag {
			return el
		}
	}
	return nil
}
