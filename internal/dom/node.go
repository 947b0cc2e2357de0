// Package dom is the server-side document model: element nodes with ordered
// attributes, text children, reactive cells and refs, plus the serializer,
// parser, XPath generator and mutation observer the page layer builds on.
//
// A tree is not safe for concurrent mutation. Callers serialize access.
package dom

import (
	"fmt"
	"strings"
)

// IgnoreUpdateAttr marks an element the reconciliation engine leaves alone.
const IgnoreUpdateAttr = "data-html-ignore-update"

// Text is a text child.
type Text string

// Attr is one attribute. Value may be a string, bool, number, Style, *Callback or *Ref.
type Attr struct {
	Name  string
	Value any
}

// A is shorthand for an Attr item passed to E.
func A(name string, value any) Attr { return Attr{Name: name, Value: value} }

// Declaration is one CSS property.
type Declaration struct {
	Property string
	Value    string
}

// S is shorthand for a style Declaration item passed to E.
func S(property, value string) Declaration { return Declaration{Property: property, Value: value} }

// Style is an ordered list of CSS declarations, the value of a style attribute.
type Style []Declaration

func (s Style) String() string {
	parts := make([]string, 0, len(s))
	for _, d := range s {
		parts = append(parts, d.Property+": "+d.Value)
	}
	return strings.Join(parts, ";")
}

// Value returns the value declared for property, "" when absent.
func (s Style) Value(property string) string {
	for _, d := range s {
		if d.Property == property {
			return d.Value
		}
	}
	return ""
}

// ParseStyle splits "a: b; c: d" into declarations.
func ParseStyle(text string) Style {
	var out Style
	for _, part := range strings.Split(text, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		out = append(out, Declaration{Property: prop, Value: strings.TrimSpace(value)})
	}
	return out
}

// Node is an element.
type Node struct {
	Tag      string
	attrs    []Attr
	children []any
	parent   *Node
	regs     []*registration
}

// E builds an element. Items may be Attr, Declaration, Style, string, Text,
// *Node, *Reactive, numbers, or slices of those.
func E(tag string, items ...any) *Node {
	n := &Node{Tag: strings.ToLower(tag)}
	for _, item := range items {
		n.add(item)
	}
	return n
}

func (n *Node) add(item any) {
	switch v := item.(type) {
	case nil:
	case Attr:
		n.attrs = setAttrValue(n.attrs, v.Name, v.Value)
	case Declaration:
		n.attrs = setStyleValue(n.attrs, v.Property, v.Value)
	case Style:
		n.attrs = setAttrValue(n.attrs, "style", append(Style(nil), v...))
	case []any:
		for _, inner := range v {
			n.add(inner)
		}
	case []*Node:
		for _, inner := range v {
			n.add(inner)
		}
	case *Node:
		v.detach()
		v.parent = n
		n.children = append(n.children, v)
	case *Reactive:
		n.children = append(n.children, v)
	case Text:
		n.children = append(n.children, v)
	case string:
		n.children = append(n.children, Text(v))
	default:
		n.children = append(n.children, Text(fmt.Sprint(v)))
	}
}

// Parent returns the parent element, nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns a copy of the child list: Text, *Node and *Reactive values.
func (n *Node) Children() []any {
	return append([]any(nil), n.children...)
}

// Attrs returns a copy of the attribute list in insertion order.
func (n *Node) Attrs() []Attr {
	return append([]Attr(nil), n.attrs...)
}

// Attr returns the raw value of attribute name.
func (n *Node) Attr(name string) (any, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// ID returns the id attribute as a string.
func (n *Node) ID() string {
	if v, ok := n.Attr("id"); ok {
		if s, isString := v.(string); isString {
			return s
		}
	}
	return ""
}

// Root returns the top of the tree n belongs to.
func (n *Node) Root() *Node {
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// SetAttr sets attribute name and records an attributes mutation. Replacing
// the style attribute also records one style mutation per changed property.
func (n *Node) SetAttr(name string, value any) {
	old, _ := n.Attr(name)
	oldStyle := n.styleIf(name)
	if s, ok := value.(Style); ok {
		value = append(Style(nil), s...)
	}
	n.attrs = setAttrValue(n.attrs, name, value)
	n.notify(MutationRecord{Type: MutationAttributes, Target: n, AttributeName: name, OldValue: old})
	n.notifyStyle(name, oldStyle)
}

// RemoveAttr deletes attribute name.
func (n *Node) RemoveAttr(name string) {
	old, ok := n.Attr(name)
	if !ok {
		return
	}
	oldStyle := n.styleIf(name)
	for i, a := range n.attrs {
		if a.Name == name {
			n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
			break
		}
	}
	n.notify(MutationRecord{Type: MutationAttributes, Target: n, AttributeName: name, OldValue: old})
	n.notifyStyle(name, oldStyle)
}

func (n *Node) styleIf(name string) Style {
	if name != "style" {
		return nil
	}
	return n.Style()
}

// notifyStyle records the property changes between old and the current style.
func (n *Node) notifyStyle(name string, old Style) {
	if name != "style" {
		return
	}
	current := n.Style()
	seen := make(map[string]bool, len(current))
	for _, d := range current {
		seen[d.Property] = true
		if prev := old.Value(d.Property); prev != d.Value {
			n.notify(MutationRecord{Type: MutationStyle, Target: n, AttributeName: d.Property, OldValue: prev})
		}
	}
	for _, d := range old {
		if !seen[d.Property] {
			n.notify(MutationRecord{Type: MutationStyle, Target: n, AttributeName: d.Property, OldValue: d.Value})
		}
	}
}

// Style returns the current style declarations.
func (n *Node) Style() Style {
	v, _ := n.Attr("style")
	switch s := v.(type) {
	case Style:
		return append(Style(nil), s...)
	case string:
		return ParseStyle(s)
	}
	return nil
}

// StyleValue returns one style property, "" when unset.
func (n *Node) StyleValue(property string) string {
	return n.Style().Value(property)
}

// SetStyle sets one style property; an empty value removes it.
func (n *Node) SetStyle(property, value string) {
	old := n.StyleValue(property)
	n.attrs = setStyleValue(n.attrs, property, value)
	n.notify(MutationRecord{Type: MutationStyle, Target: n, AttributeName: property, OldValue: old})
}

// Append adds children at the end. Element children are detached from their
// previous parent first.
func (n *Node) Append(children ...any) {
	var added []any
	for _, c := range children {
		before := len(n.children)
		n.add(c)
		added = append(added, n.children[before:]...)
	}
	if len(added) > 0 {
		n.notify(MutationRecord{Type: MutationChildList, Target: n, AddedNodes: added})
	}
}

// Remove detaches n from its parent.
func (n *Node) Remove() {
	parent := n.parent
	if parent == nil {
		return
	}
	path := XPath(n)
	parent.removeChild(n)
	parent.notify(MutationRecord{Type: MutationChildList, Target: parent, RemovedNodes: []RemovedNode{{Node: n, XPath: path}}})
}

// RemoveChildAt removes the child at index i, text or element.
func (n *Node) RemoveChildAt(i int) {
	if i < 0 || i >= len(n.children) {
		return
	}
	child := n.children[i]
	var path string
	if el, ok := child.(*Node); ok {
		path = XPath(el)
		el.parent = nil
	}
	n.children = append(n.children[:i], n.children[i+1:]...)
	n.notify(MutationRecord{Type: MutationChildList, Target: n, RemovedNodes: []RemovedNode{{Node: child, XPath: path}}})
}

// Clear removes every child.
func (n *Node) Clear() {
	if len(n.children) == 0 {
		return
	}
	removed := make([]RemovedNode, 0, len(n.children))
	for _, c := range n.children {
		r := RemovedNode{Node: c}
		if el, ok := c.(*Node); ok {
			r.XPath = XPath(el)
		}
		removed = append(removed, r)
	}
	for _, c := range n.children {
		if el, ok := c.(*Node); ok {
			el.parent = nil
		}
	}
	n.children = nil
	n.notify(MutationRecord{Type: MutationChildList, Target: n, RemovedNodes: removed})
}

// SetText replaces the children with a single text child and records a
// characterData mutation on textContent.
func (n *Node) SetText(text string) {
	n.replaceChildren([]any{Text(text)})
	n.notify(MutationRecord{Type: MutationCharacterData, Target: n, AttributeName: "textContent"})
}

// SetInnerText is SetText recorded against innerText.
func (n *Node) SetInnerText(text string) {
	n.replaceChildren([]any{Text(text)})
	n.notify(MutationRecord{Type: MutationCharacterData, Target: n, AttributeName: "innerText"})
}

// SetInnerHTML parses markup and replaces the children with the result.
func (n *Node) SetInnerHTML(markup string) error {
	nodes, err := ParseFragment(markup, n.Tag)
	if err != nil {
		return err
	}
	n.replaceChildren(nodes)
	n.notify(MutationRecord{Type: MutationCharacterData, Target: n, AttributeName: "innerHTML"})
	return nil
}

func (n *Node) replaceChildren(items []any) {
	for _, c := range n.children {
		if el, ok := c.(*Node); ok {
			el.parent = nil
		}
	}
	n.children = nil
	for _, item := range items {
		n.add(item)
	}
}

func (n *Node) detach() {
	if n.parent != nil {
		n.parent.removeChild(n)
	}
}

func (n *Node) removeChild(child *Node) {
	for i, c := range n.children {
		if c == any(child) {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
	child.parent = nil
}

func setAttrValue(attrs []Attr, name string, value any) []Attr {
	for i, a := range attrs {
		if a.Name == name {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, Attr{Name: name, Value: value})
}

func setStyleValue(attrs []Attr, property, value string) []Attr {
	var style Style
	idx := -1
	for i, a := range attrs {
		if a.Name != "style" {
			continue
		}
		idx = i
		switch s := a.Value.(type) {
		case Style:
			style = s
		case string:
			style = ParseStyle(s)
		}
	}
	found := false
	for i, d := range style {
		if d.Property == property {
			found = true
			if value == "" {
				style = append(style[:i], style[i+1:]...)
			} else {
				style[i].Value = value
			}
			break
		}
	}
	if !found && value != "" {
		style = append(style, Declaration{Property: property, Value: value})
	}
	if idx < 0 {
		return append(attrs, Attr{Name: "style", Value: style})
	}
	attrs[idx].Value = style
	return attrs
}

// ResolveChild dereferences a reactive child to the Text or *Node it holds.
func ResolveChild(child any) any {
	r, ok := child.(*Reactive)
	if !ok {
		return child
	}
	switch v := r.Get().(type) {
	case *Node:
		return v
	case Text:
		return v
	case string:
		return Text(v)
	case nil:
		return Text("")
	default:
		return Text(fmt.Sprint(v))
	}
}

// TextContent concatenates every text descendant.
func TextContent(child any) string {
	switch v := ResolveChild(child).(type) {
	case Text:
		return string(v)
	case *Node:
		var b strings.Builder
		for _, c := range v.children {
			b.WriteString(TextContent(c))
		}
		return b.String()
	}
	return ""
}
