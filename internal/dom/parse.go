package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse reads a full HTML document and returns its html element.
func Parse(r io.Reader) (*Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if n, ok := convert(c).(*Node); ok {
				return n, nil
			}
		}
	}
	return nil, fmt.Errorf("dom: parse: no root element")
}

// ParseFragment parses markup as the content of an element with tag context
// ("body" when empty) and returns the resulting children.
func ParseFragment(markup, context string) ([]any, error) {
	if context == "" {
		context = "body"
	}
	ctx := &html.Node{Type: html.ElementNode, Data: context, DataAtom: atom.Lookup([]byte(context))}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	out := make([]any, 0, len(nodes))
	for _, hn := range nodes {
		if item := convert(hn); item != nil {
			out = append(out, item)
		}
	}
	return out, nil
}

// convert maps a parsed node onto the document model, dropping comments and doctypes.
func convert(hn *html.Node) any {
	switch hn.Type {
	case html.TextNode:
		return Text(hn.Data)
	case html.ElementNode:
		n := &Node{Tag: strings.ToLower(hn.Data)}
		for _, a := range hn.Attr {
			name := a.Key
			if a.Namespace != "" {
				name = a.Namespace + ":" + a.Key
			}
			var value any = a.Val
			if a.Val == "" {
				value = true
			}
			n.attrs = append(n.attrs, Attr{Name: name, Value: value})
		}
		for c := hn.FirstChild; c != nil; c = c.NextSibling {
			if item := convert(c); item != nil {
				n.add(item)
			}
		}
		return n
	}
	return nil
}
