package dom

import (
	"strconv"
	"strings"
)

// XPath returns the absolute path of n, e.g. /html[1]/body[1]/div[2]. Each
// step is 1-based among same-tag element siblings, reactive cells counted by
// the element they hold.
func XPath(n *Node) string {
	var steps []string
	for cur := n; cur != nil; cur = cur.parent {
		steps = append(steps, cur.Tag+"["+strconv.Itoa(siblingIndex(cur))+"]")
	}
	var b strings.Builder
	for i := len(steps) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(steps[i])
	}
	return b.String()
}

func siblingIndex(n *Node) int {
	if n.parent == nil {
		return 1
	}
	idx := 0
	for _, c := range n.parent.children {
		el, ok := ResolveChild(c).(*Node)
		if !ok || el.Tag != n.Tag {
			continue
		}
		idx++
		if el == n {
			return idx
		}
	}
	return idx
}

// Find follows an XPath produced by XPath from root. It returns nil when a step is missing.
func Find(root *Node, path string) *Node {
	steps := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(steps) == 0 {
		return nil
	}
	tag, idx, ok := parseStep(steps[0])
	if !ok || tag != root.Tag || idx != 1 {
		return nil
	}
	cur := root
	for _, step := range steps[1:] {
		tag, idx, ok = parseStep(step)
		if !ok {
			return nil
		}
		var next *Node
		seen := 0
		for _, c := range cur.children {
			el, isNode := ResolveChild(c).(*Node)
			if !isNode || el.Tag != tag {
				continue
			}
			seen++
			if seen == idx {
				next = el
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func parseStep(step string) (string, int, bool) {
	open := strings.IndexByte(step, '[')
	if open < 0 || !strings.HasSuffix(step, "]") {
		return step, 1, step != ""
	}
	idx, err := strconv.Atoi(step[open+1 : len(step)-1])
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return step[:open], idx, true
}
