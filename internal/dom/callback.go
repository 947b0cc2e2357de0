package dom

import "strings"

// Callback is an event attribute value backed by a server-side function.
// Fn is invoked through the bridge, so any signature the bridge can call works.
type Callback struct {
	Name       string
	Args       []string
	AsCallback bool
	Fn         any
}

// On wraps fn as a callback receiving the DOM event.
func On(fn any) *Callback {
	return &Callback{Fn: fn}
}

// Named sets the exposed name.
func (c *Callback) Named(name string) *Callback {
	c.Name = name
	return c
}

// Passing sets the client-side expressions passed as arguments.
func (c *Callback) Passing(args ...string) *Callback {
	c.Args = args
	return c
}

// Forwarding makes the descriptor a function that forwards its own arguments.
func (c *Callback) Forwarding() *Callback {
	c.AsCallback = true
	return c
}

// Arguments returns the client-side argument list, ["event"] by default.
func (c *Callback) Arguments() []string {
	if len(c.Args) == 0 {
		return []string{"event"}
	}
	return c.Args
}

// Descriptor builds the client expression that routes an event to the exposed name.
func Descriptor(name string, args []string, asCallback bool) string {
	script := "client.exec('" + name + "'"
	if len(args) > 0 {
		script += ", " + strings.Join(args, ", ")
	}
	if asCallback {
		script = "(...$$$) => " + script + ", ...$$$"
	}
	return script + ")"
}
