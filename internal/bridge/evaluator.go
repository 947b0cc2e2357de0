package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Evaluator runs code sent with execute and evaluate_code. Lookups see locals
// first, then the connection scope.
type Evaluator interface {
	Exec(ctx context.Context, code string, locals map[string]any, scope *Scope) (any, error)
	Eval(ctx context.Context, code string, locals map[string]any, scope *Scope) (any, error)
}

// PathEvaluator understands dotted lookups such as "app.state.count" and, in
// Exec, assignments of JSON literals such as "app.state.count = 3". Statements
// are separated by newlines or semicolons.
type PathEvaluator struct{}

// Eval returns the value of a single dotted path expression.
func (PathEvaluator) Eval(ctx context.Context, code string, locals map[string]any, scope *Scope) (any, error) {
	expr := strings.TrimSpace(code)
	if expr == "" {
		return nil, nil
	}
	if gjson.Valid(expr) {
		return decodeJSON([]byte(expr))
	}
	return lookupPath(ctx, expr, locals, scope)
}

// Exec runs every statement and returns nil.
func (e PathEvaluator) Exec(ctx context.Context, code string, locals map[string]any, scope *Scope) (any, error) {
	for _, stmt := range splitStatements(code) {
		lhs, rhs, isAssign := splitAssignment(stmt)
		if !isAssign {
			if _, err := e.Eval(ctx, stmt, locals, scope); err != nil {
				return nil, err
			}
			continue
		}
		if !gjson.Valid(rhs) {
			return nil, fmt.Errorf("bridge: cannot evaluate %q: right-hand side is not a JSON literal", stmt)
		}
		value, err := decodeJSON([]byte(rhs))
		if err != nil {
			return nil, err
		}
		if err := assignPath(ctx, lhs, value, locals, scope); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func splitStatements(code string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(code, func(r rune) bool { return r == '\n' || r == ';' }) {
		if stmt := strings.TrimSpace(line); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func splitAssignment(stmt string) (string, string, bool) {
	i := strings.Index(stmt, "=")
	if i <= 0 || strings.HasPrefix(stmt[i:], "==") || strings.ContainsAny(stmt[i-1:i], "!<>=") {
		return "", "", false
	}
	return strings.TrimSpace(stmt[:i]), strings.TrimSpace(stmt[i+1:]), true
}

func pathSegments(path string) ([]string, error) {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("bridge: malformed path %q", path)
		}
		parts[i] = p
	}
	return parts, nil
}

func lookupRoot(name string, locals map[string]any, scope *Scope) (any, error) {
	if v, ok := locals[name]; ok {
		return v, nil
	}
	if v, ok := scope.Get(name); ok {
		return v, nil
	}
	return nil, fmt.Errorf("bridge: name %q is not defined", name)
}

func lookupPath(ctx context.Context, path string, locals map[string]any, scope *Scope) (any, error) {
	parts, err := pathSegments(path)
	if err != nil {
		return nil, err
	}
	current, err := lookupRoot(parts[0], locals, scope)
	if err != nil {
		return nil, err
	}
	for _, name := range parts[1:] {
		if current, err = getAttr(ctx, current, name); err != nil {
			return nil, err
		}
	}
	return current, nil
}

func assignPath(ctx context.Context, path string, value any, locals map[string]any, scope *Scope) error {
	parts, err := pathSegments(path)
	if err != nil {
		return err
	}
	if len(parts) == 1 {
		if _, ok := locals[parts[0]]; ok {
			locals[parts[0]] = value
			return nil
		}
		scope.Set(parts[0], value)
		return nil
	}
	target, err := lookupPath(ctx, strings.Join(parts[:len(parts)-1], "."), locals, scope)
	if err != nil {
		return err
	}
	return setAttr(ctx, target, parts[len(parts)-1], value)
}
