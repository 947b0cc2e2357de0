package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

const proxyType = "bridge_proxy"

// codec translates between host values and the wire. Values that cannot travel
// by value are registered and sent as proxy references; proxy references coming
// in are turned back into proxies bound to the owning connection.
type codec struct {
	registry *Registry
	conn     requester
	// resolve looks up a reverse reference: a handle in our registry, or the
	// connection scope when location is empty, walked along stack.
	resolve func(ctx context.Context, location string, stack []any) (any, error)
}

// encodeMessage renders msg as JSON with every field value encoded.
// Plain host values are read under hostMu, like every peer-driven access.
func (c *codec) encodeMessage(msg Message) ([]byte, error) {
	hostMu.RLock()
	defer hostMu.RUnlock()
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		enc, err := c.encode(v)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode field %q: %w", k, err)
		}
		out[k] = enc
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("bridge: marshal message: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encode converts v into a JSON-ready tree.
func (c *codec) encode(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint16, uint32, uint64:
		return v, nil
	case float32:
		return c.encodeFloat(float64(t)), nil
	case float64:
		return c.encodeFloat(t), nil
	case []byte:
		data := make([]any, len(t))
		for i, b := range t {
			data[i] = int(b)
		}
		return map[string]any{"type": ObjTypeBuffer, "obj_type": ObjTypeBuffer, "data": data}, nil
	case *Proxy:
		return map[string]any{"type": proxyType, "location": t.handle, "reverse": true}, nil
	case *Deferred:
		return map[string]any{"type": proxyType, "location": t.location(), "reverse": true, "stack": t.Stack()}, nil
	case Message:
		return c.encode(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			enc, err := c.encode(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			enc, err := c.encode(item)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case error:
		return t.Error(), nil
	}

	switch kind := KindOf(v); kind {
	case KindScalar:
		return v, nil
	case KindSequence:
		rv := reflect.ValueOf(v)
		out := make([]any, rv.Len())
		for i := range out {
			enc, err := c.encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case KindMapping:
		rv := reflect.ValueOf(v)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := c.encode(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	default:
		if c.registry == nil {
			return nil, fmt.Errorf("bridge: cannot encode %s without a registry", typeName(v))
		}
		handle, registered := c.registry.Register(v)
		return map[string]any{"type": proxyType, "obj_type": registered.ObjType(), "location": handle}, nil
	}
}

// encodeFloat keeps non-finite values off the wire; JSON has no spelling for them.
func (c *codec) encodeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// decodeMessage parses a logical message into a Message with plain JSON values.
// Proxy references are left undecoded; handlers decode the fields they use.
func decodeMessage(raw []byte) (Message, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ProtocolError{Reason: "message is not a JSON object"}
	}
	return Message(m), nil
}

// decodeJSON parses raw keeping integer literals as int64.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return i
			}
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
	}
	return v
}

// decodeRaw parses and decodes a raw JSON payload.
func (c *codec) decodeRaw(ctx context.Context, raw string) (any, error) {
	v, err := decodeJSON([]byte(raw))
	if err != nil {
		return nil, err
	}
	return c.decode(ctx, v)
}

// decode walks a plain JSON tree and replaces tagged values and proxy references.
func (c *codec) decode(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			dec, err := c.decode(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		if dec, ok, err := c.decodeTagged(ctx, t); ok || err != nil {
			return dec, err
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			dec, err := c.decode(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	}
	return v, nil
}

// decodeTagged handles obj_type formatters and proxy references. Formatters only
// apply when the payload carries its value inline; a reference with a location
// and no inline value stays a proxy whatever its obj_type.
func (c *codec) decodeTagged(ctx context.Context, m map[string]any) (any, bool, error) {
	objType, _ := m["obj_type"].(string)
	_, hasValue := m["value"]
	_, hasData := m["data"]
	location, hasLocation := m["location"]
	isProxy := m["type"] == proxyType

	if objType != "" && (hasValue || hasData || !isProxy) {
		if v, ok := formatValue(objType, m); ok {
			return v, true, nil
		}
	}
	if !isProxy || !hasLocation {
		return nil, false, nil
	}

	handle := ""
	if location != nil {
		handle = fmt.Sprint(location)
	}
	if truthy(m["reverse"]) {
		if c.resolve == nil {
			return nil, true, &ProxyNotFoundError{Handle: handle}
		}
		stack, _ := m["stack"].([]any)
		v, err := c.resolve(ctx, handle, stack)
		return v, true, err
	}
	if handle == "" {
		return nil, true, &ProtocolError{Reason: "proxy reference without location"}
	}
	return newProxy(c.conn, handle, objType), true, nil
}

// formatValue converts inline tagged values to host values.
func formatValue(objType string, m map[string]any) (any, bool) {
	value := m["value"]
	switch objType {
	case ObjTypeNumber:
		if i, ok := toInt(value); ok {
			return int64(i), true
		}
		if f, ok := value.(float64); ok {
			return int64(f), true
		}
	case ObjTypeFloat:
		switch n := value.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		}
	case ObjTypeString:
		if value == nil {
			return "", true
		}
		return fmt.Sprint(value), true
	case ObjTypeArray, ObjTypeSet:
		if items, ok := value.([]any); ok {
			return items, true
		}
		if value == nil {
			return []any{}, true
		}
	case ObjTypeBuffer:
		data, ok := m["data"].([]any)
		if !ok {
			return nil, false
		}
		out := make([]byte, len(data))
		for i, b := range data {
			n, _ := toInt(b)
			out[i] = byte(n)
		}
		return out, true
	case ObjTypeObject:
		if obj, ok := value.(map[string]any); ok {
			return obj, true
		}
	case ObjTypeBoolean:
		return truthy(value), true
	}
	return nil, false
}
