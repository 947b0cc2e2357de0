package bridge

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire field names shared by commands and responses.
const (
	FieldAction    = "action"
	FieldMessageID = "message_id"
	FieldConnID    = "conn_id"
	FieldResponse  = "response"
	FieldError     = "error"
	FieldValue     = "value"
	// FieldErrorType classifies an error response for the requester.
	FieldErrorType = "error_type"
)

// ErrorTypeProxyNotFound marks error responses caused by an unknown handle.
// The response then names the handle in its location field.
const ErrorTypeProxyNotFound = "proxy_not_found"

// Message is one logical wire message, a flat JSON object. Commands carry an
// action; responses carry response, value or error. Both echo message_id.
type Message map[string]any

// Action returns the command name, or "" for responses.
func (m Message) Action() string { return m.String(FieldAction) }

// ID returns the correlation id.
func (m Message) ID() string { return m.String(FieldMessageID) }

// String returns the field as a string, formatting non-string scalars.
func (m Message) String(key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Has reports whether the field is present, even when null.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Bool returns the field's truthiness.
func (m Message) Bool(key string) bool {
	return truthy(m[key])
}

// Slice returns the field as a list; missing or null fields yield nil.
func (m Message) Slice(key string) []any {
	switch v := m[key].(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// Map returns the field as an object; anything else yields nil.
func (m Message) Map(key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// envelope is the routing view of an inbound message, read without decoding it.
type envelope struct {
	raw       []byte
	action    string
	messageID string
	connID    string
}

func (e envelope) isCommand() bool { return e.action != "" }

// peekEnvelope classifies a raw message. Only JSON objects are accepted.
func peekEnvelope(raw []byte) (envelope, error) {
	if !gjson.ValidBytes(raw) {
		return envelope{}, &ProtocolError{Reason: "invalid JSON message"}
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return envelope{}, &ProtocolError{Reason: "message is not a JSON object"}
	}
	return envelope{
		raw:       raw,
		action:    parsed.Get(FieldAction).String(),
		messageID: parsed.Get(FieldMessageID).String(),
		connID:    parsed.Get(FieldConnID).String(),
	}, nil
}

// responsePayload extracts the value a response resolves to: the response field,
// else the value field, else the whole object. An error field turns into a
// RemoteError, or a ProxyNotFoundError when error_type says the handle is gone.
func responsePayload(raw []byte) (string, error) {
	parsed := gjson.ParseBytes(raw)
	if errField := parsed.Get(FieldError); errField.Exists() && truthyResult(errField) {
		remote := &RemoteError{Trace: errField.String()}
		if parsed.Get(FieldErrorType).String() == ErrorTypeProxyNotFound {
			return "", &ProxyNotFoundError{Handle: parsed.Get("location").String(), Remote: remote}
		}
		return "", remote
	}
	if field := parsed.Get(FieldResponse); field.Exists() {
		return field.Raw, nil
	}
	if field := parsed.Get(FieldValue); field.Exists() {
		return field.Raw, nil
	}
	stripped, err := sjson.DeleteBytes(raw, FieldMessageID)
	if err != nil {
		return "", err
	}
	stripped, err = sjson.DeleteBytes(stripped, FieldConnID)
	if err != nil {
		return "", err
	}
	return string(stripped), nil
}

// stampEnvelope writes the correlation fields onto an encoded message.
func stampEnvelope(data []byte, messageID, connID string) ([]byte, error) {
	out, err := sjson.SetBytes(data, FieldMessageID, messageID)
	if err != nil {
		return nil, fmt.Errorf("bridge: stamp message id: %w", err)
	}
	if connID != "" {
		out, err = sjson.SetBytes(out, FieldConnID, connID)
		if err != nil {
			return nil, fmt.Errorf("bridge: stamp conn id: %w", err)
		}
	}
	return out, nil
}

func truthyResult(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	default:
		return true
	}
}
