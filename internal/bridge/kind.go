package bridge

import (
	"encoding/json"
	"reflect"
)

// Kind classifies a host value for the wire. It is computed once when a value is
// registered and decides whether the value travels by value or as a handle.
type Kind uint8

const (
	KindScalar Kind = iota
	KindSequence
	KindMapping
	KindCallable
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindCallable:
		return "callable"
	default:
		return "handle"
	}
}

// ObjType is the obj_type tag attached to a proxy reference for this kind.
func (k Kind) ObjType() string {
	if k == KindCallable {
		return ObjTypeCallable
	}
	return k.String()
}

// Proxy reference obj_type tags understood when decoding.
const (
	ObjTypeNumber   = "number"
	ObjTypeFloat    = "float"
	ObjTypeString   = "string"
	ObjTypeArray    = "array"
	ObjTypeBuffer   = "Buffer"
	ObjTypeObject   = "object"
	ObjTypeSet      = "set"
	ObjTypeBoolean  = "boolean"
	ObjTypeCallable = "callable_proxy"
	ObjTypeFunction = "function"
)

// KindOf returns the kind of v.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindScalar
	case *Proxy, *Deferred:
		return KindHandle
	case Callable:
		return KindCallable
	case Object:
		return KindHandle
	case string, bool, json.Number, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return KindScalar
	case json.Marshaler:
		return KindScalar
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return KindCallable
	case reflect.Slice, reflect.Array:
		return KindSequence
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return KindMapping
		}
		return KindHandle
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindScalar
	}
	return KindHandle
}
