package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Object is a host value whose attributes the peer can read and write by name.
type Object interface {
	GetAttr(ctx context.Context, name string) (any, error)
	SetAttr(ctx context.Context, name string, value any) error
}

// AttrDeleter is implemented by objects that support delete_proxy_attribute.
type AttrDeleter interface {
	DelAttr(ctx context.Context, name string) error
}

// AttrLister is implemented by objects that can enumerate their attributes.
type AttrLister interface {
	Attrs() []string
}

// Callable is a host value the peer can invoke.
type Callable interface {
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Constructor is a host value the peer can instantiate with call_proxy_constructor.
type Constructor interface {
	New(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Func adapts a plain function to Callable.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Call implements Callable.
func (f Func) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Future is an asynchronous result. With force-sync enabled, the dispatcher waits
// for futures returned by exposed callables before answering.
type Future interface {
	Result(ctx context.Context) (any, error)
}

type future struct {
	done  chan struct{}
	value any
	err   error
}

// Async runs fn on its own goroutine and returns its pending result.
func Async(ctx context.Context, fn func(ctx context.Context) (any, error)) Future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = fn(ctx)
	}()
	return f
}

func (f *future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AttributeError reports a missing or unreadable attribute.
type AttributeError struct {
	Target string
	Name   string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("bridge: %s has no attribute %q", e.Target, e.Name)
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// hostMu guards plain maps, slices and structs reached by peer commands.
// Commands run on their own goroutines and such values carry no lock of their
// own; Object implementations synchronize themselves and are called unlocked.
// Host code that mutates an exposed plain value directly must not race with
// the peer, or should expose an Object instead.
var hostMu sync.RWMutex

// getAttr reads name from target.
func getAttr(ctx context.Context, target any, name string) (any, error) {
	switch t := target.(type) {
	case nil:
		return nil, &AttributeError{Target: "nil", Name: name}
	case Object:
		return t.GetAttr(ctx, name)
	case RemoteHandle:
		return t.Get(ctx, name)
	case map[string]any:
		hostMu.RLock()
		v, ok := t[name]
		hostMu.RUnlock()
		if !ok {
			return nil, &AttributeError{Target: "object", Name: name}
		}
		return v, nil
	case []any:
		if name == "length" {
			hostMu.RLock()
			defer hostMu.RUnlock()
			return len(t), nil
		}
		if i, err := strconv.Atoi(name); err == nil {
			return getIndex(ctx, t, i)
		}
		return nil, &AttributeError{Target: "array", Name: name}
	}
	hostMu.RLock()
	defer hostMu.RUnlock()
	return reflectGetAttr(target, name)
}

// setAttr writes value to name on target.
func setAttr(ctx context.Context, target any, name string, value any) error {
	switch t := target.(type) {
	case nil:
		return &AttributeError{Target: "nil", Name: name}
	case Object:
		return t.SetAttr(ctx, name, value)
	case RemoteHandle:
		return t.Set(ctx, name, value)
	case map[string]any:
		hostMu.Lock()
		t[name] = value
		hostMu.Unlock()
		return nil
	case []any:
		if i, err := strconv.Atoi(name); err == nil {
			return setIndex(ctx, t, i, value)
		}
		return &AttributeError{Target: "array", Name: name}
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	return reflectSetAttr(target, name, value)
}

func delAttr(ctx context.Context, target any, name string) error {
	if d, ok := target.(AttrDeleter); ok {
		return d.DelAttr(ctx, name)
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	if t, ok := target.(map[string]any); ok {
		if _, ok := t[name]; !ok {
			return &AttributeError{Target: "object", Name: name}
		}
		delete(t, name)
		return nil
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		key := reflect.ValueOf(name).Convert(rv.Type().Key())
		if !rv.MapIndex(key).IsValid() {
			return &AttributeError{Target: typeName(target), Name: name}
		}
		rv.SetMapIndex(key, reflect.Value{})
		return nil
	}
	return fmt.Errorf("bridge: cannot delete attribute %q of %s", name, typeName(target))
}

func hasAttr(ctx context.Context, target any, name string) bool {
	if target == nil {
		return false
	}
	_, err := getAttr(ctx, target, name)
	return err == nil
}

// listAttrs enumerates the readable attribute names of target.
func listAttrs(target any) []string {
	switch t := target.(type) {
	case nil:
		return nil
	case AttrLister:
		return t.Attrs()
	}
	hostMu.RLock()
	defer hostMu.RUnlock()
	switch t := target.(type) {
	case map[string]any:
		names := make([]string, 0, len(t))
		for k := range t {
			names = append(names, k)
		}
		sort.Strings(names)
		return names
	case []any:
		names := make([]string, 0, len(t)+1)
		for i := range t {
			names = append(names, strconv.Itoa(i))
		}
		return append(names, "length")
	}

	var names []string
	rv := reflect.ValueOf(target)
	for i := 0; i < rv.NumMethod(); i++ {
		names = append(names, rv.Type().Method(i).Name)
	}
	elem := rv
	for elem.Kind() == reflect.Pointer && !elem.IsNil() {
		elem = elem.Elem()
	}
	switch elem.Kind() {
	case reflect.Struct:
		for i := 0; i < elem.NumField(); i++ {
			field := elem.Type().Field(i)
			if field.IsExported() {
				names = append(names, field.Name)
			}
		}
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			for _, key := range elem.MapKeys() {
				names = append(names, key.String())
			}
		}
	}
	sort.Strings(names)
	return names
}

// getIndex reads target[key].
func getIndex(ctx context.Context, target any, key any) (any, error) {
	if h, ok := target.(RemoteHandle); ok {
		return h.Index(ctx, key)
	}
	if v, ok, err := indexHost(target, key); ok {
		return v, err
	}
	return getAttr(ctx, target, fmt.Sprint(key))
}

// indexHost reads an element of a host slice, array or string. ok is false
// when target is not indexable by position.
func indexHost(target any, key any) (v any, ok bool, err error) {
	hostMu.RLock()
	defer hostMu.RUnlock()
	if s, isSlice := target.([]any); isSlice {
		i, okInt := toInt(key)
		if !okInt || i < 0 || i >= len(s) {
			return nil, true, fmt.Errorf("bridge: index %v out of range", key)
		}
		return s[i], true, nil
	}
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		i, okInt := toInt(key)
		if !okInt || i < 0 || i >= rv.Len() {
			return nil, true, fmt.Errorf("bridge: index %v out of range", key)
		}
		return rv.Index(i).Interface(), true, nil
	}
	return nil, false, nil
}

// setIndex writes target[key] = value.
func setIndex(ctx context.Context, target any, key any, value any) error {
	if h, ok := target.(RemoteHandle); ok {
		return h.Set(ctx, fmt.Sprint(key), value)
	}
	if ok, err := assignHostIndex(target, key, value); ok {
		return err
	}
	return setAttr(ctx, target, fmt.Sprint(key), value)
}

func assignHostIndex(target any, key any, value any) (bool, error) {
	hostMu.Lock()
	defer hostMu.Unlock()
	if s, isSlice := target.([]any); isSlice {
		i, okInt := toInt(key)
		if !okInt || i < 0 || i >= len(s) {
			return true, fmt.Errorf("bridge: index %v out of range", key)
		}
		s[i] = value
		return true, nil
	}
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Slice || (rv.Kind() == reflect.Array && rv.CanAddr()) {
		i, okInt := toInt(key)
		if !okInt || i < 0 || i >= rv.Len() {
			return true, fmt.Errorf("bridge: index %v out of range", key)
		}
		return true, assignValue(rv.Index(i), value)
	}
	return false, nil
}

// callValue invokes target with the given arguments.
func callValue(ctx context.Context, target any, args []any, kwargs map[string]any) (any, error) {
	switch t := target.(type) {
	case nil:
		return nil, fmt.Errorf("bridge: nil is not callable")
	case Callable:
		return t.Call(ctx, args, kwargs)
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("bridge: %s is not callable", typeName(target))
	}
	return reflectCall(ctx, rv, args)
}

// Invoke calls target the way an inbound call_proxy would: Callables directly,
// plain functions through reflection with arguments converted to their types.
func Invoke(ctx context.Context, target any, args []any, kwargs map[string]any) (any, error) {
	return callValue(ctx, target, args, kwargs)
}

// construct instantiates target.
func construct(ctx context.Context, target any, args []any, kwargs map[string]any) (any, error) {
	switch t := target.(type) {
	case Constructor:
		return t.New(ctx, args, kwargs)
	case RemoteHandle:
		return t.Construct(ctx, args, kwargs)
	}
	if rv := reflect.ValueOf(target); rv.Kind() == reflect.Func {
		return reflectCall(ctx, rv, args)
	}
	return nil, fmt.Errorf("bridge: %s is not constructible", typeName(target))
}

func reflectGetAttr(target any, name string) (any, error) {
	rv := reflect.ValueOf(target)
	if method := findMethod(rv, name); method.IsValid() {
		return method.Interface(), nil
	}
	elem := rv
	for elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
		if elem.IsNil() {
			return nil, &AttributeError{Target: typeName(target), Name: name}
		}
		elem = elem.Elem()
	}
	switch elem.Kind() {
	case reflect.Struct:
		if field := findField(elem, name); field.IsValid() {
			return field.Interface(), nil
		}
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			v := elem.MapIndex(reflect.ValueOf(name).Convert(elem.Type().Key()))
			if v.IsValid() {
				return v.Interface(), nil
			}
		}
	case reflect.Slice, reflect.Array, reflect.String:
		if name == "length" {
			return elem.Len(), nil
		}
	}
	return nil, &AttributeError{Target: typeName(target), Name: name}
}

func reflectSetAttr(target any, name string, value any) error {
	elem := reflect.ValueOf(target)
	for elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
		if elem.IsNil() {
			return &AttributeError{Target: typeName(target), Name: name}
		}
		elem = elem.Elem()
	}
	switch elem.Kind() {
	case reflect.Struct:
		field := findField(elem, name)
		if !field.IsValid() {
			return &AttributeError{Target: typeName(target), Name: name}
		}
		if !field.CanSet() {
			return fmt.Errorf("bridge: attribute %q of %s is read-only", name, typeName(target))
		}
		return assignValue(field, value)
	case reflect.Map:
		if elem.Type().Key().Kind() != reflect.String {
			break
		}
		if elem.IsNil() {
			return fmt.Errorf("bridge: cannot assign %q on nil map", name)
		}
		slot := reflect.New(elem.Type().Elem()).Elem()
		if err := assignValue(slot, value); err != nil {
			return err
		}
		elem.SetMapIndex(reflect.ValueOf(name).Convert(elem.Type().Key()), slot)
		return nil
	}
	return fmt.Errorf("bridge: cannot set attribute %q on %s", name, typeName(target))
}

func findMethod(rv reflect.Value, name string) reflect.Value {
	if !rv.IsValid() || rv.NumMethod() == 0 {
		return reflect.Value{}
	}
	if m := rv.MethodByName(name); m.IsValid() {
		return m
	}
	return rv.MethodByName(exportName(name))
}

func findField(structValue reflect.Value, name string) reflect.Value {
	typ := structValue.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := strings.Split(field.Tag.Get("json"), ",")[0]
		if field.Name == name || (tag != "" && tag != "-" && tag == name) {
			return structValue.Field(i)
		}
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.IsExported() && strings.EqualFold(field.Name, name) {
			return structValue.Field(i)
		}
	}
	return reflect.Value{}
}

// reflectCall invokes fn, converting the decoded wire arguments to its parameter
// types. A leading context.Context parameter receives ctx. Missing arguments
// are zero values and surplus ones are dropped.
func reflectCall(ctx context.Context, fn reflect.Value, args []any) (any, error) {
	typ := fn.Type()
	in := make([]reflect.Value, 0, typ.NumIn())
	offset := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	fixed := typ.NumIn()
	if typ.IsVariadic() {
		fixed--
	}
	for i := offset; i < fixed; i++ {
		slot := reflect.New(typ.In(i)).Elem()
		if idx := i - offset; idx < len(args) {
			if err := assignValue(slot, args[idx]); err != nil {
				return nil, fmt.Errorf("bridge: argument %d: %w", idx, err)
			}
		}
		in = append(in, slot)
	}
	if typ.IsVariadic() {
		elemType := typ.In(typ.NumIn() - 1).Elem()
		for idx := fixed - offset; idx < len(args); idx++ {
			slot := reflect.New(elemType).Elem()
			if err := assignValue(slot, args[idx]); err != nil {
				return nil, fmt.Errorf("bridge: argument %d: %w", idx, err)
			}
			in = append(in, slot)
		}
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if typ.Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		var err error
		if typ.Out(len(out)-1) == errorType {
			err = asError(out[len(out)-1])
		}
		return out[0].Interface(), err
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// assignValue stores a decoded wire value into dst, converting where Go's
// conversion rules allow and falling back to a JSON round trip for composites.
func assignValue(dst reflect.Value, value any) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if isNumericKind(src.Kind()) && isNumericKind(dst.Kind()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	if src.Kind() == reflect.String && dst.Kind() == reflect.String {
		dst.SetString(src.String())
		return nil
	}
	data, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("cannot convert %s to %s", typeName(value), dst.Type())
	}
	ptr := reflect.New(dst.Type())
	if errUnmarshal := json.Unmarshal(data, ptr.Interface()); errUnmarshal != nil {
		return fmt.Errorf("cannot convert %s to %s: %w", typeName(value), dst.Type(), errUnmarshal)
	}
	dst.Set(ptr.Elem())
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// toInt converts a decoded index to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	default:
		rv := reflect.ValueOf(v)
		if rv.IsValid() && isNumericKind(rv.Kind()) {
			return toInt(rv.Convert(reflect.TypeOf(float64(0))).Interface())
		}
	}
	return 0, false
}

// ToInt exposes the decoded-number conversion to packages driving remote trees.
func ToInt(v any) (int, bool) { return toInt(v) }

// truthy follows the peer's notion of truthiness for decoded values.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		return t.String() != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// primitive converts a registered value to something that travels by value.
func primitive(v any) any {
	switch KindOf(v) {
	case KindScalar, KindSequence, KindMapping:
		return v
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

func exportName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
