// Package inproc is a foreign runtime implemented in Go. It mimics the
// object model of the Python bridge closely enough to exercise the whole
// stack without an interpreter: modules, classes, estimator instances,
// arrays, reference counts and sticky error state.
//
// The estimators are nearest-centroid classifiers dressed up as the real
// families, including their result dtypes and introspection methods.
package inproc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	"github.com/caffeineduck/pybridge/foreign"
)

// Runtime implements foreign.Runtime. It is safe for concurrent use, but
// foreign.Interpreter serializes access anyway.
type Runtime struct {
	mu      sync.Mutex
	log     *zap.Logger
	objects map[foreign.Ref]*object
	next    foreign.Ref
	modules map[string]*module
	pending *foreign.Exception
	calls   int
	closed  bool

	failMethods map[string]string
	failDecRef  string
}

type object struct {
	value any
	refs  int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.log = l
		}
	}
}

// WithModule registers an extra module, replacing a built-in one of the same
// name.
func WithModule(name string, attrs map[string]any) Option {
	return func(rt *Runtime) {
		rt.modules[name] = &module{name: name, attrs: attrs}
	}
}

// New returns a runtime with the built-in estimator modules.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		log:         zap.NewNop(),
		objects:     make(map[foreign.Ref]*object),
		modules:     builtinModules(),
		failMethods: make(map[string]string),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// LiveRefs returns the number of outstanding references.
func (rt *Runtime) LiveRefs() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, o := range rt.objects {
		n += o.refs
	}
	return n
}

// Calls returns the number of runtime operations performed so far.
func (rt *Runtime) Calls() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.calls
}

// FailMethod makes the next call of the named method raise msg.
func (rt *Runtime) FailMethod(name, msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failMethods[name] = msg
}

// FailNextDecRef makes the next DecRef fail with msg. The reference is still
// dropped.
func (rt *Runtime) FailNextDecRef(msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failDecRef = msg
}

// Import implements foreign.Runtime.
func (rt *Runtime) Import(name string) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	m, ok := rt.modules[name]
	if !ok {
		return 0, rt.raise("ModuleNotFoundError", "No module named '%s'", name)
	}
	return rt.put(m), nil
}

// GetAttr implements foreign.Runtime.
func (rt *Runtime) GetAttr(obj foreign.Ref, name string) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(obj)
	if err != nil {
		return 0, err
	}
	g, ok := o.value.(attrGetter)
	if !ok {
		return 0, rt.raise("AttributeError", "'%s' object has no attribute '%s'", typeName(o.value), name)
	}
	v, ok := g.getAttr(name)
	if !ok {
		return 0, rt.raise("AttributeError", "'%s' object has no attribute '%s'", typeName(o.value), name)
	}
	return rt.put(v), nil
}

// SetAttr implements foreign.Runtime.
func (rt *Runtime) SetAttr(obj foreign.Ref, name string, value foreign.Ref) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return err
	}
	o, err := rt.get(obj)
	if err != nil {
		return err
	}
	v, err := rt.get(value)
	if err != nil {
		return err
	}
	s, ok := o.value.(attrSetter)
	if !ok {
		return rt.raise("AttributeError", "'%s' object attribute '%s' is read-only", typeName(o.value), name)
	}
	if err := s.setAttr(name, v.value); err != nil {
		return rt.raise("TypeError", "%v", err)
	}
	return nil
}

// Call implements foreign.Runtime.
func (rt *Runtime) Call(callable foreign.Ref, args ...foreign.Ref) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(callable)
	if err != nil {
		return 0, err
	}
	c, ok := o.value.(*class)
	if !ok {
		return 0, rt.raise("TypeError", "'%s' object is not callable", typeName(o.value))
	}
	vals, err := rt.values(args)
	if err != nil {
		return 0, err
	}
	inst, err := c.construct(vals)
	if err != nil {
		return 0, rt.raise("TypeError", "%v", err)
	}
	return rt.put(inst), nil
}

// CallMethod implements foreign.Runtime.
func (rt *Runtime) CallMethod(obj foreign.Ref, name string, args ...foreign.Ref) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(obj)
	if err != nil {
		return 0, err
	}
	if msg, ok := rt.failMethods[name]; ok {
		delete(rt.failMethods, name)
		return 0, rt.raise("RuntimeError", "%s", msg)
	}
	m, ok := o.value.(methodCaller)
	if !ok {
		return 0, rt.raise("AttributeError", "'%s' object has no attribute '%s'", typeName(o.value), name)
	}
	vals, err := rt.values(args)
	if err != nil {
		return 0, err
	}
	out, err := m.callMethod(name, vals)
	if err != nil {
		if exc, ok := err.(*foreign.Exception); ok {
			rt.pending = exc
			return 0, exc
		}
		return 0, rt.raise("ValueError", "%v", err)
	}
	return rt.put(out), nil
}

// IncRef implements foreign.Runtime.
func (rt *Runtime) IncRef(r foreign.Ref) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls++
	o, err := rt.get(r)
	if err != nil {
		return err
	}
	o.refs++
	return nil
}

// DecRef implements foreign.Runtime.
func (rt *Runtime) DecRef(r foreign.Ref) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls++
	o, ok := rt.objects[r]
	if !ok {
		return fmt.Errorf("inproc: decref of dead reference %d", r)
	}
	o.refs--
	if o.refs == 0 {
		delete(rt.objects, r)
	}
	if rt.failDecRef != "" {
		msg := rt.failDecRef
		rt.failDecRef = ""
		return rt.raise("RuntimeError", "%s", msg)
	}
	return nil
}

// NewScalar implements foreign.Runtime.
func (rt *Runtime) NewScalar(v any) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	switch v.(type) {
	case int64, float64, string, bool:
		return rt.put(v), nil
	}
	return 0, rt.raise("TypeError", "unsupported scalar %T", v)
}

// NewArray implements foreign.Runtime. The array aliases v.Data.
func (rt *Runtime) NewArray(v buffer.View) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	if len(v.Shape) != len(v.Strides) {
		return 0, rt.raise("ValueError", "shape %v and strides %v differ in length", v.Shape, v.Strides)
	}
	return rt.put(&array{view: v}), nil
}

// Int implements foreign.Runtime.
func (rt *Runtime) Int(r foreign.Ref) (int64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(r)
	if err != nil {
		return 0, err
	}
	switch v := o.value.(type) {
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, rt.raise("TypeError", "'%s' object cannot be interpreted as an integer", typeName(o.value))
}

// Float implements foreign.Runtime.
func (rt *Runtime) Float(r foreign.Ref) (float64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(r)
	if err != nil {
		return 0, err
	}
	switch v := o.value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return 0, rt.raise("TypeError", "must be real number, not %s", typeName(o.value))
}

// String implements foreign.Runtime.
func (rt *Runtime) String(r foreign.Ref) (string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return "", err
	}
	o, err := rt.get(r)
	if err != nil {
		return "", err
	}
	if s, ok := o.value.(string); ok {
		return s, nil
	}
	return fmt.Sprint(o.value), nil
}

// Array implements foreign.Runtime.
func (rt *Runtime) Array(r foreign.Ref) (buffer.Array, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return buffer.Array{}, err
	}
	o, err := rt.get(r)
	if err != nil {
		return buffer.Array{}, err
	}
	a, ok := o.value.(*array)
	if !ok {
		return buffer.Array{}, rt.raise("TypeError", "'%s' object is not an array", typeName(o.value))
	}
	return a.view, nil
}

// Len implements foreign.Runtime.
func (rt *Runtime) Len(r foreign.Ref) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(r)
	if err != nil {
		return 0, err
	}
	switch v := o.value.(type) {
	case []any:
		return len(v), nil
	case *array:
		if len(v.view.Shape) == 0 {
			return 0, rt.raise("TypeError", "len() of unsized object")
		}
		return v.view.Shape[0], nil
	}
	return 0, rt.raise("TypeError", "object of type '%s' has no len()", typeName(o.value))
}

// Item implements foreign.Runtime.
func (rt *Runtime) Item(r foreign.Ref, i int) (foreign.Ref, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.begin(); err != nil {
		return 0, err
	}
	o, err := rt.get(r)
	if err != nil {
		return 0, err
	}
	list, ok := o.value.([]any)
	if !ok {
		return 0, rt.raise("TypeError", "'%s' object is not subscriptable", typeName(o.value))
	}
	if i < 0 || i >= len(list) {
		return 0, rt.raise("IndexError", "list index out of range")
	}
	return rt.put(list[i]), nil
}

// ErrOccurred implements foreign.Runtime.
func (rt *Runtime) ErrOccurred() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// ClearError implements foreign.Runtime.
func (rt *Runtime) ClearError() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending = nil
}

// Close implements foreign.Runtime.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closed = true
	if n := len(rt.objects); n > 0 {
		rt.log.Debug("closing runtime with live objects", zap.Int("objects", n))
	}
	return nil
}

// begin counts an operation and fails it when an earlier error was never
// cleared, the way a stale exception corrupts the next call into CPython.
func (rt *Runtime) begin() error {
	rt.calls++
	if rt.closed {
		return fmt.Errorf("inproc: runtime closed")
	}
	if rt.pending != nil {
		return &foreign.Exception{
			Type:    "SystemError",
			Message: "call made with an exception set: " + rt.pending.Error(),
		}
	}
	return nil
}

func (rt *Runtime) raise(typ, format string, args ...any) *foreign.Exception {
	exc := &foreign.Exception{Type: typ, Message: fmt.Sprintf(format, args...)}
	rt.pending = exc
	return exc
}

func (rt *Runtime) put(v any) foreign.Ref {
	rt.next++
	rt.objects[rt.next] = &object{value: v, refs: 1}
	return rt.next
}

func (rt *Runtime) get(r foreign.Ref) (*object, error) {
	o, ok := rt.objects[r]
	if !ok {
		return nil, rt.raise("SystemError", "bad reference %d", r)
	}
	return o, nil
}

func (rt *Runtime) values(refs []foreign.Ref) ([]any, error) {
	out := make([]any, len(refs))
	for i, r := range refs {
		o, err := rt.get(r)
		if err != nil {
			return nil, err
		}
		out[i] = o.value
	}
	return out, nil
}

func typeName(v any) string {
	switch x := v.(type) {
	case *module:
		return "module"
	case *class:
		return "type"
	case *estimator:
		return x.class
	case *member:
		return "DecisionTreeClassifier"
	case *treeInfo:
		return "Tree"
	case *array:
		return "ndarray"
	case []any:
		return "list"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case bool:
		return "bool"
	case nil:
		return "NoneType"
	}
	return fmt.Sprintf("%T", v)
}
