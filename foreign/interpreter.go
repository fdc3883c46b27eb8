package foreign

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/security"
)

// Interpreter owns a Runtime and the lock that serializes access to it.
type Interpreter struct {
	rt     Runtime
	log    *zap.Logger
	mu     sync.Mutex
	closed bool
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.log = l
		}
	}
}

// NewInterpreter takes ownership of rt.
func NewInterpreter(rt Runtime, opts ...Option) *Interpreter {
	in := &Interpreter{
		rt:  rt,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Do runs fn while holding the interpreter lock. Foreign error state is
// cleared before an error is returned, and references materialized for
// arguments are released on every path. fn must not call Do.
func (in *Interpreter) Do(fn func(*Scope) error) (err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return pberrors.New(pberrors.KindClosed, "interpreter closed")
	}

	s := &Scope{rt: in.rt, log: in.log}
	defer func() {
		if rerr := s.releaseTemps(); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		if err != nil && in.rt.ErrOccurred() {
			in.log.Debug("clearing foreign error state", zap.Error(err))
			in.rt.ClearError()
		}
	}()

	return fn(s)
}

// Release releases handles under the interpreter lock.
func (in *Interpreter) Release(handles ...*Handle) error {
	return in.Do(func(s *Scope) error {
		return s.Release(handles...)
	})
}

// Close shuts the runtime down. Do fails afterwards.
func (in *Interpreter) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}
	in.closed = true
	return in.rt.Close()
}

// Scope is the set of foreign operations available inside Do. A Scope must
// not be retained after Do returns.
type Scope struct {
	rt    Runtime
	log   *zap.Logger
	temps []Ref
}

// Import imports a module.
func (s *Scope) Import(module string) (*Handle, error) {
	r, err := s.rt.Import(module)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.own(r)
}

// GetAttr reads obj.name.
func (s *Scope) GetAttr(obj *Handle, name string) (*Handle, error) {
	if err := usable(obj); err != nil {
		return nil, err
	}
	r, err := s.rt.GetAttr(obj.ref, name)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.own(r)
}

// SetAttr assigns obj.name = value.
func (s *Scope) SetAttr(obj *Handle, name string, value Arg) error {
	if err := usable(obj); err != nil {
		return err
	}
	v, err := value.materialize(s)
	if err != nil {
		return err
	}
	if err := s.rt.SetAttr(obj.ref, name, v); err != nil {
		return s.fail(err)
	}
	return nil
}

// Call calls fn(args...).
func (s *Scope) Call(fn *Handle, args ...Arg) (*Handle, error) {
	if err := usable(fn); err != nil {
		return nil, err
	}
	refs, err := s.materialize(args)
	if err != nil {
		return nil, err
	}
	r, err := s.rt.Call(fn.ref, refs...)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.own(r)
}

// CallMethod calls obj.name(args...).
func (s *Scope) CallMethod(obj *Handle, name string, args ...Arg) (*Handle, error) {
	if err := usable(obj); err != nil {
		return nil, err
	}
	refs, err := s.materialize(args)
	if err != nil {
		return nil, err
	}
	r, err := s.rt.CallMethod(obj.ref, name, refs...)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.own(r)
}

// Clone takes an additional reference to h's object.
func (s *Scope) Clone(h *Handle) (*Handle, error) {
	if err := usable(h); err != nil {
		return nil, err
	}
	if err := s.rt.IncRef(h.ref); err != nil {
		return nil, s.fail(err)
	}
	return newHandle(h.ref), nil
}

// Release releases every handle, attempting all of them. Nil, moved and
// already released handles are skipped.
func (s *Scope) Release(handles ...*Handle) error {
	var err error
	for _, h := range handles {
		if rerr := h.release(s.rt); rerr != nil {
			err = multierr.Append(err, s.fail(rerr))
		}
	}
	return err
}

// Int converts h to an integer.
func (s *Scope) Int(h *Handle) (int64, error) {
	if err := usable(h); err != nil {
		return 0, err
	}
	v, err := s.rt.Int(h.ref)
	if err != nil {
		return 0, s.fail(err)
	}
	return v, nil
}

// Float converts h to a float.
func (s *Scope) Float(h *Handle) (float64, error) {
	if err := usable(h); err != nil {
		return 0, err
	}
	v, err := s.rt.Float(h.ref)
	if err != nil {
		return 0, s.fail(err)
	}
	return v, nil
}

// String converts h to a string.
func (s *Scope) String(h *Handle) (string, error) {
	if err := usable(h); err != nil {
		return "", err
	}
	v, err := s.rt.String(h.ref)
	if err != nil {
		return "", s.fail(err)
	}
	return v, nil
}

// Array describes h as an array. The returned data is only valid until h is
// released.
func (s *Scope) Array(h *Handle) (buffer.Array, error) {
	if err := usable(h); err != nil {
		return buffer.Array{}, err
	}
	v, err := s.rt.Array(h.ref)
	if err != nil {
		return buffer.Array{}, s.fail(err)
	}
	return v, nil
}

// Len returns len(h).
func (s *Scope) Len(h *Handle) (int, error) {
	if err := usable(h); err != nil {
		return 0, err
	}
	n, err := s.rt.Len(h.ref)
	if err != nil {
		return 0, s.fail(err)
	}
	return n, nil
}

// Item returns h[i].
func (s *Scope) Item(h *Handle, i int) (*Handle, error) {
	if err := usable(h); err != nil {
		return nil, err
	}
	r, err := s.rt.Item(h.ref, i)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.own(r)
}

func (s *Scope) own(r Ref) (*Handle, error) {
	if r == 0 {
		if s.rt.ErrOccurred() {
			s.rt.ClearError()
		}
		return nil, pberrors.Foreign("null result")
	}
	return newHandle(r), nil
}

func (s *Scope) materialize(args []Arg) ([]Ref, error) {
	refs := make([]Ref, len(args))
	for i, a := range args {
		r, err := a.materialize(s)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	return refs, nil
}

func (s *Scope) releaseTemps() error {
	var err error
	for _, r := range s.temps {
		if rerr := s.rt.DecRef(r); rerr != nil {
			err = multierr.Append(err, s.fail(rerr))
		}
	}
	s.temps = nil
	return err
}

// fail clears foreign error state and converts err into a sanitized
// taxonomy error.
func (s *Scope) fail(err error) error {
	if s.rt.ErrOccurred() {
		s.rt.ClearError()
	}

	var exc *Exception
	if errors.As(err, &exc) {
		return pberrors.Foreign(security.Sanitize(exc.Error()))
	}
	var pe *pberrors.Error
	if errors.As(err, &pe) {
		return err
	}
	return pberrors.New(pberrors.KindTransport, "%s", security.Sanitize(err.Error()))
}

func usable(h *Handle) error {
	if !h.Valid() {
		return pberrors.New(pberrors.KindForeign, "use of released handle")
	}
	return nil
}
