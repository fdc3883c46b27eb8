// Package registry owns the shared foreign runtime and the foreign objects of
// every live classifier.
//
// Each classifier is keyed by an Identity and maps to three handles: its
// module, its class object and its instance. Two locks are involved. The
// interpreter lock (inside foreign.Interpreter) is held for every foreign
// call; the map lock guards only the identity map and is always taken while
// already holding the interpreter lock, never the other way around.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/security"
)

// Identity is an opaque per-classifier key.
type Identity uint64

var lastIdentity atomic.Uint64

// NewIdentity mints a process-unique Identity.
func NewIdentity() Identity {
	return Identity(lastIdentity.Add(1))
}

type entry struct {
	moduleName string
	className  string
	module     *foreign.Handle
	class      *foreign.Handle
	instance   *foreign.Handle
}

// Registry maps identities to foreign objects.
type Registry struct {
	interp *foreign.Interpreter
	gate   *security.Gate
	log    *zap.Logger

	mu      sync.Mutex
	entries map[Identity]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithGate replaces the default security gate.
func WithGate(g *security.Gate) Option {
	return func(r *Registry) {
		if g != nil {
			r.gate = g
		}
	}
}

// New returns a registry over interp. Most programs want Default instead.
func New(interp *foreign.Interpreter, opts ...Option) *Registry {
	r := &Registry{
		interp:  interp,
		gate:    security.Default(),
		log:     zap.NewNop(),
		entries: make(map[Identity]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Opener starts a foreign runtime.
type Opener func(ctx context.Context) (foreign.Runtime, error)

var (
	defaultMu  sync.Mutex
	defaultReg atomic.Pointer[Registry]
)

// Default returns the process-wide registry, opening the runtime on first
// use. Later calls return the same registry and ignore their arguments. The
// runtime is never closed: it cannot be safely re-initialized.
func Default(ctx context.Context, open Opener, opts ...Option) (*Registry, error) {
	if r := defaultReg.Load(); r != nil {
		return r, nil
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()

	if r := defaultReg.Load(); r != nil {
		return r, nil
	}

	rt, err := open(ctx)
	if err != nil {
		return nil, pberrors.Wrap(pberrors.KindImport, err, "start foreign runtime")
	}

	r := New(nil, opts...)
	r.interp = foreign.NewInterpreter(rt, foreign.WithLogger(r.log))
	defaultReg.Store(r)
	r.log.Debug("foreign runtime initialized")
	return r, nil
}

// Interpreter returns the interpreter the registry serializes on.
func (r *Registry) Interpreter() *foreign.Interpreter {
	return r.interp
}

// Gate returns the security gate used for validation.
func (r *Registry) Gate() *security.Gate {
	return r.gate
}

// Import creates the foreign instance for id. Names are validated before any
// foreign call. A second Import for a live id is a no-op.
func (r *Registry) Import(id Identity, module, class string) error {
	if err := r.gate.ValidateModuleName(module); err != nil {
		return err
	}
	if err := r.gate.ValidateClassName(class); err != nil {
		return err
	}

	return r.interp.Do(func(s *foreign.Scope) error {
		if r.Has(id) {
			return nil
		}

		mod, err := s.Import(module)
		if err != nil {
			return pberrors.Wrap(pberrors.KindImport, err, module)
		}
		cls, err := s.GetAttr(mod, class)
		if err != nil {
			return multierr.Append(
				pberrors.Wrap(pberrors.KindClassNotFound, err, module+"."+class),
				s.Release(mod))
		}
		inst, err := s.Call(cls)
		if err != nil {
			return multierr.Append(
				pberrors.Wrap(pberrors.KindInstantiation, err, module+"."+class),
				s.Release(cls, mod))
		}

		r.mu.Lock()
		r.entries[id] = &entry{
			moduleName: module,
			className:  class,
			module:     mod,
			class:      cls,
			instance:   inst,
		}
		r.mu.Unlock()

		r.log.Debug("imported estimator",
			zap.Uint64("identity", uint64(id)),
			zap.String("module", module),
			zap.String("class", class))
		return nil
	})
}

// Release drops the foreign objects of id. Unknown identities are ignored.
// The entry is removed even when the runtime reports a failure.
func (r *Registry) Release(id Identity) error {
	return r.interp.Do(func(s *foreign.Scope) error {
		r.mu.Lock()
		e, ok := r.entries[id]
		delete(r.entries, id)
		r.mu.Unlock()

		if !ok {
			return nil
		}

		if err := s.Release(e.instance, e.class, e.module); err != nil {
			r.log.Warn("release failed",
				zap.Uint64("identity", uint64(id)),
				zap.String("class", e.className),
				zap.Error(err))
			return pberrors.Wrap(pberrors.KindCleanup, err, e.moduleName+"."+e.className)
		}

		r.log.Debug("released estimator", zap.Uint64("identity", uint64(id)))
		return nil
	})
}

// Invoke calls method on id's instance and returns the result, which the
// caller must release with ReleaseResult.
func (r *Registry) Invoke(id Identity, method string, args ...foreign.Arg) (*foreign.Handle, error) {
	var out *foreign.Handle
	err := r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// Exec calls method and discards its result.
func (r *Registry) Exec(id Identity, method string, args ...foreign.Arg) error {
	return r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		return s.Release(res)
	})
}

// ReleaseResult releases a handle returned by Invoke.
func (r *Registry) ReleaseResult(h *foreign.Handle) error {
	return r.interp.Release(h)
}

// InvokeArray calls method and copies its array result out of the runtime.
func (r *Registry) InvokeArray(id Identity, method string, args ...foreign.Arg) (buffer.Array, error) {
	var out buffer.Array
	err := r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		defer s.Release(res)

		arr, err := s.Array(res)
		if err != nil {
			return pberrors.MethodCall(method, err)
		}
		arr.Data = append([]byte(nil), arr.Data...)
		arr.Shape = append([]int(nil), arr.Shape...)
		arr.Strides = append([]int(nil), arr.Strides...)
		out = arr
		return nil
	})
	return out, err
}

// InvokeFloat calls method and converts its result to float64.
func (r *Registry) InvokeFloat(id Identity, method string, args ...foreign.Arg) (float64, error) {
	var out float64
	err := r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		defer s.Release(res)

		if out, err = s.Float(res); err != nil {
			return pberrors.MethodCall(method, err)
		}
		return nil
	})
	return out, err
}

// InvokeInt calls method and converts its result to an int.
func (r *Registry) InvokeInt(id Identity, method string, args ...foreign.Arg) (int, error) {
	var out int64
	err := r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		defer s.Release(res)

		if out, err = s.Int(res); err != nil {
			return pberrors.MethodCall(method, err)
		}
		return nil
	})
	return int(out), err
}

// InvokeString calls method and converts its result to a string.
func (r *Registry) InvokeString(id Identity, method string, args ...foreign.Arg) (string, error) {
	var out string
	err := r.interp.Do(func(s *foreign.Scope) error {
		res, err := r.call(s, id, method, args)
		if err != nil {
			return err
		}
		defer s.Release(res)

		if out, err = s.String(res); err != nil {
			return pberrors.MethodCall(method, err)
		}
		return nil
	})
	return out, err
}

// Aggregate sums an integer over the members of an ensemble (its
// estimators_). For "node_count" it reads member.tree_.node_count, otherwise
// it calls member.<op>(). Any failure discards the partial sum.
func (r *Registry) Aggregate(id Identity, op string) (int, error) {
	var total int64
	err := r.interp.Do(func(s *foreign.Scope) (err error) {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}

		var held []*foreign.Handle
		defer func() {
			if rerr := s.Release(held...); rerr != nil {
				err = multierr.Append(err, pberrors.Wrap(pberrors.KindAggregate, rerr, op))
			}
		}()
		fail := func(cause error) error {
			return pberrors.Wrap(pberrors.KindAggregate, cause, op)
		}

		members, err := s.GetAttr(e.instance, "estimators_")
		if err != nil {
			return fail(err)
		}
		held = append(held, members)

		n, err := s.Len(members)
		if err != nil {
			return fail(err)
		}

		var sum int64
		for i := 0; i < n; i++ {
			m, err := s.Item(members, i)
			if err != nil {
				return fail(err)
			}
			held = append(held, m)

			var val *foreign.Handle
			if op == "node_count" {
				tree, err := s.GetAttr(m, "tree_")
				if err != nil {
					return fail(err)
				}
				held = append(held, tree)
				val, err = s.GetAttr(tree, "node_count")
				if err != nil {
					return fail(err)
				}
			} else {
				val, err = s.CallMethod(m, op)
				if err != nil {
					return fail(err)
				}
			}
			held = append(held, val)

			v, err := s.Int(val)
			if err != nil {
				return fail(err)
			}
			sum += v
		}
		total = sum
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

// SetAttributes validates h against the global allowlist and assigns each
// entry as an attribute of id's instance, in key order.
func (r *Registry) SetAttributes(id Identity, h security.Hyperparameters) error {
	if err := r.gate.ValidateHyperparameters(h, nil); err != nil {
		return err
	}
	return r.interp.Do(func(s *foreign.Scope) error {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		for _, key := range h.Keys() {
			if err := s.SetAttr(e.instance, key, foreign.ScalarArg(h[key])); err != nil {
				me := pberrors.MethodCall("setattr", err)
				me.Key = key
				return me
			}
		}
		return nil
	})
}

// ModuleVersion returns module.__version__ for an allowlisted module.
func (r *Registry) ModuleVersion(module string) (string, error) {
	if err := r.gate.ValidateModuleName(module); err != nil {
		return "", err
	}
	var out string
	err := r.interp.Do(func(s *foreign.Scope) error {
		mod, err := s.Import(module)
		if err != nil {
			return pberrors.Wrap(pberrors.KindImport, err, module)
		}
		defer s.Release(mod)

		v, err := s.GetAttr(mod, "__version__")
		if err != nil {
			return pberrors.MethodCall("__version__", err)
		}
		defer s.Release(v)

		out, err = s.String(v)
		return err
	})
	return out, err
}

// Has reports whether id has a live entry.
func (r *Registry) Has(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Identities returns the live identities in ascending order.
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]Identity, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every entry and shuts the runtime down. It must not be
// called on the Default registry.
func (r *Registry) Close() error {
	var err error
	for _, id := range r.Identities() {
		err = multierr.Append(err, r.Release(id))
	}
	return multierr.Append(err, r.interp.Close())
}

func (r *Registry) lookup(id Identity) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, pberrors.New(pberrors.KindUnknownIdentity, "no estimator for identity %d", uint64(id))
	}
	return e, nil
}

// call must run inside Do.
func (r *Registry) call(s *foreign.Scope, id Identity, method string, args []foreign.Arg) (*foreign.Handle, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	res, err := s.CallMethod(e.instance, method, args...)
	if err != nil {
		return nil, pberrors.MethodCall(method, err)
	}
	return res, nil
}
