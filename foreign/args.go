package foreign

import (
	"github.com/caffeineduck/pybridge/buffer"
	pberrors "github.com/caffeineduck/pybridge/errors"
)

// Arg is a call argument. Values are converted to foreign objects only when
// the call runs, and those temporary references are released when Do
// returns.
type Arg interface {
	materialize(s *Scope) (Ref, error)
}

type viewArg struct{ v buffer.View }

// ViewArg passes v as an array. The foreign array aliases v.Data.
func ViewArg(v buffer.View) Arg {
	return viewArg{v: v}
}

func (a viewArg) materialize(s *Scope) (Ref, error) {
	r, err := s.rt.NewArray(a.v)
	if err != nil {
		return 0, s.fail(err)
	}
	if r == 0 {
		return 0, pberrors.Foreign("array conversion returned null")
	}
	s.temps = append(s.temps, r)
	return r, nil
}

type scalarArg struct{ v any }

// ScalarArg passes an int64, float64, string or bool. Other integer and float
// types are widened.
func ScalarArg(v any) Arg {
	switch n := v.(type) {
	case int:
		v = int64(n)
	case int32:
		v = int64(n)
	case float32:
		v = float64(n)
	}
	return scalarArg{v: v}
}

func (a scalarArg) materialize(s *Scope) (Ref, error) {
	r, err := s.rt.NewScalar(a.v)
	if err != nil {
		return 0, s.fail(err)
	}
	if r == 0 {
		return 0, pberrors.Foreign("scalar conversion returned null")
	}
	s.temps = append(s.temps, r)
	return r, nil
}

type handleArg struct{ h *Handle }

// HandleArg passes an existing object. The handle keeps its ownership.
func HandleArg(h *Handle) Arg {
	return handleArg{h: h}
}

func (a handleArg) materialize(*Scope) (Ref, error) {
	if err := usable(a.h); err != nil {
		return 0, err
	}
	return a.h.ref, nil
}
