// Package buffer marshals host tensors into strided views that the foreign
// runtime can adopt without copying, and maps foreign result arrays back into
// host tensors.
//
// Host matrices are feature-major (features × samples); estimators expect
// sample-major (samples × features). The conversion never moves data: the
// view simply swaps the byte strides of the two axes.
package buffer

import (
	"encoding/binary"
	"fmt"
	"math"

	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/tensor"
)

// Kind is the element kind of a view. It shares the tensor dtype values.
type Kind = tensor.DType

const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
)

// ParseKind maps a numpy dtype name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "int32":
		return Int32, nil
	case "int64":
		return Int64, nil
	}
	return 0, pberrors.New(pberrors.KindUnexpectedDtype, "unsupported dtype %q", name)
}

// View describes a numeric region shared with the foreign runtime.
// Offset and Strides are in bytes. Data must outlive every foreign call the
// view is passed to.
type View struct {
	Data    []byte
	Offset  int
	Kind    Kind
	Shape   []int
	Strides []int
}

// Array describes a foreign result array. It has the same layout as View.
type Array = View

// Ndim returns the number of dimensions.
func (v View) Ndim() int {
	return len(v.Shape)
}

// Len returns the number of logical elements.
func (v View) Len() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// At returns the element at idx converted to float64, honoring strides.
func (v View) At(idx ...int) float64 {
	if len(idx) != len(v.Shape) {
		panic(fmt.Sprintf("buffer: %d indices for %d dims", len(idx), len(v.Shape)))
	}
	off := v.Offset
	for i, x := range idx {
		if x < 0 || x >= v.Shape[i] {
			panic(fmt.Sprintf("buffer: index %v out of range for shape %v", idx, v.Shape))
		}
		off += x * v.Strides[i]
	}
	b := v.Data[off : off+v.Kind.Size()]
	switch v.Kind {
	case Float32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(b))
	case Int32:
		return float64(int32(binary.NativeEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.NativeEndian.Uint64(b)))
	}
	return 0
}

// Wrap describes t in its own layout, without transposing.
func Wrap(t *tensor.Tensor) View {
	size := t.ElementSize()
	strides := t.Strides()
	for i := range strides {
		strides[i] *= size
	}
	return View{
		Data:    t.Bytes(),
		Offset:  t.Offset() * size,
		Kind:    t.DType(),
		Shape:   t.Shape(),
		Strides: strides,
	}
}

// Packed describes row-major data of the given shape.
func Packed(kind Kind, data []byte, shape ...int) Array {
	strides := make([]int, len(shape))
	s := kind.Size()
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return Array{
		Data:    data,
		Kind:    kind,
		Shape:   append([]int(nil), shape...),
		Strides: strides,
	}
}

// MatrixToView builds the sample-major view of a feature-major matrix.
func MatrixToView(t *tensor.Tensor, kind Kind) (View, error) {
	if t.Dim() != 2 {
		return View{}, pberrors.New(pberrors.KindDimension, "expected 2-D tensor, got %d-D", t.Dim())
	}
	if t.DType() != kind {
		return View{}, pberrors.New(pberrors.KindDtype, "expected %s tensor, got %s", kind, t.DType())
	}

	v := Wrap(t.Contiguous())
	v.Shape[0], v.Shape[1] = v.Shape[1], v.Shape[0]
	v.Strides[0], v.Strides[1] = v.Strides[1], v.Strides[0]
	return v, nil
}

// VectorToView builds the view of a 1-D tensor.
func VectorToView(t *tensor.Tensor, kind Kind) (View, error) {
	if t.Dim() != 1 {
		return View{}, pberrors.New(pberrors.KindDimension, "expected 1-D tensor, got %d-D", t.Dim())
	}
	if t.DType() != kind {
		return View{}, pberrors.New(pberrors.KindDtype, "expected %s tensor, got %s", kind, t.DType())
	}
	return Wrap(t.Contiguous()), nil
}

// Pair marshals a feature-major matrix X and its int32 label vector y.
func Pair(X, y *tensor.Tensor, xKind Kind) (View, View, error) {
	xv, err := MatrixToView(X, xKind)
	if err != nil {
		return View{}, View{}, err
	}
	yv, err := VectorToView(y, Int32)
	if err != nil {
		return View{}, View{}, err
	}
	if xv.Shape[0] != yv.Shape[0] {
		return View{}, View{}, pberrors.New(pberrors.KindLengthMismatch,
			"%d samples in X, %d labels in y", xv.Shape[0], yv.Shape[0])
	}
	return xv, yv, nil
}

// ToVector maps a rank-1 foreign array of exactly kind into a tensor.
func ToVector(arr Array, kind Kind) (*tensor.Tensor, error) {
	return toTensor(arr, kind, 1)
}

// ToMatrix maps a rank-2 foreign array of exactly kind into a tensor with
// the array's own (sample-major) shape.
func ToMatrix(arr Array, kind Kind) (*tensor.Tensor, error) {
	return toTensor(arr, kind, 2)
}

// FromView maps a view produced by MatrixToView or VectorToView back into a
// host tensor in the host's feature-major layout. The result aliases
// v.Data when the strides allow it.
func FromView(v View) (*tensor.Tensor, error) {
	switch v.Ndim() {
	case 1:
		return viewTensor(v)
	case 2:
		t := View{
			Data:    v.Data,
			Offset:  v.Offset,
			Kind:    v.Kind,
			Shape:   []int{v.Shape[1], v.Shape[0]},
			Strides: []int{v.Strides[1], v.Strides[0]},
		}
		return viewTensor(t)
	}
	return nil, pberrors.New(pberrors.KindUnexpectedNdim, "expected 1-D or 2-D view, got %d-D", v.Ndim())
}

func toTensor(arr Array, kind Kind, ndim int) (*tensor.Tensor, error) {
	if arr.Ndim() != ndim {
		return nil, pberrors.New(pberrors.KindUnexpectedNdim, "expected %d-D array, got %d-D", ndim, arr.Ndim())
	}
	if arr.Kind != kind {
		return nil, pberrors.New(pberrors.KindUnexpectedDtype, "expected %s array, got %s", kind, arr.Kind)
	}
	return viewTensor(arr)
}

func viewTensor(v View) (*tensor.Tensor, error) {
	size := v.Kind.Size()
	if len(v.Strides) != len(v.Shape) {
		return nil, pberrors.New(pberrors.KindDimension, "shape %v and strides %v disagree", v.Shape, v.Strides)
	}

	aligned := v.Offset%size == 0
	strides := make([]int, len(v.Strides))
	for i, s := range v.Strides {
		if s%size != 0 {
			aligned = false
		}
		strides[i] = s / size
	}
	if aligned {
		t, err := tensor.FromBytes(v.Kind, v.Data, v.Shape, strides, v.Offset/size)
		if err != nil {
			return nil, pberrors.Wrap(pberrors.KindDimension, err, "")
		}
		return t, nil
	}

	// Unaligned strides cannot be expressed in elements; gather into a
	// packed tensor instead.
	out := tensor.Zeros(v.Kind, v.Shape...)
	packed := Wrap(out)
	idx := make([]int, len(v.Shape))
	for i := 0; i < v.Len(); i++ {
		copy(packed.Data[i*size:(i+1)*size], v.Data[v.byteOffset(idx):v.byteOffset(idx)+size])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < v.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func (v View) byteOffset(idx []int) int {
	off := v.Offset
	for i, x := range idx {
		off += x * v.Strides[i]
	}
	return off
}
