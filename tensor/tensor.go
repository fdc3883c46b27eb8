// Package tensor provides the dense host tensor consumed by the classifier
// bridge. It is deliberately small: typed backing storage, a shape, element
// strides and an offset, which is all the boundary needs to build zero-copy
// views.
package tensor

import (
	"fmt"
	"unsafe"
)

// DType represents the data type of tensor elements
type DType int

const (
	Float32 DType = iota
	Float64
	Int32
	Int64
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a strided view over typed storage. Views created by Transpose
// share storage with their source.
type Tensor struct {
	storage any // []float32, []float64, []int32 or []int64
	dtype   DType
	shape   []int
	strides []int // in elements
	offset  int   // in elements
}

// FromFloat32 wraps data (row-major) without copying it.
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	return wrap(data, len(data), Float32, shape)
}

// FromFloat64 wraps data (row-major) without copying it.
func FromFloat64(data []float64, shape ...int) (*Tensor, error) {
	return wrap(data, len(data), Float64, shape)
}

// FromInt32 wraps data (row-major) without copying it.
func FromInt32(data []int32, shape ...int) (*Tensor, error) {
	return wrap(data, len(data), Int32, shape)
}

// FromInt64 wraps data (row-major) without copying it.
func FromInt64(data []int64, shape ...int) (*Tensor, error) {
	return wrap(data, len(data), Int64, shape)
}

// Zeros allocates a packed tensor.
func Zeros(dtype DType, shape ...int) *Tensor {
	n := numel(shape)
	var storage any
	switch dtype {
	case Float32:
		storage = make([]float32, n)
	case Float64:
		storage = make([]float64, n)
	case Int32:
		storage = make([]int32, n)
	case Int64:
		storage = make([]int64, n)
	default:
		panic(fmt.Sprintf("tensor: unknown dtype %d", dtype))
	}
	return &Tensor{
		storage: storage,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: packedStrides(shape),
	}
}

// FromBytes builds a tensor over raw bytes. strides and offset are in
// elements. The bytes are aliased when suitably aligned and copied otherwise.
func FromBytes(dtype DType, data []byte, shape, strides []int, offset int) (*Tensor, error) {
	if len(shape) != len(strides) {
		return nil, fmt.Errorf("tensor: shape rank %d does not match strides rank %d", len(shape), len(strides))
	}
	size := dtype.Size()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("tensor: %d bytes is not a multiple of %s size", len(data), dtype)
	}
	n := len(data) / size

	if n > 0 && uintptr(unsafe.Pointer(&data[0]))%uintptr(size) != 0 {
		aligned := make([]byte, len(data))
		copy(aligned, data)
		data = aligned
	}

	var storage any
	switch dtype {
	case Float32:
		storage = unsafe.Slice((*float32)(unsafePointer(data)), n)
	case Float64:
		storage = unsafe.Slice((*float64)(unsafePointer(data)), n)
	case Int32:
		storage = unsafe.Slice((*int32)(unsafePointer(data)), n)
	case Int64:
		storage = unsafe.Slice((*int64)(unsafePointer(data)), n)
	default:
		return nil, fmt.Errorf("tensor: unknown dtype %d", dtype)
	}

	t := &Tensor{
		storage: storage,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: append([]int(nil), strides...),
		offset:  offset,
	}
	if !t.inBounds(n) {
		return nil, fmt.Errorf("tensor: shape %v with strides %v exceeds %d elements", shape, strides, n)
	}
	return t, nil
}

func wrap(storage any, n int, dtype DType, shape []int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{n}
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor: negative dimension in shape %v", shape)
		}
	}
	if numel(shape) != n {
		return nil, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, numel(shape), n)
	}
	return &Tensor{
		storage: storage,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: packedStrides(shape),
	}, nil
}

// DType returns the data type
func (t *Tensor) DType() DType {
	return t.dtype
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.shape)
}

// Shape returns the tensor shape (defensive copy)
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Strides returns element strides (defensive copy)
func (t *Tensor) Strides() []int {
	return append([]int(nil), t.strides...)
}

// Offset returns the offset of the first element, in elements.
func (t *Tensor) Offset() int {
	return t.offset
}

// ElementSize returns the size of one element in bytes.
func (t *Tensor) ElementSize() int {
	return t.dtype.Size()
}

// Len returns the number of logical elements.
func (t *Tensor) Len() int {
	return numel(t.shape)
}

// IsContiguous reports whether the tensor is packed row-major from its offset.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] == 1 {
			continue
		}
		if t.strides[i] != expected {
			return false
		}
		expected *= t.shape[i]
	}
	return true
}

// Contiguous returns t itself when packed, otherwise a packed copy.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Clone returns a packed copy that shares nothing with t.
func (t *Tensor) Clone() *Tensor {
	out := Zeros(t.dtype, t.shape...)
	idx := make([]int, len(t.shape))
	for i := 0; i < out.Len(); i++ {
		out.setFlat(i, t.get(t.flatIndex(idx)))
		increment(idx, t.shape)
	}
	return out
}

// Transpose swaps two axes. The result shares storage with t.
func (t *Tensor) Transpose(a, b int) *Tensor {
	if a < 0 || b < 0 || a >= len(t.shape) || b >= len(t.shape) {
		panic(fmt.Sprintf("tensor: transpose axes (%d, %d) out of range for %d dims", a, b, len(t.shape)))
	}
	v := &Tensor{
		storage: t.storage,
		dtype:   t.dtype,
		shape:   t.Shape(),
		strides: t.Strides(),
		offset:  t.offset,
	}
	v.shape[a], v.shape[b] = v.shape[b], v.shape[a]
	v.strides[a], v.strides[b] = v.strides[b], v.strides[a]
	return v
}

// At returns the element at idx converted to float64.
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d dims", len(idx), len(t.shape)))
	}
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
	}
	return t.get(t.flatIndex(idx))
}

// Values returns all elements in logical row-major order as float64.
func (t *Tensor) Values() []float64 {
	out := make([]float64, t.Len())
	idx := make([]int, len(t.shape))
	for i := range out {
		out[i] = t.get(t.flatIndex(idx))
		increment(idx, t.shape)
	}
	return out
}

// Int32s returns all elements in logical order. It panics unless the dtype is
// Int32.
func (t *Tensor) Int32s() []int32 {
	s, ok := t.storage.([]int32)
	if !ok {
		panic("tensor: Int32s on " + t.dtype.String() + " tensor")
	}
	out := make([]int32, t.Len())
	idx := make([]int, len(t.shape))
	for i := range out {
		out[i] = s[t.flatIndex(idx)]
		increment(idx, t.shape)
	}
	return out
}

// Bytes exposes the whole backing storage as bytes without copying. The
// tensor's first element lives at Offset()*ElementSize().
func (t *Tensor) Bytes() []byte {
	switch s := t.storage.(type) {
	case []float32:
		return asBytes(unsafe.Pointer(unsafe.SliceData(s)), len(s)*4)
	case []float64:
		return asBytes(unsafe.Pointer(unsafe.SliceData(s)), len(s)*8)
	case []int32:
		return asBytes(unsafe.Pointer(unsafe.SliceData(s)), len(s)*4)
	case []int64:
		return asBytes(unsafe.Pointer(unsafe.SliceData(s)), len(s)*8)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, shape=%v)", t.dtype, t.shape)
}

func (t *Tensor) flatIndex(idx []int) int {
	flat := t.offset
	for i, v := range idx {
		flat += v * t.strides[i]
	}
	return flat
}

func (t *Tensor) get(flat int) float64 {
	switch s := t.storage.(type) {
	case []float32:
		return float64(s[flat])
	case []float64:
		return s[flat]
	case []int32:
		return float64(s[flat])
	case []int64:
		return float64(s[flat])
	}
	return 0
}

func (t *Tensor) setFlat(flat int, v float64) {
	switch s := t.storage.(type) {
	case []float32:
		s[flat] = float32(v)
	case []float64:
		s[flat] = v
	case []int32:
		s[flat] = int32(v)
	case []int64:
		s[flat] = int64(v)
	}
}

func (t *Tensor) inBounds(n int) bool {
	if numel(t.shape) == 0 {
		return t.offset >= 0 && t.offset <= n
	}
	lo, hi := t.offset, t.offset
	for i, d := range t.shape {
		step := (d - 1) * t.strides[i]
		if step < 0 {
			lo += step
		} else {
			hi += step
		}
	}
	return lo >= 0 && hi < n
}

func asBytes(p unsafe.Pointer, n int) []byte {
	if n == 0 || p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func packedStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func increment(idx, shape []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}
