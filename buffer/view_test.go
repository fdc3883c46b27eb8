package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/tensor"
)

// featureMajor returns a 3 features × 5 samples matrix where element
// (f, s) is 10*f + s.
func featureMajor(t *testing.T) *tensor.Tensor {
	t.Helper()
	data := make([]float32, 15)
	for f := 0; f < 3; f++ {
		for s := 0; s < 5; s++ {
			data[f*5+s] = float32(10*f + s)
		}
	}
	m, err := tensor.FromFloat32(data, 3, 5)
	require.NoError(t, err)
	return m
}

func TestMatrixToViewSwapsStrides(t *testing.T) {
	m := featureMajor(t)

	v, err := MatrixToView(m, Float32)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 3}, v.Shape)
	assert.Equal(t, []int{4, 20}, v.Strides)
	assert.Equal(t, 60, len(v.Data))
	assert.Same(t, &m.Bytes()[0], &v.Data[0])
}

func TestRoundTripPreservesPositions(t *testing.T) {
	m := featureMajor(t)

	v, err := MatrixToView(m, Float32)
	require.NoError(t, err)

	for s := 0; s < 5; s++ {
		for f := 0; f < 3; f++ {
			assert.Equal(t, m.At(f, s), v.At(s, f), "sample %d feature %d", s, f)
		}
	}

	back, err := FromView(v)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, back.Shape())
	assert.Equal(t, m.Values(), back.Values())
}

func TestMatrixToViewNonContiguousInput(t *testing.T) {
	m := featureMajor(t)
	samplesMajor := m.Transpose(0, 1)

	v, err := MatrixToView(samplesMajor, Float32)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, v.Shape)
	for f := 0; f < 3; f++ {
		for s := 0; s < 5; s++ {
			assert.Equal(t, m.At(f, s), v.At(f, s))
		}
	}
}

func TestMatrixToViewErrors(t *testing.T) {
	vec, err := tensor.FromFloat32([]float32{1, 2, 3})
	require.NoError(t, err)
	_, err = MatrixToView(vec, Float32)
	assert.True(t, errors.Is(err, pberrors.ErrDimension))

	m := featureMajor(t)
	_, err = MatrixToView(m, Float64)
	assert.True(t, errors.Is(err, pberrors.ErrDtype))
}

func TestVectorToViewErrors(t *testing.T) {
	m := featureMajor(t)
	_, err := VectorToView(m, Float32)
	assert.True(t, errors.Is(err, pberrors.ErrDimension))

	y, err := tensor.FromInt64([]int64{0, 1})
	require.NoError(t, err)
	_, err = VectorToView(y, Int32)
	assert.True(t, errors.Is(err, pberrors.ErrDtype))
}

func TestPairLengthMismatch(t *testing.T) {
	m := featureMajor(t)
	y, err := tensor.FromInt32([]int32{0, 1, 0, 1})
	require.NoError(t, err)

	_, _, err = Pair(m, y, Float32)
	assert.True(t, errors.Is(err, pberrors.ErrLengthMismatch))

	y, err = tensor.FromInt32([]int32{0, 1, 0, 1, 1})
	require.NoError(t, err)
	xv, yv, err := Pair(m, y, Float32)
	require.NoError(t, err)
	assert.Equal(t, 5, xv.Shape[0])
	assert.Equal(t, []int{5}, yv.Shape)
}

func TestToVectorExactKind(t *testing.T) {
	preds, err := tensor.FromInt64([]int64{1, 0, 1})
	require.NoError(t, err)
	arr := Wrap(preds)

	_, err = ToVector(arr, Int32)
	assert.True(t, errors.Is(err, pberrors.ErrUnexpectedDtype))

	out, err := ToVector(arr, Int64)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1}, out.Values())
}

func TestToMatrixRank(t *testing.T) {
	v, err := tensor.FromFloat64([]float64{0.5, 0.5})
	require.NoError(t, err)

	_, err = ToMatrix(Wrap(v), Float64)
	assert.True(t, errors.Is(err, pberrors.ErrUnexpectedNdim))
}

func TestToMatrixHonorsForeignStrides(t *testing.T) {
	// Fortran-ordered 2×2: [[1, 2], [3, 4]] stored as 1, 3, 2, 4.
	src, err := tensor.FromFloat64([]float64{1, 3, 2, 4})
	require.NoError(t, err)
	arr := Array{Data: src.Bytes(), Kind: Float64, Shape: []int{2, 2}, Strides: []int{8, 16}}

	m, err := ToMatrix(arr, Float64)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, m.Values())
}

func TestPackedAndParseKind(t *testing.T) {
	arr := Packed(Int32, make([]byte, 24), 2, 3)
	assert.Equal(t, []int{12, 4}, arr.Strides)
	assert.Equal(t, 6, arr.Len())

	k, err := ParseKind("float32")
	require.NoError(t, err)
	assert.Equal(t, Float32, k)

	_, err = ParseKind("complex128")
	assert.True(t, errors.Is(err, pberrors.ErrUnexpectedDtype))
}
