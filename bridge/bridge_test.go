package bridge

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/pybridge/buffer"
	"github.com/caffeineduck/pybridge/classifiers"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/foreign/inproc"
	"github.com/caffeineduck/pybridge/registry"
	"github.com/caffeineduck/pybridge/security"
	"github.com/caffeineduck/pybridge/tensor"
)

func newRegistry(t *testing.T) (*registry.Registry, *inproc.Runtime) {
	t.Helper()
	rt := inproc.New()
	reg := registry.New(foreign.NewInterpreter(rt))
	t.Cleanup(func() { reg.Close() })
	return reg, rt
}

// fourByTwo returns 4 samples with 2 features, stored feature-major, and
// two-class labels.
func fourByTwo(t *testing.T) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	X, err := tensor.FromFloat32([]float32{
		0.0, 0.2, 3.0, 3.1, // feature 0
		0.1, 0.0, 2.9, 3.2, // feature 1
	}, 2, 4)
	require.NoError(t, err)
	y, err := tensor.FromInt32([]int32{0, 0, 1, 1})
	require.NoError(t, err)
	return X, y
}

func TestEndToEnd(t *testing.T) {
	for _, family := range classifiers.Builtin() {
		t.Run(family.Name, func(t *testing.T) {
			reg, rt := newRegistry(t)
			X, y := fourByTwo(t)

			clf, err := New(reg, family)
			require.NoError(t, err)
			require.NoError(t, clf.Fit(X, y))

			score, err := clf.Score(X, y)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)

			pred, err := clf.Predict(X)
			require.NoError(t, err)
			require.Equal(t, []int{4}, pred.Shape())
			labels := pred.Int32s()
			for _, l := range labels {
				assert.Contains(t, []int32{0, 1}, l)
			}

			proba, err := clf.PredictProba(X)
			require.NoError(t, err)
			require.Equal(t, []int{4, 2}, proba.Shape())
			assert.Equal(t, family.ProbaKind, proba.DType())
			for i := 0; i < 4; i++ {
				p0, p1 := proba.At(i, 0), proba.At(i, 1)
				assert.InDelta(t, 1.0, p0+p1, 1e-6)
				argmax := int32(0)
				if p1 > p0 {
					argmax = 1
				}
				assert.Equal(t, labels[i], argmax, "row %d", i)
			}

			require.NoError(t, clf.Close())
			assert.Equal(t, 0, rt.LiveRefs())
		})
	}
}

func TestErrorStateIsolation(t *testing.T) {
	reg, rt := newRegistry(t)
	X, y := fourByTwo(t)

	good, err := New(reg, classifiers.SVC)
	require.NoError(t, err)
	require.NoError(t, good.Fit(X, y))

	bad, err := New(reg, classifiers.STree)
	require.NoError(t, err)
	rt.FailMethod("fit", "Singular matrix in /opt/venv/lib/stree/Splitter.py")

	err = bad.Fit(X, y)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pberrors.ErrFit))
	assert.True(t, errors.Is(err, pberrors.ErrMethodCall))
	assert.NotContains(t, err.Error(), "/opt/venv")
	assert.Equal(t, Imported, bad.State())
	assert.False(t, rt.ErrOccurred())

	score, err := good.Score(X, y)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestStateMachine(t *testing.T) {
	reg, _ := newRegistry(t)
	X, y := fourByTwo(t)

	clf, err := New(reg, classifiers.RandomForest)
	require.NoError(t, err)
	assert.Equal(t, Imported, clf.State())

	_, err = clf.Predict(X)
	assert.True(t, errors.Is(err, pberrors.ErrPredict))
	assert.True(t, errors.Is(err, pberrors.ErrNotFitted))

	_, err = clf.PredictProba(X)
	assert.True(t, errors.Is(err, pberrors.ErrProba))
	assert.True(t, errors.Is(err, pberrors.ErrNotFitted))

	_, err = clf.Score(X, y)
	assert.True(t, errors.Is(err, pberrors.ErrNotFitted))

	require.NoError(t, clf.SetHyperparameters(security.Hyperparameters{"n_estimators": int64(4)}))
	assert.Equal(t, Configured, clf.State())

	require.NoError(t, clf.Fit(X, y))
	assert.Equal(t, Fitted, clf.State())

	// Refit is allowed.
	require.NoError(t, clf.Fit(X, y))
	assert.Equal(t, Fitted, clf.State())

	require.NoError(t, clf.Close())
	assert.Equal(t, Closed, clf.State())
	require.NoError(t, clf.Close())

	err = clf.Fit(X, y)
	assert.True(t, errors.Is(err, pberrors.ErrClosed))
	_, err = clf.NumberOfNodes()
	assert.True(t, errors.Is(err, pberrors.ErrClosed))
	assert.True(t, errors.Is(clf.SetHyperparameters(nil), pberrors.ErrClosed))
}

func TestHyperparametersOnlyApplyBeforeFirstFit(t *testing.T) {
	reg, _ := newRegistry(t)
	X, y := fourByTwo(t)

	clf, err := New(reg, classifiers.RandomForest)
	require.NoError(t, err)
	require.NoError(t, clf.SetHyperparameters(security.Hyperparameters{"n_estimators": int64(5)}))
	require.NoError(t, clf.Fit(X, y))

	edges, err := clf.NumberOfEdges()
	require.NoError(t, err)
	// Five members alternating 2 and 3 leaves.
	assert.Equal(t, 2+3+2+3+2, edges)

	// Accepted and stored, but the fitted estimator keeps five members, even
	// across a refit.
	require.NoError(t, clf.SetHyperparameters(security.Hyperparameters{"n_estimators": int64(2)}))
	assert.Equal(t, int64(2), clf.Hyperparameters()["n_estimators"])
	require.NoError(t, clf.Fit(X, y))

	edges, err = clf.NumberOfEdges()
	require.NoError(t, err)
	assert.Equal(t, 12, edges)
}

func TestSetHyperparametersValidation(t *testing.T) {
	reg, rt := newRegistry(t)

	clf, err := New(reg, classifiers.RandomForest)
	require.NoError(t, err)
	calls := rt.Calls()

	err = clf.SetHyperparameters(security.Hyperparameters{"n_estimators": int64(0)})
	assert.True(t, errors.Is(err, pberrors.ErrOutOfRange))

	err = clf.SetHyperparameters(security.Hyperparameters{"evil_key": int64(1)})
	assert.True(t, errors.Is(err, pberrors.ErrInvalidHyperparameter))

	err = clf.SetHyperparameters(security.Hyperparameters{"kernel": "rbf"})
	assert.True(t, errors.Is(err, pberrors.ErrInvalidHyperparameter), "kernel is not a RandomForest key")

	assert.NoError(t, clf.SetHyperparameters(security.Hyperparameters{"n_estimators": int64(100)}))
	assert.Equal(t, calls, rt.Calls())
	assert.Equal(t, Configured, clf.State())
}

func TestFitMarshalingErrors(t *testing.T) {
	reg, rt := newRegistry(t)
	X, _ := fourByTwo(t)

	clf, err := New(reg, classifiers.SVC)
	require.NoError(t, err)

	short, err := tensor.FromInt32([]int32{0, 1, 0})
	require.NoError(t, err)
	calls := rt.Calls()
	err = clf.Fit(X, short)
	assert.True(t, errors.Is(err, pberrors.ErrFit))
	assert.True(t, errors.Is(err, pberrors.ErrLengthMismatch))

	y64, err := tensor.FromInt64([]int64{0, 0, 1, 1})
	require.NoError(t, err)
	err = clf.Fit(X, y64)
	assert.True(t, errors.Is(err, pberrors.ErrDtype))

	flat, err := tensor.FromFloat32([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	y, err := tensor.FromInt32([]int32{0, 0, 1, 1})
	require.NoError(t, err)
	err = clf.Fit(flat, y)
	assert.True(t, errors.Is(err, pberrors.ErrDimension))

	Xf64, err := tensor.FromFloat64([]float64{0, 0, 1, 1, 0, 0, 1, 1}, 2, 4)
	require.NoError(t, err)
	err = clf.Fit(Xf64, y)
	assert.True(t, errors.Is(err, pberrors.ErrDtype))

	assert.Equal(t, calls, rt.Calls(), "marshaling failures must not reach the runtime")
	assert.Equal(t, Imported, clf.State())
}

func TestIntegerFeatures(t *testing.T) {
	reg, _ := newRegistry(t)
	X, err := tensor.FromInt32([]int32{0, 0, 9, 9, 1, 0, 9, 8}, 2, 4)
	require.NoError(t, err)
	y, err := tensor.FromInt32([]int32{1, 1, 0, 0})
	require.NoError(t, err)

	clf, err := New(reg, classifiers.ODTE)
	require.NoError(t, err)
	require.NoError(t, clf.Fit(X, y))

	pred, err := clf.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 0, 0}, pred.Int32s())
}

func TestPredictRejectsUnexpectedDtype(t *testing.T) {
	reg, _ := newRegistry(t)
	X, y := fourByTwo(t)

	// SVC answers int32 predictions; a descriptor claiming int64 must fail
	// rather than coerce.
	wrong := classifiers.SVC
	wrong.PredictKind = buffer.Int64
	wrong.ProbaKind = buffer.Float32

	clf, err := New(reg, wrong)
	require.NoError(t, err)
	require.NoError(t, clf.Fit(X, y))

	_, err = clf.Predict(X)
	assert.True(t, errors.Is(err, pberrors.ErrPredict))
	assert.True(t, errors.Is(err, pberrors.ErrUnexpectedDtype))

	_, err = clf.PredictProba(X)
	assert.True(t, errors.Is(err, pberrors.ErrProba))
	assert.True(t, errors.Is(err, pberrors.ErrUnexpectedDtype))
}

func TestIntrospection(t *testing.T) {
	reg, _ := newRegistry(t)
	X, y := fourByTwo(t)

	tests := []struct {
		family                classifiers.Family
		nodes, edges, states  int
		graph, version, label string
	}{
		{classifiers.STree, 3, 2, 2, "digraph", inproc.Version, "instance"},
		{classifiers.RandomForest, 11, 7, 2 + 3 + 2, "", inproc.Version, "aggregate"},
		{classifiers.SVC, 0, 0, 0, "", inproc.Version, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.family.Name, func(t *testing.T) {
			clf, err := New(reg, tt.family)
			require.NoError(t, err)
			defer clf.Close()
			require.NoError(t, clf.Fit(X, y))

			nodes, err := clf.NumberOfNodes()
			require.NoError(t, err)
			assert.Equal(t, tt.nodes, nodes)

			edges, err := clf.NumberOfEdges()
			require.NoError(t, err)
			assert.Equal(t, tt.edges, edges)

			states, err := clf.NumberOfStates()
			require.NoError(t, err)
			assert.Equal(t, tt.states, states)

			graph, err := clf.Graph()
			require.NoError(t, err)
			if tt.graph == "" {
				assert.Empty(t, graph)
			} else {
				assert.Contains(t, graph, tt.graph)
			}

			version, err := clf.Version()
			require.NoError(t, err)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.label, tt.family.Introspection.String())
		})
	}
}

func TestIntrospectionRequiresFit(t *testing.T) {
	for _, family := range classifiers.Builtin() {
		t.Run(family.Name, func(t *testing.T) {
			reg, rt := newRegistry(t)

			clf, err := New(reg, family)
			require.NoError(t, err)
			defer clf.Close()
			require.Equal(t, Imported, clf.State())
			calls := rt.Calls()

			_, err = clf.NumberOfNodes()
			assert.True(t, errors.Is(err, pberrors.ErrNotFitted), "nodes: %v", err)
			_, err = clf.NumberOfEdges()
			assert.True(t, errors.Is(err, pberrors.ErrNotFitted), "edges: %v", err)
			_, err = clf.NumberOfStates()
			assert.True(t, errors.Is(err, pberrors.ErrNotFitted), "states: %v", err)
			_, err = clf.Graph()
			assert.True(t, errors.Is(err, pberrors.ErrNotFitted), "graph: %v", err)

			assert.Equal(t, calls, rt.Calls(), "unfitted introspection reached the runtime")

			_, err = clf.Version()
			assert.NoError(t, err)
		})
	}
}

func TestCloseBeforeFit(t *testing.T) {
	reg, rt := newRegistry(t)

	clf, err := New(reg, classifiers.XGBoost)
	require.NoError(t, err)
	assert.True(t, reg.Has(clf.Identity()))

	require.NoError(t, clf.Close())
	assert.False(t, reg.Has(clf.Identity()))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestNewRejectsUnknownModule(t *testing.T) {
	reg, rt := newRegistry(t)

	evil := classifiers.Family{Name: "Evil", Module: "../os", Class: "system"}
	_, err := New(reg, evil)
	assert.True(t, errors.Is(err, pberrors.ErrInvalidModule))
	assert.Equal(t, 0, rt.Calls())
	assert.Equal(t, 0, reg.Len())
}

func TestProbaRowsAreDistributions(t *testing.T) {
	reg, _ := newRegistry(t)
	X, y := fourByTwo(t)

	clf, err := New(reg, classifiers.XGBoost)
	require.NoError(t, err)
	require.NoError(t, clf.Fit(X, y))

	proba, err := clf.PredictProba(X)
	require.NoError(t, err)
	for _, v := range proba.Values() {
		assert.False(t, math.IsNaN(v))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
