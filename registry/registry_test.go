package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/pybridge/buffer"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/foreign/inproc"
	"github.com/caffeineduck/pybridge/security"
	"github.com/caffeineduck/pybridge/tensor"
)

func newTestRegistry(t *testing.T) (*Registry, *inproc.Runtime) {
	t.Helper()
	rt := inproc.New()
	return New(foreign.NewInterpreter(rt)), rt
}

var allowedPairs = []struct{ module, class string }{
	{"stree", "Stree"},
	{"odte", "Odte"},
	{"sklearn.svm", "SVC"},
	{"sklearn.ensemble", "RandomForestClassifier"},
	{"sklearn.ensemble", "AdaBoostClassifier"},
	{"sklearn.tree", "DecisionTreeClassifier"},
	{"xgboost", "XGBClassifier"},
}

func TestImportReleaseLeavesOthersAlive(t *testing.T) {
	r, rt := newTestRegistry(t)

	bystander := NewIdentity()
	require.NoError(t, r.Import(bystander, "sklearn.svm", "SVC"))
	baseline := rt.LiveRefs()

	for _, p := range allowedPairs {
		id := NewIdentity()
		require.NoError(t, r.Import(id, p.module, p.class), "%s.%s", p.module, p.class)
		assert.True(t, r.Has(id))
		require.NoError(t, r.Release(id))

		assert.False(t, r.Has(id))
		assert.True(t, r.Has(bystander))
		assert.Equal(t, baseline, rt.LiveRefs(), "%s.%s leaked references", p.module, p.class)
	}
	assert.Equal(t, 1, r.Len())
}

func TestDisallowedModuleMakesNoForeignCalls(t *testing.T) {
	r, rt := newTestRegistry(t)

	for _, m := range []string{"../os", "os", "sklearn/../../etc", ""} {
		err := r.Import(NewIdentity(), m, "SVC")
		assert.True(t, errors.Is(err, pberrors.ErrInvalidModule), "module %q: %v", m, err)
	}
	err := r.Import(NewIdentity(), "sklearn.svm", "__class__")
	assert.True(t, errors.Is(err, pberrors.ErrInvalidClass))

	assert.Equal(t, 0, rt.Calls())
	assert.Equal(t, 0, r.Len())
}

func TestImportIsIdempotent(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := NewIdentity()

	require.NoError(t, r.Import(id, "stree", "Stree"))
	refs := rt.LiveRefs()
	assert.Equal(t, 3, refs)

	require.NoError(t, r.Import(id, "stree", "Stree"))
	assert.Equal(t, refs, rt.LiveRefs())
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Release(id))
	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestImportFailuresReleasePartialHandles(t *testing.T) {
	r, rt := newTestRegistry(t)

	err := r.Import(NewIdentity(), "adaboost", "Missing")
	assert.True(t, errors.Is(err, pberrors.ErrClassNotFound))
	assert.Equal(t, 0, rt.LiveRefs())

	err = r.Import(NewIdentity(), "sklearn", "Missing")
	assert.True(t, errors.Is(err, pberrors.ErrClassNotFound))

	err = r.Import(NewIdentity(), "sklearn", "__version__x")
	assert.True(t, errors.Is(err, pberrors.ErrInvalidClass))

	g := security.NewGate(security.WithModules("not_installed"))
	r2 := New(foreign.NewInterpreter(rt), WithGate(g))
	err = r2.Import(NewIdentity(), "not_installed", "Thing")
	assert.True(t, errors.Is(err, pberrors.ErrImport))
	assert.Equal(t, 0, rt.LiveRefs())
	assert.False(t, rt.ErrOccurred())
}

func TestInstantiationFailure(t *testing.T) {
	rt := inproc.New(inproc.WithModule("numpy", map[string]any{"ndarray": "not callable"}))
	r := New(foreign.NewInterpreter(rt))

	err := r.Import(NewIdentity(), "numpy", "ndarray")
	assert.True(t, errors.Is(err, pberrors.ErrInstantiation))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestReleaseReportsCleanupError(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := NewIdentity()
	require.NoError(t, r.Import(id, "sklearn.svm", "SVC"))

	rt.FailNextDecRef("refcount underflow")
	err := r.Release(id)
	assert.True(t, errors.Is(err, pberrors.ErrCleanup))
	assert.False(t, r.Has(id))
	assert.Equal(t, 0, rt.LiveRefs())
	assert.False(t, rt.ErrOccurred())
}

func fitted(t *testing.T, r *Registry, module, class string) Identity {
	t.Helper()
	X, err := tensor.FromFloat32([]float32{0, 0, 5, 5, 0, 1, 5, 6}, 2, 4)
	require.NoError(t, err)
	y, err := tensor.FromInt32([]int32{0, 0, 1, 1})
	require.NoError(t, err)
	xv, yv, err := buffer.Pair(X, y, buffer.Float32)
	require.NoError(t, err)

	id := NewIdentity()
	require.NoError(t, r.Import(id, module, class))
	h, err := r.Invoke(id, "fit", foreign.ViewArg(xv), foreign.ViewArg(yv))
	require.NoError(t, err)
	require.NoError(t, r.ReleaseResult(h))
	return id
}

func TestInvokeMethodCallError(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := NewIdentity()
	require.NoError(t, r.Import(id, "sklearn.svm", "SVC"))

	_, err := r.InvokeInt(id, "no_such_method")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pberrors.ErrMethodCall))

	var e *pberrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "no_such_method", e.Method)

	_, err = r.InvokeFloat(NewIdentity(), "score")
	assert.True(t, errors.Is(err, pberrors.ErrUnknownIdentity))

	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestTypedInvokes(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := fitted(t, r, "stree", "Stree")

	nodes, err := r.InvokeInt(id, "get_nodes")
	require.NoError(t, err)
	assert.Equal(t, 3, nodes)

	v, err := r.InvokeString(id, "version")
	require.NoError(t, err)
	assert.Equal(t, inproc.Version, v)

	X, err := tensor.FromFloat32([]float32{0, 5, 0, 6}, 2, 2)
	require.NoError(t, err)
	xv, err := buffer.MatrixToView(X, buffer.Float32)
	require.NoError(t, err)
	arr, err := r.InvokeArray(id, "predict", foreign.ViewArg(xv))
	require.NoError(t, err)
	assert.Equal(t, buffer.Int32, arr.Kind)
	assert.Equal(t, []int{2}, arr.Shape)

	_, err = r.InvokeArray(id, "get_nodes")
	assert.True(t, errors.Is(err, pberrors.ErrMethodCall))

	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestAggregate(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := NewIdentity()
	require.NoError(t, r.Import(id, "sklearn.ensemble", "RandomForestClassifier"))

	_, err := r.Aggregate(id, "node_count")
	assert.True(t, errors.Is(err, pberrors.ErrAggregate), "unfitted ensemble has no estimators_")
	require.NoError(t, r.Release(id))

	id = fitted(t, r, "sklearn.ensemble", "RandomForestClassifier")

	// Three members with 2, 3 and 2 leaves.
	nodes, err := r.Aggregate(id, "node_count")
	require.NoError(t, err)
	assert.Equal(t, 3+5+3, nodes)

	leaves, err := r.Aggregate(id, "get_n_leaves")
	require.NoError(t, err)
	assert.Equal(t, 7, leaves)

	_, err = r.Aggregate(id, "get_nothing")
	assert.True(t, errors.Is(err, pberrors.ErrAggregate))

	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestAggregateOnNonEnsemble(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := fitted(t, r, "sklearn.svm", "SVC")

	_, err := r.Aggregate(id, "get_depth")
	assert.True(t, errors.Is(err, pberrors.ErrAggregate))

	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestSetAttributes(t *testing.T) {
	r, rt := newTestRegistry(t)
	id := NewIdentity()
	require.NoError(t, r.Import(id, "sklearn.ensemble", "RandomForestClassifier"))

	err := r.SetAttributes(id, security.Hyperparameters{"n_estimators": int64(0)})
	assert.True(t, errors.Is(err, pberrors.ErrOutOfRange))
	calls := rt.Calls()

	err = r.SetAttributes(id, security.Hyperparameters{"evil_key": int64(1)})
	assert.True(t, errors.Is(err, pberrors.ErrInvalidHyperparameter))
	assert.Equal(t, calls, rt.Calls(), "rejected hyperparameters must not reach the runtime")

	require.NoError(t, r.SetAttributes(id, security.Hyperparameters{"n_estimators": int64(5)}))
	require.NoError(t, r.Release(id))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestModuleVersion(t *testing.T) {
	r, rt := newTestRegistry(t)

	v, err := r.ModuleVersion("sklearn")
	require.NoError(t, err)
	assert.Equal(t, inproc.Version, v)

	_, err = r.ModuleVersion("os")
	assert.True(t, errors.Is(err, pberrors.ErrInvalidModule))
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestConcurrentBridgesSerialize(t *testing.T) {
	r, rt := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewIdentity()
			assert.NoError(t, r.Import(id, "sklearn.svm", "SVC"))
			assert.NoError(t, r.Release(id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, rt.LiveRefs())
}

func TestCloseReleasesEverything(t *testing.T) {
	r, rt := newTestRegistry(t)
	require.NoError(t, r.Import(NewIdentity(), "stree", "Stree"))
	require.NoError(t, r.Import(NewIdentity(), "odte", "Odte"))

	require.NoError(t, r.Close())
	assert.Equal(t, 0, rt.LiveRefs())
	assert.Equal(t, 0, r.Len())
}

func TestDefaultOpensOnce(t *testing.T) {
	var opened int
	open := func(context.Context) (foreign.Runtime, error) {
		opened++
		return inproc.New(), nil
	}

	var wg sync.WaitGroup
	regs := make([]*Registry, 8)
	for i := range regs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := Default(context.Background(), open)
			assert.NoError(t, err)
			regs[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	for _, r := range regs {
		assert.Same(t, regs[0], r)
	}
}

func TestNewIdentityUnique(t *testing.T) {
	seen := map[Identity]bool{}
	for i := 0; i < 100; i++ {
		id := NewIdentity()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
