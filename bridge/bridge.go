// Package bridge is the classifier surface over a foreign estimator.
//
// A Classifier moves through Uninitialized → Imported → Configured →
// Fitted, and Closed from anywhere. Hyperparameters are applied to the
// foreign estimator at the first Fit only. Setting them after that is
// accepted, stored and reported by Hyperparameters, but has no effect on the
// estimator, not even on a refit.
//
// Foreign calls have no timeout. A hung estimator blocks its caller and
// every other caller waiting on the interpreter lock.
package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	"github.com/caffeineduck/pybridge/classifiers"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/registry"
	"github.com/caffeineduck/pybridge/security"
	"github.com/caffeineduck/pybridge/tensor"
)

// State is the lifecycle state of a Classifier.
type State int

const (
	Uninitialized State = iota
	Imported
	Configured
	Fitted
	Closed
)

func (s State) String() string {
	switch s {
	case Imported:
		return "imported"
	case Configured:
		return "configured"
	case Fitted:
		return "fitted"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Classifier drives one foreign estimator. It is safe for concurrent use;
// operations on one Classifier are serialized.
type Classifier struct {
	reg    *registry.Registry
	family classifiers.Family
	id     registry.Identity
	log    *zap.Logger

	mu      sync.Mutex
	state   State
	pending security.Hyperparameters
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.log = l
		}
	}
}

// New imports family's estimator into reg.
func New(reg *registry.Registry, family classifiers.Family, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		reg:    reg,
		family: family,
		id:     registry.NewIdentity(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := reg.Import(c.id, family.Module, family.Class); err != nil {
		return nil, err
	}
	c.state = Imported
	c.log = c.log.With(zap.String("family", family.Name), zap.Uint64("identity", uint64(c.id)))
	return c, nil
}

// Family returns the estimator family.
func (c *Classifier) Family() classifiers.Family {
	return c.family
}

// Identity returns the registry key of this classifier.
func (c *Classifier) Identity() registry.Identity {
	return c.id
}

// State returns the current state.
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hyperparameters returns a copy of the stored hyperparameters.
func (c *Classifier) Hyperparameters() security.Hyperparameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Clone()
}

// SetHyperparameters validates and stores h, replacing any earlier set. They
// reach the estimator at the first Fit; after that they are stored only.
func (c *Classifier) SetHyperparameters(h security.Hyperparameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return pberrors.New(pberrors.KindClosed, "classifier closed")
	}
	if err := c.reg.Gate().ValidateHyperparameters(h, c.family.Hyperparameters); err != nil {
		return err
	}

	c.pending = h.Clone()
	switch c.state {
	case Imported:
		c.state = Configured
	case Fitted:
		c.log.Debug("hyperparameters stored after fit; the fitted estimator is unchanged")
	}
	return nil
}

// Fit trains on X (features × samples, float32 or int32) and y (int32
// labels, one per sample). Refitting a fitted classifier is allowed.
func (c *Classifier) Fit(X, y *tensor.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fit(X, y); err != nil {
		return pberrors.Wrap(pberrors.KindFit, err, c.family.Name)
	}
	return nil
}

func (c *Classifier) fit(X, y *tensor.Tensor) error {
	if c.state == Closed {
		return pberrors.New(pberrors.KindClosed, "classifier closed")
	}

	if c.state != Fitted && len(c.pending) > 0 {
		if err := c.reg.SetAttributes(c.id, c.pending); err != nil {
			return err
		}
	}

	xv, yv, err := buffer.Pair(X, y, inputKind(X))
	if err != nil {
		return err
	}
	if err := c.reg.Exec(c.id, "fit", foreign.ViewArg(xv), foreign.ViewArg(yv)); err != nil {
		return err
	}

	c.state = Fitted
	c.log.Debug("fitted", zap.Ints("shape", X.Shape()))
	return nil
}

// Predict returns one int32 label per sample of X.
func (c *Classifier) Predict(X *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.predict(X)
	if err != nil {
		return nil, pberrors.Wrap(pberrors.KindPredict, err, c.family.Name)
	}
	return out, nil
}

func (c *Classifier) predict(X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.requireFitted(); err != nil {
		return nil, err
	}
	xv, err := buffer.MatrixToView(X, inputKind(X))
	if err != nil {
		return nil, err
	}
	arr, err := c.reg.InvokeArray(c.id, "predict", foreign.ViewArg(xv))
	if err != nil {
		return nil, err
	}
	labels, err := buffer.ToVector(arr, c.family.PredictKind)
	if err != nil {
		return nil, err
	}
	return asInt32(labels)
}

// PredictProba returns a samples × classes matrix of class probabilities in
// the family's native float kind.
func (c *Classifier) PredictProba(X *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.predictProba(X)
	if err != nil {
		return nil, pberrors.Wrap(pberrors.KindProba, err, c.family.Name)
	}
	return out, nil
}

func (c *Classifier) predictProba(X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.requireFitted(); err != nil {
		return nil, err
	}
	xv, err := buffer.MatrixToView(X, inputKind(X))
	if err != nil {
		return nil, err
	}
	arr, err := c.reg.InvokeArray(c.id, "predict_proba", foreign.ViewArg(xv))
	if err != nil {
		return nil, err
	}
	return buffer.ToMatrix(arr, c.family.ProbaKind)
}

// Score returns the estimator's score (mean accuracy for classifiers) on X
// and y.
func (c *Classifier) Score(X, y *tensor.Tensor) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireFitted(); err != nil {
		return 0, err
	}
	xv, yv, err := buffer.Pair(X, y, inputKind(X))
	if err != nil {
		return 0, err
	}
	return c.reg.InvokeFloat(c.id, "score", foreign.ViewArg(xv), foreign.ViewArg(yv))
}

// Version returns the version of the estimator's package.
func (c *Classifier) Version() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOpen(); err != nil {
		return "", err
	}
	if c.family.VersionModule != "" {
		return c.reg.ModuleVersion(c.family.VersionModule)
	}
	return c.reg.InvokeString(c.id, "version")
}

// NumberOfNodes returns the number of nodes of the fitted model, or 0 when
// the family does not expose its structure.
func (c *Classifier) NumberOfNodes() (int, error) {
	return c.count("get_nodes", "node_count")
}

// NumberOfEdges returns the number of leaves of the fitted model.
func (c *Classifier) NumberOfEdges() (int, error) {
	return c.count("get_leaves", "get_n_leaves")
}

// NumberOfStates returns the depth of the fitted model.
func (c *Classifier) NumberOfStates() (int, error) {
	return c.count("get_depth", "get_depth")
}

func (c *Classifier) count(method, aggregate string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireFitted(); err != nil {
		return 0, err
	}
	switch c.family.Introspection {
	case classifiers.IntrospectInstance:
		return c.reg.InvokeInt(c.id, method)
	case classifiers.IntrospectAggregate:
		return c.reg.Aggregate(c.id, aggregate)
	}
	return 0, nil
}

// Graph returns a textual dump of the model, or "" when the family has none.
func (c *Classifier) Graph() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireFitted(); err != nil {
		return "", err
	}
	if c.family.Introspection != classifiers.IntrospectInstance {
		return "", nil
	}
	return c.reg.InvokeString(c.id, "graph")
}

// Close releases the foreign estimator. It is safe in any state and
// idempotent.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return nil
	}
	c.state = Closed
	return c.reg.Release(c.id)
}

func (c *Classifier) requireOpen() error {
	if c.state == Closed {
		return pberrors.New(pberrors.KindClosed, "classifier closed")
	}
	return nil
}

func (c *Classifier) requireFitted() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if c.state != Fitted {
		return pberrors.New(pberrors.KindNotFitted, "%s is %s", c.family.Name, c.state)
	}
	return nil
}

func inputKind(X *tensor.Tensor) buffer.Kind {
	if X.DType() == tensor.Int32 {
		return buffer.Int32
	}
	return buffer.Float32
}

func asInt32(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.DType() == tensor.Int32 {
		return t, nil
	}
	vals := t.Values()
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	return tensor.FromInt32(out, t.Shape()...)
}
