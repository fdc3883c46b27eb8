package inproc

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"

	"github.com/caffeineduck/pybridge/buffer"
	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/tensor"
)

// Version reported by every built-in module.
const Version = "1.0.0-inproc"

type attrGetter interface {
	getAttr(name string) (any, bool)
}

type attrSetter interface {
	setAttr(name string, v any) error
}

type methodCaller interface {
	callMethod(name string, args []any) (any, error)
}

type module struct {
	name  string
	attrs map[string]any
}

func (m *module) getAttr(name string) (any, bool) {
	v, ok := m.attrs[name]
	return v, ok
}

type class struct {
	module string
	name   string
	style  style
}

type style struct {
	predict  buffer.Kind
	proba    buffer.Kind
	tree     bool // get_nodes/get_leaves/get_depth/graph/version
	ensemble bool // estimators_
}

func (c *class) construct(args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("%s() takes no positional arguments", c.name)
	}
	return &estimator{class: c.name, style: c.style, params: make(map[string]any)}, nil
}

func builtinModules() map[string]*module {
	std := style{predict: buffer.Int32, proba: buffer.Float64}
	tree := std
	tree.tree = true
	ensemble := std
	ensemble.ensemble = true
	xgb := style{predict: buffer.Int64, proba: buffer.Float32}

	mods := map[string]*module{}
	add := func(name string, classes map[string]style) {
		attrs := map[string]any{"__version__": Version}
		for cname, st := range classes {
			attrs[cname] = &class{module: name, name: cname, style: st}
		}
		mods[name] = &module{name: name, attrs: attrs}
	}
	add("stree", map[string]style{"Stree": tree})
	add("odte", map[string]style{"Odte": tree})
	add("sklearn", nil)
	add("sklearn.svm", map[string]style{"SVC": std})
	add("sklearn.tree", map[string]style{"DecisionTreeClassifier": std})
	add("sklearn.ensemble", map[string]style{
		"RandomForestClassifier": ensemble,
		"AdaBoostClassifier":     ensemble,
	})
	add("xgboost", map[string]style{"XGBClassifier": xgb})
	add("numpy", nil)
	add("adaboost", nil)
	return mods
}

type array struct {
	view buffer.View
}

// estimator is a nearest-centroid classifier. Probabilities are a softmax
// over negative squared distances, so the argmax always matches predict.
type estimator struct {
	class     string
	style     style
	params    map[string]any
	classes   []int64
	centroids [][]float64
	members   []any
}

func (e *estimator) getAttr(name string) (any, bool) {
	switch name {
	case "estimators_":
		if !e.style.ensemble || e.centroids == nil {
			return nil, false
		}
		return e.members, true
	case "classes_":
		if e.centroids == nil {
			return nil, false
		}
		out := tensor.Zeros(tensor.Int64, len(e.classes))
		for i, c := range e.classes {
			setInt(out, i, c)
		}
		return &array{view: buffer.Wrap(out)}, true
	}
	v, ok := e.params[name]
	return v, ok
}

func (e *estimator) setAttr(name string, v any) error {
	switch v.(type) {
	case int64, float64, string, bool:
		e.params[name] = v
		return nil
	}
	return fmt.Errorf("unsupported value for %s: %s", name, typeName(v))
}

func (e *estimator) callMethod(name string, args []any) (any, error) {
	switch name {
	case "fit":
		X, y, err := e.xy(name, args)
		if err != nil {
			return nil, err
		}
		if err := e.fit(X, y); err != nil {
			return nil, err
		}
		return e, nil
	case "predict":
		X, err := e.x(name, args)
		if err != nil {
			return nil, err
		}
		return e.predict(X), nil
	case "predict_proba":
		X, err := e.x(name, args)
		if err != nil {
			return nil, err
		}
		return e.predictProba(X), nil
	case "score":
		X, y, err := e.xy(name, args)
		if err != nil {
			return nil, err
		}
		return e.score(X, y)
	}

	if e.style.tree {
		switch name {
		case "version":
			return Version, nil
		case "get_nodes", "get_leaves", "get_depth", "graph":
			if err := e.fitted(); err != nil {
				return nil, err
			}
			k := len(e.classes)
			switch name {
			case "get_nodes":
				return int64(2*k - 1), nil
			case "get_leaves":
				return int64(k), nil
			case "get_depth":
				return int64(depth(k)), nil
			default:
				return e.graph(), nil
			}
		}
	}
	return nil, &foreign.Exception{
		Type:    "AttributeError",
		Message: fmt.Sprintf("'%s' object has no attribute '%s'", e.class, name),
	}
}

func (e *estimator) fitted() error {
	if e.centroids == nil {
		return &foreign.Exception{
			Type:    "NotFittedError",
			Message: fmt.Sprintf("This %s instance is not fitted yet.", e.class),
		}
	}
	return nil
}

func (e *estimator) x(method string, args []any) (buffer.View, error) {
	if len(args) != 1 {
		return buffer.View{}, fmt.Errorf("%s() takes 1 positional argument but %d were given", method, len(args))
	}
	X, ok := args[0].(*array)
	if !ok || X.view.Ndim() != 2 {
		return buffer.View{}, fmt.Errorf("Expected 2D array, got %s instead", typeName(args[0]))
	}
	if err := e.fitted(); err != nil {
		return buffer.View{}, err
	}
	if X.view.Shape[1] != len(e.centroids[0]) {
		return buffer.View{}, fmt.Errorf("X has %d features, but %s is expecting %d features as input",
			X.view.Shape[1], e.class, len(e.centroids[0]))
	}
	return X.view, nil
}

func (e *estimator) xy(method string, args []any) (buffer.View, buffer.View, error) {
	if len(args) != 2 {
		return buffer.View{}, buffer.View{}, fmt.Errorf("%s() takes 2 positional arguments but %d were given", method, len(args))
	}
	X, ok := args[0].(*array)
	if !ok || X.view.Ndim() != 2 {
		return buffer.View{}, buffer.View{}, fmt.Errorf("Expected 2D array, got %s instead", typeName(args[0]))
	}
	y, ok := args[1].(*array)
	if !ok || y.view.Ndim() != 1 {
		return buffer.View{}, buffer.View{}, fmt.Errorf("y should be a 1d array, got %s instead", typeName(args[1]))
	}
	if X.view.Shape[0] != y.view.Shape[0] {
		return buffer.View{}, buffer.View{}, fmt.Errorf("Found input variables with inconsistent numbers of samples: [%d, %d]",
			X.view.Shape[0], y.view.Shape[0])
	}
	if method != "fit" {
		if err := e.fitted(); err != nil {
			return buffer.View{}, buffer.View{}, err
		}
	}
	return X.view, y.view, nil
}

func (e *estimator) fit(X, y buffer.View) error {
	n, f := X.Shape[0], X.Shape[1]
	if n == 0 {
		return fmt.Errorf("Found array with 0 sample(s) while a minimum of 1 is required")
	}
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			if v := X.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("Input X contains NaN or infinity")
			}
		}
	}

	index := map[int64]int{}
	var classes []int64
	for i := 0; i < n; i++ {
		label := int64(y.At(i))
		if _, ok := index[label]; !ok {
			index[label] = len(classes)
			classes = append(classes, label)
		}
	}
	slices.Sort(classes)
	for i, c := range classes {
		index[c] = i
	}

	sums := make([][]float64, len(classes))
	counts := make([]int, len(classes))
	for i := range sums {
		sums[i] = make([]float64, f)
	}
	for i := 0; i < n; i++ {
		c := index[int64(y.At(i))]
		counts[c]++
		for j := 0; j < f; j++ {
			sums[c][j] += X.At(i, j)
		}
	}
	for c := range sums {
		for j := range sums[c] {
			sums[c][j] /= float64(counts[c])
		}
	}

	e.classes = classes
	e.centroids = sums
	if e.style.ensemble {
		e.members = e.buildMembers()
	}
	return nil
}

func (e *estimator) buildMembers() []any {
	n := 3
	if v, ok := e.params["n_estimators"].(int64); ok && v > 0 {
		n = int(v)
	}
	k := len(e.classes)
	members := make([]any, n)
	for i := range members {
		leaves := k + i%2
		members[i] = &member{
			tree:   &treeInfo{nodeCount: int64(2*leaves - 1)},
			leaves: int64(leaves),
			depth:  int64(depth(leaves)),
		}
	}
	return members
}

func (e *estimator) distances(X buffer.View, i int) []float64 {
	d := make([]float64, len(e.centroids))
	for c, centroid := range e.centroids {
		for j, m := range centroid {
			diff := X.At(i, j) - m
			d[c] += diff * diff
		}
	}
	return d
}

func (e *estimator) predict(X buffer.View) *array {
	n := X.Shape[0]
	out := tensor.Zeros(e.style.predict, n)
	for i := 0; i < n; i++ {
		d := e.distances(X, i)
		best := 0
		for c := range d {
			if d[c] < d[best] {
				best = c
			}
		}
		setInt(out, i, e.classes[best])
	}
	return &array{view: buffer.Wrap(out)}
}

func (e *estimator) predictProba(X buffer.View) *array {
	n, k := X.Shape[0], len(e.classes)
	out := tensor.Zeros(e.style.proba, n, k)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		d := e.distances(X, i)
		lo := d[0]
		for _, v := range d {
			lo = math.Min(lo, v)
		}
		var sum float64
		for c, v := range d {
			row[c] = math.Exp(-(v - lo))
			sum += row[c]
		}
		for c := range row {
			setFloat(out, i*k+c, row[c]/sum)
		}
	}
	return &array{view: buffer.Wrap(out)}
}

func (e *estimator) score(X, y buffer.View) (float64, error) {
	if X.Shape[1] != len(e.centroids[0]) {
		return 0, fmt.Errorf("X has %d features, but %s is expecting %d features as input",
			X.Shape[1], e.class, len(e.centroids[0]))
	}
	pred := e.predict(X).view
	n := X.Shape[0]
	if n == 0 {
		return 0, fmt.Errorf("Found array with 0 sample(s) while a minimum of 1 is required")
	}
	correct := 0
	for i := 0; i < n; i++ {
		if pred.At(i) == y.At(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

func (e *estimator) graph() string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", e.class)
	for c, label := range e.classes {
		fmt.Fprintf(&b, "  root -> leaf%d [label=\"class %d\"];\n", c, label)
	}
	b.WriteString("}\n")
	return b.String()
}

// member is one fitted tree of an ensemble.
type member struct {
	tree   *treeInfo
	leaves int64
	depth  int64
}

func (m *member) getAttr(name string) (any, bool) {
	if name == "tree_" {
		return m.tree, true
	}
	return nil, false
}

func (m *member) callMethod(name string, args []any) (any, error) {
	switch name {
	case "get_n_leaves":
		return m.leaves, nil
	case "get_depth":
		return m.depth, nil
	}
	return nil, &foreign.Exception{
		Type:    "AttributeError",
		Message: fmt.Sprintf("'DecisionTreeClassifier' object has no attribute '%s'", name),
	}
}

type treeInfo struct {
	nodeCount int64
}

func (t *treeInfo) getAttr(name string) (any, bool) {
	if name == "node_count" {
		return t.nodeCount, true
	}
	return nil, false
}

func depth(leaves int) int {
	if leaves <= 1 {
		return 1
	}
	return bits.Len(uint(leaves-1)) + 1
}

func setInt(t *tensor.Tensor, i int, v int64) {
	b := t.Bytes()
	size := t.ElementSize()
	putNative(b[i*size:(i+1)*size], t.DType(), float64(v), v)
}

func setFloat(t *tensor.Tensor, i int, v float64) {
	b := t.Bytes()
	size := t.ElementSize()
	putNative(b[i*size:(i+1)*size], t.DType(), v, int64(v))
}

func putNative(b []byte, dtype tensor.DType, f float64, i int64) {
	switch dtype {
	case tensor.Float32:
		binary.NativeEndian.PutUint32(b, math.Float32bits(float32(f)))
	case tensor.Float64:
		binary.NativeEndian.PutUint64(b, math.Float64bits(f))
	case tensor.Int32:
		binary.NativeEndian.PutUint32(b, uint32(int32(i)))
	case tensor.Int64:
		binary.NativeEndian.PutUint64(b, uint64(i))
	}
}
