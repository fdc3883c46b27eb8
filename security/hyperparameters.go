package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	pberrors "github.com/caffeineduck/pybridge/errors"
)

// Hyperparameters maps a parameter name to a scalar: int64, float64, string
// or bool.
type Hyperparameters map[string]any

// Keys returns the keys in sorted order.
func (h Hyperparameters) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (h Hyperparameters) Clone() Hyperparameters {
	out := make(Hyperparameters, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Range is an inclusive numeric range. MinExclusive makes the lower bound
// strict.
type Range struct {
	Min, Max     float64
	MinExclusive bool
	// Strings lists string values accepted in place of a number.
	Strings []string
}

func (r Range) contains(v float64) bool {
	if r.MinExclusive {
		if v <= r.Min {
			return false
		}
	} else if v < r.Min {
		return false
	}
	return v <= r.Max
}

func (r Range) String() string {
	lo := "["
	if r.MinExclusive {
		lo = "("
	}
	return fmt.Sprintf("%s%s, %s]", lo, formatBound(r.Min), formatBound(r.Max))
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// DefaultHyperparameters is the global hyperparameter allowlist. A key must
// appear here and in the estimator family's own list.
var DefaultHyperparameters = []string{
	"random_state",
	"n_estimators",
	"max_depth",
	"learning_rate",
	"C",
	"gamma",
	"kernel",
	"degree",
	"coef0",
	"probability",
	"criterion",
	"splitter",
	"min_samples_split",
	"min_samples_leaf",
	"min_weight_fraction_leaf",
	"max_features",
	"max_leaf_nodes",
	"min_impurity_decrease",
	"bootstrap",
	"oob_score",
	"n_jobs",
	"verbose",
	"warm_start",
	"class_weight",
	"max_iter",
	"multiclass_strategy",
	"max_samples",
	"be_hyperparams",
	"tree_method",
	"early_stopping_rounds",
}

// DefaultRanges holds the numeric bounds checked before a value is forwarded.
var DefaultRanges = map[string]Range{
	"random_state":  {Min: 0, Max: 2147483647},
	"n_estimators":  {Min: 1, Max: 10000},
	"max_depth":     {Min: 1, Max: 1000},
	"n_jobs":        {Min: -1, Max: 1024},
	"degree":        {Min: 1, Max: 20},
	"max_iter":      {Min: 1, Max: 1e7},
	"C":             {Min: 0, Max: 1e9, MinExclusive: true},
	"learning_rate": {Min: 0, Max: 10, MinExclusive: true},
	"gamma":         {Min: 0, Max: 1e9, Strings: []string{"scale", "auto"}},
}

// ValidateHyperparameters checks every key against the global allowlist and,
// when family is non-nil, the family allowlist, then range-checks numeric
// values. Keys are checked in sorted order so the reported key is stable.
func (g *Gate) ValidateHyperparameters(h Hyperparameters, family []string) error {
	var allowed map[string]struct{}
	if family != nil {
		allowed = make(map[string]struct{}, len(family))
		for _, k := range family {
			allowed[k] = struct{}{}
		}
	}

	for _, key := range h.Keys() {
		if _, ok := g.params[key]; !ok {
			return pberrors.InvalidHyperparameter(key, "not in global allowlist")
		}
		if allowed != nil {
			if _, ok := allowed[key]; !ok {
				return pberrors.InvalidHyperparameter(key, "not supported by this estimator")
			}
		}
		if err := g.checkValue(key, h[key]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHyperparameters checks h against the default gate.
func ValidateHyperparameters(h Hyperparameters, family []string) error {
	return defaultGate.ValidateHyperparameters(h, family)
}

func (g *Gate) checkValue(key string, value any) error {
	r, ranged := g.ranges[key]

	switch v := value.(type) {
	case string:
		if !ranged {
			return nil
		}
		for _, s := range r.Strings {
			if v == s {
				return nil
			}
		}
		return pberrors.InvalidHyperparameter(key, fmt.Sprintf("expected a number, got %q", v))
	case bool:
		if ranged {
			return pberrors.InvalidHyperparameter(key, "expected a number, got bool")
		}
		return nil
	case nil:
		return pberrors.InvalidHyperparameter(key, "null value")
	}

	f, ok := numeric(value)
	if !ok {
		return pberrors.InvalidHyperparameter(key, fmt.Sprintf("unsupported value type %T", value))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return pberrors.OutOfRange(key, value, "not finite")
	}
	if ranged && !r.contains(f) {
		return pberrors.OutOfRange(key, value, fmt.Sprintf("%v not in %s", value, r))
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseHyperparameters decodes a JSON object. Integral numbers become int64
// and all other numbers float64; nested values are rejected.
func ParseHyperparameters(data []byte) (Hyperparameters, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, pberrors.Wrap(pberrors.KindInvalidHyperparameter, err, "malformed JSON object")
	}

	h := make(Hyperparameters, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				h[k] = i
			} else if f, err := val.Float64(); err == nil {
				h[k] = f
			} else {
				return nil, pberrors.InvalidHyperparameter(k, "invalid number "+val.String())
			}
		case string, bool:
			h[k] = val
		default:
			return nil, pberrors.InvalidHyperparameter(k, fmt.Sprintf("value must be a scalar, got %T", v))
		}
	}
	return h, nil
}
