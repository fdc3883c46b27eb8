// Package classifiers describes the estimator families the bridge knows how
// to drive. A Family is plain data: which foreign class to import, which
// hyperparameters it accepts, which dtypes its results come back in and how
// its structure can be inspected.
package classifiers

import (
	"github.com/caffeineduck/pybridge/buffer"
)

// Introspection selects how node, edge and state counts are obtained.
type Introspection int

const (
	// IntrospectNone reports zero counts and an empty graph.
	IntrospectNone Introspection = iota
	// IntrospectInstance calls get_nodes, get_leaves, get_depth and graph on
	// the instance.
	IntrospectInstance
	// IntrospectAggregate sums node_count, get_n_leaves and get_depth over
	// the ensemble members.
	IntrospectAggregate
)

func (i Introspection) String() string {
	switch i {
	case IntrospectInstance:
		return "instance"
	case IntrospectAggregate:
		return "aggregate"
	default:
		return "none"
	}
}

// Family is the descriptor of one estimator family.
type Family struct {
	Name        string
	Module      string
	Class       string
	Description string

	// Hyperparameters is the family allowlist; the global allowlist applies
	// as well.
	Hyperparameters []string

	PredictKind buffer.Kind
	ProbaKind   buffer.Kind

	Introspection Introspection

	// VersionModule, when set, names the module whose __version__ is
	// reported. Otherwise the instance's version() method is called.
	VersionModule string
}

var (
	STree = Family{
		Name:        "STree",
		Module:      "stree",
		Class:       "Stree",
		Description: "Oblique tree classifier with SVM splits",
		Hyperparameters: []string{
			"C", "kernel", "max_iter", "max_depth", "random_state",
			"multiclass_strategy", "gamma", "max_features", "degree",
		},
		PredictKind:   buffer.Int32,
		ProbaKind:     buffer.Float64,
		Introspection: IntrospectInstance,
	}

	ODTE = Family{
		Name:        "ODTE",
		Module:      "odte",
		Class:       "Odte",
		Description: "Ensemble of oblique decision trees",
		Hyperparameters: []string{
			"n_jobs", "n_estimators", "random_state", "max_samples",
			"max_features", "be_hyperparams",
		},
		PredictKind:   buffer.Int32,
		ProbaKind:     buffer.Float64,
		Introspection: IntrospectInstance,
	}

	SVC = Family{
		Name:            "SVC",
		Module:          "sklearn.svm",
		Class:           "SVC",
		Description:     "Support vector classifier",
		Hyperparameters: []string{"C", "gamma", "kernel", "random_state"},
		PredictKind:     buffer.Int32,
		ProbaKind:       buffer.Float64,
		Introspection:   IntrospectNone,
		VersionModule:   "sklearn",
	}

	RandomForest = Family{
		Name:            "RandomForest",
		Module:          "sklearn.ensemble",
		Class:           "RandomForestClassifier",
		Description:     "Random forest of decision trees",
		Hyperparameters: []string{"n_estimators", "n_jobs", "random_state"},
		PredictKind:     buffer.Int32,
		ProbaKind:       buffer.Float64,
		Introspection:   IntrospectAggregate,
		VersionModule:   "sklearn",
	}

	AdaBoost = Family{
		Name:            "AdaBoost",
		Module:          "sklearn.ensemble",
		Class:           "AdaBoostClassifier",
		Description:     "AdaBoost over decision stumps",
		Hyperparameters: []string{"n_estimators", "n_jobs", "random_state"},
		PredictKind:     buffer.Int32,
		ProbaKind:       buffer.Float64,
		Introspection:   IntrospectAggregate,
		VersionModule:   "sklearn",
	}

	XGBoost = Family{
		Name:            "XGBoost",
		Module:          "xgboost",
		Class:           "XGBClassifier",
		Description:     "Gradient boosted trees",
		Hyperparameters: []string{"tree_method", "early_stopping_rounds", "n_jobs"},
		PredictKind:     buffer.Int64,
		ProbaKind:       buffer.Float32,
		Introspection:   IntrospectNone,
		VersionModule:   "sklearn",
	}
)

// Builtin lists the built-in families.
func Builtin() []Family {
	return []Family{STree, ODTE, SVC, RandomForest, AdaBoost, XGBoost}
}

// Allows reports whether key is in the family allowlist.
func (f Family) Allows(key string) bool {
	for _, k := range f.Hyperparameters {
		if k == key {
			return true
		}
	}
	return false
}

// Qualified returns module.Class.
func (f Family) Qualified() string {
	return f.Module + "." + f.Class
}
