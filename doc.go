// Package pybridge drives Python machine-learning estimators (scikit-learn,
// xgboost, stree, odte) from Go.
//
// # Overview
//
// Estimators live in a foreign runtime: a python3 subprocess, a WASI build
// of CPython under wazero, or the built-in Go runtime used for tests. Host
// matrices are feature-major float32 or int32 tensors; they cross the
// boundary as strided views without being copied.
//
// # Basic Usage
//
//	rt, _ := interp.StartPython(ctx)
//	reg := registry.New(foreign.NewInterpreter(rt))
//	defer reg.Close()
//
//	clf, _ := bridge.New(reg, classifiers.STree)
//	defer clf.Close()
//
//	clf.SetHyperparameters(security.Hyperparameters{"C": 10.0, "max_depth": 4})
//	clf.Fit(X, y)            // X: features × samples, y: int32 labels
//	labels, _ := clf.Predict(X)
//	score, _ := clf.Score(X, y)
//
// # Safety
//
// Module and class names and hyperparameter keys are checked against
// allowlists before anything reaches the interpreter, numeric
// hyperparameters are range-checked, and messages raised by Python are
// sanitized before they are returned.
//
// See the [bridge], [registry], [foreign], [interp], [security] and
// [classifiers] packages for detailed API documentation.
package pybridge
