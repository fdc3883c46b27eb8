// Package security guards the foreign boundary. Every module, class and
// hyperparameter is checked here before any foreign code runs, and every
// foreign error message is sanitized before it reaches a caller.
package security

import (
	"sort"
	"strings"

	pberrors "github.com/caffeineduck/pybridge/errors"
)

// DefaultModules are the foreign modules estimators may be imported from.
var DefaultModules = []string{
	"sklearn.svm",
	"sklearn.ensemble",
	"sklearn.tree",
	"xgboost",
	"numpy",
	"sklearn",
	"stree",
	"odte",
	"adaboost",
}

// Gate holds the allowlists. The zero value rejects everything; use NewGate.
type Gate struct {
	modules  map[string]struct{}
	params   map[string]struct{}
	ranges   map[string]Range
	packages []string
}

// Option configures a Gate.
type Option func(*Gate)

// WithModules adds modules to the module allowlist.
func WithModules(modules ...string) Option {
	return func(g *Gate) {
		for _, m := range modules {
			g.modules[m] = struct{}{}
		}
	}
}

// WithHyperparameters adds keys to the global hyperparameter allowlist.
func WithHyperparameters(keys ...string) Option {
	return func(g *Gate) {
		for _, k := range keys {
			g.params[k] = struct{}{}
		}
	}
}

// WithRange sets or replaces the numeric range for key.
func WithRange(key string, r Range) Option {
	return func(g *Gate) {
		g.ranges[key] = r
	}
}

// WithPackages replaces the pip install allowlist.
func WithPackages(pkgs ...string) Option {
	return func(g *Gate) {
		g.packages = append([]string(nil), pkgs...)
	}
}

// NewGate returns a gate with the default allowlists plus opts.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		modules:  make(map[string]struct{}),
		params:   make(map[string]struct{}),
		ranges:   make(map[string]Range, len(DefaultRanges)),
		packages: append([]string(nil), DefaultPackages...),
	}
	for _, m := range DefaultModules {
		g.modules[m] = struct{}{}
	}
	for _, k := range DefaultHyperparameters {
		g.params[k] = struct{}{}
	}
	for k, r := range DefaultRanges {
		g.ranges[k] = r
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var defaultGate = NewGate()

// Default returns the gate built from the default allowlists.
func Default() *Gate {
	return defaultGate
}

// ValidateModuleName rejects empty names, path traversal and anything outside
// the module allowlist.
func (g *Gate) ValidateModuleName(name string) error {
	if name == "" {
		return pberrors.New(pberrors.KindInvalidModule, "empty module name")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return pberrors.New(pberrors.KindInvalidModule, "path traversal in module name %q", name)
	}
	if _, ok := g.modules[name]; !ok {
		return pberrors.New(pberrors.KindInvalidModule, "module %q not allowed", name)
	}
	return nil
}

// ValidateClassName accepts identifiers without double underscores.
func (g *Gate) ValidateClassName(name string) error {
	if name == "" {
		return pberrors.New(pberrors.KindInvalidClass, "empty class name")
	}
	if strings.Contains(name, "__") {
		return pberrors.New(pberrors.KindInvalidClass, "double underscore in class name %q", name)
	}
	if c := name[0]; !isLetter(c) && c != '_' {
		return pberrors.New(pberrors.KindInvalidClass, "class name %q must start with a letter or underscore", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '_' {
			return pberrors.New(pberrors.KindInvalidClass, "invalid character %q in class name", c)
		}
	}
	return nil
}

// Modules returns the module allowlist, sorted.
func (g *Gate) Modules() []string {
	out := make([]string, 0, len(g.modules))
	for m := range g.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ValidateModuleName checks name against the default gate.
func ValidateModuleName(name string) error {
	return defaultGate.ValidateModuleName(name)
}

// ValidateClassName checks name against the default gate.
func ValidateClassName(name string) error {
	return defaultGate.ValidateClassName(name)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
