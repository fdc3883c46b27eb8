package security

import (
	"regexp"
	"strings"

	pberrors "github.com/caffeineduck/pybridge/errors"
)

// DefaultPackages may be installed with pip into the packages directory.
var DefaultPackages = []string{
	"numpy",
	"scipy",
	"scikit-learn",
	"xgboost",
	"stree",
	"odte",
}

const shellMeta = ";|&$`\n"

// requirement accepts only name[extras] followed by comma-separated version
// clauses. URLs, markers, options and whitespace never match.
var requirement = regexp.MustCompile(
	`^([A-Za-z0-9][A-Za-z0-9._-]*)` +
		`(\[[A-Za-z0-9._-]+(,[A-Za-z0-9._-]+)*\])?` +
		`((==|>=|<=|!=|~=|>|<)[A-Za-z0-9.*+!]+(,(==|>=|<=|!=|~=|>|<)[A-Za-z0-9.*+!]+)*)?$`)

// ValidatePackage checks a pip requirement such as "scikit-learn>=1.3" or
// "xgboost[scikit-learn]". The name must be in the package allowlist.
func (g *Gate) ValidatePackage(spec string) error {
	if spec == "" {
		return pberrors.New(pberrors.KindInvalidModule, "package name required")
	}
	if strings.ContainsAny(spec, shellMeta) {
		return pberrors.New(pberrors.KindInvalidModule, "invalid package specifier %q", spec)
	}

	m := requirement.FindStringSubmatch(spec)
	if m == nil {
		return pberrors.New(pberrors.KindInvalidModule, "invalid package specifier %q", spec)
	}
	name := m[1]
	for _, pkg := range g.packages {
		if strings.EqualFold(pkg, name) {
			return nil
		}
	}
	return pberrors.New(pberrors.KindInvalidModule, "package %q not allowed", name)
}

// Packages returns the pip install allowlist.
func (g *Gate) Packages() []string {
	return append([]string(nil), g.packages...)
}

// ValidatePackage checks spec against the default gate.
func ValidatePackage(spec string) error {
	return defaultGate.ValidatePackage(spec)
}
