package interp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/pybridge/security"
)

// PkgConfig configures the package installer.
type PkgConfig struct {
	PackageDir string         // Directory to install packages into
	Pip        string         // pip executable; default "pip"
	Gate       *security.Gate // Package allowlist; default security.Default()
}

// DefaultPkgConfig returns the default package installer configuration.
func DefaultPkgConfig() PkgConfig {
	return PkgConfig{
		PackageDir: ".pybridge/python/packages",
		Pip:        "pip",
	}
}

func (c PkgConfig) gate() *security.Gate {
	if c.Gate != nil {
		return c.Gate
	}
	return security.Default()
}

// Package is an installed distribution.
type Package struct {
	Name    string
	Version string
}

// InstallPackages installs specs with pip --target into cfg.PackageDir.
// Every spec is checked against the allowlist before pip runs.
func InstallPackages(ctx context.Context, cfg PkgConfig, specs ...string) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("no packages given")
	}
	gate := cfg.gate()
	for _, spec := range specs {
		if err := gate.ValidatePackage(spec); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(cfg.PackageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create package dir: %w", err)
	}
	absDir, err := filepath.Abs(cfg.PackageDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve package dir: %w", err)
	}

	pip := cfg.Pip
	if pip == "" {
		pip = "pip"
	}
	args := append([]string{"install", "--upgrade", "--target", absDir}, specs...)
	cmd := exec.CommandContext(ctx, pip, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("pip install: %w", err)
	}
	return string(output), nil
}

// ListPackages reads the distributions installed in dir from their
// .dist-info directories. A missing dir has no packages.
func ListPackages(dir string) ([]Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pkgs []Package
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".dist-info")
		if !entry.IsDir() || !ok {
			continue
		}
		pkg := Package{Name: name}
		if i := strings.LastIndex(name, "-"); i != -1 {
			pkg.Name, pkg.Version = name[:i], name[i+1:]
		}
		pkgs = append(pkgs, pkg)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// RemovePackage deletes the distribution name from dir: its .dist-info and
// the top-level modules it recorded, or a directory of the same name when
// no record exists.
func RemovePackage(dir, name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid package name %q", name)
	}

	pkgs, err := ListPackages(dir)
	if err != nil {
		return err
	}
	norm := normalize(name)
	for _, pkg := range pkgs {
		if normalize(pkg.Name) != norm {
			continue
		}
		info := filepath.Join(dir, pkg.Name+"-"+pkg.Version+".dist-info")
		if pkg.Version == "" {
			info = filepath.Join(dir, pkg.Name+".dist-info")
		}
		tops := topLevel(info)
		if len(tops) == 0 {
			tops = []string{pkg.Name}
		}
		for _, top := range tops {
			if err := removeModule(dir, top); err != nil {
				return err
			}
		}
		return os.RemoveAll(info)
	}

	return removeModule(dir, name)
}

func topLevel(info string) []string {
	data, err := os.ReadFile(filepath.Join(info, "top_level.txt"))
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

func removeModule(dir, name string) error {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid module name %q", name)
	}
	for _, path := range []string{filepath.Join(dir, name), filepath.Join(dir, name+".py")} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// normalize applies PEP 503 name normalization.
func normalize(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}
