package interp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/security"
)

func TestInstallPackagesNoSpecs(t *testing.T) {
	_, err := InstallPackages(context.Background(), DefaultPkgConfig())
	if err == nil || err.Error() != "no packages given" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInstallPackagesRejectedBeforePip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pkgs")
	cfg := PkgConfig{PackageDir: dir, Pip: "/nonexistent/pip"}

	for _, spec := range []string{"requests", "numpy;rm -rf /", "scikit-learn|cat", "$(id)",
		"numpy @ https://evil.example/evil.whl", "numpy --index-url=https://evil.example/simple"} {
		_, err := InstallPackages(context.Background(), cfg, "numpy", spec)
		if !errors.Is(err, pberrors.ErrInvalidModule) {
			t.Errorf("%q: expected InvalidModule, got %v", spec, err)
		}
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("package dir created for a rejected install")
	}
}

func TestInstallPackagesCustomGate(t *testing.T) {
	cfg := PkgConfig{
		PackageDir: t.TempDir(),
		Pip:        "/nonexistent/pip",
		Gate:       security.NewGate(security.WithPackages("lightgbm")),
	}

	_, err := InstallPackages(context.Background(), cfg, "numpy")
	if !errors.Is(err, pberrors.ErrInvalidModule) {
		t.Errorf("expected numpy to be rejected by custom gate, got %v", err)
	}

	// Allowed, so pip runs and fails to start.
	_, err = InstallPackages(context.Background(), cfg, "lightgbm==4.0")
	if err == nil || errors.Is(err, pberrors.ErrInvalidModule) {
		t.Errorf("expected pip failure, got %v", err)
	}
}

func writeDist(t *testing.T, dir, dist string, top ...string) {
	t.Helper()
	info := filepath.Join(dir, dist+".dist-info")
	if err := os.MkdirAll(info, 0755); err != nil {
		t.Fatal(err)
	}
	if len(top) > 0 {
		content := ""
		for _, m := range top {
			content += m + "\n"
			if err := os.MkdirAll(filepath.Join(dir, m), 0755); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(info, "top_level.txt"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListPackages(t *testing.T) {
	dir := t.TempDir()
	writeDist(t, dir, "scikit_learn-1.5.0", "sklearn")
	writeDist(t, dir, "numpy-2.1.0", "numpy")
	os.MkdirAll(filepath.Join(dir, "__pycache__"), 0755)

	pkgs, err := ListPackages(dir)
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("got %d packages, want 2: %v", len(pkgs), pkgs)
	}
	if pkgs[0] != (Package{Name: "numpy", Version: "2.1.0"}) {
		t.Errorf("pkgs[0] = %+v", pkgs[0])
	}
	if pkgs[1] != (Package{Name: "scikit_learn", Version: "1.5.0"}) {
		t.Errorf("pkgs[1] = %+v", pkgs[1])
	}
}

func TestListPackagesMissingDir(t *testing.T) {
	pkgs, err := ListPackages(filepath.Join(t.TempDir(), "missing"))
	if err != nil || pkgs != nil {
		t.Errorf("got %v, %v", pkgs, err)
	}
}

func TestRemovePackage(t *testing.T) {
	dir := t.TempDir()
	writeDist(t, dir, "scikit_learn-1.5.0", "sklearn")
	writeDist(t, dir, "numpy-2.1.0", "numpy")

	if err := RemovePackage(dir, "scikit-learn"); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	for _, gone := range []string{"sklearn", "scikit_learn-1.5.0.dist-info"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s still present", gone)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "numpy")); err != nil {
		t.Errorf("bystander removed: %v", err)
	}
}

func TestRemovePackageInvalidName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", "../etc", "a/b"} {
		if err := RemovePackage(dir, name); err == nil {
			t.Errorf("%q: expected error", name)
		}
	}
}
