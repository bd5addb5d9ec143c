package bender

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulp-platform/bender/manifest"
	"github.com/pulp-platform/bender/resolver"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// setupWorkspace lays out a root package "top" that path-depends on "bar",
// entirely on disk, so Resolve/Sources exercise the façade without ever
// touching git.
func setupWorkspace(t *testing.T) (root, barDir string) {
	t.Helper()
	root = t.TempDir()
	barDir = filepath.Join(root, "..", "bar")
	barDir = filepath.Clean(barDir)

	writeFile(t, filepath.Join(root, "Bender.yml"), `
package:
  name: top
dependencies:
  bar:
    path: `+barDir+`
sources:
  files:
    - src/top.sv
`)
	writeFile(t, filepath.Join(barDir, "Bender.yml"), `
package:
  name: bar
export_include_dirs: [include]
sources:
  files:
    - src/bar.sv
`)
	return root, barDir
}

func TestLoadParsesManifestAndConfig(t *testing.T) {
	root, _ := setupWorkspace(t)
	p, err := Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Manifest.Name != "top" {
		t.Errorf("Manifest.Name = %q, want top", p.Manifest.Name)
	}
	if p.Config.Database == "" {
		t.Errorf("expected Config.Database to be defaulted")
	}
	if p.Config.Database != filepath.Join(root, ".bender") {
		t.Errorf("Config.Database = %q, want %q", p.Config.Database, filepath.Join(root, ".bender"))
	}
}

func TestResolveAndSourcesForPathDependencies(t *testing.T) {
	root, _ := setupWorkspace(t)
	p, err := Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	result, lock, err := p.Resolve(context.Background(), resolver.FailFastArbiter{}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := result.Bindings["bar"]; !ok {
		t.Fatalf("expected a binding for bar")
	}
	if _, ok := lock.Packages["bar"]; !ok {
		t.Errorf("expected the built lock to contain bar")
	}

	files, err := p.Sources(result, manifest.NewSet(), nil, nil)
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	var sawTop, sawBar bool
	for _, f := range files {
		switch f.Path {
		case "src/top.sv":
			sawTop = true
		case "src/bar.sv":
			sawBar = true
		}
	}
	if !sawTop || !sawBar {
		t.Errorf("expected both top.sv and bar.sv in the assembled sources, got %v", files)
	}
}

func TestFreshenWritesLockAndIsIdempotent(t *testing.T) {
	root, _ := setupWorkspace(t)
	p, err := Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := p.Freshen(context.Background(), resolver.FailFastArbiter{}); err != nil {
		t.Fatalf("Freshen (first call): %v", err)
	}
	lockPath := filepath.Join(root, "Bender.lock")
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("expected Bender.lock to be written, got %v", err)
	}

	// A second, immediate Freshen should short-circuit via the freshness
	// check rather than re-resolving (spec §4.C "Freshness rule"), but
	// must still return a Result whose Manifests let Sources work.
	result, err := p.Freshen(context.Background(), resolver.FailFastArbiter{})
	if err != nil {
		t.Fatalf("Freshen (second call): %v", err)
	}
	files, err := p.Sources(result, manifest.NewSet(), nil, nil)
	if err != nil {
		t.Fatalf("Sources after short-circuited Freshen: %v", err)
	}
	var sawBar bool
	for _, f := range files {
		if f.Path == "src/bar.sv" {
			sawBar = true
		}
	}
	if !sawBar {
		t.Errorf("expected bar.sv reachable from the short-circuited Result, got %v", files)
	}
}

func TestFreshenToppedUpPackageReusesExistingBindings(t *testing.T) {
	root, barDir := setupWorkspace(t)
	p, err := Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := p.Freshen(context.Background(), resolver.FailFastArbiter{}); err != nil {
		t.Fatalf("Freshen (seed lock): %v", err)
	}

	// Add a brand new sibling dependency without touching bar. A
	// non-explicit re-run must top up "baz" while reusing bar's locked
	// binding as recorded in Bender.lock rather than re-resolving it.
	bazDir := filepath.Join(root, "..", "baz")
	bazDir = filepath.Clean(bazDir)
	writeFile(t, filepath.Join(bazDir, "Bender.yml"), `
package:
  name: baz
sources:
  files:
    - src/baz.sv
`)
	writeFile(t, filepath.Join(root, "Bender.yml"), `
package:
  name: top
dependencies:
  bar:
    path: `+barDir+`
  baz:
    path: `+bazDir+`
sources:
  files:
    - src/top.sv
`)
	// Touch the lock backward in time so Stale sees the manifest edit.
	lockPath := filepath.Join(root, "Bender.lock")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	p, err = Load(root, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	result, err := p.Freshen(context.Background(), resolver.FailFastArbiter{})
	if err != nil {
		t.Fatalf("Freshen (top-up): %v", err)
	}
	if _, ok := result.Bindings["baz"]; !ok {
		t.Errorf("expected the newly added baz dependency to be resolved")
	}
	if b, ok := result.Bindings["bar"]; !ok || b.Path != barDir {
		t.Errorf("expected bar's existing binding to be reused unchanged, got %+v", b)
	}
}

func TestUpdateForcesFullReResolution(t *testing.T) {
	root, _ := setupWorkspace(t)
	p, err := Load(root, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	result, err := p.Update(context.Background(), resolver.FailFastArbiter{})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := result.Bindings["bar"]; !ok {
		t.Errorf("expected Update to resolve bar")
	}
	if _, err := os.Stat(filepath.Join(root, "Bender.lock")); err != nil {
		t.Fatalf("expected Update to write Bender.lock, got %v", err)
	}
}
