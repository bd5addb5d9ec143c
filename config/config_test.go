package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoLayers(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Git != "git" {
		t.Errorf("Git = %q, want git", cfg.Git)
	}
	if cfg.GitThrottle != 4 {
		t.Errorf("GitThrottle = %d, want 4", cfg.GitThrottle)
	}
	if cfg.GitLFS == nil || !*cfg.GitLFS {
		t.Errorf("GitLFS = %v, want true by default", cfg.GitLFS)
	}
}

func TestLoadExplicitGitLFSFalseOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".bender.yml"), []byte("git_lfs: false\n"), 0o644); err != nil {
		t.Fatalf("writing .bender.yml: %v", err)
	}

	cfg, err := Load(dir, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitLFS == nil || *cfg.GitLFS {
		t.Errorf("GitLFS = %v, want an explicit false to stick", cfg.GitLFS)
	}
}

func TestLoadMergesDotBenderYmlAndBenderLocal(t *testing.T) {
	dir := t.TempDir()

	dotBender := "database: custom-db\ngit_throttle: 8\n"
	if err := os.WriteFile(filepath.Join(dir, ".bender.yml"), []byte(dotBender), 0o644); err != nil {
		t.Fatalf("writing .bender.yml: %v", err)
	}

	local := "overrides:\n  foo:\n    path: ./local-foo\n"
	if err := os.WriteFile(filepath.Join(dir, "Bender.local"), []byte(local), 0o644); err != nil {
		t.Fatalf("writing Bender.local: %v", err)
	}

	cfg, err := Load(dir, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GitThrottle != 8 {
		t.Errorf("GitThrottle = %d, want 8 (from .bender.yml)", cfg.GitThrottle)
	}
	if got := cfg.Database; got != filepath.Clean(filepath.Join(dir, "custom-db")) {
		t.Errorf("Database = %q, want anchored to %q", got, dir)
	}
	ov, ok := cfg.Overrides["foo"]
	if !ok {
		t.Fatalf("expected an override for foo")
	}
	if got := ov.Path; got != filepath.Clean(filepath.Join(dir, "local-foo")) {
		t.Errorf("Override.Path = %q, want anchored to %q", got, dir)
	}
}

func TestLoadLaterLayerOverridesEarlierScalars(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "child")
	if err := os.Mkdir(child, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(parent, ".bender.yml"), []byte("git_throttle: 2\n"), 0o644); err != nil {
		t.Fatalf("writing parent .bender.yml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(child, ".bender.yml"), []byte("git_throttle: 16\n"), 0o644); err != nil {
		t.Fatalf("writing child .bender.yml: %v", err)
	}

	cfg, err := Load(child, child)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitThrottle != 16 {
		t.Errorf("GitThrottle = %d, want 16 (child .bender.yml wins)", cfg.GitThrottle)
	}
}

func TestFindInIPRepoPathSearchesEachDirInOrder(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	nestedDir := filepath.Join(dir2, "bar")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifestPath := filepath.Join(nestedDir, "Bender.yml")
	if err := os.WriteFile(manifestPath, []byte("package:\n  name: bar\n"), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	t.Setenv(IPRepoEnvVar, dir1+string(os.PathListSeparator)+dir2)

	path, found := FindInIPRepoPath("bar")
	if !found {
		t.Fatalf("expected to find bar in the IP repo path")
	}
	if path != manifestPath {
		t.Errorf("path = %q, want %q", path, manifestPath)
	}
}

func TestFindInIPRepoPathNotFound(t *testing.T) {
	t.Setenv(IPRepoEnvVar, t.TempDir())
	if _, found := FindInIPRepoPath("nonexistent"); found {
		t.Errorf("expected not to find a manifest for an absent dependency")
	}
}
