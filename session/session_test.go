package session

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pulp-platform/bender/log"
)

func TestIsFullHash(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"deadbeef", false},
		{"0123456789abcdef0123456789abcdef01234567", true},
		{"0123456789ABCDEF0123456789abcdef01234567", false}, // uppercase not accepted
		{"", false},
	}
	for _, c := range cases {
		if got := isFullHash(c.in); got != c.want {
			t.Errorf("isFullHash(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSanitizeURL(t *testing.T) {
	got := sanitizeURL.Replace("https://github.com/foo/bar.git")
	if got != "https-github.com-foo-bar.git" {
		t.Errorf("sanitizeURL = %q", got)
	}
}

func TestMirrorDirAndLockPath(t *testing.T) {
	s := New("/db", "git", 1, false, true, nil)
	dir := s.mirrorDir("https://example.com/foo.git")
	want := filepath.Join("/db", "git", "checkouts", sanitizeURL.Replace("https://example.com/foo.git"))
	if dir != want {
		t.Errorf("mirrorDir = %q, want %q", dir, want)
	}
	if s.lockPath("https://example.com/foo.git") != dir+".lock" {
		t.Errorf("lockPath = %q", s.lockPath("https://example.com/foo.git"))
	}
}

func TestParseGitmodules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitmodules")
	content := `[submodule "vendor/lib"]
	path = vendor/lib
	url = https://example.com/lib.git
[submodule "vendor/other"]
	path = vendor/other
	url = https://example.com/other.git
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing .gitmodules: %v", err)
	}

	urls, err := parseGitmodules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := urls["vendor/lib"]; got != "https://example.com/lib.git" {
		t.Errorf("urls[vendor/lib] = %q", got)
	}
	if got := urls["vendor/other"]; got != "https://example.com/other.git" {
		t.Errorf("urls[vendor/other] = %q", got)
	}
	if len(urls) != 2 {
		t.Errorf("expected exactly 2 submodules, got %d", len(urls))
	}
}

func TestCheckLFSNoGitAttributesIsSilent(t *testing.T) {
	dir := t.TempDir()
	s := New(t.TempDir(), "git", 1, false, true, nil)
	if err := s.checkLFS(context.Background(), dir, "foo"); err != nil {
		t.Errorf("checkLFS with no .gitattributes should be a no-op, got %v", err)
	}
}

func TestCheckLFSDisabledByConfigSkipsDetection(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitattributes"), []byte("*.bin filter=lfs"), 0o644); err != nil {
		t.Fatalf("writing .gitattributes: %v", err)
	}

	var buf bytes.Buffer
	s := New(t.TempDir(), "git", 1, false, false, log.New(&buf))
	if err := s.checkLFS(context.Background(), dir, "foo"); err != nil {
		t.Errorf("checkLFS with git_lfs disabled should be a no-op, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no LfsMissing warning with git_lfs disabled, got %q", buf.String())
	}
}

func TestCheckLFSMissingBinaryWarnsOncePerName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitattributes"), []byte("*.bin filter=lfs"), 0o644); err != nil {
		t.Fatalf("writing .gitattributes: %v", err)
	}

	withoutGitLFSOnPath := func(t *testing.T) {
		t.Helper()
		dir, err := os.MkdirTemp("", "bender-no-git-lfs-path")
		if err != nil {
			t.Fatalf("TempDir: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })
		t.Setenv("PATH", dir)
	}
	withoutGitLFSOnPath(t)

	var buf bytes.Buffer
	s := New(t.TempDir(), "git", 1, false, true, log.New(&buf))
	ctx := context.Background()

	if err := s.checkLFS(ctx, dir, "foo"); err != nil {
		t.Fatalf("checkLFS: %v", err)
	}
	if err := s.checkLFS(ctx, dir, "foo"); err != nil {
		t.Fatalf("checkLFS: %v", err)
	}

	n := strings.Count(buf.String(), "W33")
	if n != 1 {
		t.Errorf("expected exactly one W33 warning for repeated checkLFS calls on the same name, got %d in %q", n, buf.String())
	}
}

// requireGit skips the test if the git binary isn't available in this
// environment, the same accommodation the teacher's own vcs_repo_test.go
// makes for svn/hg/bzr binaries.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not found in PATH")
	}
}

// newLocalRepo creates a real git repository at dir with one commit
// tagged v1.0.0 on its default branch, used as a same-machine "remote"
// for mirror/checkout tests rather than reaching out over the network.
func newLocalRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "Bender.yml"), []byte("package:\n  name: fixture\n"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	run("tag", "v1.0.0")
	return dir
}

func TestEnsureMirrorResolveCommitishAndCheckout(t *testing.T) {
	repo := newLocalRepo(t)

	s := New(t.TempDir(), "git", 2, false, true, nil)
	ctx := context.Background()

	if err := s.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("EnsureMirror: %v", err)
	}

	hash, err := s.ResolveCommitish(ctx, repo, "v1.0.0")
	if err != nil {
		t.Fatalf("ResolveCommitish: %v", err)
	}
	if !isFullHash(hash) {
		t.Errorf("resolved commit-ish %q is not a full 40-char hash", hash)
	}

	versions, err := s.Versions(ctx, repo)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != "v1.0.0" {
		t.Errorf("Versions = %v, want [v1.0.0]", versions)
	}

	checkoutDir := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(ctx, "fixture", repo, hash, checkoutDir); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(checkoutDir, "Bender.yml")); err != nil {
		t.Errorf("expected Bender.yml in the checkout, got %v", err)
	}
}

// TestResolveCommitishVersionsCheckoutMirrorThemselves exercises the same
// three calls as above but WITHOUT an explicit EnsureMirror first, the way
// sessionFetcher in bender.go actually calls them for a primary git
// dependency: each must guarantee its own mirror rather than silently
// operating against an empty/nonexistent one.
func TestResolveCommitishVersionsCheckoutMirrorThemselves(t *testing.T) {
	repo := newLocalRepo(t)

	s := New(t.TempDir(), "git", 2, false, true, nil)
	ctx := context.Background()

	hash, err := s.ResolveCommitish(ctx, repo, "v1.0.0")
	if err != nil {
		t.Fatalf("ResolveCommitish without a prior EnsureMirror: %v", err)
	}
	if !isFullHash(hash) {
		t.Errorf("resolved commit-ish %q is not a full 40-char hash", hash)
	}

	versions, err := s.Versions(ctx, repo)
	if err != nil {
		t.Fatalf("Versions without a prior EnsureMirror: %v", err)
	}
	if len(versions) != 1 || versions[0] != "v1.0.0" {
		t.Errorf("Versions = %v, want [v1.0.0]", versions)
	}

	checkoutDir := filepath.Join(t.TempDir(), "checkout")
	s2 := New(t.TempDir(), "git", 2, false, true, nil)
	if err := s2.Checkout(ctx, "fixture", repo, hash, checkoutDir); err != nil {
		t.Fatalf("Checkout without a prior EnsureMirror: %v", err)
	}
	if _, err := os.Stat(filepath.Join(checkoutDir, "Bender.yml")); err != nil {
		t.Errorf("expected Bender.yml in the checkout, got %v", err)
	}
}

func TestEnsureMirrorSkipsFetchWhenFresh(t *testing.T) {
	repo := newLocalRepo(t)
	db := t.TempDir()
	ctx := context.Background()

	s1 := New(db, "git", 2, false, true, nil)
	if err := s1.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("initial EnsureMirror (clone): %v", err)
	}

	var buf bytes.Buffer
	logger := log.New(&buf)
	logger.Verbose = true
	s2 := New(db, "git", 2, false, true, logger)
	if err := s2.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("second EnsureMirror: %v", err)
	}
	if !strings.Contains(buf.String(), "skipping fetch") {
		t.Errorf("expected second EnsureMirror to skip the fetch, got trace %q", buf.String())
	}
}

func TestEnsureMirrorForceRefetchAlwaysFetches(t *testing.T) {
	repo := newLocalRepo(t)
	db := t.TempDir()
	ctx := context.Background()

	s1 := New(db, "git", 2, false, true, nil)
	if err := s1.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("initial EnsureMirror (clone): %v", err)
	}

	var buf bytes.Buffer
	logger := log.New(&buf)
	logger.Verbose = true
	s2 := New(db, "git", 2, false, true, logger).ForceRefetch(true)
	if err := s2.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("forced EnsureMirror: %v", err)
	}
	if !strings.Contains(buf.String(), "fetching updates") {
		t.Errorf("expected ForceRefetch(true) to run git fetch, got trace %q", buf.String())
	}
}

func TestEnsureMirrorRefetchesWhenManifestNewerThanLastFetch(t *testing.T) {
	repo := newLocalRepo(t)
	db := t.TempDir()
	ctx := context.Background()

	s1 := New(db, "git", 2, false, true, nil)
	if err := s1.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("initial EnsureMirror (clone): %v", err)
	}

	var buf bytes.Buffer
	logger := log.New(&buf)
	logger.Verbose = true
	s2 := New(db, "git", 2, false, true, logger).SetManifestModTime(time.Now().Add(time.Hour))
	if err := s2.EnsureMirror(ctx, repo); err != nil {
		t.Fatalf("EnsureMirror with a newer manifest: %v", err)
	}
	if !strings.Contains(buf.String(), "fetching updates") {
		t.Errorf("expected a manifest newer than the last fetch to trigger a fetch, got trace %q", buf.String())
	}
}

func TestEnsureMirrorCoalescesConcurrentCalls(t *testing.T) {
	repo := newLocalRepo(t)
	s := New(t.TempDir(), "git", 2, false, true, nil)
	ctx := context.Background()

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- s.EnsureMirror(ctx, repo) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent EnsureMirror: %v", err)
		}
	}
}
