// Package bender wires the manifest, config, lockfile, session,
// resolver, graph, and sourcegraph packages together into the
// end-to-end operations a caller actually invokes: update the lockfile
// against a root manifest, and assemble the source file list for a
// target set. It plays the role the teacher's cmd/dep subcommands play
// against gps.SolveParameters/gps.Solve, minus the CLI surface itself
// (spec Non-goals: "no command-line interface").
package bender

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pulp-platform/bender/berrors"
	"github.com/pulp-platform/bender/config"
	"github.com/pulp-platform/bender/graph"
	"github.com/pulp-platform/bender/lockfile"
	"github.com/pulp-platform/bender/log"
	"github.com/pulp-platform/bender/manifest"
	"github.com/pulp-platform/bender/resolver"
	"github.com/pulp-platform/bender/session"
	"github.com/pulp-platform/bender/sourcegraph"
)

// Project is one loaded Bender workspace: its root manifest, its merged
// config, and the session used to realize git dependencies.
type Project struct {
	RootDir  string
	Manifest *manifest.Manifest
	Config   config.Config
	Session  *session.Session
	Log      *log.Logger
}

// Load reads Bender.yml from rootDir, assembles the config chain
// anchored at rootDir, and opens a checkout database session (spec §4.A,
// §4.B, §6).
func Load(rootDir string, logger *log.Logger) (*Project, error) {
	if logger == nil {
		logger = log.Discard()
	}

	m, warnings, err := manifest.ParseFile(filepath.Join(rootDir, "Bender.yml"), true)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.LogBenderfln("warning: %s", w.Error())
	}

	cfg, err := config.Load(rootDir, rootDir)
	if err != nil {
		return nil, err
	}

	if cfg.Database == "" {
		cfg.Database = filepath.Join(rootDir, ".bender")
	}

	sess := session.New(cfg.Database, cfg.Git, cfg.GitThrottle, false, cfg.GitLFS == nil || *cfg.GitLFS, logger)
	if info, statErr := os.Stat(filepath.Join(rootDir, "Bender.yml")); statErr == nil {
		sess.SetManifestModTime(info.ModTime())
	}

	return &Project{RootDir: rootDir, Manifest: m, Config: cfg, Session: sess, Log: logger}, nil
}

// sessionFetcher adapts a *session.Session to resolver.Fetcher, loading
// manifests for path dependencies directly off disk and for git
// dependencies out of a materialized checkout under the database's
// "staging" area.
type sessionFetcher struct {
	sess     *session.Session
	database string
}

func (f *sessionFetcher) Versions(ctx context.Context, gitURL string) ([]string, error) {
	return f.sess.Versions(ctx, gitURL)
}

func (f *sessionFetcher) ResolveRevision(ctx context.Context, gitURL, commitish string) (string, error) {
	return f.sess.ResolveCommitish(ctx, gitURL, commitish)
}

func (f *sessionFetcher) Manifest(ctx context.Context, b resolver.Binding) (*manifest.Manifest, error) {
	switch b.Kind {
	case resolver.SourcePath:
		m, _, err := manifest.ParseFile(filepath.Join(b.Path, "Bender.yml"), false)
		return m, err
	case resolver.SourceGit:
		dir := filepath.Join(f.database, "staging", sanitize(b.URL), b.Revision)
		if _, err := os.Stat(dir); err != nil {
			if err := f.sess.Checkout(ctx, b.URL, b.URL, b.Revision, dir); err != nil {
				return nil, err
			}
		}
		m, _, err := manifest.ParseFile(filepath.Join(dir, "Bender.yml"), false)
		if err != nil && os.IsNotExist(err) {
			return nil, &berrors.ManifestNotFoundError{Name: b.URL, Revision: b.Revision}
		}
		return m, err
	default:
		return nil, os.ErrInvalid
	}
}

func sanitize(url string) string {
	r := []rune(url)
	for i, c := range r {
		switch c {
		case '/', ':', '@', '+':
			r[i] = '-'
		}
	}
	return string(r)
}

// Resolve runs the resolver's fixpoint algorithm for the project and
// returns a fresh lockfile, without writing it to disk (spec §4.C).
// preferExisting reuses every previously locked package's binding
// outright rather than recomputing it - the top-up mode an implicit
// Freshen needs versus an explicit update, which recomputes everything
// (spec §4.C "Freshness rule").
func (p *Project) Resolve(ctx context.Context, arbiter resolver.Arbiter, preferExisting bool) (*resolver.Result, *lockfile.Lock, error) {
	existing, _ := lockfile.Load(filepath.Join(p.RootDir, "Bender.lock"))

	overrides := make(map[manifest.Name]config.Override, len(p.Config.Overrides))
	for k, v := range p.Config.Overrides {
		overrides[manifest.Normalize(k)] = v
	}

	fetcher := &sessionFetcher{sess: p.Session, database: p.Config.Database}
	r := resolver.New(fetcher, arbiter, p.Log, overrides, existing).PreferExisting(preferExisting)

	result, err := r.Resolve(ctx, p.Manifest)
	if err != nil {
		return nil, nil, err
	}

	lock := lockfile.New()
	for name, b := range result.Bindings {
		entry := lockfile.Entry{Kind: b.Kind, Path: b.Path, URL: b.URL, Revision: b.Revision, Version: b.Version}
		for _, dep := range result.Dependencies[name] {
			entry.Dependencies = append(entry.Dependencies, dep)
		}
		lock.Packages[name] = entry
	}

	return result, lock, nil
}

// Update forces a full re-resolution and rewrites Bender.lock
// unconditionally, discarding every existing binding's immunity - the
// explicit "bender update" request spec §4.C contrasts with the implicit
// top-up Freshen performs.
func (p *Project) Update(ctx context.Context, arbiter resolver.Arbiter) (*resolver.Result, error) {
	p.Session.ForceRefetch(true)
	defer p.Session.ForceRefetch(false)

	result, lock, err := p.Resolve(ctx, arbiter, false)
	if err != nil {
		return nil, err
	}
	if err := lockfile.Write(filepath.Join(p.RootDir, "Bender.lock"), lock); err != nil {
		return nil, err
	}
	return result, nil
}

// Freshen re-resolves and writes Bender.lock only if Stale reports the
// existing lock needs it, and when it does, preserves every already-
// locked package's binding unchanged and resolves only newly added
// dependency names (spec §4.C "Freshness rule").
func (p *Project) Freshen(ctx context.Context, arbiter resolver.Arbiter) (*resolver.Result, error) {
	lockPath := filepath.Join(p.RootDir, "Bender.lock")
	manifestPath := filepath.Join(p.RootDir, "Bender.yml")

	existing, _ := lockfile.Load(lockPath)
	required := make([]manifest.Name, 0, len(p.Manifest.Dependencies))
	for name := range p.Manifest.Dependencies {
		required = append(required, name)
	}

	stale, err := lockfile.Stale(lockPath, []string{manifestPath}, required, existing)
	if err != nil {
		return nil, err
	}
	if !stale {
		return p.resultFromLock(ctx, existing)
	}

	result, lock, err := p.Resolve(ctx, arbiter, true)
	if err != nil {
		return nil, err
	}
	if err := lockfile.Write(lockPath, lock); err != nil {
		return nil, err
	}
	return result, nil
}

// resultFromLock rebuilds a resolver.Result (bindings, declared
// dependencies, and loaded manifests) straight from an already-fresh
// lockfile, for the Freshen path that skips resolution entirely. The
// manifests are still loaded - Sources needs each package's sources tree -
// but no constraint checking runs, since the lock is already known good.
func (p *Project) resultFromLock(ctx context.Context, lock *lockfile.Lock) (*resolver.Result, error) {
	fetcher := &sessionFetcher{sess: p.Session, database: p.Config.Database}
	result := &resolver.Result{
		Bindings:     make(map[manifest.Name]resolver.Binding, len(lock.Packages)),
		Dependencies: make(map[manifest.Name][]manifest.Name, len(lock.Packages)),
		Manifests:    map[manifest.Name]*manifest.Manifest{p.Manifest.Name: p.Manifest},
	}
	for name, e := range lock.Packages {
		b := resolver.Binding{Kind: e.Kind, Path: e.Path, URL: e.URL, Revision: e.Revision, Version: e.Version}
		result.Bindings[name] = b
		result.Dependencies[name] = e.Dependencies

		m, err := fetcher.Manifest(ctx, b)
		if err != nil {
			return nil, err
		}
		result.Manifests[name] = m
	}
	result.Dependencies[p.Manifest.Name] = dependencyNames(p.Manifest)
	return result, nil
}

func dependencyNames(m *manifest.Manifest) []manifest.Name {
	names := make([]manifest.Name, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	return names
}

// Sources builds the graph and flattened source file list for the given
// active-target construction (spec §4.D, §4.E).
func (p *Project) Sources(result *resolver.Result, defaults manifest.Set, cli func(manifest.Name, manifest.Set) manifest.Set, roots sourcegraph.Roots) ([]sourcegraph.File, error) {
	g := graph.New(result.Manifests, result.Dependencies)
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	targets := sourcegraph.BuildTargetSets(g, order, defaults, cli)
	return sourcegraph.Assemble(g, order, targets, roots), nil
}
