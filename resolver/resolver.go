// Package resolver implements the dependency resolution algorithm of
// spec §4.C: an iterative constraint-propagation fixpoint over path,
// git-version, and git-revision requirements, with frozen-package
// invariance, cycle detection, and interactive conflict arbitration.
//
// Unlike the teacher's solver.go - a full backtracking, bimodal SAT
// solver over Go package import reachability - Bender has at most one
// binding per package name and no import-level granularity, so the
// control flow here is the flat non-backtracking loop spec §4.C
// describes. The data shapes (a per-name selection, a requirement list
// collected from every requirer, constraint-admits checks before
// committing a candidate) are grounded on solver.go/selection.go/
// satisfy.go's checkAtomAllowable/checkDepsConstraintsAllowable pattern.
package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"

	"github.com/pulp-platform/bender/berrors"
	"github.com/pulp-platform/bender/config"
	"github.com/pulp-platform/bender/lockfile"
	"github.com/pulp-platform/bender/log"
	"github.com/pulp-platform/bender/manifest"
)

// Fetcher abstracts everything the resolver needs from the checkout
// database and filesystem, mirroring the teacher's SourceManager/
// ProjectAnalyzer split (source_manager.go) so the fixpoint loop itself
// stays independent of git/session plumbing and is easy to drive with a
// test double.
type Fetcher interface {
	// Versions returns the sorted "v"-prefixed semver tags available for
	// a git URL.
	Versions(ctx context.Context, gitURL string) ([]string, error)
	// ResolveRevision resolves a commit-ish string to a full commit hash
	// for a git URL (spec §4.B "Commit-ish resolution").
	ResolveRevision(ctx context.Context, gitURL, commitish string) (string, error)
	// Manifest loads the Bender.yml for a resolved binding: dir for a
	// path dependency, or gitURL+revision for a git dependency.
	Manifest(ctx context.Context, b Binding) (*manifest.Manifest, error)
}

// SourceKind mirrors lockfile.SourceKind for a proposed/committed binding.
type SourceKind = lockfile.SourceKind

const (
	SourcePath = lockfile.SourcePath
	SourceGit  = lockfile.SourceGit
)

// Binding is a concrete, fully-resolved source for one package name:
// either a filesystem path, or a git URL pinned to a specific commit
// (optionally with the semver tag that selected it).
type Binding struct {
	Kind     SourceKind
	Path     string
	URL      string
	Revision string
	Version  string
}

// requirement is one requirer's contribution toward a package's binding.
type requirement struct {
	parent manifest.Name
	dep    manifest.Dependency
}

// Arbiter mediates an unresolvable conflict by offering the caller (an
// interactive CLI, or a test double) a chance to force a binding (spec
// §4.C "Interactive arbitration", §9 Design Notes). FailFastArbiter never
// offers a resolution.
type Arbiter interface {
	// Arbitrate is invoked when requirements for name cannot be jointly
	// satisfied. cause describes the conflict. ok is false to give up.
	Arbitrate(name manifest.Name, cause error) (forced Binding, ok bool)
}

// FailFastArbiter always declines to arbitrate, causing the resolver to
// return the conflict error immediately. It is the default for
// non-interactive use (spec §4.C, "non-interactive invocations fail on
// the first unresolved conflict").
type FailFastArbiter struct{}

func (FailFastArbiter) Arbitrate(manifest.Name, error) (Binding, bool) { return Binding{}, false }

// ScriptedArbiter replays a fixed sequence of forced bindings, keyed by
// package name, for deterministic tests.
type ScriptedArbiter struct {
	Forced map[manifest.Name]Binding
}

func (a ScriptedArbiter) Arbitrate(name manifest.Name, _ error) (Binding, bool) {
	b, ok := a.Forced[name]
	return b, ok
}

// Resolver runs the fixpoint algorithm over a root manifest.
type Resolver struct {
	fetcher Fetcher
	arbiter Arbiter
	log     *log.Logger

	overrides map[manifest.Name]config.Override
	frozen    map[manifest.Name]lockfile.Entry // previous lock, consulted for every frozen package

	preferExisting bool // spec §4.C "Freshness rule": reuse locked bindings, only top up new names
}

// PreferExisting switches the resolver into the spec §4.C "Freshness
// rule" top-up mode: a command that did not explicitly request an update
// must "top up the lockfile for newly added dependencies, but must not
// otherwise change existing bindings". When on is true, any package name
// already present in the previous lockfile is bound to its recorded
// entry outright, skipping constraint resolution entirely; only names
// absent from the previous lockfile go through the normal fixpoint. It
// returns r for chaining.
func (r *Resolver) PreferExisting(on bool) *Resolver {
	r.preferExisting = on
	return r
}

// New builds a Resolver. lock may be nil when there is no previous
// lockfile; overrides come from the merged config chain (spec §4.C
// "Overrides").
func New(fetcher Fetcher, arbiter Arbiter, logger *log.Logger, overrides map[manifest.Name]config.Override, lock *lockfile.Lock) *Resolver {
	if arbiter == nil {
		arbiter = FailFastArbiter{}
	}
	if logger == nil {
		logger = log.Discard()
	}
	r := &Resolver{
		fetcher:   fetcher,
		arbiter:   arbiter,
		log:       logger,
		overrides: overrides,
		frozen:    map[manifest.Name]lockfile.Entry{},
	}
	if lock != nil {
		r.frozen = lock.Packages
	}
	return r
}

// Result is the output of a successful Resolve: every package's final
// binding plus the dependency names it itself declares, ready to be
// frozen into a lockfile (spec §4.C step 5).
type Result struct {
	Bindings     map[manifest.Name]Binding
	Dependencies map[manifest.Name][]manifest.Name
	Manifests    map[manifest.Name]*manifest.Manifest
}

// Resolve runs the fixpoint loop starting from root's own dependencies
// (spec §4.C steps 1-5):
//
//  1. Seed requirements from the root manifest and config overrides.
//  2. Repeat until no requirement set changes: for every package with
//     outstanding requirements, intersect them (path equality, semver
//     range intersection, or revision agreement); pick a concrete
//     binding.
//  3. Fetch the chosen binding's manifest and merge its own dependencies
//     into the requirement set, expanding the frontier.
//  4. Detect cycles among newly-expanded names.
//  5. Once no package has unresolved requirements, every package whose
//     own manifest (root's included) declares itself frozen must match
//     its existing lockfile entry exactly, and the result is ready to
//     freeze.
func (r *Resolver) Resolve(ctx context.Context, root *manifest.Manifest) (*Result, error) {
	reqs := map[manifest.Name][]requirement{}
	bindings := map[manifest.Name]Binding{}
	manifests := map[manifest.Name]*manifest.Manifest{root.Name: root}
	deps := map[manifest.Name][]manifest.Name{}

	var rootDeps []manifest.Name
	for name, dep := range root.Dependencies {
		reqs[name] = append(reqs[name], requirement{parent: root.Name, dep: dep})
		rootDeps = append(rootDeps, name)
	}
	sort.Slice(rootDeps, func(i, j int) bool { return rootDeps[i] < rootDeps[j] })
	deps[root.Name] = rootDeps

	visiting := map[manifest.Name]bool{} // DFS recursion stack, for cycle detection
	path := []manifest.Name{root.Name}
	reqCount := map[manifest.Name]int{} // len(reqs[name]) when name was last bound

	var expand func(name manifest.Name) error
	expand = func(name manifest.Name) error {
		if visiting[name] {
			full := append(append([]manifest.Name(nil), path...), name)
			strs := make([]string, len(full))
			for i, n := range full {
				strs[i] = string(n)
			}
			return &berrors.CycleError{Path: strs}
		}
		// A bound package is re-resolved only when new requirements have
		// arrived for it since it was last bound.
		prev, done := bindings[name]
		if done && len(reqs[name]) == reqCount[name] {
			return nil
		}
		reqCount[name] = len(reqs[name])

		visiting[name] = true
		path = append(path, name)
		defer func() {
			visiting[name] = false
			path = path[:len(path)-1]
		}()

		var binding Binding
		if entry, known := r.frozen[name]; known && r.preferExisting {
			binding = bindingFromEntry(entry)
		} else {
			var err error
			binding, err = r.resolveOne(ctx, name, reqs[name])
			if err != nil {
				if forced, ok := r.arbiter.Arbitrate(name, err); ok {
					binding = forced
				} else {
					return err
				}
			}
		}

		if done && binding == prev {
			return nil
		}
		bindings[name] = binding

		m, err := r.fetcher.Manifest(ctx, binding)
		if err != nil {
			return errors.Wrapf(err, "loading manifest for %q", name)
		}
		// spec §3, §4.A: a name collision between the key a dependency was
		// looked up under and the name its own manifest declares is a
		// warning, not a conflict - the lookup key wins, so every other map
		// in this fixpoint stays keyed by name, not m.Name.
		if m.Name != "" && m.Name != name {
			r.log.LogBenderfln("warning: %s", (&berrors.NameMismatchWarning{ReferencedAs: string(name), DeclaredName: string(m.Name)}).Error())
		}
		manifests[name] = m

		var childNames []manifest.Name
		for childName, childDep := range m.Dependencies {
			reqs[childName] = append(reqs[childName], requirement{parent: name, dep: childDep})
			childNames = append(childNames, childName)
		}
		sort.Slice(childNames, func(i, j int) bool { return childNames[i] < childNames[j] })
		deps[name] = childNames

		for _, childName := range childNames {
			if err := expand(childName); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range rootDeps {
		if err := expand(name); err != nil {
			return nil, err
		}
	}

	// spec §4.C "Frozen packages": frozen is a per-manifest field, not a
	// root-only one. A frozen root freezes every direct and transitive
	// dependency, same as before; a frozen non-root manifest now also
	// freezes itself. Checked as a post-pass, since a dependency's own
	// Frozen flag isn't known until its manifest has been fetched, which
	// happens only after its binding is first proposed above.
	for name, m := range manifests {
		if name == root.Name {
			continue
		}
		if !root.Frozen && !m.Frozen {
			continue
		}
		if err := r.checkFrozen(name, bindings[name]); err != nil {
			return nil, err
		}
	}

	return &Result{Bindings: bindings, Dependencies: deps, Manifests: manifests}, nil
}

// checkFrozen verifies that a frozen package's proposed binding did not
// drift from its existing lockfile entry (spec §4.C "Frozen packages").
// A frozen package absent from the previous lockfile has nothing to
// violate yet.
func (r *Resolver) checkFrozen(name manifest.Name, binding Binding) error {
	entry, known := r.frozen[name]
	if !known {
		return nil
	}
	if !frozenMatches(entry, binding) {
		return &berrors.FrozenViolationError{
			Name:     string(name),
			Locked:   entry.String(),
			Proposed: (lockfile.Entry{Kind: binding.Kind, Path: binding.Path, URL: binding.URL, Revision: binding.Revision, Version: binding.Version}).String(),
		}
	}
	return nil
}

// bindingFromEntry converts a previous lockfile entry directly into a
// Binding, used by PreferExisting mode to reuse a locked package without
// re-running constraint resolution on it.
func bindingFromEntry(e lockfile.Entry) Binding {
	return Binding{Kind: e.Kind, Path: e.Path, URL: e.URL, Revision: e.Revision, Version: e.Version}
}

func frozenMatches(e lockfile.Entry, b Binding) bool {
	if e.Kind != b.Kind {
		return false
	}
	switch b.Kind {
	case SourcePath:
		return e.Path == b.Path
	case SourceGit:
		return e.URL == b.URL && e.Revision == b.Revision
	default:
		return false
	}
}

// resolveOne intersects every requirement on name and produces a single
// concrete Binding, applying a config override first if one is declared
// (spec §4.C "Overrides": "an override's binding is used outright,
// skipping constraint checking entirely").
func (r *Resolver) resolveOne(ctx context.Context, name manifest.Name, rs []requirement) (Binding, error) {
	if ov, ok := r.overrides[name]; ok {
		return r.bindingFromOverride(ctx, name, ov)
	}

	if len(rs) == 0 {
		return Binding{}, errors.Errorf("package %q has no requirements", name)
	}

	kinds := map[manifest.DependencyKind]bool{}
	for _, req := range rs {
		kinds[req.dep.Kind] = true
	}

	// spec §6 "Environment": BENDER_IP_REPO_PATH is checked "before any
	// network operation when resolving a dependency by name"; a match is
	// treated as an implicit path dependency, short-circuiting the git
	// lookup any of these kinds would otherwise need.
	if !kinds[manifest.KindPath] {
		if hit, ok := config.FindInIPRepoPath(name); ok {
			return Binding{Kind: SourcePath, Path: filepath.Dir(hit)}, nil
		}
	}

	switch {
	case len(kinds) == 1:
		switch rs[0].dep.Kind {
		case manifest.KindPath:
			return r.resolvePath(name, rs)
		case manifest.KindGitRevision:
			return r.resolveGitRevision(ctx, name, rs)
		case manifest.KindGitVersion:
			return r.resolveGitVersion(ctx, name, rs)
		default:
			return Binding{}, errors.Errorf("package %q: unknown dependency kind", name)
		}
	case kinds[manifest.KindGitRevision] && kinds[manifest.KindGitVersion] && len(kinds) == 2:
		// spec §4.C step 2c: "a GitRevision is incompatible with a
		// GitVersion requirement unless the resolved hash's tag happens to
		// satisfy the range."
		return r.resolveMixedGitKinds(ctx, name, rs)
	default:
		return Binding{}, errors.Errorf("package %q is required with incompatible dependency kinds", name)
	}
}

// resolveMixedGitKinds reconciles a package required both by GitRevision
// and GitVersion dependencies (spec §4.C step 2c). Every GitRevision
// requirement must first agree on the resolved hash, same as
// resolveGitRevision; that hash is then compatible with the GitVersion
// requirements only if it corresponds to a tag admitted by every version
// constraint. Any disagreement returns an error, which the caller may
// still send to arbitration like any other conflict.
func (r *Resolver) resolveMixedGitKinds(ctx context.Context, name manifest.Name, rs []requirement) (Binding, error) {
	var revisionReqs, versionReqs []requirement
	for _, req := range rs {
		switch req.dep.Kind {
		case manifest.KindGitRevision:
			revisionReqs = append(revisionReqs, req)
		case manifest.KindGitVersion:
			versionReqs = append(versionReqs, req)
		}
	}

	url := revisionReqs[0].dep.GitURL
	hash, err := r.fetcher.ResolveRevision(ctx, url, revisionReqs[0].dep.Revision)
	if err != nil {
		return Binding{}, err
	}
	for _, req := range revisionReqs[1:] {
		otherHash, err := r.fetcher.ResolveRevision(ctx, req.dep.GitURL, req.dep.Revision)
		if err != nil {
			return Binding{}, err
		}
		if req.dep.GitURL != url || otherHash != hash {
			return Binding{}, &berrors.RevisionNotFoundError{
				Name:      string(name),
				URL:       url,
				CommitIsh: fmt.Sprintf("%s (conflicts with %s's %s)", revisionReqs[0].dep.Revision, req.parent, req.dep.Revision),
			}
		}
	}

	var constraints []*semver.Constraints
	for _, req := range versionReqs {
		if req.dep.GitURL != url {
			return Binding{}, &berrors.PathConflictError{
				Name: string(name),
				Sources: []berrors.PathConflictSource{
					{Parent: string(revisionReqs[0].parent), Path: url},
					{Parent: string(req.parent), Path: req.dep.GitURL},
				},
			}
		}
		c, err := semver.NewConstraint(req.dep.VersionReq)
		if err != nil {
			return Binding{}, err
		}
		constraints = append(constraints, c)
	}

	tags, err := r.fetcher.Versions(ctx, url)
	if err != nil {
		return Binding{}, err
	}

	var matchedTag string
	for _, tag := range tags {
		tagHash, err := r.fetcher.ResolveRevision(ctx, url, tag)
		if err == nil && tagHash == hash {
			matchedTag = tag
			break
		}
	}

	if matchedTag != "" {
		if v, err := semver.NewVersion(matchedTag); err == nil {
			admitted := true
			for _, c := range constraints {
				if !c.Check(v) {
					admitted = false
					break
				}
			}
			if admitted {
				return Binding{Kind: SourceGit, URL: url, Revision: hash, Version: matchedTag}, nil
			}
		}
	}

	diag := make([]berrors.VersionRequirement, 0, len(versionReqs)+1)
	for _, req := range versionReqs {
		diag = append(diag, berrors.VersionRequirement{Parent: string(req.parent), Constraint: req.dep.VersionReq})
	}
	diag = append(diag, berrors.VersionRequirement{
		Parent:     string(revisionReqs[0].parent),
		Constraint: fmt.Sprintf("rev:%s", revisionReqs[0].dep.Revision),
	})
	return Binding{}, &berrors.VersionConflictError{Name: string(name), Requirements: diag}
}

func (r *Resolver) bindingFromOverride(ctx context.Context, name manifest.Name, ov config.Override) (Binding, error) {
	switch {
	case ov.Path != "":
		return Binding{Kind: SourcePath, Path: ov.Path}, nil
	case ov.Git != "" && ov.Rev != "":
		rev, err := r.fetcher.ResolveRevision(ctx, ov.Git, ov.Rev)
		if err != nil {
			return Binding{}, err
		}
		return Binding{Kind: SourceGit, URL: ov.Git, Revision: rev}, nil
	case ov.Git != "" && ov.Version != "":
		return r.resolveVersionFor(ctx, name, ov.Git, []string{ov.Version})
	default:
		return Binding{}, errors.Errorf("override for %q specifies neither path, git+rev, nor git+version", name)
	}
}

// resolvePath requires every requirer to agree on the exact same
// canonical path (spec I2, P4, S1).
func (r *Resolver) resolvePath(name manifest.Name, rs []requirement) (Binding, error) {
	path := rs[0].dep.Path
	var sources []berrors.PathConflictSource
	sources = append(sources, berrors.PathConflictSource{Parent: string(rs[0].parent), Path: path})

	conflict := false
	for _, req := range rs[1:] {
		sources = append(sources, berrors.PathConflictSource{Parent: string(req.parent), Path: req.dep.Path})
		if req.dep.Path != path {
			conflict = true
		}
	}
	if conflict {
		return Binding{}, &berrors.PathConflictError{Name: string(name), Sources: sources}
	}
	return Binding{Kind: SourcePath, Path: path}, nil
}

// resolveGitRevision requires every requirer to name the same URL and
// the same resolved commit (spec I3 "revision agreement").
func (r *Resolver) resolveGitRevision(ctx context.Context, name manifest.Name, rs []requirement) (Binding, error) {
	url := rs[0].dep.GitURL
	rev, err := r.fetcher.ResolveRevision(ctx, url, rs[0].dep.Revision)
	if err != nil {
		return Binding{}, err
	}

	for _, req := range rs[1:] {
		otherRev, err := r.fetcher.ResolveRevision(ctx, req.dep.GitURL, req.dep.Revision)
		if err != nil {
			return Binding{}, err
		}
		if req.dep.GitURL != url || otherRev != rev {
			return Binding{}, &berrors.RevisionNotFoundError{
				Name:      string(name),
				URL:       url,
				CommitIsh: fmt.Sprintf("%s (conflicts with %s's %s)", rs[0].dep.Revision, req.parent, req.dep.Revision),
			}
		}
	}

	return Binding{Kind: SourceGit, URL: url, Revision: rev}, nil
}

// resolveGitVersion intersects every requirer's semver constraint and
// picks the latest tag admitted by the intersection (spec I3, §4.C step
// 2b, P5).
func (r *Resolver) resolveGitVersion(ctx context.Context, name manifest.Name, rs []requirement) (Binding, error) {
	url := rs[0].dep.GitURL
	var reqStrs []string
	constraints := make([]*semver.Constraints, 0, len(rs))

	for _, req := range rs {
		if req.dep.GitURL != url {
			return Binding{}, &berrors.PathConflictError{
				Name: string(name),
				Sources: []berrors.PathConflictSource{
					{Parent: string(rs[0].parent), Path: url},
					{Parent: string(req.parent), Path: req.dep.GitURL},
				},
			}
		}
		c, err := semver.NewConstraint(req.dep.VersionReq)
		if err != nil {
			return Binding{}, err
		}
		constraints = append(constraints, c)
		reqStrs = append(reqStrs, req.dep.VersionReq)
	}

	return r.resolveVersionFor(ctx, name, url, reqStrs, constraints...)
}

// resolveVersionFor picks the latest tag on url admitted by every
// constraint built from reqStrs (or directly from constraints, when
// already parsed), failing with VersionConflictError if none admits.
func (r *Resolver) resolveVersionFor(ctx context.Context, name manifest.Name, url string, reqStrs []string, precomputed ...*semver.Constraints) (Binding, error) {
	tags, err := r.fetcher.Versions(ctx, url)
	if err != nil {
		return Binding{}, err
	}

	constraints := precomputed
	if len(constraints) == 0 {
		for _, s := range reqStrs {
			c, err := semver.NewConstraint(s)
			if err != nil {
				return Binding{}, err
			}
			constraints = append(constraints, c)
		}
	}

	type candidate struct {
		tag string
		v   *semver.Version
	}
	var admitted []candidate
	for _, tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue // non-semver tag, not a candidate
		}
		ok := true
		for _, c := range constraints {
			if !c.Check(v) {
				ok = false
				break
			}
		}
		if ok {
			admitted = append(admitted, candidate{tag: tag, v: v})
		}
	}

	if len(admitted) == 0 {
		var reqs []berrors.VersionRequirement
		for _, s := range reqStrs {
			reqs = append(reqs, berrors.VersionRequirement{Constraint: s})
		}
		return Binding{}, &berrors.VersionConflictError{Name: string(name), Requirements: reqs}
	}

	sort.Slice(admitted, func(i, j int) bool { return admitted[i].v.LessThan(admitted[j].v) })
	best := admitted[len(admitted)-1]

	rev, err := r.fetcher.ResolveRevision(ctx, url, best.tag)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Kind: SourceGit, URL: url, Revision: rev, Version: best.tag}, nil
}
