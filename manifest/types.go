// Package manifest is the typed in-memory form of Bender.yml (spec §3,
// §4.A, §6). It normalizes package names to lowercase, resolves relative
// paths, and exposes the dependency/source-tree tagged-sum types the
// resolver and source assembler operate on.
package manifest

import "strings"

// Name is a package name. Names are compared case-insensitively
// throughout; Normalize must be applied at every boundary where a name
// enters the system (manifest load, dependency key, CLI argument).
type Name string

// Normalize lowercases a package name, per spec §3 "Package name: a
// lowercase identifier."
func Normalize(n string) Name {
	return Name(strings.ToLower(n))
}

func (n Name) String() string { return string(n) }

// DependencyKind tags the dependency variant (spec §3 "Dependency").
type DependencyKind int

const (
	// KindPath is a filesystem path dependency. Not versioned.
	KindPath DependencyKind = iota
	// KindGitVersion is a git dependency pinned by a semver requirement.
	KindGitVersion
	// KindGitRevision is a git dependency pinned by a commit-ish string.
	KindGitRevision
)

func (k DependencyKind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindGitVersion:
		return "git-version"
	case KindGitRevision:
		return "git-revision"
	default:
		return "unknown"
	}
}

// Dependency is the tagged-sum dependency variant of spec §3, modeled as
// a single struct with a Kind discriminant rather than an interface
// hierarchy, mirroring the teacher's gps.ProjectProperties/Constraint
// pairing (manifest.go's possibleProps -> toProps conversion).
type Dependency struct {
	Kind DependencyKind

	// Path holds the absolute, canonicalized filesystem path for
	// KindPath dependencies.
	Path string

	// GitURL is the remote URL for KindGitVersion/KindGitRevision
	// dependencies, after remote-alias expansion (spec §6 "remotes").
	GitURL string

	// Remote is the optional remote alias named by the manifest, kept
	// for diagnostics even after GitURL has been expanded.
	Remote string

	// VersionReq is the raw semver requirement string for
	// KindGitVersion dependencies (spec §3 "Version constraint").
	VersionReq string

	// Revision is the raw commit-ish string for KindGitRevision
	// dependencies.
	Revision string

	// Target gates inclusion in source assembly only - never in
	// resolution (spec §3, §9 Open Questions #3). A nil Target means
	// "always true."
	Target *TargetExpr

	// PassTargets injects additional targets into this dependency's own
	// source assembly, optionally conditioned on the parent's active
	// target set (spec §3 "pass_targets").
	PassTargets []PassTarget
}

// PassTarget is one entry of a dependency's pass_targets list.
type PassTarget struct {
	// Target is the target atom name injected into the dependency.
	Target string
	// If is a target expression evaluated against the *parent's* active
	// target set; when it is true (or nil), Target is injected.
	If *TargetExpr
}

// Workspace corresponds to the manifest's optional workspace block.
type Workspace struct {
	PackageLinks map[string]string
	CheckoutDir  string
}

// Manifest is the typed form of one package's Bender.yml (spec §3, §6).
type Manifest struct {
	// Name is the package's own declared name, normalized.
	Name Name
	// Authors is the optional list of author strings.
	Authors []string
	// Description is an optional human-readable description.
	Description string
	// Frozen forbids the resolver from proposing any binding that
	// differs from the current lockfile entry (spec §4.C "Frozen
	// packages").
	Frozen bool
	// Remotes maps a remote alias to a URL template; a "{}" in the
	// template is substituted with the dependency name, and a template
	// without "{}" has "/{}.git" appended (spec §6).
	Remotes map[string]string
	// Dependencies maps a (not yet necessarily normalized-matching) key
	// to its dependency spec.
	Dependencies map[Name]Dependency
	// Sources is the package's optional source tree (spec §3 "Source
	// tree"). Nil means the package has no sources of its own.
	Sources *Group
	// ExportIncludeDirs are made visible to source groups of packages
	// that directly depend on this one - one hop only, not transitive
	// (spec §4.E).
	ExportIncludeDirs []string
	// Workspace holds the optional workspace block.
	Workspace *Workspace
	// Plugins maps a command name to a script path (deprecated,
	// consumed by the CLI collaborator - not the core).
	Plugins map[string]string
	// VendorPackage is consumed by the vendoring subcommand, not the
	// core; carried through only so round-tripping a manifest does not
	// lose it.
	VendorPackage []string
}
