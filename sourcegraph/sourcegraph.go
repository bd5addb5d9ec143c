// Package sourcegraph assembles the final source file list of spec
// §4.E: it walks each package's source tree, evaluates target
// predicates against the package's active target set, merges
// include-dir/define inheritance, runs the override_files
// de-duplication pass, expands external flist files, and propagates
// export_include_dirs one hop to direct dependents. Grounded on the
// teacher's pkgtree package's reachability/inheritance walk (read during
// the pre-trim pass before its deletion; Go import-reachability is here
// generalized to file-group target-predicate reachability) and the
// armon/go-radix prefix lookup reused from session for the
// export_include_dirs direct-dependent query.
package sourcegraph

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/armon/go-radix"

	"github.com/pulp-platform/bender/graph"
	"github.com/pulp-platform/bender/manifest"
)

// File is one emitted source file: its path relative to its owning
// package's root, the package that owns it, its inferred dialect, and
// the include dirs/defines active for it.
type File struct {
	Package     manifest.Name
	Path        string
	Type        manifest.FileType
	IncludeDirs []string
	Defines     map[string]*string

	// override marks a file reached through a Group with OverrideFiles
	// set, consumed only by dedupeOverrides (spec §4.E "override_files").
	override bool
}

// TargetSet maps a package name to its own active target.Set, built from
// command defaults, dependency pass_targets, and any CLI -t overrides
// (spec §4.E "Target set construction").
type TargetSet map[manifest.Name]manifest.Set

// BuildTargetSets derives the per-package active target set for every
// package in g, starting from defaults (applied to every package) and
// layering each dependency edge's pass_targets on top of the parent's
// own active set (spec §3 "pass_targets", §9 Open Questions #1: CLI
// scoping composes with, rather than replaces, pass_targets contributions).
// cli, when non-nil, is applied last and implements the -t NAME /
// -t PKG:NAME command-line scoping.
func BuildTargetSets(g *graph.Graph, order []manifest.Name, defaults manifest.Set, cli func(pkg manifest.Name, base manifest.Set) manifest.Set) TargetSet {
	sets := make(TargetSet, len(order))
	for _, name := range g.Names() {
		sets[name] = defaults
	}

	// order lists dependencies before their dependents; walk it backwards
	// so a parent's set is complete before its pass_targets are evaluated.
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		rec, ok := g.Get(name)
		if !ok || rec.Manifest == nil {
			continue
		}
		for _, depName := range rec.Dependencies {
			passed := passTargetsInto(rec, depName, sets[name])
			sets[depName] = unionSets(sets[depName], passed)
		}
	}

	if cli != nil {
		for name, s := range sets {
			sets[name] = cli(name, s)
		}
	}

	return sets
}

func unionSets(a, b manifest.Set) manifest.Set {
	out := a
	for k := range b {
		out = out.With(k)
	}
	return out
}

// passTargetsInto computes the targets injected into depName by the
// parent package's dependency declaration, honoring each pass_targets
// entry's own "if" condition evaluated against the parent's active set.
func passTargetsInto(parent graph.Package, depName manifest.Name, parentActive manifest.Set) manifest.Set {
	out := manifest.NewSet()
	if parent.Manifest == nil {
		return out
	}
	dep, ok := parent.Manifest.Dependencies[depName]
	if !ok {
		return out
	}
	for _, pt := range dep.PassTargets {
		if pt.If == nil || pt.If.Eval(parentActive) {
			out = out.With(pt.Target)
		}
	}
	return out
}

// Roots maps a package name to the filesystem directory its checked-out
// (or path-dependency) sources live in, needed to resolve flist files and
// other package-root-relative lookups during assembly.
type Roots map[manifest.Name]string

// Assemble walks every package in g (in the given topological order) and
// returns the flattened source file list across the whole graph,
// preserving each package's manifest declaration order and placing
// packages in the supplied (topological) order, per spec I7. targets
// gives each package's active target set; roots gives each package's
// on-disk root directory, used to resolve flist expansion.
func Assemble(g *graph.Graph, order []manifest.Name, targets TargetSet, roots Roots) []File {
	var out []File
	exports := exportIncludeDirs(g)

	for _, name := range order {
		rec, ok := g.Get(name)
		if !ok || rec.Manifest == nil || rec.Manifest.Sources == nil {
			continue
		}

		active := targets[name]
		inherited := inheritedIncludeDirs(rec, exports)

		files := walk(rec.Manifest.Sources, active, inherited, nil, name, roots[name], false)
		out = append(out, dedupeOverrides(files)...)
	}
	return out
}

// inheritedIncludeDirs returns the include dirs this package inherits
// from packages it directly depends on, via their export_include_dirs
// (spec §4.E: "made visible to source groups of packages that directly
// depend on this one - one hop only, not transitive").
func inheritedIncludeDirs(rec graph.Package, exports *radix.Tree) []string {
	var dirs []string
	for _, depName := range rec.Dependencies {
		if v, ok := exports.Get(string(depName)); ok {
			dirs = append(dirs, v.([]string)...)
		}
	}
	return dirs
}

// exportIncludeDirs indexes every package's export_include_dirs by name
// in a radix tree, reusing armon/go-radix the way session.go does for
// commit-ish prefix search - here as a plain exact-key index, since
// export_include_dirs lookups are always by full package name.
func exportIncludeDirs(g *graph.Graph) *radix.Tree {
	t := radix.New()
	for _, name := range g.Names() {
		rec, _ := g.Get(name)
		if rec.Manifest != nil && len(rec.Manifest.ExportIncludeDirs) > 0 {
			t.Insert(string(name), rec.Manifest.ExportIncludeDirs)
		}
	}
	return t
}

// walk recursively expands a source tree Group into a flat File list,
// applying target-predicate filtering, include-dir/define inheritance,
// and flist expansion (spec §4.E). inOverride is true once the walk has
// descended into a Group with OverrideFiles set; it stays true for every
// descendant, since "the inner list" of an override group spec §4.E
// describes is built recursively through any nested groups.
func walk(group *manifest.Group, active manifest.Set, incDirs []string, defines map[string]*string, pkg manifest.Name, pkgRoot string, inOverride bool) []File {
	if !group.Target.Eval(active) {
		return nil
	}

	inOverride = inOverride || group.OverrideFiles
	incDirs = append(append([]string(nil), incDirs...), group.IncludeDirs...)
	defines = mergeDefines(defines, group.Defines)

	children := group.Children
	for _, flistPath := range group.FlistFiles {
		extra, extraIncDirs, extraDefines := expandFlist(pkgRoot, flistPath)
		incDirs = append(incDirs, extraIncDirs...)
		defines = mergeDefines(defines, extraDefines)
		children = append(children, extra...)
	}

	var out []File
	for _, child := range children {
		switch {
		case child.IsFile():
			out = append(out, File{
				Package:     pkg,
				Path:        child.File.Path,
				Type:        fileType(child.File),
				IncludeDirs: incDirs,
				Defines:     defines,
				override:    inOverride,
			})
		case child.IsGroup():
			out = append(out, walk(child.Group, active, incDirs, defines, pkg, pkgRoot, inOverride)...)
		}
	}
	return out
}

func mergeDefines(base, next map[string]*string) map[string]*string {
	if len(next) == 0 {
		return base
	}
	out := make(map[string]*string, len(base)+len(next))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// expandFlist parses an external file-list document relative to
// pkgRoot: one path per non-empty, non-comment ("#" or "//") line, plus
// "+define+NAME" / "+define+NAME=VALUE" and "+incdir+DIR" directives
// (spec §4.E "External flist expansion"). A read failure yields no
// files rather than aborting the whole assembly, since a stale flist
// reference is common in vendored hardware IP and shouldn't block
// unrelated packages.
func expandFlist(pkgRoot, flistPath string) (files []manifest.Node, incDirs []string, defines map[string]*string) {
	f, err := os.Open(filepath.Join(pkgRoot, flistPath))
	if err != nil {
		return nil, nil, nil
	}
	defer f.Close()

	defines = map[string]*string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "+incdir+"):
			incDirs = append(incDirs, strings.TrimPrefix(line, "+incdir+"))
		case strings.HasPrefix(line, "+define+"):
			kv := strings.SplitN(strings.TrimPrefix(line, "+define+"), "=", 2)
			if len(kv) == 2 {
				v := kv[1]
				defines[kv[0]] = &v
			} else {
				defines[kv[0]] = nil
			}
		default:
			files = append(files, manifest.Node{File: &manifest.File{Path: line}})
		}
	}
	return files, incDirs, defines
}

func fileType(f *manifest.File) manifest.FileType {
	if f.TypeOverride != manifest.TypeUnknown {
		return f.TypeOverride
	}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".sv", ".svh", ".v":
		return manifest.TypeVerilog
	case ".vhd", ".vhdl":
		return manifest.TypeVHDL
	default:
		return manifest.TypeUnknown
	}
}

// dedupeOverrides implements the override_files post-processing pass
// (spec §4.E, P9, §9 Open Questions #2): for every file reached through a
// Group with OverrideFiles set, any other file earlier in the package's
// declaration order sharing its basename is deleted; an override file
// with no such earlier twin is itself dropped from the output. A single
// left-to-right pass over the package's declaration order means a later
// override group can itself override an earlier one's surviving entry,
// but never retroactively un-drops a file an earlier group already
// dropped (decision #2).
func dedupeOverrides(files []File) []File {
	dropped := make([]bool, len(files))
	earlier := make(map[string][]int, len(files)) // basename -> surviving earlier files

	for i, f := range files {
		base := filepath.Base(f.Path)
		if !f.override {
			earlier[base] = append(earlier[base], i)
			continue
		}
		if twins := earlier[base]; len(twins) > 0 {
			for _, j := range twins {
				dropped[j] = true
			}
			earlier[base] = []int{i}
		} else {
			dropped[i] = true
		}
	}

	out := make([]File, 0, len(files))
	for i, f := range files {
		if !dropped[i] {
			out = append(out, f)
		}
	}
	return out
}

// PackageFiles groups a flattened file list back by owning package, in
// the order packages first appear (spec §4.E "hierarchical output mode").
type PackageFiles struct {
	Package manifest.Name
	Files   []File
}

// Hierarchical reshapes a flat Assemble result into per-package groups.
func Hierarchical(files []File) []PackageFiles {
	var order []manifest.Name
	byPkg := map[manifest.Name][]File{}
	for _, f := range files {
		if _, ok := byPkg[f.Package]; !ok {
			order = append(order, f.Package)
		}
		byPkg[f.Package] = append(byPkg[f.Package], f)
	}

	out := make([]PackageFiles, len(order))
	for i, name := range order {
		out[i] = PackageFiles{Package: name, Files: byPkg[name]}
	}
	return out
}
