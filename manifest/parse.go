package manifest

import (
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/pulp-platform/bender/berrors"
)

// Warning is a non-fatal diagnostic collected while parsing a manifest,
// such as an unknown top-level key in a third-party manifest (spec §4.A,
// §7). Dependency key/declared-name mismatches are reported by the
// resolver, not collected here.
type Warning struct {
	Message string
}

func (w Warning) Error() string { return w.Message }

// rawDependency mirrors the teacher's possibleProps: a flattened struct
// holding every field any dependency-spec shape might carry, converted
// into the tagged Dependency sum afterwards.
type rawDependency struct {
	scalar string // set when the YAML node was a bare scalar (version string)

	Path       string `yaml:"path,omitempty"`
	Git        string `yaml:"git,omitempty"`
	Rev        string `yaml:"rev,omitempty"`
	Version    string `yaml:"version,omitempty"`
	Remote     string `yaml:"remote,omitempty"`
	Target     string `yaml:"target,omitempty"`
	PassTarget []rawPassTarget `yaml:"pass_targets,omitempty"`
}

type rawPassTarget struct {
	Target string `yaml:"target"`
	If     string `yaml:"if,omitempty"`
}

func (d *rawDependency) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		d.scalar = s
		return nil
	}

	type plain rawDependency
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*d = rawDependency(p)
	return nil
}

type rawManifest struct {
	Package struct {
		Name        string   `yaml:"name"`
		Authors     []string `yaml:"authors,omitempty"`
		Description string   `yaml:"description,omitempty"`
	} `yaml:"package"`
	Dependencies      map[string]rawDependency `yaml:"dependencies,omitempty"`
	Frozen            bool                     `yaml:"frozen,omitempty"`
	Remotes           map[string]string        `yaml:"remotes,omitempty"`
	Sources           *rawGroup                `yaml:"sources,omitempty"`
	ExportIncludeDirs []string                 `yaml:"export_include_dirs,omitempty"`
	Workspace         *rawWorkspace            `yaml:"workspace,omitempty"`
	Plugins           map[string]string        `yaml:"plugins,omitempty"`
	VendorPackage     []string                 `yaml:"vendor_package,omitempty"`
}

type rawWorkspace struct {
	PackageLinks map[string]string `yaml:"package_links,omitempty"`
	CheckoutDir  string            `yaml:"checkout_dir,omitempty"`
}

// rawGroup backs both the top-level `sources` key and every nested group.
// A `files` entry may itself be a bare string (a File) or a nested group.
type rawGroup struct {
	Target        string            `yaml:"target,omitempty"`
	IncludeDirs   []string          `yaml:"include_dirs,omitempty"`
	Defines       map[string]*string `yaml:"defines,omitempty"`
	OverrideFiles bool              `yaml:"override_files,omitempty"`
	Flist         []string          `yaml:"flist,omitempty"`
	Files         []rawNode         `yaml:"files,omitempty"`
}

// rawNode is a "files" list entry: a bare string path, a single-key
// mapping naming the file's dialect override ("sv"/"v"/"vhd", spec §4.E
// "the per-file override keys ... let encrypted or unusually suffixed
// files declare their language"), or a nested group.
type rawNode struct {
	file         string
	fileOverride FileType
	group        *rawGroup
}

// rawFileOverride captures the "sv"/"v"/"vhd" single-key shape. Decoding
// a full group mapping into it is harmless: yaml.v2's non-strict
// Unmarshal silently ignores the group's other keys, leaving all three
// fields empty, so the caller falls through to the group decode.
type rawFileOverride struct {
	SV  string `yaml:"sv,omitempty"`
	V   string `yaml:"v,omitempty"`
	Vhd string `yaml:"vhd,omitempty"`
}

func (n *rawNode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		n.file = s
		return nil
	}

	var fo rawFileOverride
	if err := unmarshal(&fo); err == nil {
		switch {
		case fo.SV != "":
			n.file, n.fileOverride = fo.SV, TypeVerilog
			return nil
		case fo.V != "":
			n.file, n.fileOverride = fo.V, TypeVerilog
			return nil
		case fo.Vhd != "":
			n.file, n.fileOverride = fo.Vhd, TypeVHDL
			return nil
		}
	}

	var g rawGroup
	if err := unmarshal(&g); err != nil {
		return err
	}
	n.group = &g
	return nil
}

// Parse decodes a Bender.yml document read from r. dir is the directory
// containing the manifest file, used to resolve relative paths to
// absolute (spec §4.A "All relative paths are made absolute using the
// config file's own directory as anchor"). strict controls whether
// unknown top-level keys are a hard error (the package's own manifest)
// or a collected warning (a dependency's manifest, spec §4.A "Parsing is
// strict on unknown top-level keys for the package's own manifest and
// tolerant for third-party manifests").
func Parse(r io.Reader, dir string, strict bool) (*Manifest, []Warning, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading manifest")
	}

	var warnings []Warning
	if err := checkUnknownKeys(data); err != nil {
		if strict {
			return nil, nil, &berrors.ManifestParseError{Cause: err}
		}
		warnings = append(warnings, Warning{Message: err.Error()})
	}

	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, &berrors.ManifestParseError{Cause: err}
	}

	if raw.Package.Name == "" {
		return nil, nil, &berrors.ManifestParseError{Cause: errors.New("package.name is required")}
	}

	m := &Manifest{
		Name:              Normalize(raw.Package.Name),
		Authors:           raw.Package.Authors,
		Description:       raw.Package.Description,
		Frozen:            raw.Frozen,
		Remotes:           raw.Remotes,
		Dependencies:      make(map[Name]Dependency, len(raw.Dependencies)),
		ExportIncludeDirs: raw.ExportIncludeDirs,
		Plugins:           raw.Plugins,
		VendorPackage:     raw.VendorPackage,
	}

	for key, rd := range raw.Dependencies {
		name := Normalize(key)
		dep, err := convertDependency(name, rd, dir, m.Remotes)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dependency %q", key)
		}
		m.Dependencies[name] = dep
	}

	if raw.Sources != nil {
		g, err := convertGroup(raw.Sources)
		if err != nil {
			return nil, nil, err
		}
		m.Sources = g
	}

	if raw.Workspace != nil {
		m.Workspace = &Workspace{
			PackageLinks: raw.Workspace.PackageLinks,
			CheckoutDir:  raw.Workspace.CheckoutDir,
		}
	}

	return m, warnings, nil
}

// ParseFile is a convenience wrapper around Parse for a path on disk.
func ParseFile(path string, strict bool) (*Manifest, []Warning, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(strings.NewReader(string(data)), filepath.Dir(path), strict)
}

func convertDependency(name Name, rd rawDependency, dir string, remotes map[string]string) (Dependency, error) {
	var d Dependency

	nonEmpty := func(fields ...string) int {
		n := 0
		for _, f := range fields {
			if f != "" {
				n++
			}
		}
		return n
	}

	target, err := ParseTargetExpr(rd.Target)
	if err != nil {
		return d, err
	}
	d.Target = target

	for _, pt := range rd.PassTarget {
		var cond *TargetExpr
		if pt.If != "" {
			cond, err = ParseTargetExpr(pt.If)
			if err != nil {
				return d, err
			}
		}
		d.PassTargets = append(d.PassTargets, PassTarget{Target: strings.ToLower(pt.Target), If: cond})
	}

	switch {
	case rd.Path != "":
		if nonEmpty(rd.Git, rd.Rev, rd.Version, rd.Remote) > 0 {
			return d, errors.Errorf("path dependency %q may not also specify git/rev/version/remote", name)
		}
		d.Kind = KindPath
		p := rd.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		d.Path = filepath.Clean(p)
		return d, nil

	case rd.Git != "" && rd.Rev != "":
		if rd.Version != "" {
			return d, errors.Errorf("dependency %q may not specify both rev and version", name)
		}
		d.Kind = KindGitRevision
		d.GitURL = rd.Git
		d.Revision = rd.Rev
		return d, nil

	case rd.Git != "" && rd.Version != "":
		if err := validateSemverReq(rd.Version); err != nil {
			return d, err
		}
		d.Kind = KindGitVersion
		d.GitURL = rd.Git
		d.VersionReq = rd.Version
		return d, nil

	case rd.Version != "" || rd.scalar != "":
		v := rd.Version
		if v == "" {
			v = rd.scalar
		}
		if err := validateSemverReq(v); err != nil {
			return d, err
		}
		d.Kind = KindGitVersion
		d.VersionReq = v
		d.Remote = rd.Remote
		url, err := expandRemote(name, rd.Remote, remotes)
		if err != nil {
			return d, err
		}
		d.GitURL = url
		return d, nil

	default:
		return d, errors.Errorf("dependency %q specifies neither path, git/rev, git/version, nor a bare version", name)
	}
}

// validateSemverReq confirms req parses as a Masterminds/semver
// constraint; the actual Constraint value is built lazily by the
// resolver once the package's tag set is known (spec §3 "Version
// constraint").
func validateSemverReq(req string) error {
	_, err := semver.NewConstraint(req)
	if err != nil {
		return errors.Wrapf(err, "invalid version requirement %q", req)
	}
	return nil
}

// expandRemote builds a dependency's git URL from a remote alias
// template (spec §6 "remotes"): a "{}" in the template is substituted
// with the dependency name; a template without "{}" has "/{}.git"
// appended. An empty alias selects the "default" remote if declared, and
// errors otherwise.
func expandRemote(name Name, alias string, remotes map[string]string) (string, error) {
	if alias == "" {
		alias = "default"
	}
	tmpl, ok := remotes[alias]
	if !ok {
		return "", errors.Errorf("dependency %q uses remote %q, which is not declared", name, alias)
	}
	if strings.Contains(tmpl, "{}") {
		return strings.ReplaceAll(tmpl, "{}", string(name)), nil
	}
	return strings.TrimSuffix(tmpl, "/") + "/" + string(name) + ".git", nil
}

func convertGroup(rg *rawGroup) (*Group, error) {
	target, err := ParseTargetExpr(rg.Target)
	if err != nil {
		return nil, err
	}
	g := &Group{
		Target:        target,
		IncludeDirs:   rg.IncludeDirs,
		Defines:       rg.Defines,
		OverrideFiles: rg.OverrideFiles,
		FlistFiles:    rg.Flist,
	}
	for _, rn := range rg.Files {
		if rn.group != nil {
			childGroup, err := convertGroup(rn.group)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, Node{Group: childGroup})
			continue
		}
		g.Children = append(g.Children, Node{File: &File{
			Path:         rn.file,
			TypeOverride: rn.fileOverride,
		}})
	}
	return g, nil
}

// checkUnknownKeys does a lightweight pass over the top-level mapping
// keys to catch unrecognized keys for the package's own manifest (spec
// §4.A). It does not validate nested structure - that's Parse's job.
func checkUnknownKeys(data []byte) error {
	known := map[string]bool{
		"package": true, "dependencies": true, "frozen": true,
		"remotes": true, "sources": true, "export_include_dirs": true,
		"workspace": true, "plugins": true, "vendor_package": true,
	}

	var top map[string]interface{}
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil
	}
	var unknown []string
	for k := range top {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown top-level key(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}
