// Package lockfile is the persistence format and update discipline of
// spec §3 "Lockfile entry" and §6 "Bender.lock format". It gives the
// whole system reproducibility (spec I6, P1, P10).
package lockfile

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/pulp-platform/bender/manifest"
)

// SourceKind tags a locked package's frozen source (spec §3 "Lockfile
// entry"): either a Path or a Git{url, revision, version}.
type SourceKind int

const (
	SourcePath SourceKind = iota
	SourceGit
)

// Entry is one Bender.lock entry (spec §3 "Lockfile entry", §6 "Bender.lock format").
type Entry struct {
	Kind SourceKind

	// Path is set for SourcePath entries.
	Path string

	// URL, Revision, Version are set for SourceGit entries. Version is
	// empty when the entry was pinned by revision rather than a semver
	// requirement.
	URL      string
	Revision string
	Version  string

	// Requirement is the (deduplicated) requirement string(s) that
	// converged on this binding, kept for diagnostics only - it plays
	// no role in future resolutions (spec §4.C step 5).
	Requirement string

	// Dependencies is this package's chosen dependency set by name.
	Dependencies []manifest.Name
}

// Lock is the full resolved dependency graph: a mapping from package
// name to its frozen entry (spec §3).
type Lock struct {
	Packages map[manifest.Name]Entry
}

// New returns an empty lock.
func New() *Lock {
	return &Lock{Packages: make(map[manifest.Name]Entry)}
}

type rawLock struct {
	Packages map[string]rawEntry `yaml:"packages"`
}

type rawEntry struct {
	Revision     string           `yaml:"revision,omitempty"`
	Version      string           `yaml:"version,omitempty"`
	Requirement  string           `yaml:"requirement,omitempty"`
	Source       rawSource        `yaml:"source"`
	Dependencies []string         `yaml:"dependencies"`
}

// rawSource renders as `Path: <p>` or `Git: {url: <u>}` (spec §6:
// "source (Path or Git { url })").
type rawSource struct {
	Path string `yaml:"Path,omitempty"`
	Git  *struct {
		URL string `yaml:"url"`
	} `yaml:"Git,omitempty"`
}

// Load reads and parses a Bender.lock file. A missing file is returned as
// the underlying read error - callers distinguish "no lock yet" by checking
// os.IsNotExist on the returned error themselves if they care, same as the
// teacher's readManifest/readLock callers.
func Load(path string) (*Lock, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawLock
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing lockfile %s", path)
	}

	l := New()
	for name, re := range raw.Packages {
		n := manifest.Normalize(name)
		e := Entry{
			Revision:    re.Revision,
			Version:     re.Version,
			Requirement: re.Requirement,
		}
		for _, d := range re.Dependencies {
			e.Dependencies = append(e.Dependencies, manifest.Normalize(d))
		}

		switch {
		case re.Source.Git != nil:
			e.Kind = SourceGit
			e.URL = re.Source.Git.URL
		case re.Source.Path != "":
			e.Kind = SourcePath
			e.Path = re.Source.Path
		default:
			return nil, errors.Errorf("lockfile entry %q has neither a Path nor a Git source", name)
		}

		l.Packages[n] = e
	}

	return l, nil
}

// marshal renders the lock to YAML bytes, with packages sorted by name
// for byte-stable output (spec P1 "Lock stability").
func (l *Lock) marshal() ([]byte, error) {
	raw := rawLock{Packages: make(map[string]rawEntry, len(l.Packages))}

	names := make([]string, 0, len(l.Packages))
	for n := range l.Packages {
		names = append(names, string(n))
	}
	sort.Strings(names)

	for _, n := range names {
		e := l.Packages[manifest.Name(n)]
		re := rawEntry{
			Revision:    e.Revision,
			Version:     e.Version,
			Requirement: e.Requirement,
		}
		deps := make([]string, len(e.Dependencies))
		for i, d := range e.Dependencies {
			deps[i] = string(d)
		}
		sort.Strings(deps)
		re.Dependencies = deps

		switch e.Kind {
		case SourcePath:
			re.Source = rawSource{Path: e.Path}
		case SourceGit:
			re.Source = rawSource{Git: &struct {
				URL string `yaml:"url"`
			}{URL: e.URL}}
		}

		raw.Packages[n] = re
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(&raw); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write atomically persists the lock to path: write-to-tempfile +
// rename, so a crash mid-write leaves the previous lockfile intact
// (spec I6, P10), grounded on the teacher's txn_writer.go.
func Write(path string, l *Lock) error {
	data, err := l.marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, ".bender-lock-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating lockfile tempfile")
	}
	tmpPath := tmp.Name()

	// Ensure the tempfile never lingers if we fail before the rename.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing lockfile tempfile")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing lockfile tempfile")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing lockfile tempfile")
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return errors.Wrap(err, "chmod lockfile tempfile")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "renaming lockfile into place")
	}
	succeeded = true
	return nil
}

// Equivalent reports whether two locks carry the same packages and
// entries, ignoring map iteration order (used by freshness checks and
// by tests asserting P1 "Lock stability").
func Equivalent(a, b *Lock) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Packages) != len(b.Packages) {
		return false
	}
	for name, ea := range a.Packages {
		eb, ok := b.Packages[name]
		if !ok || !entriesEqual(ea, eb) {
			return false
		}
	}
	return true
}

func entriesEqual(a, b Entry) bool {
	if a.Kind != b.Kind || a.Path != b.Path || a.URL != b.URL ||
		a.Revision != b.Revision || a.Version != b.Version {
		return false
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return false
	}
	ad := append([]manifest.Name(nil), a.Dependencies...)
	bd := append([]manifest.Name(nil), b.Dependencies...)
	sort.Slice(ad, func(i, j int) bool { return ad[i] < ad[j] })
	sort.Slice(bd, func(i, j int) bool { return bd[i] < bd[j] })
	for i := range ad {
		if ad[i] != bd[i] {
			return false
		}
	}
	return true
}

// Stale reports whether the lockfile at path needs to be refreshed
// before use (spec §4.C "Freshness rule"): it is missing, older than any
// manifest in manifestPaths, or omits any of the required package names.
func Stale(path string, manifestPaths []string, required []manifest.Name, l *Lock) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	for _, mp := range manifestPaths {
		mi, err := os.Stat(mp)
		if err != nil {
			continue
		}
		if mi.ModTime().After(info.ModTime()) {
			return true, nil
		}
	}

	if l == nil {
		return true, nil
	}
	for _, name := range required {
		if _, ok := l.Packages[name]; !ok {
			return true, nil
		}
	}

	return false, nil
}

// String implements fmt.Stringer for Entry, mainly for diagnostics.
func (e Entry) String() string {
	switch e.Kind {
	case SourcePath:
		return fmt.Sprintf("path:%s", e.Path)
	case SourceGit:
		if e.Version != "" {
			return fmt.Sprintf("git:%s@%s (%s)", e.URL, e.Revision, e.Version)
		}
		return fmt.Sprintf("git:%s@%s", e.URL, e.Revision)
	default:
		return "unknown"
	}
}
