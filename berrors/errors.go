// Package berrors defines the closed set of error kinds the core must
// distinguish (spec §7). Each kind is a distinct struct implementing error.
// The kinds with a multi-line form (PathConflictError, VersionConflictError,
// CycleError) also implement traceString() for verbose diagnostics, in the
// style of the teacher's gps.traceError interface; TraceString falls back
// to Error() for the others.
package berrors

import (
	"bytes"
	"fmt"
	"strings"
)

// Severity classifies whether an error kind is fatal or a mere warning.
// Tools building on bender can map this to a process exit code; bender
// itself never calls os.Exit.
type Severity uint8

const (
	// Warning-level issues are reported but never abort a command.
	Warning Severity = iota
	// Fatal issues abort whatever operation produced them.
	Fatal
)

// traceError is implemented by error kinds that have a more detailed,
// multi-line representation for verbose/trace output.
type traceError interface {
	traceString() string
}

// TraceString returns the most detailed available description of err: its
// traceString() if it implements traceError, else its Error().
func TraceString(err error) string {
	if te, ok := err.(traceError); ok {
		return te.traceString()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// PathConflictError reports that two or more sources disagree on the
// canonical filesystem path for a path dependency (spec I2, P4).
type PathConflictError struct {
	Name    string
	Sources []PathConflictSource
}

// PathConflictSource is one of the disagreeing requirers in a PathConflictError.
type PathConflictSource struct {
	Parent string // name of the referencing package, or "(root)"
	Path   string
}

func (e *PathConflictError) Error() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "path conflict for package %q: ", e.Name)
	for i, s := range e.Sources {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s wants %s", s.Parent, s.Path)
	}
	return buf.String()
}

func (e *PathConflictError) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "no single path satisfies every requirer of %q:", e.Name)
	for _, s := range e.Sources {
		fmt.Fprintf(&buf, "\n  %s -> %s", s.Parent, s.Path)
	}
	return buf.String()
}

func (e *PathConflictError) Severity() Severity { return Fatal }

// VersionConflictError reports that the intersection of every requirer's
// semver range for a package is empty (spec I3, P5, S3).
type VersionConflictError struct {
	Name         string
	Requirements []VersionRequirement
}

// VersionRequirement names one source's requirement string for a package,
// for diagnostics.
type VersionRequirement struct {
	Parent     string
	Constraint string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("no version of %q satisfies all %d requirement(s)", e.Name, len(e.Requirements))
}

func (e *VersionConflictError) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "no version of %q satisfies every requirement:", e.Name)
	for _, r := range e.Requirements {
		fmt.Fprintf(&buf, "\n  %s requires %s", r.Parent, r.Constraint)
	}
	return buf.String()
}

func (e *VersionConflictError) Severity() Severity { return Fatal }

// RevisionNotFoundError reports that a commit-ish string could not be
// resolved against a mirror (spec §4.B "Commit-ish resolution").
type RevisionNotFoundError struct {
	Name       string
	URL        string
	CommitIsh  string
	Underlying error
}

func (e *RevisionNotFoundError) Error() string {
	return fmt.Sprintf("cannot satisfy requirement %q for %q (%s)", e.CommitIsh, e.Name, e.URL)
}

func (e *RevisionNotFoundError) Unwrap() error { return e.Underlying }

func (e *RevisionNotFoundError) Severity() Severity { return Fatal }

// CycleError reports a dependency cycle (spec I5, P7, S2).
type CycleError struct {
	Path []string // full cycle path, e.g. ["root", "A", "A"]
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) traceString() string { return e.Error() }

func (e *CycleError) Severity() Severity { return Fatal }

// FrozenViolationError reports that resolution proposed a binding that
// differs from the lockfile entry for a package marked frozen (spec I4,
// P3, S4).
type FrozenViolationError struct {
	Name     string
	Locked   string
	Proposed string
}

func (e *FrozenViolationError) Error() string {
	return fmt.Sprintf("package %q is frozen at %s, but resolution would change it to %s", e.Name, e.Locked, e.Proposed)
}

func (e *FrozenViolationError) Severity() Severity { return Fatal }

// GitFailureError wraps a non-zero git subprocess exit (spec §7).
type GitFailureError struct {
	Args   []string
	Stderr string
	Cause  error
}

func (e *GitFailureError) Error() string {
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Cause, strings.TrimSpace(e.Stderr))
}

func (e *GitFailureError) Unwrap() error { return e.Cause }

func (e *GitFailureError) Severity() Severity { return Fatal }

// LfsMissingWarning is designated W33 in spec §7: LFS is required by a
// repository but the git-lfs binary is not installed. Never fatal.
type LfsMissingWarning struct {
	Name string
}

func (e *LfsMissingWarning) Error() string {
	return fmt.Sprintf("W33: %q uses git-lfs, but the git-lfs binary was not found; pointer files will be left unresolved", e.Name)
}

func (e *LfsMissingWarning) Severity() Severity { return Warning }

// NameMismatchWarning reports that a manifest's declared name disagrees
// with the key under which it was referenced (spec §3, §4.A).
type NameMismatchWarning struct {
	ReferencedAs string
	DeclaredName string
}

func (e *NameMismatchWarning) Error() string {
	return fmt.Sprintf("package referenced as %q declares its own name as %q; using %q", e.ReferencedAs, e.DeclaredName, e.ReferencedAs)
}

func (e *NameMismatchWarning) Severity() Severity { return Warning }

// ManifestNotFoundError reports that a bound revision was expected to
// carry a manifest, but none was found there (spec §7).
type ManifestNotFoundError struct {
	Name     string
	Revision string
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("no Bender.yml found for %q at %s", e.Name, e.Revision)
}

func (e *ManifestNotFoundError) Severity() Severity { return Fatal }

// ManifestParseError reports a syntax or schema error while decoding a
// Bender.yml.
type ManifestParseError struct {
	Path  string
	Cause error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Cause)
}

func (e *ManifestParseError) Unwrap() error { return e.Cause }

func (e *ManifestParseError) Severity() Severity { return Fatal }
