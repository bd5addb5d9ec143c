package manifest

// FileType identifies a source file's HDL dialect (spec §4.E "File-type
// is inferred from extension").
type FileType int

const (
	// TypeUnknown is used for files whose extension (and override key)
	// gave no hint about their dialect; the assembler still emits them.
	TypeUnknown FileType = iota
	TypeVerilog
	TypeVHDL
)

func (t FileType) String() string {
	switch t {
	case TypeVerilog:
		return "verilog"
	case TypeVHDL:
		return "vhdl"
	default:
		return "unknown"
	}
}

// Node is a node of a package's source tree: either a File or a Group
// (spec §3 "Source tree"). Modeled as a struct with a discriminant
// rather than an interface so callers can inspect both shapes without a
// type switch boilerplate explosion, mirroring the Dependency shape.
type Node struct {
	// File is non-nil for a terminal File node.
	File *File
	// Group is non-nil for a Group node.
	Group *Group
}

// IsFile reports whether this node is a terminal file.
func (n *Node) IsFile() bool { return n.File != nil }

// IsGroup reports whether this node is a group.
func (n *Node) IsGroup() bool { return n.Group != nil }

// File is a terminal source file entry.
type File struct {
	// Path is the file path, relative to the package root.
	Path string
	// TypeOverride lets an unusually-suffixed or encrypted file declare
	// its language explicitly via the "sv"/"v"/"vhd" override keys.
	TypeOverride FileType
}

// Group is a recursive source-tree node carrying an optional target
// predicate, include-dirs, defines, and an ordered list of children
// (spec §3 "Source tree").
type Group struct {
	// Target gates this group's (and its descendants') inclusion. A nil
	// Target is always true.
	Target *TargetExpr
	// IncludeDirs contributes to this group's descendants, merged with
	// ancestors' (spec §4.E).
	IncludeDirs []string
	// Defines maps a define name to its optional value; a nil value
	// marks a valueless (flag) define - see DefineValue.
	Defines map[string]*string
	// OverrideFiles marks this group for the override-files
	// post-processing pass (spec §4.E).
	OverrideFiles bool
	// FlistFiles are external flist file paths to expand inline.
	FlistFiles []string
	// Children is the ordered list of child nodes, preserving manifest
	// declaration order (spec I7).
	Children []Node
}

// DefineValue returns the define's value, whether the define is present
// in m at all, and whether it is a value-carrying define (as opposed to a
// bare flag define).
func DefineValue(m map[string]*string, name string) (string, bool, bool) {
	v, ok := m[name]
	if !ok {
		return "", false, false
	}
	if v == nil {
		return "", true, false
	}
	return *v, true, true
}
