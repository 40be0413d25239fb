// Package dagmodel defines the frozen DAG: the immutable, externally
// produced structure that buildcore consumes. Nothing in this package
// mutates after a Dag is loaded; all per-build runtime state lives in
// internal/nodestate instead. Field names mirror
// original_source/src/DagData.hpp, flattened from Tundra's
// pointer-into-mmap frozen-array layout into plain Go slices, since the
// binary container format is out of scope (spec.md §1) and any
// serialization that round-trips these fields is acceptable.
package dagmodel

import "github.com/vk/buildcore/internal/bhash"

// Flags is a bitset of per-node behavior toggles, corresponding to the
// NodeData flag bits in original_source/src/DagData.hpp. Names match
// spec.md §3 exactly.
type Flags uint32

const (
	// FlagOverwriteOutputs leaves pre-existing output files in place for
	// the action to overwrite; without it, RunAction removes them before
	// running the action (spec.md §4.3 step 5).
	FlagOverwriteOutputs Flags = 1 << iota
	// FlagPreciousOutputs prevents output deletion on failure (spec.md
	// §4.3 step 15).
	FlagPreciousOutputs
	// FlagExpensive routes the node through BuildQueue's expensive
	// admission control (spec.md §4.1, §5).
	FlagExpensive
	// FlagAllowUnexpectedOutput suppresses OutputValidator's
	// UnexpectedConsoleOutputFail check (spec.md §4.4).
	FlagAllowUnexpectedOutput
	// FlagIsWriteTextFileAction marks Action as literal text to be
	// written to the single declared output file rather than a command
	// to execute (spec.md §4.3 step 8).
	FlagIsWriteTextFileAction
	// FlagAllowUnwrittenOutputFiles suppresses ActionRunner's
	// unwritten-output-file check (spec.md §4.3 step 10).
	FlagAllowUnwrittenOutputFiles
	// FlagBanContentDigestForInputs forces timestamp-based signing for
	// every explicit input of this node regardless of the DAG's
	// content-digest extension list (spec.md §4.2 file_signature,
	// "force_use_timestamp").
	FlagBanContentDigestForInputs
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// FileRef pairs a path with its producer-computed 32-bit path hash
// (spec.md §3: "input_files: [{path, path_hash}]"). The core never
// recomputes PathHash for a DAG-supplied path — the producer owns that —
// but internal/bhash.PathHash is available for anything the core derives
// itself (e.g. implicit inputs discovered by the scanner).
type FileRef struct {
	Path     string
	PathHash uint32
}

// EnvVar is a single environment variable override. An empty Value unsets
// the variable from the base environment (SPEC_FULL.md §4.9,
// original_source/src/Driver.cpp env var handling).
type EnvVar struct {
	Name  string
	Value string
}

// ScannerConfig names the include scanner a node's explicit inputs should
// be run through to discover implicit dependencies, and the search roots
// used to resolve relative includes (spec.md §6 Scanner contract;
// original_source/src/DagData.hpp ScannerData).
type ScannerConfig struct {
	Kind        string
	IncludePath []string
}

// SharedResource is a frozen declaration of a lazily-created,
// refcounted resource a node may depend on (spec.md §5 Shared resource
// lifecycle; original_source/src/SharedResources.hpp).
type SharedResource struct {
	Annotation    string
	CreateAction  string
	DestroyAction string
	EnvVars       []EnvVar
}

// Node is one frozen build action. Dependencies and BackLinks are dense
// indices into Dag.Nodes, resolved once at load time so the runtime never
// re-walks names.
type Node struct {
	GUID bhash.GUID

	Annotation string
	Action     string
	PreAction  string

	InputFiles              []FileRef
	OutputFiles             []FileRef
	AuxOutputFiles          []FileRef
	EnvVars                 []EnvVar
	AllowedOutputSubstrings []string

	Flags Flags

	Scanner *ScannerConfig

	// SharedResources indexes into Dag.SharedResources.
	SharedResources []int

	// Dependencies and BackLinks index into Dag.Nodes. Dependencies are
	// the node's prerequisites; BackLinks are the inverse edges, built
	// once at load time so BuildQueue.unblockWaiters never searches.
	Dependencies []int32
	BackLinks    []int32

	// PassIndex places the node in one of Dag.Passes (spec.md §5 "Pass
	// barrier").
	PassIndex int

	// OriginalIndex is the producer's own node numbering, carried through
	// unchanged so structured log records can cite it even after the
	// core re-sorts Nodes by GUID (spec.md §6, "each carrying annotation
	// and original_index").
	OriginalIndex int
}

// Pass is a named build phase; all nodes in pass N complete (or the build
// fails) before any node in pass N+1 is permitted to start (spec.md §5).
type Pass struct {
	Name string
}

// Globals carries DAG-wide metadata needed to validate a loaded
// container, decide signing strategy, and merge persisted state across
// runs (spec.md §3 "Globals").
type Globals struct {
	// DagIdentifier is a caller-chosen string (e.g. a config fingerprint)
	// hashed into the container header and into persisted-state DagsSeen
	// sets so a stale or mismatched state file is detected rather than
	// silently misapplied (spec.md §6).
	DagIdentifier string

	// ContentDigestExtensions lists file extensions (leading dot, e.g.
	// ".h") that should be signed by content digest rather than
	// timestamp, unless overridden per-node by
	// FlagBanContentDigestForInputs (spec.md §3 "extensions-to-hash
	// list").
	ContentDigestExtensions []string

	// DefaultExpensiveCount and MaxExpensiveCount bound BuildQueue's
	// expensive-admission slot count (spec.md §3, §4.1, §4.6).
	DefaultExpensiveCount int
	MaxExpensiveCount     int

	// StateFilename, ScanFilename, DigestFilename are the canonical
	// names the DAG producer expects persisted state to live at. This
	// implementation stores all three kinds of persisted data (node
	// records, digest cache, scan cache) in one container at the path the
	// driver is given (cmd/buildcore: -state, default <dag>.state); all
	// three fields are carried for DAG model fidelity and nothing reads
	// them.
	StateFilename  string
	ScanFilename   string
	DigestFilename string
}

// Dag is the full frozen, externally-produced build graph. Nodes is kept
// sorted by GUID so binary search can resolve a GUID to a dense index
// without a map, mirroring the frozen-array lookup the original performs
// over its memory-mapped node table.
type Dag struct {
	Globals         Globals
	Passes          []Pass
	SharedResources []SharedResource
	Nodes           []Node
}

// IdentifierHash returns the 32-bit hash of Globals.DagIdentifier used as
// the "current DAG identifier" in DagsSeen sets and container framing
// (spec.md §6 "a hashed identifier string").
func (d *Dag) IdentifierHash() uint32 {
	return bhash.Djb2(d.Globals.DagIdentifier)
}
