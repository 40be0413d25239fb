// Package priorstate defines the persisted build-state model: the
// per-node facts carried from one build to the next so the signature
// engine can decide what changed without re-running anything. It is
// deliberately a plain data model; encoding and atomic persistence live
// in internal/dagio, and the merge-walk that produces a new StateData
// from a finished build lives in internal/statepersistor.
package priorstate

import "github.com/vk/buildcore/internal/bhash"

// Record is everything remembered about one node across builds (spec.md
// §3 "Persisted prior state").
type Record struct {
	GUID bhash.GUID

	// InputSignature is the 160-bit digest CheckInputSignature computed
	// the last time this node ran its action.
	InputSignature bhash.Digest

	// BuildResult is 0 if the node's last run succeeded, nonzero
	// otherwise. A nonzero BuildResult forces RunAction even when the
	// signature is unchanged (spec.md §4.2 rebuild-decision priority 3,
	// "retry").
	BuildResult int

	// ActionDigest and PreActionDigest let the signature engine report
	// precisely *which* part of a changed signature moved — the command
	// text itself, as opposed to any input file — without re-deriving it
	// from InputSignature, which folds everything together.
	ActionDigest    bhash.Digest
	PreActionDigest bhash.Digest

	// Inputs and ImplicitInputs are the explicit and scanner-discovered
	// inputs as observed when InputSignature was computed, used to
	// explain signature changes in diagnostic logging (spec.md §4.2
	// "explain the decision").
	Inputs         []InputEntry
	ImplicitInputs []InputEntry

	// OutputFiles records the node's declared outputs as of the run that
	// produced InputSignature, used by StaleOutputSweeper to detect
	// outputs a later DAG revision no longer declares.
	OutputFiles     []string
	AuxOutputFiles  []string

	// DagsSeen is the set of DAG identifiers (spec.md §6, Globals.DagIdentifier
	// hashed) that have referenced this node. A record for a node missing
	// from the live DAG is kept only while the current DAG's identifier is
	// in this set (internal/statepersistor.Merge).
	DagsSeen []uint32
}

// InputEntry is one file's contribution to a node's last-computed input
// signature: its path, the timestamp observed at signing time, and —
// only when the path was signed by content rather than by timestamp
// (internal/signature, ContentExtensions) — the content digest that
// was folded in. Digest is the zero value for timestamp-signed paths.
//
// priorstate does not import dagmodel: prior state outlives any single
// Dag and must be loadable before a Dag is even chosen, so the two
// packages are kept independent and converted between explicitly at the
// call sites that need both (internal/statepersistor).
type InputEntry struct {
	Path      string
	Timestamp uint64
	Digest    bhash.Digest
}

// DigestEntry is one cached content-digest, carried in the same
// container as Records so DigestCache survives across runs (spec.md §2,
// "DigestCache: ... persisted").
type DigestEntry struct {
	Path      string
	Timestamp uint64
	Size      int64
	Digest    bhash.Digest
}

// ScanEntry is one cached include-scan result, carried in the same
// container as Records so ScanCache survives across runs (spec.md §2,
// "ScanCache: ... persisted").
type ScanEntry struct {
	Path        string
	Timestamp   uint64
	ScannerKind string
	Includes    []string
}

// StateData is the full persisted state container: one Record per node
// that has ever reached progress >= Unblocked in any build, sorted by
// GUID for the same binary-search reason as dagmodel.Dag.Nodes, plus the
// persisted DigestCache and ScanCache contents.
type StateData struct {
	Records      []Record
	DigestCache  []DigestEntry
	ScanCache    []ScanEntry
}

// Find returns the record for guid, or nil if none exists. StateData is
// expected to be sorted by GUID (statepersistor.Merge writes it sorted), but Find falls back to a
// linear scan if it is not, so callers loading a container from an older
// writer that did not sort are still correct, only slower.
func (sd *StateData) Find(guid bhash.GUID) *Record {
	lo, hi := 0, len(sd.Records)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(sd.Records[mid].GUID, guid) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(sd.Records) && sd.Records[lo].GUID == guid {
		return &sd.Records[lo]
	}
	for i := range sd.Records {
		if sd.Records[i].GUID == guid {
			return &sd.Records[i]
		}
	}
	return nil
}

func less(a, b bhash.GUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
