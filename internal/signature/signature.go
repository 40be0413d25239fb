// Package signature implements CheckInputSignature (spec.md §4.2): for
// one node, fold its action text, pre-action text, explicit inputs,
// scanner-discovered implicit inputs, allowed-output substrings, and two
// flag bits into a single 160-bit digest, then apply the rebuild
// decision in spec.md's stated priority order. Grounded on
// original_source/src/FileSign.cpp (ComputeFileSignature,
// ShouldUseSHA1SignatureFor) for the per-file timestamp-vs-digest
// decision.
package signature

import (
	"context"
	"sort"

	"github.com/vk/buildcore/internal/bhash"
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/digestcache"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/scancache"
	"github.com/vk/buildcore/internal/scanner"
	"github.com/vk/buildcore/internal/statcache"
)

// Decision is the outcome of CheckInputSignature's rebuild decision
// (spec.md §4.2 "Rebuild decision, in this priority order").
type Decision int

const (
	UpToDate Decision = iota
	RunAction
)

// ChangeKind names which part of a node's signature moved, matching the
// structured-log "changes" entry kinds spec.md §6 lists by name.
type ChangeKind int

const (
	ChangeAction ChangeKind = iota
	ChangePreAction
	ChangeInputFileList
	ChangeInputFileTimestamp
	ChangeInputFileDigest
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAction:
		return "Action"
	case ChangePreAction:
		return "PreAction"
	case ChangeInputFileList:
		return "InputFileList"
	case ChangeInputFileTimestamp:
		return "InputFileTimestamp"
	case ChangeInputFileDigest:
		return "InputFileDigest"
	default:
		return "Unknown"
	}
}

// Change is one detected reason a node's signature differs from its
// prior value, suitable for a single structured log line.
type Change struct {
	Kind     ChangeKind
	Path     string
	Implicit bool
}

// Result is the outcome of Check: the decision, the freshly computed
// record ready for persistence, and — only when RunAction was decided
// because the signature itself moved — the Changes that explain why.
type Result struct {
	Decision Decision
	Record   priorstate.Record
	Changes  []Change
}

// ContentExtensions is the set of file extensions (including the leading
// dot, e.g. ".h") that should be signed by content digest rather than by
// timestamp, built from dagmodel.Globals.ContentDigestExtensions.
// Timestamp signing is the default — cheap, and correct for any input
// whose mtime reliably advances when its content does; content-digest
// signing exists for inputs like generated headers where checkout or
// build-system mechanics are known to leave the timestamp lying.
type ContentExtensions map[string]bool

// NewContentExtensions builds a ContentExtensions set from a DAG's
// configured extension list.
func NewContentExtensions(exts []string) ContentExtensions {
	m := make(ContentExtensions, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

// Has reports whether ext (with leading dot) is in the set.
func (c ContentExtensions) Has(ext string) bool { return c[ext] }

// Engine computes and compares node input signatures.
type Engine struct {
	Stat    *statcache.Cache
	Digest  *digestcache.Cache
	Scan    *scancache.Cache
	Scanner scanner.Scanner

	ContentExtensions ContentExtensions
}

// Check computes node's current input signature and applies the rebuild
// decision (spec.md §4.2). prior is nil when the node has never run
// before, which unconditionally decides RunAction (priority 1).
func (e *Engine) Check(ctx context.Context, guid bhash.GUID, node *dagmodel.Node, prior *priorstate.Record) (Result, error) {
	explicit, err := e.signRefs(ctx, node, node.InputFiles)
	if err != nil {
		return Result{}, err
	}

	var implicit []priorstate.InputEntry
	if node.Scanner != nil {
		refs, err := e.collectImplicit(ctx, node)
		if err != nil {
			return Result{}, err
		}
		implicit, err = e.signRefs(ctx, node, refs)
		if err != nil {
			return Result{}, err
		}
	}

	actionDigest := stringDigest(node.Action)
	preActionDigest := stringDigest(node.PreAction)
	sig := computeSignature(node, explicit, implicit)

	rec := priorstate.Record{
		GUID:            guid,
		InputSignature:  sig,
		ActionDigest:    actionDigest,
		PreActionDigest: preActionDigest,
		Inputs:          explicit,
		ImplicitInputs:  implicit,
		OutputFiles:     pathsOf(node.OutputFiles),
		AuxOutputFiles:  pathsOf(node.AuxOutputFiles),
	}

	// Priority 1: no prior state for this GUID.
	if prior == nil {
		return Result{Decision: RunAction, Record: rec}, nil
	}
	rec.DagsSeen = prior.DagsSeen

	// Priority 2: signature mismatch.
	if sig != prior.InputSignature {
		changes := diff(prior, explicit, implicit, actionDigest, preActionDigest)
		return Result{Decision: RunAction, Record: rec, Changes: changes}, nil
	}

	// Priority 3: prior run failed — always retry.
	if prior.BuildResult != 0 {
		return Result{Decision: RunAction, Record: rec}, nil
	}

	// Priority 4: output file list differs (count or any path).
	if !samePaths(prior.OutputFiles, rec.OutputFiles) {
		return Result{Decision: RunAction, Record: rec}, nil
	}

	// Priority 5: any current output file missing on disk.
	for _, out := range node.OutputFiles {
		st, err := e.Stat.Stat(out.Path)
		if err != nil {
			return Result{}, err
		}
		if !st.Exists {
			return Result{Decision: RunAction, Record: rec}, nil
		}
	}

	// Priority 6: up to date.
	return Result{Decision: UpToDate, Record: rec}, nil
}

// collectImplicit runs the node's scanner against every explicit input,
// deduplicating discovered paths by path hash then path, and returns
// them in that (path_hash, path) order — the deterministic iteration
// order spec.md §4.2 step 4 requires ("dedup by path_hash then path...
// walk the set in the set's deterministic iteration order").
func (e *Engine) collectImplicit(ctx context.Context, node *dagmodel.Node) ([]dagmodel.FileRef, error) {
	seen := make(map[string]bool)
	var refs []dagmodel.FileRef
	for _, in := range node.InputFiles {
		st, err := e.Stat.Stat(in.Path)
		if err != nil {
			return nil, err
		}
		if !st.Exists {
			continue
		}
		key := scancache.Key{Path: in.Path, Timestamp: st.Timestamp, ScannerKind: node.Scanner.Kind}
		paths, err := e.Scan.Get(key, func(p string) ([]string, error) {
			return e.Scanner.Scan(ctx, p)
		})
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				refs = append(refs, dagmodel.FileRef{Path: p, PathHash: bhash.PathHash(p)})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].PathHash != refs[j].PathHash {
			return refs[i].PathHash < refs[j].PathHash
		}
		return refs[i].Path < refs[j].Path
	})
	return refs, nil
}

// signRefs computes the per-file InputEntry for each ref, preserving the
// caller's order for explicit inputs. spec.md §9 Open Question: explicit
// input order is NOT canonicalized here — two DAGs listing the same
// inputs in a different order sign differently. This is a known
// limitation, not a bug (see DESIGN.md).
func (e *Engine) signRefs(ctx context.Context, node *dagmodel.Node, refs []dagmodel.FileRef) ([]priorstate.InputEntry, error) {
	entries := make([]priorstate.InputEntry, 0, len(refs))
	forceTimestamp := node.Flags.Has(dagmodel.FlagBanContentDigestForInputs)
	for _, ref := range refs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		st, err := e.Stat.Stat(ref.Path)
		if err != nil {
			return nil, err
		}
		entry := priorstate.InputEntry{Path: ref.Path, Timestamp: st.Timestamp}
		if !forceTimestamp && st.Exists && e.ContentExtensions.Has(ext(ref.Path)) {
			d, err := e.Digest.Get(ref.Path, st.Timestamp, st.Size)
			if err != nil {
				return nil, err
			}
			entry.Digest = d
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// computeSignature folds every contributor spec.md §4.2 names, in order,
// into one 160-bit digest (I7).
func computeSignature(node *dagmodel.Node, explicit, implicit []priorstate.InputEntry) bhash.Digest {
	acc := bhash.NewState()
	acc.WriteString(node.Action)
	acc.Separator()
	if node.PreAction != "" {
		acc.WriteString(node.PreAction)
		acc.Separator()
	}
	for _, in := range explicit {
		acc.WriteString(in.Path)
		foldEntry(acc, in)
	}
	for _, in := range implicit {
		acc.WriteString(in.Path)
		foldEntry(acc, in)
	}
	for _, sub := range node.AllowedOutputSubstrings {
		acc.WriteString(sub)
		acc.Separator()
	}
	if node.Flags.Has(dagmodel.FlagAllowUnexpectedOutput) {
		acc.WriteUint64(1)
	} else {
		acc.WriteUint64(0)
	}
	if node.Flags.Has(dagmodel.FlagAllowUnwrittenOutputFiles) {
		acc.WriteUint64(1)
	} else {
		acc.WriteUint64(0)
	}
	return acc.Digest()
}

func foldEntry(acc *bhash.State, e priorstate.InputEntry) {
	if e.Digest != (bhash.Digest{}) {
		acc.Write(e.Digest[:])
	} else {
		acc.WriteUint64(e.Timestamp)
	}
	acc.Separator()
}

func stringDigest(s string) bhash.Digest {
	st := bhash.NewState()
	st.WriteString(s)
	return st.Digest()
}

func pathsOf(refs []dagmodel.FileRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Path
	}
	return out
}

func samePaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ext(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' || path[i] == '\\' {
			break
		}
	}
	return ""
}

func diff(prior *priorstate.Record, explicit, implicit []priorstate.InputEntry, actionDigest, preActionDigest bhash.Digest) []Change {
	var changes []Change
	if actionDigest != prior.ActionDigest {
		changes = append(changes, Change{Kind: ChangeAction})
	}
	if preActionDigest != prior.PreActionDigest {
		changes = append(changes, Change{Kind: ChangePreAction})
	}
	changes = append(changes, diffInputs(prior.Inputs, explicit, false)...)
	changes = append(changes, diffInputs(prior.ImplicitInputs, implicit, true)...)
	return changes
}

func diffInputs(old, cur []priorstate.InputEntry, implicit bool) []Change {
	oldByPath := make(map[string]priorstate.InputEntry, len(old))
	for _, e := range old {
		oldByPath[e.Path] = e
	}
	curByPath := make(map[string]bool, len(cur))
	var changes []Change

	listChanged := len(old) != len(cur)

	for _, e := range cur {
		curByPath[e.Path] = true
		prev, existed := oldByPath[e.Path]
		if !existed {
			listChanged = true
			continue
		}
		if e.Digest != (bhash.Digest{}) || prev.Digest != (bhash.Digest{}) {
			if e.Digest != prev.Digest {
				changes = append(changes, Change{Kind: ChangeInputFileDigest, Path: e.Path, Implicit: implicit})
			}
		} else if e.Timestamp != prev.Timestamp {
			changes = append(changes, Change{Kind: ChangeInputFileTimestamp, Path: e.Path, Implicit: implicit})
		}
	}
	for _, e := range old {
		if !curByPath[e.Path] {
			listChanged = true
		}
	}
	if listChanged {
		changes = append([]Change{{Kind: ChangeInputFileList, Implicit: implicit}}, changes...)
	}
	return changes
}
