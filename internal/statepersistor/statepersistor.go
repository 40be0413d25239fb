// Package statepersistor implements the merge-walk that turns one
// finished build plus the prior run's StateData into the StateData to
// write back to disk (spec.md §4.7). Grounded on
// original_source/src/Driver.cpp's SaveScanCache/SaveDigestCache/
// save-state sequence at the end of DriverBuild, reimplemented here as a
// single pure function rather than three separate save calls since this
// implementation collapses node records, DigestCache, and ScanCache into
// one container (internal/dagmodel.Globals doc comment; internal/dagio).
package statepersistor

import (
	"sort"

	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/digestcache"
	"github.com/vk/buildcore/internal/nodestate"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/scancache"
)

// Merge builds the StateData to persist after a build. dag is the DAG
// just built, states is BuildQueue's final per-node runtime state in the
// same dense order as dag.Nodes, prior is the StateData loaded at the
// start of the run (nil if this is the first run ever), and digest/scan
// are the caches that ran during the build.
func Merge(dag *dagmodel.Dag, states []*nodestate.NodeState, prior *priorstate.StateData, digest *digestcache.Cache, scan *scancache.Cache) priorstate.StateData {
	currentID := dag.IdentifierHash()

	live := make(map[[16]byte]bool, len(dag.Nodes))
	for i := range dag.Nodes {
		live[dag.Nodes[i].GUID] = true
	}

	var priorByGUID map[[16]byte]*priorstate.Record
	if prior != nil {
		priorByGUID = make(map[[16]byte]*priorstate.Record, len(prior.Records))
		for i := range prior.Records {
			priorByGUID[prior.Records[i].GUID] = &prior.Records[i]
		}
	}

	var out priorstate.StateData

	// Live nodes: fresh record if this build actually touched them,
	// otherwise (never unblocked, e.g. stranded behind a failed
	// dependency) keep whatever prior record existed verbatim.
	for _, ns := range states {
		if ns.Progress >= nodestate.Unblocked && ns.SignatureResult != nil {
			rec := ns.SignatureResult.Record
			rec.BuildResult = ns.BuildResult
			rec.DagsSeen = addID(rec.DagsSeen, currentID)
			out.Records = append(out.Records, rec)
			continue
		}
		if priorByGUID != nil {
			if prevRec, ok := priorByGUID[ns.Node.GUID]; ok {
				out.Records = append(out.Records, *prevRec)
			}
		}
	}

	// Prior-only nodes: no longer part of the live graph. Keep the
	// record only if the current DAG identifier is still among the DAGs
	// that once referenced it (spec.md §4.8 stale-output bookkeeping
	// depends on this record surviving at least one more run so
	// StaleOutputSweeper can diff against it).
	if prior != nil {
		for i := range prior.Records {
			rec := prior.Records[i]
			if live[rec.GUID] {
				continue
			}
			if containsID(rec.DagsSeen, currentID) {
				out.Records = append(out.Records, rec)
			}
		}
	}

	sort.Slice(out.Records, func(i, j int) bool { return less(out.Records[i].GUID, out.Records[j].GUID) })

	out.DigestCache = convertDigestEntries(digest.Dump())
	out.ScanCache = convertScanEntries(scan.Dump())
	return out
}

func convertDigestEntries(entries []digestcache.SeedEntry) []priorstate.DigestEntry {
	out := make([]priorstate.DigestEntry, len(entries))
	for i, e := range entries {
		out[i] = priorstate.DigestEntry{Path: e.Path, Timestamp: e.Timestamp, Size: e.Size, Digest: e.Digest}
	}
	return out
}

func convertScanEntries(entries []scancache.SeedEntry) []priorstate.ScanEntry {
	out := make([]priorstate.ScanEntry, len(entries))
	for i, e := range entries {
		out[i] = priorstate.ScanEntry{Path: e.Path, Timestamp: e.Timestamp, ScannerKind: e.ScannerKind, Includes: e.Includes}
	}
	return out
}

func addID(ids []uint32, id uint32) []uint32 {
	if containsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

func containsID(ids []uint32, id uint32) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func less(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
