// Package staleoutputsweeper implements StaleOutputSweeper (spec.md
// §4.8): after a build, delete on-disk files that a prior run produced
// but the current DAG no longer declares as an output. Grounded on
// original_source/src/Driver.cpp's RemoveStaleOutputs pass over
// g_Driver.m_AllNodes, reimplemented here as a diff between the outputs
// the current DAG's nodes declare and the outputs recorded in the prior
// run's StateData.
package staleoutputsweeper

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/priorstate"
)

// Result reports what Sweep actually removed, for logging and tests.
type Result struct {
	RemovedFiles       []string
	RemovedDirectories []string
}

// Sweep computes produced (every output and aux-output file the current
// live DAG declares) versus prior_produced (the union of OutputFiles and
// AuxOutputFiles across every record in prior whose DagsSeen set
// contains the current DAG's identifier — a state file can hold records
// for more than one DAG, and a record not seen by this DAG is none of
// its business), deletes every file in prior_produced but not produced,
// then attempts to remove each deleted file's ancestor directories,
// deepest first, silently ignoring any that are not empty (spec.md
// §4.8 I6).
func Sweep(dag *dagmodel.Dag, prior *priorstate.StateData) Result {
	var res Result
	if prior == nil {
		return res
	}

	produced := make(map[string]bool)
	for _, n := range dag.Nodes {
		for _, f := range n.OutputFiles {
			produced[f.Path] = true
		}
		for _, f := range n.AuxOutputFiles {
			produced[f.Path] = true
		}
	}

	currentID := dag.IdentifierHash()
	priorProduced := make(map[string]bool)
	for _, rec := range prior.Records {
		if !containsID(rec.DagsSeen, currentID) {
			continue
		}
		for _, p := range rec.OutputFiles {
			priorProduced[p] = true
		}
		for _, p := range rec.AuxOutputFiles {
			priorProduced[p] = true
		}
	}

	dirSet := make(map[string]bool)
	var stale []string
	for p := range priorProduced {
		if !produced[p] {
			stale = append(stale, p)
		}
	}
	sort.Strings(stale)

	for _, p := range stale {
		err := os.Remove(p)
		if err == nil {
			res.RemovedFiles = append(res.RemovedFiles, p)
			dirSet[filepath.Dir(p)] = true
		} else if os.IsNotExist(err) {
			dirSet[filepath.Dir(p)] = true
		}
	}

	res.RemovedDirectories = removeEmptyAncestors(dirSet)
	return res
}

func containsID(ids []uint32, id uint32) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// removeEmptyAncestors attempts rmdir on every directory in dirs and all
// of their ancestors, deepest (longest path) first, so a directory only
// empties out after its children have had their own chance to be
// removed. A non-empty directory is left alone; this is expected, not an
// error.
func removeEmptyAncestors(dirs map[string]bool) []string {
	all := make(map[string]bool)
	for d := range dirs {
		for d != "." && d != string(filepath.Separator) && d != "" {
			all[d] = true
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}

	ordered := make([]string, 0, len(all))
	for d := range all {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Count(ordered[i], string(filepath.Separator)) > strings.Count(ordered[j], string(filepath.Separator))
	})

	var removed []string
	for _, d := range ordered {
		if err := os.Remove(d); err == nil {
			removed = append(removed, d)
		}
	}
	return removed
}
