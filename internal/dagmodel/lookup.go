package dagmodel

import (
	"bytes"
	"sort"
)

// SortNodes orders Nodes by GUID ascending. Dependencies/BackLinks are
// dense indices computed before sorting is expected to stabilize, so
// callers must call SortNodes exactly once, immediately after
// construction, before resolving any index-based edges.
func (d *Dag) SortNodes() {
	sort.Slice(d.Nodes, func(i, j int) bool {
		return bytes.Compare(d.Nodes[i].GUID[:], d.Nodes[j].GUID[:]) < 0
	})
}

// IndexOfGUID returns the dense index of the node with the given GUID, or
// -1 if absent. Requires Nodes to be sorted by SortNodes.
func (d *Dag) IndexOfGUID(g [16]byte) int {
	n := len(d.Nodes)
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(d.Nodes[i].GUID[:], g[:]) >= 0
	})
	if i < n && d.Nodes[i].GUID == g {
		return i
	}
	return -1
}

// IndicesByPass returns the dense indices of every node whose PassIndex
// equals passIndex, in Nodes order. Because Nodes is sorted by GUID
// rather than by pass, this membership set is scattered across the
// array, not a contiguous range — buildqueue.Queue.BuildNodeRange takes
// an explicit index slice for exactly this reason.
func (d *Dag) IndicesByPass(passIndex int) []int32 {
	var out []int32
	for i := range d.Nodes {
		if d.Nodes[i].PassIndex == passIndex {
			out = append(out, int32(i))
		}
	}
	return out
}
