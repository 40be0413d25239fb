// Package nodestate defines the mutable runtime state BuildQueue tracks
// for each live node during one build: which phase of the per-node state
// machine it is in, whether it is queued/active/blocked, and its final
// result. This is kept as a plain struct guarded entirely by BuildQueue's
// own mutex (spec.md §5) rather than internal atomics, because every
// field here is read and written exclusively from code paths that
// already hold that lock — unlike the teacher's internal/node.Node,
// which uses atomics because burstgridgo's executor updates depCount
// from goroutines that do not share a common lock.
package nodestate

import (
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/signature"
)

// Progress is one state in the per-node state machine (spec.md §3,
// "Runtime NodeState").
type Progress int

const (
	Initial Progress = iota
	Blocked
	Unblocked
	CheckSignature
	RunAction
	UpToDate
	Succeeded
	Failed
	Completed
)

func (p Progress) String() string {
	switch p {
	case Initial:
		return "Initial"
	case Blocked:
		return "Blocked"
	case Unblocked:
		return "Unblocked"
	case CheckSignature:
		return "CheckSignature"
	case RunAction:
		return "RunAction"
	case UpToDate:
		return "UpToDate"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// NodeState is the per-node runtime record BuildQueue mutates as it
// drives one node through its lifecycle. Index is the node's dense index
// into the originating dagmodel.Dag.Nodes / []NodeState slice, kept here
// so back-links and dependency lookups never need a map.
type NodeState struct {
	Index int32
	Node  *dagmodel.Node

	Progress Progress

	// Queued and Active track whether the node currently sits in the
	// ready ring buffer or is being advanced by a worker, preventing the
	// same node from being enqueued twice (spec.md §5 invariant I2-I3
	// region, "BuildQueue" ring discipline).
	Queued bool
	Active bool

	// Blocked mirrors the Progress==Blocked case but is kept as its own
	// bool too so dependents can check "has this node even been touched
	// yet" without comparing against the Progress enum directly.
	Blocked bool

	// ExpensiveGranted is true exactly while this node holds one of the
	// queue's limited expensive-action slots (spec.md §5 "expensive
	// admission").
	ExpensiveGranted bool

	// BuildResult is 0 on success, nonzero on failure. Only meaningful
	// once Progress == Completed.
	BuildResult int
	Err         error

	// PassIndex is copied from Node.PassIndex for fast comparison in
	// BuildQueue.unblockWaiters without dereferencing Node each time.
	PassIndex int

	// SignatureResult is the outcome of the most recent CheckInputSignature
	// call for this node, kept around so StatePersistor can write a fresh
	// Record without recomputing the signature a second time after the
	// build finishes (spec.md §4.7 "live node, Progress >= Unblocked ...
	// fresh record").
	SignatureResult *signature.Result
}

// New constructs the initial NodeState for a node at its dense index.
func New(index int32, node *dagmodel.Node) *NodeState {
	return &NodeState{
		Index:     index,
		Node:      node,
		Progress:  Initial,
		PassIndex: node.PassIndex,
	}
}
