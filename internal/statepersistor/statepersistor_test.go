package statepersistor

import (
	"testing"

	"github.com/vk/buildcore/internal/bhash"
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/digestcache"
	"github.com/vk/buildcore/internal/nodestate"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/scancache"
	"github.com/vk/buildcore/internal/signature"
)

func newDigestAndScan() (*digestcache.Cache, *scancache.Cache) {
	return digestcache.New(), scancache.New()
}

func TestMergeWritesFreshRecordForTouchedLiveNode(t *testing.T) {
	guid := bhash.GUID{1}
	node := dagmodel.Node{GUID: guid}
	dag := &dagmodel.Dag{Globals: dagmodel.Globals{DagIdentifier: "cfg"}, Nodes: []dagmodel.Node{node}}

	ns := nodestate.New(0, &dag.Nodes[0])
	ns.Progress = nodestate.Completed
	ns.BuildResult = 0
	ns.SignatureResult = &signature.Result{Record: priorstate.Record{GUID: guid, BuildResult: 7}}

	digest, scan := newDigestAndScan()
	out := Merge(dag, []*nodestate.NodeState{ns}, nil, digest, scan)

	if len(out.Records) != 1 {
		t.Fatalf("Records = %+v, want 1 fresh record", out.Records)
	}
	if out.Records[0].BuildResult != 0 {
		t.Fatalf("BuildResult = %d, want 0 (overwritten from ns.BuildResult, not the stale SignatureResult value)", out.Records[0].BuildResult)
	}
	if len(out.Records[0].DagsSeen) != 1 || out.Records[0].DagsSeen[0] != dag.IdentifierHash() {
		t.Fatalf("DagsSeen = %v, want [%d]", out.Records[0].DagsSeen, dag.IdentifierHash())
	}
}

func TestMergeKeepsPriorRecordForStrandedLiveNode(t *testing.T) {
	guid := bhash.GUID{2}
	node := dagmodel.Node{GUID: guid}
	dag := &dagmodel.Dag{Globals: dagmodel.Globals{DagIdentifier: "cfg"}, Nodes: []dagmodel.Node{node}}

	ns := nodestate.New(0, &dag.Nodes[0])
	ns.Progress = nodestate.Blocked // never reached Unblocked, stranded behind a failed dependency

	prior := &priorstate.StateData{Records: []priorstate.Record{{GUID: guid, BuildResult: 3}}}

	digest, scan := newDigestAndScan()
	out := Merge(dag, []*nodestate.NodeState{ns}, prior, digest, scan)

	if len(out.Records) != 1 || out.Records[0].BuildResult != 3 {
		t.Fatalf("Records = %+v, want the prior record kept verbatim", out.Records)
	}
}

func TestMergeDropsPriorOnlyNodeNotSeenByCurrentDag(t *testing.T) {
	dag := &dagmodel.Dag{Globals: dagmodel.Globals{DagIdentifier: "cfg-v2"}}
	otherDagID := uint32(0xdeadbeef)

	prior := &priorstate.StateData{Records: []priorstate.Record{
		{GUID: bhash.GUID{3}, DagsSeen: []uint32{otherDagID}},
	}}

	digest, scan := newDigestAndScan()
	out := Merge(dag, nil, prior, digest, scan)

	if len(out.Records) != 0 {
		t.Fatalf("Records = %+v, want none (prior-only node not referenced by the current DAG identifier)", out.Records)
	}
}

func TestMergeKeepsPriorOnlyNodeStillSeenByCurrentDag(t *testing.T) {
	dag := &dagmodel.Dag{Globals: dagmodel.Globals{DagIdentifier: "cfg-v2"}}
	currentID := dag.IdentifierHash()

	prior := &priorstate.StateData{Records: []priorstate.Record{
		{GUID: bhash.GUID{4}, DagsSeen: []uint32{currentID}},
	}}

	digest, scan := newDigestAndScan()
	out := Merge(dag, nil, prior, digest, scan)

	if len(out.Records) != 1 {
		t.Fatalf("Records = %+v, want the prior-only record kept since currentID is in DagsSeen", out.Records)
	}
}

func TestMergeSortsRecordsByGUID(t *testing.T) {
	g1, g2 := bhash.GUID{9}, bhash.GUID{1}
	dag := &dagmodel.Dag{
		Globals: dagmodel.Globals{DagIdentifier: "cfg"},
		Nodes:   []dagmodel.Node{{GUID: g1}, {GUID: g2}},
	}
	ns1 := nodestate.New(0, &dag.Nodes[0])
	ns1.Progress = nodestate.Completed
	ns1.SignatureResult = &signature.Result{Record: priorstate.Record{GUID: g1}}

	ns2 := nodestate.New(1, &dag.Nodes[1])
	ns2.Progress = nodestate.Completed
	ns2.SignatureResult = &signature.Result{Record: priorstate.Record{GUID: g2}}

	digest, scan := newDigestAndScan()
	out := Merge(dag, []*nodestate.NodeState{ns1, ns2}, nil, digest, scan)

	if len(out.Records) != 2 || out.Records[0].GUID != g2 || out.Records[1].GUID != g1 {
		t.Fatalf("Records = %+v, want sorted by GUID ascending", out.Records)
	}
}

func TestMergeDumpsDigestAndScanCaches(t *testing.T) {
	dag := &dagmodel.Dag{Globals: dagmodel.Globals{DagIdentifier: "cfg"}}
	digest, scan := newDigestAndScan()
	digest.Seed([]digestcache.SeedEntry{{Path: "a", Timestamp: 1, Size: 2}})
	scan.Seed([]scancache.SeedEntry{{Path: "b", Timestamp: 1, ScannerKind: "include"}})

	out := Merge(dag, nil, nil, digest, scan)
	if len(out.DigestCache) != 1 || len(out.ScanCache) != 1 {
		t.Fatalf("DigestCache=%v ScanCache=%v, want one entry each", out.DigestCache, out.ScanCache)
	}
}
