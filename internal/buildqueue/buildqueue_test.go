package buildqueue

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/buildcore/internal/actionrunner"
	"github.com/vk/buildcore/internal/activity"
	"github.com/vk/buildcore/internal/bhash"
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/digestcache"
	"github.com/vk/buildcore/internal/metrics"
	"github.com/vk/buildcore/internal/nodestate"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/process"
	"github.com/vk/buildcore/internal/resultprinter"
	"github.com/vk/buildcore/internal/scancache"
	"github.com/vk/buildcore/internal/sharedresource"
	"github.com/vk/buildcore/internal/signalbus"
	"github.com/vk/buildcore/internal/signature"
	"github.com/vk/buildcore/internal/statcache"
)

// fakeLauncher stands in for a real shell so tests never depend on
// /bin/sh being present or on wall-clock timing beyond what each test
// explicitly configures.
type fakeLauncher struct {
	mu       sync.Mutex
	calls    int
	rc       map[string]int
	touch    map[string]string
	sleep    time.Duration
	running  int32
	maxSeen  int32
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{rc: map[string]int{}, touch: map[string]string{}}
}

func (f *fakeLauncher) Execute(ctx context.Context, cmd string, env []string, jobID int, mergeStderr bool, slowCallback process.SlowCallback, interval time.Duration) (process.ExecResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	cur := atomic.AddInt32(&f.running, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	atomic.AddInt32(&f.running, -1)

	if path, ok := f.touch[cmd]; ok {
		os.WriteFile(path, []byte("built"), 0o644)
	}
	return process.ExecResult{ReturnCode: f.rc[cmd]}, nil
}

func (f *fakeLauncher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newRunner(l process.Launcher) *actionrunner.Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &actionrunner.Runner{
		Stat:      statcache.New(),
		Resources: sharedresource.New(nil, l, nil),
		Launcher:  l,
		Printer:   resultprinter.New(io.Discard, logger, true),
		Signals:   signalbus.New(),
	}
}

func newSigEngine() *signature.Engine {
	return &signature.Engine{
		Stat:              statcache.New(),
		Digest:            digestcache.New(),
		Scan:              scancache.New(),
		ContentExtensions: signature.NewContentExtensions(nil),
	}
}

func testConfig(threads, maxExpensive int) Config {
	return Config{
		ThreadCount:       threads,
		MaxExpensiveCount: maxExpensive,
		Activity:          activity.NeverObserved{},
		Signals:           signalbus.New(),
		Metrics:           metrics.NewQueue(prometheus.NewRegistry()),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBuildNodeRangeFirstRunRunsAction(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.c")
	os.WriteFile(in, []byte("source"), 0o644)
	out := filepath.Join(dir, "out.o")

	node := dagmodel.Node{
		Annotation:  "compile",
		Action:      "cc -c in.c",
		InputFiles:  []dagmodel.FileRef{{Path: in}},
		OutputFiles: []dagmodel.FileRef{{Path: out}},
		GUID:        bhash.NodeGUID("compile", "cc -c in.c"),
	}

	l := newFakeLauncher()
	l.touch["cc -c in.c"] = out

	sig := newSigEngine()
	q := New(testConfig(2, 1), []dagmodel.Node{node}, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	result := q.BuildNodeRange(ctx, []int32{0}, 0)
	if result != Ok {
		t.Fatalf("BuildNodeRange result = %v, want Ok", result)
	}
	if l.callCount() != 1 {
		t.Fatalf("Launcher was called %d times, want 1 on a first run", l.callCount())
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatal("output file was not created")
	}
}

func TestBuildNodeRangeSecondRunIsUpToDate(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.c")
	os.WriteFile(in, []byte("source"), 0o644)
	out := filepath.Join(dir, "out.o")

	node := dagmodel.Node{
		Annotation:  "compile",
		Action:      "cc -c in.c",
		InputFiles:  []dagmodel.FileRef{{Path: in}},
		OutputFiles: []dagmodel.FileRef{{Path: out}},
		GUID:        bhash.NodeGUID("compile", "cc -c in.c"),
	}

	l := newFakeLauncher()
	l.touch["cc -c in.c"] = out
	sig := newSigEngine()

	ctx := context.Background()

	q1 := New(testConfig(2, 1), []dagmodel.Node{node}, nil, sig, newRunner(l))
	q1.Start(ctx)
	if result := q1.BuildNodeRange(ctx, []int32{0}, 0); result != Ok {
		t.Fatalf("first build result = %v, want Ok", result)
	}
	first := q1.NodeStates()[0]
	q1.Destroy()

	if l.callCount() != 1 {
		t.Fatalf("Launcher called %d times after first build, want 1", l.callCount())
	}

	priorByGUID := map[bhash.GUID]*priorstate.Record{
		node.GUID: recordFor(first),
	}

	q2 := New(testConfig(2, 1), []dagmodel.Node{node}, priorByGUID, sig, newRunner(l))
	q2.Start(ctx)
	defer q2.Destroy()
	if result := q2.BuildNodeRange(ctx, []int32{0}, 0); result != Ok {
		t.Fatalf("second build result = %v, want Ok", result)
	}
	if l.callCount() != 1 {
		t.Fatalf("Launcher called %d times after second build, want still 1 (up to date)", l.callCount())
	}
}

func recordFor(ns *nodestate.NodeState) *priorstate.Record {
	rec := ns.SignatureResult.Record
	rec.BuildResult = ns.BuildResult
	return &rec
}

func TestBuildNodeRangeDiamondDependencyCompletesAllNodes(t *testing.T) {
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.o")
	outB := filepath.Join(dir, "b.o")
	outC := filepath.Join(dir, "c.o")
	outD := filepath.Join(dir, "d.o")

	// index 0=A, 1=B, 2=C, 3=D. A has no deps; B,C depend on A; D depends on B,C.
	nodes := []dagmodel.Node{
		{Annotation: "A", Action: "build a", OutputFiles: []dagmodel.FileRef{{Path: outA}}, BackLinks: []int32{1, 2}, GUID: bhash.NodeGUID("A", "build a")},
		{Annotation: "B", Action: "build b", OutputFiles: []dagmodel.FileRef{{Path: outB}}, Dependencies: []int32{0}, BackLinks: []int32{3}, GUID: bhash.NodeGUID("B", "build b")},
		{Annotation: "C", Action: "build c", OutputFiles: []dagmodel.FileRef{{Path: outC}}, Dependencies: []int32{0}, BackLinks: []int32{3}, GUID: bhash.NodeGUID("C", "build c")},
		{Annotation: "D", Action: "build d", OutputFiles: []dagmodel.FileRef{{Path: outD}}, Dependencies: []int32{1, 2}, GUID: bhash.NodeGUID("D", "build d")},
	}

	l := newFakeLauncher()
	l.touch["build a"] = outA
	l.touch["build b"] = outB
	l.touch["build c"] = outC
	l.touch["build d"] = outD

	sig := newSigEngine()
	q := New(testConfig(4, 4), nodes, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	result := q.BuildNodeRange(ctx, []int32{0, 1, 2, 3}, 0)
	if result != Ok {
		t.Fatalf("result = %v, want Ok", result)
	}
	for _, ns := range q.NodeStates() {
		if ns.Progress != nodestate.Completed || ns.BuildResult != 0 {
			t.Fatalf("node %q did not complete successfully: progress=%v buildResult=%d", ns.Node.Annotation, ns.Progress, ns.BuildResult)
		}
	}
	if l.callCount() != 4 {
		t.Fatalf("Launcher called %d times, want 4 (one per node)", l.callCount())
	}
}

func TestBuildNodeRangeFailurePreventsDependentFromRunning(t *testing.T) {
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.o")
	outB := filepath.Join(dir, "b.o")

	nodes := []dagmodel.Node{
		{Annotation: "A", Action: "build a", OutputFiles: []dagmodel.FileRef{{Path: outA}}, BackLinks: []int32{1}, GUID: bhash.NodeGUID("A", "build a")},
		{Annotation: "B", Action: "build b", OutputFiles: []dagmodel.FileRef{{Path: outB}}, Dependencies: []int32{0}, GUID: bhash.NodeGUID("B", "build b")},
	}

	l := newFakeLauncher()
	l.rc["build a"] = 1 // A always fails
	l.touch["build b"] = outB

	sig := newSigEngine()
	q := New(testConfig(2, 2), nodes, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	result := q.BuildNodeRange(ctx, []int32{0, 1}, 0)
	if result != BuildErr {
		t.Fatalf("result = %v, want BuildErr", result)
	}

	states := q.NodeStates()
	if states[0].Progress != nodestate.Completed || states[0].BuildResult == 0 {
		t.Fatalf("A should have completed with a nonzero BuildResult, got progress=%v buildResult=%d", states[0].Progress, states[0].BuildResult)
	}
	if states[1].Progress == nodestate.Completed && states[1].BuildResult == 0 {
		t.Fatal("B should never have completed successfully; it depends on the failed A")
	}
}

func TestBuildNodeRangeExpensiveAdmissionSerializes(t *testing.T) {
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.o")
	outB := filepath.Join(dir, "b.o")

	nodes := []dagmodel.Node{
		{Annotation: "A", Action: "link a", OutputFiles: []dagmodel.FileRef{{Path: outA}}, Flags: dagmodel.FlagExpensive, GUID: bhash.NodeGUID("A", "link a")},
		{Annotation: "B", Action: "link b", OutputFiles: []dagmodel.FileRef{{Path: outB}}, Flags: dagmodel.FlagExpensive, GUID: bhash.NodeGUID("B", "link b")},
	}

	l := newFakeLauncher()
	l.touch["link a"] = outA
	l.touch["link b"] = outB
	l.sleep = 100 * time.Millisecond

	sig := newSigEngine()
	q := New(testConfig(4, 1), nodes, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	result := q.BuildNodeRange(ctx, []int32{0, 1}, 0)
	if result != Ok {
		t.Fatalf("result = %v, want Ok", result)
	}
	if got := atomic.LoadInt32(&l.maxSeen); got > 1 {
		t.Fatalf("max concurrent expensive actions observed = %d, want at most 1 (MaxExpensiveCount)", got)
	}
}

func TestBuildNodeRangeWriteTextFileAction(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "generated.txt")
	content := "// generated\npackage main\n"

	node := dagmodel.Node{
		Annotation:  "gen",
		Action:      content,
		OutputFiles: []dagmodel.FileRef{{Path: out}},
		Flags:       dagmodel.FlagIsWriteTextFileAction,
		GUID:        bhash.NodeGUID("gen", content),
	}

	l := newFakeLauncher()
	sig := newSigEngine()
	q := New(testConfig(1, 1), []dagmodel.Node{node}, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	if result := q.BuildNodeRange(ctx, []int32{0}, 0); result != Ok {
		t.Fatalf("result = %v, want Ok", result)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Fatalf("file content = %q, want %q", got, content)
	}
	if l.callCount() != 0 {
		t.Fatalf("write-text-file action should never call the process launcher, got %d calls", l.callCount())
	}
}

func TestBuildNodeRangeMultiplePassesRunInOrder(t *testing.T) {
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.o")
	outB := filepath.Join(dir, "b.o")

	nodes := []dagmodel.Node{
		{Annotation: "A", Action: "build a", OutputFiles: []dagmodel.FileRef{{Path: outA}}, PassIndex: 0, GUID: bhash.NodeGUID("A", "build a")},
		{Annotation: "B", Action: "build b", OutputFiles: []dagmodel.FileRef{{Path: outB}}, PassIndex: 1, GUID: bhash.NodeGUID("B", "build b")},
	}

	l := newFakeLauncher()
	l.touch["build a"] = outA
	l.touch["build b"] = outB

	sig := newSigEngine()
	dag := &dagmodel.Dag{Nodes: nodes, Passes: []dagmodel.Pass{{Name: "compile"}, {Name: "link"}}}
	q := New(testConfig(4, 4), dag.Nodes, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	for passIdx := range dag.Passes {
		indices := dag.IndicesByPass(passIdx)
		if result := q.BuildNodeRange(ctx, indices, passIdx); result != Ok {
			t.Fatalf("pass %d result = %v, want Ok", passIdx, result)
		}
	}
	if l.callCount() != 2 {
		t.Fatalf("Launcher called %d times, want 2", l.callCount())
	}
}

func TestBuildNodeRangeContextCancellationInterruptsBuild(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.o")
	node := dagmodel.Node{
		Annotation:  "slow",
		Action:      "slow build",
		OutputFiles: []dagmodel.FileRef{{Path: out}},
		GUID:        bhash.NodeGUID("slow", "slow build"),
	}

	l := newFakeLauncher()
	l.touch["slow build"] = out
	l.sleep = 300 * time.Millisecond

	sig := newSigEngine()
	q := New(testConfig(1, 1), []dagmodel.Node{node}, nil, sig, newRunner(l))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q.Start(ctx)
	defer q.Destroy()

	start := time.Now()
	result := q.BuildNodeRange(ctx, []int32{0}, 0)
	if time.Since(start) > 5*time.Second {
		t.Fatal("BuildNodeRange did not return promptly after context cancellation")
	}
	// The in-flight action still runs to completion in the background
	// (process.Execute owns its own cancellation), so the only contract
	// here is that BuildNodeRange itself does not hang past the deadline.
	_ = result
}

func TestBuildNodeRangeExternalSignalInterruptsBuild(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.o")
	node := dagmodel.Node{
		Annotation:  "n",
		Action:      "build n",
		OutputFiles: []dagmodel.FileRef{{Path: out}},
		GUID:        bhash.NodeGUID("n", "build n"),
	}

	l := newFakeLauncher()
	l.touch["build n"] = out
	l.sleep = 300 * time.Millisecond

	sig := newSigEngine()
	cfg := testConfig(1, 1)
	q := New(cfg, []dagmodel.Node{node}, nil, sig, newRunner(l))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cfg.Signals.SetReason("external interrupt")
	}()

	result := q.BuildNodeRange(ctx, []int32{0}, 0)
	if result != Interrupted {
		t.Fatalf("result = %v, want Interrupted", result)
	}
}

// TestThrottleLoopShrinksThenRestoresPerScenarioS6 drives the
// ActivityThrottler state machine through the shrink-then-restore timeline
// scenario S6 describes: once the keyboard/mouse has been touched and 1s
// has passed, dynamicMaxJobs must shrink to ThrottledThreads; once 30s+
// have passed since that touch, it must restore to ThreadCount. The fake
// clock lets the test assert both transitions without sleeping through the
// full InactivityPeriod in wall time.
func TestThrottleLoopShrinksThenRestoresPerScenarioS6(t *testing.T) {
	var fakeNow atomic.Int64 // unix seconds
	clock := func() time.Time { return time.Unix(fakeNow.Load(), 0) }
	detector := activity.NewManualDetector(clock)

	cfg := Config{
		ThreadCount:       10,
		MaxExpensiveCount: 10,
		Throttle: ThrottleConfig{
			InactivityPeriod: 30 * time.Second,
			ThrottledThreads: 6,
			PollInterval:     5 * time.Millisecond,
		},
		Activity: detector,
		Signals:  signalbus.New(),
		Metrics:  metrics.NewQueue(prometheus.NewRegistry()),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	q := New(cfg, nil, nil, newSigEngine(), newRunner(newFakeLauncher()))
	ctx := context.Background()
	q.Start(ctx)
	defer q.Destroy()

	fakeNow.Store(0)
	detector.Touch()
	fakeNow.Store(1) // t=5 in S6's timeline: 1s since last activity

	waitForDynamicMaxJobs(t, q, 6)

	fakeNow.Store(31) // t=60 in S6's timeline: 30s+ idle

	waitForDynamicMaxJobs(t, q, 10)
}

func waitForDynamicMaxJobs(t *testing.T, q *Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.DynamicMaxJobs() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dynamicMaxJobs = %d, want %d", q.DynamicMaxJobs(), want)
}
