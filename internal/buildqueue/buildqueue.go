// Package buildqueue implements BuildQueue (spec.md §4.1): the
// ring-buffered ready queue, worker pool, expensive-admission LIFO,
// dynamic throttling hook, and pass barrier that drives every live node
// through its state machine. Grounded on
// original_source/src/BuildQueue.cpp/.hpp (the mutex+condvar worker loop,
// the expensive wait list, should_keep_building) and the teacher's
// internal/dag/executor.go (goroutine-per-worker over a shared structure,
// WaitGroup-driven completion) for the Go idiom that replaces Tundra's
// pthread-based thread pool.
package buildqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/buildcore/internal/actionrunner"
	"github.com/vk/buildcore/internal/activity"
	"github.com/vk/buildcore/internal/bhash"
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/metrics"
	"github.com/vk/buildcore/internal/nodestate"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/signalbus"
	"github.com/vk/buildcore/internal/signature"
)

// Result is the outcome of a BuildNodeRange call (spec.md §4.1).
type Result int

const (
	Ok Result = iota
	Interrupted
	BuildErr
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Interrupted:
		return "Interrupted"
	case BuildErr:
		return "BuildError"
	default:
		return "Unknown"
	}
}

// ThrottleConfig configures ActivityThrottler (spec.md §4.6).
type ThrottleConfig struct {
	InactivityPeriod time.Duration
	ThrottledThreads int // 0 means 60% of thread count, minimum 1
	PollInterval     time.Duration
}

// Config configures a Queue.
type Config struct {
	ThreadCount       int
	MaxExpensiveCount int
	Throttle          ThrottleConfig
	Activity          activity.Detector
	Signals           *signalbus.Bus
	Metrics           *metrics.Queue
	Logger            *slog.Logger
}

// Queue drives a fixed set of live nodes through the state machine
// described in spec.md §4.1. One Queue is built from one Dag's live node
// subset and is not reused across Dags.
type Queue struct {
	mu             sync.Mutex
	workAvail      *sync.Cond
	maxJobsChanged *sync.Cond

	bfMu   sync.Mutex
	bfCond *sync.Cond

	nodes []*nodestate.NodeState
	ring  []int32
	read  uint32
	write uint32
	mask  uint32

	currentPass        int
	pendingCount       int
	failedCount        int
	processedNodeCount int

	dynamicMaxJobs    int
	threadCount       int
	maxExpensiveCount int
	expensiveRunning  int
	expensiveWait     []int32

	cleanupRequested bool
	activeWorkers    int

	workers      sync.WaitGroup
	throttleDone chan struct{}

	sig         *signature.Engine
	priorByGUID map[bhash.GUID]*priorstate.Record
	runner      *actionrunner.Runner
	signals     *signalbus.Bus
	metricsQ    *metrics.Queue
	detector    activity.Detector
	throttle    ThrottleConfig
	throttled   bool
	logger      *slog.Logger
}

// New builds a Queue for nodes, derived from dag.Nodes in the same
// order (nodes[i] corresponds to dag.Nodes[i]). priorByGUID supplies the
// prior-run record for each GUID that has one.
func New(cfg Config, dagNodes []dagmodel.Node, priorByGUID map[bhash.GUID]*priorstate.Record, sig *signature.Engine, runner *actionrunner.Runner) *Queue {
	n := len(dagNodes)
	cap32 := nextPow2(uint32(n) + 1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = metrics.Noop()
	}
	det := cfg.Activity
	if det == nil {
		det = activity.NeverObserved{}
	}

	q := &Queue{
		nodes:             make([]*nodestate.NodeState, n),
		ring:              make([]int32, cap32),
		mask:              cap32 - 1,
		threadCount:       cfg.ThreadCount,
		dynamicMaxJobs:    cfg.ThreadCount,
		maxExpensiveCount: cfg.MaxExpensiveCount,
		pendingCount:      n,
		sig:               sig,
		priorByGUID:       priorByGUID,
		runner:            runner,
		signals:           cfg.Signals,
		metricsQ:          met,
		detector:          det,
		throttle:          cfg.Throttle,
		logger:            logger,
	}
	q.workAvail = sync.NewCond(&q.mu)
	q.maxJobsChanged = sync.NewCond(&q.mu)
	q.bfCond = sync.NewCond(&q.bfMu)

	for i := range dagNodes {
		q.nodes[i] = nodestate.New(int32(i), &dagNodes[i])
	}
	return q
}

func nextPow2(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	if v < 2 {
		v = 2
	}
	return v
}

// Start launches the worker pool and the throttling poll loop.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.threadCount; i++ {
		q.workers.Add(1)
		go q.worker(ctx, i)
	}

	q.throttleDone = make(chan struct{})
	if q.throttle.InactivityPeriod > 0 {
		go q.throttleLoop(ctx)
	}
}

// throttleLoop implements ActivityThrottler (spec.md §4.6): while a
// human is actively at the keyboard (activity observed, 1s <= age <
// InactivityPeriod) the dynamic job cap shrinks to ThrottledThreads, so
// the build doesn't compete with interactive use; once the machine has
// sat idle for InactivityPeriod or longer, the cap snaps back to the
// full thread count. Grounded on
// original_source/src/HumanActivityDetection.cpp's poll-and-compare
// shape, reimplemented as a ticker goroutine instead of Tundra's
// periodic check inside the main build loop.
func (q *Queue) throttleLoop(ctx context.Context) {
	interval := q.throttle.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	throttledThreads := q.throttle.ThrottledThreads
	if throttledThreads <= 0 {
		throttledThreads = q.threadCount * 6 / 10
		if throttledThreads < 1 {
			throttledThreads = 1
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.throttleDone:
			return
		case <-ticker.C:
		}

		idle := q.detector.SecondsSinceLastActivity()
		shouldThrottle := idle >= 1 && time.Duration(idle)*time.Second < q.throttle.InactivityPeriod

		q.mu.Lock()
		if shouldThrottle && !q.throttled {
			q.throttled = true
			q.dynamicMaxJobs = throttledThreads
			q.maxJobsChanged.Broadcast()
		} else if !shouldThrottle && q.throttled {
			q.throttled = false
			q.dynamicMaxJobs = q.threadCount
			q.maxJobsChanged.Broadcast()
			q.workAvail.Broadcast()
		}
		q.mu.Unlock()
	}
}

// Destroy requests cleanup, wakes every worker, and waits for them to
// exit (spec.md §4.1 "destroy").
func (q *Queue) Destroy() {
	q.mu.Lock()
	q.cleanupRequested = true
	q.mu.Unlock()
	q.workAvail.Broadcast()
	q.maxJobsChanged.Broadcast()
	if q.throttleDone != nil {
		close(q.throttleDone)
	}
	q.workers.Wait()
}

// BuildNodeRange seeds the ready ring with every index in nodeIndices at
// passIndex, then waits for the whole pass to finish, fail, or be
// interrupted (spec.md §4.1 "build_node_range"). nodeIndices need not be
// contiguous: dagmodel.Dag.Nodes is kept sorted by GUID (for
// IndexOfGUID), so a pass's membership is whatever set of dense indices
// its nodes happen to land on, not a range — callers build this set with
// dagmodel helpers, not by slicing.
func (q *Queue) BuildNodeRange(ctx context.Context, nodeIndices []int32, passIndex int) Result {
	q.mu.Lock()
	q.currentPass = passIndex
	q.pendingCount = len(nodeIndices)
	q.metricsQ.PendingNodes.Set(float64(q.pendingCount))
	for _, i := range nodeIndices {
		ns := q.nodes[i]
		ns.Queued = true
		q.enqueue(i)
	}
	q.mu.Unlock()
	q.workAvail.Broadcast()

	return q.waitForFinish(ctx)
}

func (q *Queue) waitForFinish(ctx context.Context) Result {
	woke := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		q.bfMu.Lock()
		for !q.isDone() {
			select {
			case <-stop:
				q.bfMu.Unlock()
				return
			default:
			}
			q.bfCond.Wait()
		}
		q.bfMu.Unlock()
		close(woke)
	}()

	var sigDone <-chan struct{}
	if q.signals != nil {
		sigDone = q.signals.Done()
	}

	select {
	case <-woke:
	case <-sigDone:
		close(stop)
		q.bfMu.Lock()
		q.bfCond.Broadcast()
		q.bfMu.Unlock()
	case <-ctx.Done():
		close(stop)
		q.bfMu.Lock()
		q.bfCond.Broadcast()
		q.bfMu.Unlock()
	}

	if q.signals != nil {
		if _, ok := q.signals.GetReason(); ok {
			return Interrupted
		}
	}
	q.mu.Lock()
	failed := q.failedCount > 0
	q.mu.Unlock()
	if failed {
		return BuildErr
	}
	return Ok
}

func (q *Queue) isDone() bool {
	q.mu.Lock()
	done := q.pendingCount == 0 || q.failedCount > 0
	q.mu.Unlock()
	if !done && q.signals != nil {
		select {
		case <-q.signals.Done():
			return true
		default:
		}
	}
	return done
}

func (q *Queue) signalMain() {
	q.bfMu.Lock()
	q.bfCond.Broadcast()
	q.bfMu.Unlock()
}

// shouldKeepBuilding implements spec.md §4.1 step 2: "not cleaning up and
// failed_count == 0". Must be called with q.mu held.
func (q *Queue) shouldKeepBuilding() bool {
	return !q.cleanupRequested && q.failedCount == 0
}

func (q *Queue) worker(ctx context.Context, workerIndex int) {
	defer q.workers.Done()
	q.mu.Lock()
	for q.shouldKeepBuilding() {
		if workerIndex >= q.dynamicMaxJobs {
			q.maxJobsChanged.Wait()
			continue
		}
		if idx, ok := q.dequeue(); ok {
			ns := q.nodes[idx]
			ns.Queued = false
			ns.Active = true
			q.activeWorkers++
			q.metricsQ.ActiveWorkers.Set(float64(q.activeWorkers))
			q.advanceNode(ctx, idx)
			q.activeWorkers--
			q.metricsQ.ActiveWorkers.Set(float64(q.activeWorkers))
			continue
		}
		q.workAvail.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue) enqueue(idx int32) {
	q.ring[q.write&q.mask] = idx
	q.write++
	q.metricsQ.ReadyDepth.Set(float64(q.write - q.read))
}

func (q *Queue) dequeue() (int32, bool) {
	if q.read == q.write {
		return 0, false
	}
	v := q.ring[q.read&q.mask]
	q.read++
	q.metricsQ.ReadyDepth.Set(float64(q.write - q.read))
	return v, true
}

// advanceNode runs the per-node state machine described in spec.md
// §4.1 until the node suspends (blocked, or parked as expensive) or
// reaches Completed. Called with q.mu held; releases it around slow
// work (CheckInputSignature, RunAction) and reacquires before continuing.
func (q *Queue) advanceNode(ctx context.Context, idx int32) {
	ns := q.nodes[idx]
	for {
		switch ns.Progress {
		case nodestate.Initial, nodestate.Blocked:
			if !q.setupDependencies(idx) {
				ns.Active = false
				ns.Blocked = true
				ns.Progress = nodestate.Blocked
				return
			}
			ns.Blocked = false
			ns.Progress = nodestate.Unblocked

		case nodestate.Unblocked:
			ns.Progress = nodestate.CheckSignature

		case nodestate.CheckSignature:
			q.mu.Unlock()
			result, err := q.checkSignature(ctx, ns)
			q.mu.Lock()
			if err != nil {
				ns.Err = err
				ns.Progress = nodestate.Failed
				continue
			}
			if result.Decision == signature.RunAction {
				ns.Progress = nodestate.RunAction
			} else {
				q.processedNodeCount++
				ns.Progress = nodestate.UpToDate
			}

		case nodestate.RunAction:
			if ns.Node.Flags.Has(dagmodel.FlagExpensive) && !ns.ExpensiveGranted {
				if q.expensiveRunning >= q.maxExpensiveCount {
					ns.Queued = true
					ns.Active = false
					q.expensiveWait = append(q.expensiveWait, idx)
					return
				}
				q.expensiveRunning++
				ns.ExpensiveGranted = true
				q.metricsQ.ExpensiveRunning.Set(float64(q.expensiveRunning))
			}

			total := len(q.nodes)
			q.mu.Unlock()
			progress, err := q.runner.Run(ctx, ns.Node, idx2human(idx), total)
			q.mu.Lock()

			if ns.Node.Flags.Has(dagmodel.FlagExpensive) {
				q.expensiveRunning--
				ns.ExpensiveGranted = false
				q.metricsQ.ExpensiveRunning.Set(float64(q.expensiveRunning))
				q.popExpensiveWaiter()
			}

			if progress == actionrunner.Succeeded {
				ns.Progress = nodestate.Succeeded
			} else {
				ns.Err = err
				ns.Progress = nodestate.Failed
			}

		case nodestate.UpToDate, nodestate.Succeeded:
			ns.BuildResult = 0
			ns.Progress = nodestate.Completed

		case nodestate.Failed:
			q.failedCount++
			ns.BuildResult = 1
			ns.Progress = nodestate.Completed
			q.signalMain()

		case nodestate.Completed:
			q.pendingCount--
			q.metricsQ.PendingNodes.Set(float64(q.pendingCount))
			q.unblockWaiters(idx)
			ns.Active = false
			if q.pendingCount == 0 {
				q.signalMain()
			}
			return
		}
	}
}

func idx2human(idx int32) int { return int(idx) + 1 }

// popExpensiveWaiter pops the most recently parked expensive node (LIFO,
// spec.md §4.1 "expensive wait LIFO"), reserves its admission slot, and
// enqueues it. Called with q.mu held.
func (q *Queue) popExpensiveWaiter() {
	if len(q.expensiveWait) == 0 {
		return
	}
	last := len(q.expensiveWait) - 1
	widx := q.expensiveWait[last]
	q.expensiveWait = q.expensiveWait[:last]

	wns := q.nodes[widx]
	wns.ExpensiveGranted = true
	q.expensiveRunning++
	wns.Queued = false
	wns.Active = false
	q.enqueue(widx)
	q.workAvail.Signal()
}

// setupDependencies counts unready dependencies, kicks off any that have
// never been touched, and reports whether idx is ready to proceed
// (spec.md §4.1 "Initial → call setup_dependencies"). Called with q.mu
// held.
func (q *Queue) setupDependencies(idx int32) bool {
	ns := q.nodes[idx]
	ready := true
	for _, depIdx := range ns.Node.Dependencies {
		dep := q.nodes[depIdx]
		if dep.Progress != nodestate.Completed || dep.BuildResult != 0 {
			ready = false
			if dep.Progress == nodestate.Initial && !dep.Queued && !dep.Active {
				dep.Queued = true
				q.enqueue(depIdx)
			}
		}
	}
	if ready {
		q.workAvail.Signal()
	}
	return ready
}

// unblockWaiters enqueues every back-link of the just-completed node
// whose dependencies are now all ready (spec.md §4.1 "unblock_waiters").
// Called with q.mu held.
func (q *Queue) unblockWaiters(idx int32) {
	ns := q.nodes[idx]
	woke := 0
	for _, succIdx := range ns.Node.BackLinks {
		succ := q.nodes[succIdx]
		if succ.PassIndex != q.currentPass {
			continue
		}
		if succ.Queued || succ.Active {
			continue
		}
		if !q.allDependenciesReady(succIdx) {
			continue
		}
		succ.Queued = true
		q.enqueue(succIdx)
		woke++
	}
	switch {
	case woke == 1:
		q.workAvail.Signal()
	case woke > 1:
		q.workAvail.Broadcast()
	}
}

func (q *Queue) allDependenciesReady(idx int32) bool {
	ns := q.nodes[idx]
	for _, depIdx := range ns.Node.Dependencies {
		dep := q.nodes[depIdx]
		if dep.Progress != nodestate.Completed || dep.BuildResult != 0 {
			return false
		}
	}
	return true
}

func (q *Queue) checkSignature(ctx context.Context, ns *nodestate.NodeState) (signature.Result, error) {
	prior := q.priorByGUID[ns.Node.GUID]
	result, err := q.sig.Check(ctx, ns.Node.GUID, ns.Node, prior)
	if err != nil {
		return signature.Result{}, err
	}
	ns.SignatureResult = &result
	q.logDecision(ns, prior, result)
	return result, nil
}

func (q *Queue) logDecision(ns *nodestate.NodeState, prior *priorstate.Record, result signature.Result) {
	if prior == nil {
		q.logger.Info("newNode", "annotation", ns.Node.Annotation, "original_index", ns.Node.OriginalIndex)
		return
	}
	if result.Decision == signature.UpToDate {
		return
	}
	if len(result.Changes) > 0 {
		changes := make([]string, len(result.Changes))
		for i, c := range result.Changes {
			changes[i] = c.Kind.String()
		}
		q.logger.Info("inputSignatureChanged", "annotation", ns.Node.Annotation, "original_index", ns.Node.OriginalIndex, "changes", changes)
		return
	}
	if prior.BuildResult != 0 {
		q.logger.Info("nodeRetryBuild", "annotation", ns.Node.Annotation, "original_index", ns.Node.OriginalIndex)
		return
	}
	q.logger.Info("nodeOutputsMissing", "annotation", ns.Node.Annotation, "original_index", ns.Node.OriginalIndex)
}

// ReadyDepth returns the number of nodes currently sitting in the ready
// ring, for diagnostics and tests.
func (q *Queue) ReadyDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.write - q.read)
}

// FailedCount returns the number of failed nodes observed so far.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failedCount
}

// DynamicMaxJobs returns the current worker concurrency cap, for
// diagnostics and tests observing ActivityThrottler transitions.
func (q *Queue) DynamicMaxJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dynamicMaxJobs
}

// NodeStates exposes the final per-node states for StatePersistor.
func (q *Queue) NodeStates() []*nodestate.NodeState {
	return q.nodes
}
