package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/buildcore/internal/activity"
	"github.com/vk/buildcore/internal/actionrunner"
	"github.com/vk/buildcore/internal/bhash"
	"github.com/vk/buildcore/internal/buildqueue"
	"github.com/vk/buildcore/internal/ctxlog"
	"github.com/vk/buildcore/internal/dagio"
	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/digestcache"
	"github.com/vk/buildcore/internal/metrics"
	"github.com/vk/buildcore/internal/priorstate"
	"github.com/vk/buildcore/internal/process"
	"github.com/vk/buildcore/internal/resultprinter"
	"github.com/vk/buildcore/internal/scancache"
	"github.com/vk/buildcore/internal/scanner"
	"github.com/vk/buildcore/internal/sharedresource"
	"github.com/vk/buildcore/internal/signalbus"
	"github.com/vk/buildcore/internal/signature"
	"github.com/vk/buildcore/internal/staleoutputsweeper"
	"github.com/vk/buildcore/internal/statcache"
	"github.com/vk/buildcore/internal/statepersistor"
)

// ExitCode mirrors the process exit codes spec.md §6 names.
type ExitCode int

const (
	Ok ExitCode = iota
	Interrupted
	BuildError
	SetupError
)

// ExitError pairs a human-readable message with the process exit code
// main should use, matching the teacher's ExitError{Code, Message} shape.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func setupErrorf(format string, args ...any) *ExitError {
	return &ExitError{Code: int(SetupError), Message: fmt.Sprintf(format, args...)}
}

// run parses args, wires the core, drives every pass to completion, and
// persists state, writing progress to outW. It never calls os.Exit
// itself, so it can be exercised directly from tests.
func run(outW io.Writer, args []string) error {
	fs := flag.NewFlagSet("buildcore", flag.ContinueOnError)
	dagPath := fs.String("dag", "", "path to the frozen DAG container")
	statePath := fs.String("state", "", "path to the persisted state container (default: <dag>.state)")
	threads := fs.Int("threads", 4, "number of worker goroutines")
	dryRun := fs.Bool("dry-run", false, "skip output directory creation and stale output removal")
	continueOnError := fs.Bool("continue-on-error", false, "print failed-node output as soon as it happens instead of buffering it until the end of the build")
	throttleAfter := fs.Duration("throttle-after", 0, "idle period after which worker throttling is lifted; workers are throttled while user activity is more recent than this (0 disables throttling)")
	throttledThreads := fs.Int("throttled-threads", 0, "worker count while throttled (0 means 60%% of -threads)")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	if err := fs.Parse(args); err != nil {
		return setupErrorf("parse flags: %v", err)
	}
	if *dagPath == "" {
		return setupErrorf("-dag is required")
	}
	if *statePath == "" {
		*statePath = *dagPath + ".state"
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(outW, &slog.HandlerOptions{Level: level}))

	dag, err := dagio.LoadDag(*dagPath)
	if err != nil {
		return setupErrorf("load dag %q: %v", *dagPath, err)
	}

	prior, err := loadPriorState(*statePath, dag.IdentifierHash())
	if err != nil {
		return setupErrorf("load state %q: %v", *statePath, err)
	}

	priorByGUID := make(map[bhash.GUID]*priorstate.Record)
	if prior != nil {
		for i := range prior.Records {
			priorByGUID[prior.Records[i].GUID] = &prior.Records[i]
		}
	}

	statCache := statcache.New()
	digestCache := digestcache.New()
	scanCache := scancache.New()
	if prior != nil {
		digestCache.Seed(convertDigestEntries(prior.DigestCache))
		scanCache.Seed(convertScanEntries(prior.ScanCache))
	}

	sigEngine := &signature.Engine{
		Stat:              statCache,
		Digest:            digestCache,
		Scan:              scanCache,
		Scanner:           scanner.New(scannerSearchRoots(dag)),
		ContentExtensions: signature.NewContentExtensions(dag.Globals.ContentDigestExtensions),
	}

	signals := signalbus.New()
	signals.InstallSignalHandler()
	defer signals.StopSignalHandler()

	launcher := process.NewOSLauncher()
	baseEnv := process.DefaultEnviron()
	resources := sharedresource.New(dag.SharedResources, launcher, baseEnv)
	printer := resultprinter.New(outW, logger, *continueOnError)

	runner := &actionrunner.Runner{
		Stat:                 statCache,
		Resources:            resources,
		Launcher:             launcher,
		Printer:              printer,
		Signals:              signals,
		BaseEnv:              baseEnv,
		DryRun:               *dryRun,
		SlowCallbackInterval: 30 * time.Second,
		ContinueOnError:      *continueOnError,
	}

	reg := prometheus.NewRegistry()
	metricsQ := metrics.NewQueue(reg)

	cfg := buildqueue.Config{
		ThreadCount:       *threads,
		MaxExpensiveCount: expensiveSlots(dag, *threads),
		Throttle: buildqueue.ThrottleConfig{
			InactivityPeriod: *throttleAfter,
			ThrottledThreads: *throttledThreads,
		},
		Activity: activity.NeverObserved{},
		Signals:  signals,
		Metrics:  metricsQ,
		Logger:   logger,
	}

	q := buildqueue.New(cfg, dag.Nodes, priorByGUID, sigEngine, runner)

	ctx := ctxlog.WithLogger(context.Background(), logger)
	q.Start(ctx)

	result := buildqueue.Ok
	for passIdx := range dag.Passes {
		indices := dag.IndicesByPass(passIdx)
		if len(indices) == 0 {
			continue
		}
		result = q.BuildNodeRange(ctx, indices, passIdx)
		if result != buildqueue.Ok {
			break
		}
	}

	printer.FlushFailures()
	q.Destroy()

	for _, destroyErr := range resources.DestroyAll(ctx) {
		ctxlog.FromContext(ctx).Warn("shared resource teardown failed", "error", destroyErr)
	}

	merged := statepersistor.Merge(dag, q.NodeStates(), prior, digestCache, scanCache)
	if err := dagio.SaveState(*statePath, &merged, dag.IdentifierHash()); err != nil {
		logger.Warn("failed to persist state", "error", err)
	}

	if result == buildqueue.Ok && !*dryRun {
		swept := staleoutputsweeper.Sweep(dag, prior)
		for _, f := range swept.RemovedFiles {
			ctxlog.FromContext(ctx).Debug("removed stale output", "path", f)
		}
	}

	switch result {
	case buildqueue.Ok:
		return nil
	case buildqueue.Interrupted:
		return &ExitError{Code: int(Interrupted), Message: "build interrupted"}
	default:
		return &ExitError{Code: int(BuildError), Message: "build failed"}
	}
}

func loadPriorState(path string, dagIdentHash uint32) (*priorstate.StateData, error) {
	state, err := dagio.LoadState(path, dagIdentHash)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if errors.Is(err, dagio.ErrIdentifierMismatch) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

func convertDigestEntries(entries []priorstate.DigestEntry) []digestcache.SeedEntry {
	out := make([]digestcache.SeedEntry, len(entries))
	for i, e := range entries {
		out[i] = digestcache.SeedEntry{Path: e.Path, Timestamp: e.Timestamp, Size: e.Size, Digest: e.Digest}
	}
	return out
}

func convertScanEntries(entries []priorstate.ScanEntry) []scancache.SeedEntry {
	out := make([]scancache.SeedEntry, len(entries))
	for i, e := range entries {
		out[i] = scancache.SeedEntry{Path: e.Path, ScannerKind: e.ScannerKind, Timestamp: e.Timestamp, Includes: e.Includes}
	}
	return out
}

// scannerSearchRoots collects the union of every node's configured
// include search path, so the one shared IncludeScanner this driver
// wires can resolve angle-bracket includes for any node that declares a
// Scanner (spec.md §6 Scanner contract does not require per-node scanner
// instances, only per-node scan results, which scancache already keys by
// scanner kind and file).
func scannerSearchRoots(dag *dagmodel.Dag) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, n := range dag.Nodes {
		if n.Scanner == nil {
			continue
		}
		for _, p := range n.Scanner.IncludePath {
			if !seen[p] {
				seen[p] = true
				roots = append(roots, p)
			}
		}
	}
	return roots
}

// expensiveSlots picks MaxExpensiveCount from the DAG's own globals when
// set, otherwise DefaultExpensiveCount, otherwise falls back to threads
// (spec.md §3 Globals, "DefaultExpensiveCount and MaxExpensiveCount bound
// expensive admission"), clamped to threads so a producer-supplied value
// can never violate I5 (max_expensive_count <= thread_count).
func expensiveSlots(dag *dagmodel.Dag, threads int) int {
	slots := threads
	if dag.Globals.MaxExpensiveCount > 0 {
		slots = dag.Globals.MaxExpensiveCount
	} else if dag.Globals.DefaultExpensiveCount > 0 {
		slots = dag.Globals.DefaultExpensiveCount
	}
	if slots > threads {
		slots = threads
	}
	return slots
}
