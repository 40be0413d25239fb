// Package actionrunner implements RunAction (spec.md §4.3): the
// blocking, queue-mutex-free work of actually executing one node —
// acquiring shared resources, preparing output directories, running the
// pre-action and action, validating output, and deciding success or
// failure. Grounded on the teacher's internal/dag/node_runner.go
// (executeResourceNode/executeStepNode: look up inputs, run, store
// result, handle cleanup) for the overall "look up, run, record" shape,
// and on original_source/src/BuildQueue.cpp's RunAction-equivalent
// sequencing for the precise step order.
package actionrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/process"
	"github.com/vk/buildcore/internal/resultprinter"
	"github.com/vk/buildcore/internal/sharedresource"
	"github.com/vk/buildcore/internal/signalbus"
	"github.com/vk/buildcore/internal/statcache"
	"github.com/vk/buildcore/internal/validator"
)

// Progress is the outcome RunAction reports back to the node state
// machine: Succeeded or Failed (spec.md §4.1 state machine — RunAction
// never reports anything else to its caller; self-reparking for
// expensive admission is handled entirely by BuildQueue before Run is
// ever invoked).
type Progress int

const (
	Succeeded Progress = iota
	Failed
)

// Runner executes one node's action to completion.
type Runner struct {
	Stat      *statcache.Cache
	Resources *sharedresource.Manager
	Launcher  process.Launcher
	Printer   *resultprinter.Printer
	Signals   *signalbus.Bus

	BaseEnv              []string
	DryRun               bool
	SlowCallbackInterval time.Duration
	ContinueOnError      bool
}

// Run executes node's action and returns its final progress and any
// error explaining a Failed outcome. index/total are only used for the
// printed progress line.
func (r *Runner) Run(ctx context.Context, node *dagmodel.Node, index, total int) (Progress, error) {
	start := time.Now()

	// Step 1: empty-action fast path.
	if !node.Flags.Has(dagmodel.FlagIsWriteTextFileAction) && node.Action == "" {
		return Succeeded, nil
	}

	// Step 3: acquire shared resources.
	if err := r.Resources.AcquireAll(ctx, node.SharedResources); err != nil {
		r.Printer.Failure(node.Annotation, index, total, time.Since(start), []byte(err.Error()))
		return Failed, err
	}

	if !r.DryRun {
		// Step 4: create parent directories for every output.
		for _, out := range allOutputs(node) {
			dir := filepath.Dir(out.Path)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				r.Printer.Failure(node.Annotation, index, total, time.Since(start), []byte(err.Error()))
				return Failed, err
			}
			r.Stat.Dirty(dir)
		}
	}

	// Step 5: remove pre-existing outputs unless OverwriteOutputs.
	if !node.Flags.Has(dagmodel.FlagOverwriteOutputs) {
		for _, out := range node.OutputFiles {
			os.Remove(out.Path)
			r.Stat.Dirty(out.Path)
		}
	}

	// Step 6: snapshot pre-action output timestamps.
	allowUnwritten := node.Flags.Has(dagmodel.FlagAllowUnwrittenOutputFiles)
	var preTimestamps map[string]uint64
	if !allowUnwritten {
		preTimestamps = make(map[string]uint64, len(node.OutputFiles))
		for _, out := range node.OutputFiles {
			st, err := r.Stat.Stat(out.Path)
			if err != nil {
				return Failed, err
			}
			preTimestamps[out.Path] = st.Timestamp
		}
	}

	env := process.BuildEnv(r.BaseEnv, convertEnv(node.EnvVars))

	// Step 7: pre-action.
	preRC := 0
	if node.PreAction != "" {
		preResult, err := r.Launcher.Execute(ctx, node.PreAction, env, 0, true, nil, 0)
		if err != nil {
			r.Printer.Failure(node.Annotation, index, total, time.Since(start), []byte(err.Error()))
			return Failed, err
		}
		preRC = preResult.ReturnCode
		if preRC != 0 {
			r.finishOutputs(node, start, index, total, preResult, validator.Pass, preRC)
			r.cleanupOnFailure(node, validator.Pass)
			return Failed, fmt.Errorf("node %q pre-action exited %d", node.Annotation, preRC)
		}
	}

	// Step 8: run the action.
	var execResult process.ExecResult
	var err error
	if node.Flags.Has(dagmodel.FlagIsWriteTextFileAction) {
		execResult, err = r.runWriteTextFile(node)
	} else {
		execResult, err = r.Launcher.Execute(ctx, node.Action, env, 0, true, r.slowCallback(node), r.SlowCallbackInterval)
	}
	if err != nil {
		r.Printer.Failure(node.Annotation, index, total, time.Since(start), []byte(err.Error()))
		return Failed, err
	}

	// Step 9: validate output.
	validation := validator.Validate(execResult.Output, node)

	// Step 10: unwritten-output check.
	if !allowUnwritten {
		for _, out := range node.OutputFiles {
			r.Stat.Dirty(out.Path)
			st, statErr := r.Stat.Stat(out.Path)
			if statErr != nil {
				return Failed, statErr
			}
			if st.Timestamp == preTimestamps[out.Path] {
				validation = validator.UnwrittenOutputFileFail
				break
			}
		}
	}

	// Step 11: mark outputs dirty.
	for _, out := range node.OutputFiles {
		r.Stat.Dirty(out.Path)
	}

	// Step 12: print result.
	r.finishOutputs(node, start, index, total, execResult, validation, execResult.ReturnCode)

	// Step 13: propagate abort reason.
	if execResult.WasAborted {
		r.Signals.SetReason("child processes was aborted")
	}

	// Step 14: success condition.
	success := execResult.ReturnCode == 0 && validation.Succeeded()

	// Step 15: cleanup on failure.
	if !success {
		r.cleanupOnFailure(node, validation)
		return Failed, fmt.Errorf("node %q failed: return_code=%d validation=%s", node.Annotation, execResult.ReturnCode, validation)
	}
	return Succeeded, nil
}

func (r *Runner) finishOutputs(node *dagmodel.Node, start time.Time, index, total int, result process.ExecResult, validation validator.Result, returnCode int) {
	success := returnCode == 0 && validation.Succeeded()
	if success {
		r.Printer.Success(node.Annotation, index, total)
		return
	}
	r.Printer.Failure(node.Annotation, index, total, time.Since(start), result.Output)
}

// cleanupOnFailure deletes every output file unless PreciousOutputs is
// set or the failure was exactly UnwrittenOutputFileFail (spec.md §4.3
// step 15).
func (r *Runner) cleanupOnFailure(node *dagmodel.Node, validation validator.Result) {
	if node.Flags.Has(dagmodel.FlagPreciousOutputs) || validation == validator.UnwrittenOutputFileFail {
		return
	}
	for _, out := range node.OutputFiles {
		os.Remove(out.Path)
		r.Stat.Dirty(out.Path)
	}
}

func (r *Runner) runWriteTextFile(node *dagmodel.Node) (process.ExecResult, error) {
	if len(node.OutputFiles) == 0 {
		return process.ExecResult{ReturnCode: 1, Output: []byte("write-text-file action declares no output")}, nil
	}
	path := node.OutputFiles[0].Path
	if err := os.WriteFile(path, []byte(node.Action), 0o644); err != nil {
		return process.ExecResult{ReturnCode: 1, Output: []byte(err.Error())}, nil
	}
	written, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(written, []byte(node.Action)) {
		return process.ExecResult{ReturnCode: 1, Output: []byte("short write to " + path)}, nil
	}
	return process.ExecResult{ReturnCode: 0}, nil
}

func (r *Runner) slowCallback(node *dagmodel.Node) process.SlowCallback {
	return func(elapsed time.Duration) time.Duration {
		r.Printer.UpToDate(fmt.Sprintf("%s still running (%.0fs)", node.Annotation, elapsed.Seconds()), 0, 0)
		return r.SlowCallbackInterval
	}
}

func allOutputs(node *dagmodel.Node) []dagmodel.FileRef {
	out := make([]dagmodel.FileRef, 0, len(node.OutputFiles)+len(node.AuxOutputFiles))
	out = append(out, node.OutputFiles...)
	out = append(out, node.AuxOutputFiles...)
	return out
}

func convertEnv(vars []dagmodel.EnvVar) []process.EnvVar {
	out := make([]process.EnvVar, len(vars))
	for i, v := range vars {
		out[i] = process.EnvVar{Name: v.Name, Value: v.Value}
	}
	return out
}
