// Package sharedresource implements SharedResource (spec.md §4.5): a
// lazily created, refcounted resource shared across nodes, whose
// create_action runs at most once per build and whose destroy_action
// runs at queue teardown. Grounded on
// original_source/src/SharedResources.cpp (SharedResourceAcquire's
// double-checked-locking pattern, SharedResourceDestroy).
package sharedresource

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/process"
)

// Manager owns the refcounts for every shared resource declared in a
// Dag's SharedResources list and serializes their creation/destruction
// behind a single mutex, exactly as spec.md §4.5 describes ("a single
// queue-wide mutex serializes creation/destruction").
type Manager struct {
	mu        sync.Mutex
	resources []dagmodel.SharedResource
	refcount  []int
	launcher  process.Launcher
	baseEnv   []string
}

// New returns a Manager for the given resource declarations.
func New(resources []dagmodel.SharedResource, launcher process.Launcher, baseEnv []string) *Manager {
	return &Manager{
		resources: resources,
		refcount:  make([]int, len(resources)),
		launcher:  launcher,
		baseEnv:   baseEnv,
	}
}

// Acquire increments the refcount for resourceIdx, running its
// create_action the first time (double-checked under lock, per spec.md
// §4.5: "if count == 0, run resource.create_action ... on success
// increment count; on failure return false"). A failed create does not
// increment the refcount, so a later Acquire retries creation.
func (m *Manager) Acquire(ctx context.Context, resourceIdx int) error {
	m.mu.Lock()
	if m.refcount[resourceIdx] > 0 {
		m.refcount[resourceIdx]++
		m.mu.Unlock()
		return nil
	}

	res := m.resources[resourceIdx]
	if res.CreateAction == "" {
		m.refcount[resourceIdx] = 1
		m.mu.Unlock()
		return nil
	}

	env := process.BuildEnv(m.baseEnv, convertEnv(res.EnvVars))
	result, err := m.launcher.Execute(ctx, res.CreateAction, env, 0, true, nil, 0)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("shared resource %q create: %w", res.Annotation, err)
	}
	if result.ReturnCode != 0 {
		m.mu.Unlock()
		return fmt.Errorf("shared resource %q create: exit %d", res.Annotation, result.ReturnCode)
	}
	m.refcount[resourceIdx] = 1
	m.mu.Unlock()
	return nil
}

// AcquireAll acquires every resource index a node declares, releasing
// any already-acquired ones on the first failure is deliberately NOT
// done here: spec.md §4.5 treats resources as build-lifetime, not
// per-node-scoped — a created resource stays created until DestroyAll,
// regardless of whether the node that triggered its creation ultimately
// fails for an unrelated reason.
func (m *Manager) AcquireAll(ctx context.Context, resourceIdxs []int) error {
	for _, idx := range resourceIdxs {
		if err := m.Acquire(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// DestroyAll runs every created resource's destroy_action and zeroes its
// count (spec.md §4.5 destroy_all). Failures are logged by the caller,
// not returned as fatal: "failure to destroy is logged but not fatal".
func (m *Manager) DestroyAll(ctx context.Context) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i, res := range m.resources {
		if m.refcount[i] == 0 {
			continue
		}
		if res.DestroyAction != "" {
			env := process.BuildEnv(m.baseEnv, convertEnv(res.EnvVars))
			result, err := m.launcher.Execute(ctx, res.DestroyAction, env, 0, true, nil, 0)
			if err != nil {
				errs = append(errs, fmt.Errorf("shared resource %q destroy: %w", res.Annotation, err))
			} else if result.ReturnCode != 0 {
				errs = append(errs, fmt.Errorf("shared resource %q destroy: exit %d", res.Annotation, result.ReturnCode))
			}
		}
		m.refcount[i] = 0
	}
	return errs
}

func convertEnv(vars []dagmodel.EnvVar) []process.EnvVar {
	out := make([]process.EnvVar, len(vars))
	for i, v := range vars {
		out[i] = process.EnvVar{Name: v.Name, Value: v.Value}
	}
	return out
}
