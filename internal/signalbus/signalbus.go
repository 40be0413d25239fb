// Package signalbus implements the SignalBus external interface
// (spec.md §6): a way to record "why did the build stop" exactly once
// and wake whoever is waiting on the build-finished condition, whether
// the reason was an external interrupt or an in-band failure. Grounded
// on original_source/src/Driver.cpp's signal-handling setup (install the
// handler before spawning workers, route it to a single global reason)
// and spec.md §4.1 "install a signal handler that signals build-finished".
package signalbus

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Bus records a single "build stopped" reason and lets any number of
// goroutines wait for it. SetReason is idempotent: only the first call
// wins (spec.md §7, "Only the first signal raise wins").
type Bus struct {
	mu       sync.Mutex
	reason   string
	set      bool
	done     chan struct{}
	sigCh    chan os.Signal
	stopOnce sync.Once
}

// New returns a Bus with no reason set yet.
func New() *Bus {
	return &Bus{done: make(chan struct{})}
}

// SetReason records reason as the build-stop cause if none has been
// recorded yet, and wakes any goroutine waiting on Done. Later calls
// after the first are no-ops.
func (b *Bus) SetReason(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set {
		return
	}
	b.set = true
	b.reason = reason
	close(b.done)
}

// GetReason returns the recorded reason and whether one has been set.
func (b *Bus) GetReason() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason, b.set
}

// Done returns a channel closed exactly once, the first time SetReason
// is called. BuildQueue's main wait loop selects on this alongside the
// build-finished condition so an external signal wakes it promptly.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// InstallSignalHandler installs a SIGINT/SIGTERM handler that calls
// SetReason exactly once, matching spec.md §4.1's "install a signal
// handler that signals build-finished" and §9's "blocking signals on
// worker threads and routing them to the main thread". Go routes OS
// signals to whichever goroutine is listening on the returned channel
// rather than to a particular thread, so there is no separate
// "block signals on workers" step to replicate — os/signal already
// delivers to this one handler goroutine only.
func (b *Bus) InstallSignalHandler() {
	b.sigCh = make(chan os.Signal, 1)
	signal.Notify(b.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-b.sigCh; ok {
			b.SetReason("external interrupt")
		}
	}()
}

// StopSignalHandler stops routing OS signals to this Bus. Safe to call
// even if InstallSignalHandler was never called.
func (b *Bus) StopSignalHandler() {
	b.stopOnce.Do(func() {
		if b.sigCh != nil {
			signal.Stop(b.sigCh)
			close(b.sigCh)
		}
	})
}
