// Package resultprinter implements NodeResultPrinter (SPEC_FULL.md
// §4.10): formats the textual content of the user-visible lines spec.md
// §7 specifies and decides which are buffered versus printed
// immediately. It never touches a terminal control sequence — ANSI
// rendering is explicitly out of scope (spec.md §1) — writing instead
// through a plain io.Writer and an *slog.Logger, grounded on the
// teacher's ambient logging convention (internal/ctxlog).
package resultprinter

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Printer serializes and formats node result lines. A single mutex
// guards the writer so concurrent ActionRunner calls never interleave
// partial lines — this is a dedicated print mutex, distinct from
// BuildQueue's queue mutex, since printing happens entirely outside the
// RunAction critical sections (spec.md §4.3 step 12, "under the lock,
// print the node result" — here "the lock" is this Printer's own).
type Printer struct {
	mu              sync.Mutex
	out             io.Writer
	logger          *slog.Logger
	continueOnError bool
	buffered        []string
}

// New returns a Printer writing success/up-to-date lines to out
// immediately, through logger for structured diagnostics, and buffering
// failure detail lines unless continueOnError is set (spec.md §7).
func New(out io.Writer, logger *slog.Logger, continueOnError bool) *Printer {
	return &Printer{out: out, logger: logger, continueOnError: continueOnError}
}

// Success prints a success line for a node whose action just ran.
func (p *Printer) Success(annotation string, index, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%d/%d] %s\n", index, total, annotation)
}

// UpToDate emits a spam-level (Debug) log line for a skipped node
// (spec.md §7, "an 'up-to-date' spam-level log when skipped").
func (p *Printer) UpToDate(annotation string, index, total int) {
	p.logger.Debug("node up to date", "annotation", annotation, "index", index, "total", total)
}

// Failure formats a failed-node line and either prints it immediately or
// buffers it for FlushFailures, depending on continueOnError (spec.md
// §7, "Failed-node detail lines are buffered and printed at the end
// unless ContinueOnError is set").
func (p *Printer) Failure(annotation string, index, total int, elapsed time.Duration, output []byte) {
	line := fmt.Sprintf("[!FAILED! %d/%d %.1fs] %s\n%s", index, total, elapsed.Seconds(), annotation, output)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.continueOnError {
		fmt.Fprintln(p.out, line)
		return
	}
	p.buffered = append(p.buffered, line)
}

// FlushFailures prints every buffered failure line, in the order they
// occurred, then clears the buffer. Called once at the end of a build
// when ContinueOnError was not set.
func (p *Printer) FlushFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range p.buffered {
		fmt.Fprintln(p.out, line)
	}
	p.buffered = nil
}
