// Command buildcore is a thin demonstration driver for the core build
// executor: load a frozen DAG and its prior persisted state from disk,
// run every pass to completion, persist the new state, sweep stale
// outputs, and map the outcome to a process exit code (spec.md §6 exit
// code table). Grounded on the teacher's cmd/cli/main.go +
// internal/cli/cli.go shape (stdlib flag, a testable run(outW, args)
// entrypoint, an ExitError carrying both a message and a process exit
// code) before both were deleted as part of dropping the teacher's HCL
// configuration front end (see DESIGN.md).
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(SetupError))
	}
}
