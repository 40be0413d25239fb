// Package validator implements OutputValidator (spec.md §4.4): decide
// whether a node's captured process output is acceptable, matching it
// line by line against the node's allowed-output substrings.
// original_source/src/OutputValidation.hpp declares the result enum and
// the validation entry point but its body lives inline in
// original_source/src/BuildQueue.cpp next to the two call sites that
// consult node_data->m_AllowedOutputSubstrings; this package reproduces
// the contract spec.md §4.4 states rather than the original's exact
// line-matching code, which was not recoverable from the retrieved
// source (no standalone OutputValidation.cpp is present in the pack).
package validator

import (
	"bytes"

	"github.com/vk/buildcore/internal/dagmodel"
)

// Result is the outcome of Validate (spec.md §4.4). UnwrittenOutputFileFail
// is declared here for completeness of the enum but is never returned by
// Validate itself — spec.md is explicit that ActionRunner produces it.
type Result int

const (
	Pass Result = iota
	SwallowStdout
	UnexpectedConsoleOutputFail
	UnwrittenOutputFileFail
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "Pass"
	case SwallowStdout:
		return "SwallowStdout"
	case UnexpectedConsoleOutputFail:
		return "UnexpectedConsoleOutputFail"
	case UnwrittenOutputFileFail:
		return "UnwrittenOutputFileFail"
	default:
		return "Unknown"
	}
}

// Succeeded reports whether a node carrying this validation result (in
// combination with a zero process return code) still counts as an
// overall success (spec.md §4.3 step 14, "validation < UnexpectedConsoleOutputFail").
func (r Result) Succeeded() bool {
	return r == Pass || r == SwallowStdout
}

// SwallowMarker is a reserved entry a DAG producer may include in a
// node's AllowedOutputSubstrings to additionally request that fully
// matched output be suppressed from display rather than merely allowed
// (spec.md §4.4, "if ... there exists a special 'swallow' substring,
// return SwallowStdout"). It is never itself matched against output
// text — only its presence in the list is significant.
const SwallowMarker = "\x00buildcore:swallow\x00"

// Validate checks output against node's allow-list (spec.md §4.4).
// Matching is line-based: a non-blank line of output "matches" if it
// contains at least one configured allowed substring. Empty output
// always passes without consulting the allow-list.
func Validate(output []byte, node *dagmodel.Node) Result {
	if len(bytes.TrimSpace(output)) == 0 {
		return Pass
	}

	var allowed [][]byte
	hasSwallow := false
	for _, s := range node.AllowedOutputSubstrings {
		if s == SwallowMarker {
			hasSwallow = true
			continue
		}
		allowed = append(allowed, []byte(s))
	}

	allMatched := allLinesMatch(output, allowed)

	if !node.Flags.Has(dagmodel.FlagAllowUnexpectedOutput) && !allMatched {
		return UnexpectedConsoleOutputFail
	}
	if allMatched && hasSwallow {
		return SwallowStdout
	}
	return Pass
}

func allLinesMatch(output []byte, allowed [][]byte) bool {
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		matched := false
		for _, a := range allowed {
			if bytes.Contains(line, a) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
