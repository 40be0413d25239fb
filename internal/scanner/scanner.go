// Package scanner implements the Scanner external interface (spec.md §6):
// given a source file, discover the implicit dependencies it references
// so the signature engine can fold them into a node's input signature
// without the DAG producer having to declare every transitively-included
// header up front. The lexical internals of a real scanner (spec.md §1)
// are explicitly out of scope; this is a deliberately simple textual
// scanner recognizing C-style #include directives, demonstrating the
// contract end to end rather than reimplementing a preprocessor.
package scanner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
)

// Scanner discovers the paths one file implicitly depends on.
type Scanner interface {
	Scan(ctx context.Context, path string) ([]string, error)
}

var includeRE = regexp.MustCompile(`^\s*#\s*include\s*(["<])([^">]+)[">]`)

// IncludeScanner resolves #include "..." and #include <...> directives
// against a configured list of search roots. A quoted include ("...")
// is tried relative to the including file's directory first, then
// against each search root in order; an angle-bracket include (<...>)
// is tried only against the search roots, mirroring conventional C
// preprocessor search order.
type IncludeScanner struct {
	SearchRoots []string
}

// New returns an IncludeScanner with the given search roots.
func New(searchRoots []string) *IncludeScanner {
	return &IncludeScanner{SearchRoots: searchRoots}
}

// Scan reads path line by line and resolves every #include directive it
// finds to an existing file, skipping directives that resolve to
// nothing (a missing header is not this scanner's concern — it is
// surfaced later, if at all, as a build failure when the action itself
// runs).
func (s *IncludeScanner) Scan(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []string
	dir := filepath.Dir(path)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m := includeRE.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		quoted := m[1] == `"`
		name := m[2]
		resolved := s.resolve(dir, name, quoted)
		if resolved != "" {
			found = append(found, resolved)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *IncludeScanner) resolve(includerDir, name string, quoted bool) string {
	if quoted {
		candidate := filepath.Join(includerDir, name)
		if fileExists(candidate) {
			return candidate
		}
	}
	for _, root := range s.SearchRoots {
		candidate := filepath.Join(root, name)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
