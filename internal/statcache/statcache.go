// Package statcache provides a thread-safe cache of filesystem metadata
// keyed by path, so a build that touches the same file from many
// concurrent workers stats it once. Grounded on
// original_source/src/FileSign.cpp's StatCache (a global table consulted
// before any os.Stat). The whole table is guarded by one sync.RWMutex, so
// concurrent hits share a read lock and only misses and invalidations
// take the write lock.
package statcache

import (
	"os"
	"sync"
)

// Entry is the cached metadata for one path. A missing file is cached
// too (Exists=false), so repeated lookups of a nonexistent input don't
// repeatedly hit the filesystem.
type Entry struct {
	Exists    bool
	Timestamp uint64
	Size      int64
}

// Cache is a path -> Entry cache with explicit invalidation. Safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Stat returns cached metadata for path, stat-ing the filesystem on first
// request. A nonexistent file yields Entry{Exists: false} and a nil
// error, matching original_source/src/FileSign.cpp's
// ComputeFileSignatureTimestamp treatment of a missing file as a
// sentinel rather than an error.
func (c *Cache) Stat(path string) (Entry, error) {
	c.mu.RLock()
	if e, ok := c.entries[path]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	e, err := statPath(path)
	if err != nil {
		return Entry{}, err
	}

	c.mu.Lock()
	c.entries[path] = e
	c.mu.Unlock()
	return e, nil
}

// Dirty invalidates the cached entry for path, forcing the next Stat to
// hit the filesystem. Called after ActionRunner creates, removes, or
// overwrites a file (spec.md §4.3 steps 4, 5, 11).
func (c *Cache) Dirty(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

func statPath(path string) (Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{Exists: false}, nil
		}
		return Entry{}, err
	}
	return Entry{
		Exists:    true,
		Timestamp: uint64(fi.ModTime().UnixNano()),
		Size:      fi.Size(),
	}, nil
}
