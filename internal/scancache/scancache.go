// Package scancache caches the result of running an include scanner over
// one file, keyed by (path, timestamp, scanner kind), so the same file
// is only lexically scanned once per build even when several nodes
// declare it as an explicit input. Grounded on the same DigestCache
// recomputation-dedupe shape in original_source/src/FileSign.cpp,
// applied to scan results instead of content digests.
package scancache

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cached scan.
type Key struct {
	Path        string
	Timestamp   uint64
	ScannerKind string
}

// Cache is a Key -> []string (discovered include paths) cache.
type Cache struct {
	mu    sync.RWMutex
	byKey map[Key][]string
	group singleflight.Group
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{byKey: make(map[Key][]string)}
}

// ScanFunc performs the actual lexical scan of one file, returning the
// paths it discovered. Implemented by internal/scanner.
type ScanFunc func(path string) ([]string, error)

// SeedEntry is the persisted shape Seed/Dump exchange with
// internal/priorstate.ScanEntry (kept distinct so this package does not
// import priorstate).
type SeedEntry struct {
	Path        string
	Timestamp   uint64
	ScannerKind string
	Includes    []string
}

// Seed preloads the cache from previously persisted entries (spec.md §2,
// "ScanCache: ... persisted").
func (c *Cache) Seed(entries []SeedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.byKey[Key{Path: e.Path, Timestamp: e.Timestamp, ScannerKind: e.ScannerKind}] = e.Includes
	}
}

// Dump returns every cached entry for persistence at the end of a build.
func (c *Cache) Dump() []SeedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SeedEntry, 0, len(c.byKey))
	for k, v := range c.byKey {
		out = append(out, SeedEntry{Path: k.Path, Timestamp: k.Timestamp, ScannerKind: k.ScannerKind, Includes: v})
	}
	return out
}

// Get returns the cached scan result for key, invoking scan to compute it
// on first request. Concurrent Get calls for the same key share one
// in-flight scan.
func (c *Cache) Get(key Key, scan ScanFunc) ([]string, error) {
	c.mu.RLock()
	if v, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	group := fmt.Sprintf("%s:%d:%s", key.Path, key.Timestamp, key.ScannerKind)
	v, err, _ := c.group.Do(group, func() (interface{}, error) {
		return scan(key.Path)
	})
	if err != nil {
		return nil, err
	}
	result := v.([]string)

	c.mu.Lock()
	c.byKey[key] = result
	c.mu.Unlock()
	return result, nil
}
