// Package digestcache caches content-digests of files keyed by
// (path, size, timestamp) identity, so two CheckInputSignature calls for
// the same unchanged file never hash its bytes twice, and concurrent
// calls for the *same* file share one in-flight hash rather than both
// paying the I/O cost (spec.md §9, "cache must serialize recomputation").
// Grounded on original_source/src/FileSign.cpp's DigestCache
// (ComputeFileSignatureSha1 consults a cache before reading the file),
// with recomputation dedupe added via golang.org/x/sync/singleflight,
// already present in the teacher's module graph.
package digestcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vk/buildcore/internal/bhash"
)

// identity is the stat-derived key a cached digest is valid for. If a
// file's identity changes, its old cached digest is simply stale and
// never returned — Get recomputes instead.
type identity struct {
	size      int64
	timestamp uint64
}

// Cache is a path -> content-digest cache with singleflight-protected
// recomputation.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]cached
	group singleflight.Group
}

type cached struct {
	id     identity
	digest bhash.Digest
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{byKey: make(map[string]cached)}
}

// Get returns the SHA-1-width content digest of path, given the
// timestamp and size already observed via statcache for identity
// comparison. It reads and hashes the file only if no cached digest
// exists for this exact identity.
func (c *Cache) Get(path string, timestamp uint64, size int64) (bhash.Digest, error) {
	want := identity{size: size, timestamp: timestamp}

	c.mu.RLock()
	if e, ok := c.byKey[path]; ok && e.id == want {
		c.mu.RUnlock()
		return e.digest, nil
	}
	c.mu.RUnlock()

	key := fmt.Sprintf("%s:%d:%d", path, timestamp, size)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.hashFile(path)
	})
	if err != nil {
		return bhash.Digest{}, err
	}
	d := v.(bhash.Digest)

	c.mu.Lock()
	c.byKey[path] = cached{id: want, digest: d}
	c.mu.Unlock()
	return d, nil
}

// Seed preloads the cache from previously persisted entries (spec.md §2,
// "DigestCache: ... persisted"), so a digest computed in a prior build is
// not rehashed just because this run never touched it again via Get's
// singleflight path.
func (c *Cache) Seed(entries []SeedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.byKey[e.Path] = cached{id: identity{size: e.Size, timestamp: e.Timestamp}, digest: e.Digest}
	}
}

// SeedEntry is the persisted shape Seed/Dump exchange with
// internal/priorstate.DigestEntry (kept distinct so this package does
// not import priorstate).
type SeedEntry struct {
	Path      string
	Timestamp uint64
	Size      int64
	Digest    bhash.Digest
}

// Dump returns every cached entry for persistence at the end of a build.
func (c *Cache) Dump() []SeedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SeedEntry, 0, len(c.byKey))
	for path, e := range c.byKey {
		out = append(out, SeedEntry{Path: path, Timestamp: e.id.timestamp, Size: e.id.size, Digest: e.digest})
	}
	return out
}

func (c *Cache) hashFile(path string) (bhash.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return bhash.Digest{}, err
	}
	defer f.Close()

	st := bhash.NewState()
	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			st.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return bhash.Digest{}, err
		}
	}
	return st.Digest(), nil
}
