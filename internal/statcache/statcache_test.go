package statcache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatMissingFileDoesNotError(t *testing.T) {
	c := New()
	e, err := c.Stat(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Stat on missing file returned error: %v", err)
	}
	if e.Exists {
		t.Fatalf("Exists = true for a missing file")
	}
}

func TestStatCachesUntilDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New()
	first, err := c.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Exists || first.Size != 2 {
		t.Fatalf("unexpected first stat: %+v", first)
	}

	if err := os.WriteFile(path, []byte("v2-longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	cached, err := c.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Size != first.Size {
		t.Fatalf("Stat should have returned the cached entry, got size %d want %d", cached.Size, first.Size)
	}

	c.Dirty(path)
	fresh, err := c.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Size == first.Size {
		t.Fatalf("Stat after Dirty should reflect the new file size")
	}
}
