package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestAddHasPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Load(path, zerolog.Nop())

	if c.Has("abc") {
		t.Error("empty cache reports a hit")
	}
	if err := c.Add("abc", "photo.jpg", 1234); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !c.Has("abc") {
		t.Error("Add did not register the fingerprint")
	}
	if !c.SeenNameSize("photo.jpg", 1234) {
		t.Error("SeenNameSize missed the exact pair")
	}
	if c.SeenNameSize("photo.jpg", 1235) {
		t.Error("SeenNameSize matched a different size")
	}

	// Reload from disk.
	c2 := Load(path, zerolog.Nop())
	if !c2.Has("abc") || !c2.SeenNameSize("photo.jpg", 1234) {
		t.Error("persisted cache lost entries across reload")
	}
	if c2.Len() != 1 {
		t.Errorf("Len = %d, want 1", c2.Len())
	}
}

func TestLoadCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Load(path, zerolog.Nop())
	if c.Len() != 0 {
		t.Errorf("corrupt cache loaded %d entries, want 0", c.Len())
	}
	// The cache must still accept writes afterwards.
	if err := c.Add("xyz", "a.mp4", 10); err != nil {
		t.Fatalf("Add after corrupt load: %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Error("identical content produced different fingerprints")
	}
	if len(fa) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(fa))
	}
}
