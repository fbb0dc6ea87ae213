package digest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestForPathRegularIsReproducible(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(p, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := ForPath(p)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(p)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("digest not reproducible: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestForPathSensitiveToContent(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(p1, []byte("content-a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, []byte("content-b"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := ForPath(p1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(p2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("different content produced the same digest")
	}
}

func TestForPathSensitiveToMode(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("same bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	h1, err := ForPath(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, 0755); err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(p)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("changing mode bits did not change the digest")
	}
}

func TestDirectoryDigestIgnoresSize(t *testing.T) {
	d1 := t.TempDir()
	d2 := t.TempDir()
	if err := os.WriteFile(filepath.Join(d2, "extra"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := ForPath(d1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(d2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("directory digest should not depend on entries/size, only metadata")
	}
}

func TestSymlinkDigestIgnoresMode(t *testing.T) {
	dir := t.TempDir()
	l1 := filepath.Join(dir, "l1")
	l2 := filepath.Join(dir, "l2")
	if err := os.Symlink("/usr/bin/true", l1); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/usr/bin/true", l2); err != nil {
		t.Fatal(err)
	}

	h1, err := ForPath(l1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(l2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("two symlinks with identical targets should digest identically")
	}
}

func TestSymlinkDigestSensitiveToTarget(t *testing.T) {
	dir := t.TempDir()
	l1 := filepath.Join(dir, "l1")
	l2 := filepath.Join(dir, "l2")
	if err := os.Symlink("/usr/bin/true", l1); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/usr/bin/false", l2); err != nil {
		t.Fatal(err)
	}

	h1, err := ForPath(l1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ForPath(l2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("symlinks with different targets must digest differently")
	}
}

func TestZeroHashLength(t *testing.T) {
	if len(ZeroHash) != 64 {
		t.Errorf("ZeroHash must be the same width as a real digest, got %d chars", len(ZeroHash))
	}
}
