package fullfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clearfoundry/swupd-repo/internal/digest"
	"github.com/clearfoundry/swupd-repo/manifest"
)

func TestCreateWritesOneArchivePerDigest(t *testing.T) {
	fullRoot := t.TempDir()
	outDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(fullRoot, "a.txt"), []byte("same content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fullRoot, "b.txt"), []byte("same content"), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := digest.ForPath(filepath.Join(fullRoot, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}

	m := manifest.New("full", 10)
	m.Files = []*manifest.File{
		{Name: "/a.txt", Kind: manifest.TypeFile, Hash: h, LastChange: 10, Stat: manifest.Stat{Size: 12}},
		{Name: "/b.txt", Kind: manifest.TypeFile, Hash: h, LastChange: 10, Stat: manifest.Stat{Size: 12}},
	}

	stats, err := Create(m, fullRoot, outDir, 2)
	if err != nil {
		t.Fatal(err)
	}
	_ = stats

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one fullfile archive (dedup by digest), got %d", len(entries))
	}
	if entries[0].Name() != h+".tar" {
		t.Errorf("expected archive named %s.tar, got %s", h, entries[0].Name())
	}
}

func TestCreateSkipsExistingArchive(t *testing.T) {
	fullRoot := t.TempDir()
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(fullRoot, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	h, err := digest.ForPath(filepath.Join(fullRoot, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(outDir, h+".tar")
	if err := os.WriteFile(existing, []byte("sentinel"), 0444); err != nil {
		t.Fatal(err)
	}

	m := manifest.New("full", 10)
	m.Files = []*manifest.File{{Name: "/a.txt", Kind: manifest.TypeFile, Hash: h, LastChange: 10, Stat: manifest.Stat{Size: 5}}}

	stats, err := Create(m, fullRoot, outDir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 {
		t.Errorf("expected 1 skip, got %d", stats.Skipped)
	}
	data, err := os.ReadFile(existing)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sentinel" {
		t.Error("existing fullfile archive should not be regenerated")
	}
}
