package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clearfoundry/swupd-repo/manifest"
)

func TestTreeWalksFilesDirsAndLinks(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	m, err := Tree(root, Options{Version: 10, ComputeDigests: true}, "")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	byName := make(map[string]*manifest.File)
	for _, f := range m.Files {
		byName[f.Name] = f
	}
	if f, ok := byName["/a"]; !ok || f.Kind != manifest.TypeFile || f.Hash == "" {
		t.Errorf("expected /a to be a hashed regular file, got %+v", f)
	}
	if f, ok := byName["/dir"]; !ok || f.Kind != manifest.TypeDirectory {
		t.Errorf("expected /dir to be a directory, got %+v", f)
	}
	if f, ok := byName["/link"]; !ok || f.Kind != manifest.TypeLink {
		t.Errorf("expected /link to be a symlink, got %+v", f)
	}
}

func TestTreeRejectsBlacklistedNames(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "bad;name"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Tree(root, Options{Version: 10}, ""); err == nil {
		t.Fatal("expected a blacklisted file name to error")
	}
}

func TestTreeFallsBackToContentList(t *testing.T) {
	base := t.TempDir()
	fullRoot := filepath.Join(base, "full")
	if err := os.MkdirAll(fullRoot, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fullRoot, "a"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	missingRoot := filepath.Join(base, "os-core")
	if err := os.WriteFile(missingRoot+".content.txt", []byte("/a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Tree(missingRoot, Options{Version: 10}, fullRoot)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Name != "/a" {
		t.Errorf("expected a single /a record from the content list, got %+v", m.Files)
	}
}

func TestCopyDigestsAlignsByName(t *testing.T) {
	full := manifest.New("full", 10)
	full.Files = []*manifest.File{{Name: "/a", Hash: "deadbeef", Stat: manifest.Stat{Size: 5}}}

	component := manifest.New("os-core", 10)
	component.Files = []*manifest.File{{Name: "/a"}, {Name: "/missing"}}

	CopyDigests(component, full)

	if component.Files[0].Hash != "deadbeef" || component.Files[0].Stat.Size != 5 {
		t.Errorf("expected /a's digest copied across, got %+v", component.Files[0])
	}
	if component.Files[1].Hash != "" {
		t.Errorf("expected /missing to stay unhashed, got %+v", component.Files[1])
	}
}
