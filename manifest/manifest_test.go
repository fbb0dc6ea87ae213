package manifest

import (
	"bytes"
	"testing"
	"time"

	"github.com/clearfoundry/swupd-repo/internal/digest"
)

func sampleManifest(component string, version uint32) *Manifest {
	m := New(component, version)
	m.Header.Format = 1
	m.Header.Timestamp = time.Unix(1700000000, 0)
	m.Files = []*File{
		{Name: "/usr/bin/a", Kind: TypeFile, Hash: "1111111111111111111111111111111111111111111111111111111111111111"[:64], LastChange: version, Stat: Stat{Mode: 0100755, Size: 10}},
		{Name: "/usr/bin/b", Kind: TypeFile, Hash: "2222222222222222222222222222222222222222222222222222222222222222"[:64], LastChange: version, Stat: Stat{Mode: 0100755, Size: 20}},
	}
	m.Header.ContentSize = m.ContentSize()
	return m
}

func TestWriteParseRoundTrip(t *testing.T) {
	m := sampleManifest("os-core", 10)

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatal(err)
	}

	parsed, err := Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing written manifest: %v", err)
	}

	var buf2 bytes.Buffer
	if err := parsed.Write(&buf2); err != nil {
		t.Fatal(err)
	}

	if buf.String() != buf2.String() {
		t.Errorf("round trip not textually stable:\n--- first ---\n%s\n--- second ---\n%s", buf.String(), buf2.String())
	}
}

func TestWriteParseRoundTripCarriesOptionalAndIncludes(t *testing.T) {
	m := sampleManifest("editors", 10)
	m.Header.Optional = true
	m.Header.Includes = []string{"os-core"}
	m.Header.ContentSize = m.ContentSize()

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatal(err)
	}

	parsed, err := Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing written manifest: %v", err)
	}
	if !parsed.Header.Optional {
		t.Error("expected optional:true to round-trip")
	}
	if len(parsed.Header.Includes) != 1 || parsed.Header.Includes[0] != "os-core" {
		t.Errorf("expected includes to round-trip, got %+v", parsed.Header.Includes)
	}
	if len(parsed.Files) != len(m.Files) {
		t.Errorf("expected %d files, got %d", len(m.Files), len(parsed.Files))
	}
}

func TestParseMissingFileReturnsEmptyManifest(t *testing.T) {
	m, err := ParseFile("/nonexistent/Manifest.os-core")
	if err != nil {
		t.Fatalf("missing manifest file should not be an error: %v", err)
	}
	if len(m.Files) != 0 {
		t.Errorf("expected empty manifest, got %d files", len(m.Files))
	}
}

func TestParseRejectsZeroFormat(t *testing.T) {
	text := "MANIFEST\t0\nversion:\t1\nprevious:\t0\nfilecount:\t0\ntimestamp:\t1700000000\ncontentsize:\t0\n\n"
	_, err := Parse(bytes.NewReader([]byte(text)))
	if err == nil {
		t.Error("expected error for zero format")
	}
}

func TestDiffIsIdempotentOnUnchangedInput(t *testing.T) {
	old := sampleManifest("os-core", 10)
	cur := sampleManifest("os-core", 10)
	// Give the "new" manifest a later version but identical content.
	for _, f := range cur.Files {
		f.LastChange = 0
	}
	cur.Header.Version = 11

	stats := Diff(old, cur, 0)
	if stats.Changed != 0 || stats.Added != 0 {
		t.Errorf("expected no changes for identical content, got %+v", stats)
	}
	for _, f := range cur.Files {
		if f.LastChange != 10 {
			t.Errorf("unchanged file %s should inherit old LastChange 10, got %d", f.Name, f.LastChange)
		}
	}
}

func TestDiffDetectsDeletion(t *testing.T) {
	old := sampleManifest("os-core", 10)
	cur := New("os-core", 11)
	cur.Header.Format = 1
	cur.Header.Timestamp = time.Unix(1700000001, 0)
	cur.Files = []*File{
		{Name: "/usr/bin/a", Kind: TypeFile, Hash: old.Files[0].Hash, LastChange: 0, Stat: Stat{Mode: 0100755, Size: 10}},
	}

	stats := Diff(old, cur, 0)
	if stats.Deleted != 1 {
		t.Fatalf("expected 1 deletion, got %+v", stats)
	}

	var found bool
	for _, f := range cur.Files {
		if f.Name == "/usr/bin/b" {
			found = true
			if f.Status != StatusDeleted {
				t.Errorf("expected synthesized deletion, got status %v", f.Status)
			}
			if f.Hash != digest.ZeroHash {
				t.Errorf("deleted file must carry zero hash, got %s", f.Hash)
			}
			if f.LastChange != 11 {
				t.Errorf("expected LastChange == new version 11, got %d", f.LastChange)
			}
		}
	}
	if !found {
		t.Fatal("expected a synthesized deletion row for /usr/bin/b")
	}

	for i := 1; i < len(cur.Files); i++ {
		if cur.Files[i-1].Name > cur.Files[i].Name {
			t.Fatal("manifest must remain sorted by path after deletion synthesis")
		}
	}
}

func TestDiffDetectsAddition(t *testing.T) {
	old := New("os-core", 10)
	old.Header.Format = 1
	old.Header.Timestamp = time.Unix(1700000000, 0)

	cur := sampleManifest("os-core", 11)

	stats := Diff(old, cur, 0)
	if stats.Added != 2 {
		t.Errorf("expected 2 additions, got %+v", stats)
	}
}

func TestSubtractKeepsBothDeletedRows(t *testing.T) {
	m1 := &Manifest{Component: "editors", Files: []*File{
		{Name: "/usr/bin/vim", Status: StatusDeleted, Kind: TypeFile, Hash: digest.ZeroHash},
	}}
	m2 := &Manifest{Component: "os-core", Files: []*File{
		{Name: "/usr/bin/vim", Status: StatusDeleted, Kind: TypeFile, Hash: digest.ZeroHash},
	}}

	Subtract(m1, m2)
	if len(m1.Files) != 1 {
		t.Fatalf("both-deleted row must be preserved, got %d files", len(m1.Files))
	}
}

func TestSubtractRemovesDuplicatePresentRow(t *testing.T) {
	m1 := &Manifest{Component: "editors", Files: []*File{
		{Name: "/usr/bin/vim", Status: StatusPresent, Kind: TypeFile, Hash: "a"},
	}}
	m2 := &Manifest{Component: "os-core", Files: []*File{
		{Name: "/usr/bin/vim", Status: StatusPresent, Kind: TypeFile, Hash: "a"},
	}}

	Subtract(m1, m2)
	if len(m1.Files) != 0 {
		t.Fatalf("duplicate present row should be removed, got %d files", len(m1.Files))
	}
}

func TestConsolidateConflictDropsBothRows(t *testing.T) {
	sub := map[string]*Manifest{
		"bundle-a": {Component: "bundle-a", Files: []*File{
			{Name: "/usr/share/shared", Status: StatusPresent, Kind: TypeFile, Hash: "aaa"},
		}},
		"bundle-b": {Component: "bundle-b", Files: []*File{
			{Name: "/usr/share/shared", Status: StatusPresent, Kind: TypeFile, Hash: "bbb"},
		}},
	}

	var conflicts int
	result := Consolidate(sub, func(c1 string, f1 *File, c2 string, f2 *File) { conflicts++ })

	if conflicts != 1 {
		t.Errorf("expected 1 logged conflict, got %d", conflicts)
	}
	if len(result) != 0 {
		t.Errorf("conflicting rows must both be dropped, got %d rows", len(result))
	}
}

func TestConsolidatePresentBeatsDeleted(t *testing.T) {
	sub := map[string]*Manifest{
		"bundle-a": {Component: "bundle-a", Files: []*File{
			{Name: "/usr/bin/tool", Status: StatusPresent, Kind: TypeFile, Hash: "aaa"},
		}},
		"bundle-b": {Component: "bundle-b", Files: []*File{
			{Name: "/usr/bin/tool", Status: StatusDeleted, Kind: TypeFile, Hash: digest.ZeroHash},
		}},
	}

	result := Consolidate(sub, nil)
	if len(result) != 1 {
		t.Fatalf("expected exactly one surviving row, got %d", len(result))
	}
	if result[0].Status != StatusPresent {
		t.Error("present row should win over deleted row")
	}
}
