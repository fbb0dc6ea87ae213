package manifest

import "testing"

func TestDetectRenamesLinksIdenticalContent(t *testing.T) {
	deletedOriginal := &File{Name: "/usr/bin/oldname", Kind: TypeFile, Status: StatusDeleted, Hash: "same-hash", Stat: Stat{Size: 1000}}
	deletedRow := &File{Name: "/usr/bin/oldname", Kind: TypeFile, Status: StatusDeleted, Hash: "zero", Peer: deletedOriginal}
	newRow := &File{Name: "/usr/bin/newname", Kind: TypeFile, Status: StatusPresent, Hash: "same-hash", LastChange: 5, Stat: Stat{Size: 1000}}

	m := &Manifest{Header: Header{Version: 5}, Files: []*File{deletedRow, newRow}}
	DetectRenames(m, nil)

	if !newRow.Modifiers.Rename || !deletedRow.Modifiers.Rename {
		t.Fatal("expected both sides to be marked as a rename")
	}
	if newRow.RenamePeer != deletedRow {
		t.Error("new row should point its rename peer at the deleted row")
	}
	if deletedRow.Hash != deletedOriginal.Hash {
		t.Error("deleted row should inherit the original's digest so clients can still locate content")
	}
}

func TestDetectRenamesRejectsLowScore(t *testing.T) {
	deletedOriginal := &File{Name: "/var/lib/a/thing.bin", Kind: TypeFile, Status: StatusDeleted, Hash: "hash-a", Stat: Stat{Size: 500}}
	deletedRow := &File{Name: "/var/lib/a/thing.bin", Kind: TypeFile, Status: StatusDeleted, Hash: "zero", Peer: deletedOriginal}
	newRow := &File{Name: "/opt/other/different.dat", Kind: TypeFile, Status: StatusPresent, Hash: "hash-b", LastChange: 5, Stat: Stat{Size: 9000000}}

	m := &Manifest{Header: Header{Version: 5}, Files: []*File{deletedRow, newRow}}
	DetectRenames(m, nil)

	if newRow.Modifiers.Rename {
		t.Error("a weak pairing must not be accepted as a rename")
	}
}

func TestDetectRenamesZeroSizeNeverMatches(t *testing.T) {
	deletedOriginal := &File{Name: "/usr/bin/old", Kind: TypeFile, Status: StatusDeleted, Hash: "h", Stat: Stat{Size: 0}}
	deletedRow := &File{Name: "/usr/bin/old", Kind: TypeFile, Status: StatusDeleted, Hash: "zero", Peer: deletedOriginal}
	newRow := &File{Name: "/usr/bin/new", Kind: TypeFile, Status: StatusPresent, Hash: "h", LastChange: 5, Stat: Stat{Size: 0}}

	m := &Manifest{Header: Header{Version: 5}, Files: []*File{deletedRow, newRow}}
	DetectRenames(m, nil)

	if newRow.Modifiers.Rename {
		t.Error("zero-size files must never be matched as a rename")
	}
}

func TestGreedyAssignmentPrefersBestScore(t *testing.T) {
	origA := &File{Name: "/usr/bin/foo", Kind: TypeFile, Status: StatusDeleted, Hash: "hash-same", Stat: Stat{Size: 1000}}
	delA := &File{Name: "/usr/bin/foo", Kind: TypeFile, Status: StatusDeleted, Hash: "zero", Peer: origA}

	origB := &File{Name: "/usr/bin/bar", Kind: TypeFile, Status: StatusDeleted, Hash: "hash-other", Stat: Stat{Size: 1000}}
	delB := &File{Name: "/usr/bin/bar", Kind: TypeFile, Status: StatusDeleted, Hash: "zero", Peer: origB}

	// newRow matches origA's digest exactly, so it should win that pairing
	// even though it also scores nonzero against origB by size ratio and
	// shared directory.
	newRow := &File{Name: "/usr/bin/foo2", Kind: TypeFile, Status: StatusPresent, Hash: "hash-same", LastChange: 5, Stat: Stat{Size: 1000}}

	m := &Manifest{Header: Header{Version: 5}, Files: []*File{delA, delB, newRow}}
	DetectRenames(m, nil)

	if newRow.RenamePeer != delA {
		t.Errorf("expected newRow to pair with the identical-digest original, got %v", newRow.RenamePeer)
	}
}
