package driver

import (
	"testing"

	"github.com/clearfoundry/swupd-repo/internal/repostate"
	"github.com/clearfoundry/swupd-repo/manifest"
)

func TestApplyHeuristicsMarksConfigStateAndBoot(t *testing.T) {
	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{
		{Name: "/etc/passwd", Kind: manifest.TypeFile, Status: manifest.StatusPresent},
		{Name: "/var/lib/foo", Kind: manifest.TypeFile, Status: manifest.StatusPresent},
		{Name: "/boot/vmlinuz", Kind: manifest.TypeFile, Status: manifest.StatusPresent},
		{Name: "/usr/bin/foo", Kind: manifest.TypeFile, Status: manifest.StatusPresent},
	}

	applyHeuristics(m, false)

	if !m.Files[0].Modifiers.Config {
		t.Error("expected /etc/passwd to be marked config")
	}
	if !m.Files[1].Modifiers.State {
		t.Error("expected /var/lib/foo to be marked state")
	}
	if !m.Files[2].Modifiers.Boot {
		t.Error("expected /boot/vmlinuz to be marked boot")
	}
	if m.Files[3].Modifiers.Config || m.Files[3].Modifiers.State || m.Files[3].Modifiers.Boot {
		t.Error("expected /usr/bin/foo to carry no modifiers")
	}
}

func TestApplyHeuristicsStatelessDropsConfigFiles(t *testing.T) {
	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{
		{Name: "/etc/passwd", Kind: manifest.TypeFile, Status: manifest.StatusPresent},
	}

	applyHeuristics(m, true)

	if m.Files[0].Status != manifest.StatusDeleted {
		t.Errorf("expected stateless mode to drop config files, got status %v", m.Files[0].Status)
	}
}

func TestStripDebuginfoDropsBannedPaths(t *testing.T) {
	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{
		{Name: "/usr/lib/debug/foo", Status: manifest.StatusPresent},
		{Name: "/usr/src/debug/foo.c", Status: manifest.StatusPresent},
		{Name: "/usr/bin/foo", Status: manifest.StatusPresent},
	}

	stripDebuginfo(m, repostate.Debuginfo{Banned: true, Lib: "/usr/lib/debug", Src: "/usr/src/debug"})

	if m.Files[0].Status != manifest.StatusDeleted || m.Files[1].Status != manifest.StatusDeleted {
		t.Errorf("expected debuginfo paths dropped, got %+v", m.Files)
	}
	if m.Files[2].Status != manifest.StatusPresent {
		t.Errorf("expected /usr/bin/foo to survive, got %+v", m.Files[2])
	}
}

func TestStripDebuginfoNoopWhenNotBanned(t *testing.T) {
	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{{Name: "/usr/lib/debug/foo", Status: manifest.StatusPresent}}

	stripDebuginfo(m, repostate.Debuginfo{Banned: false, Lib: "/usr/lib/debug", Src: "/usr/src/debug"})

	if m.Files[0].Status != manifest.StatusPresent {
		t.Error("expected debuginfo stripping to be a no-op when not banned")
	}
}

func TestPruneGhostsDeletedBootFiles(t *testing.T) {
	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{
		{Name: "/boot/vmlinuz", Status: manifest.StatusDeleted, Modifiers: manifest.Modifiers{Boot: true}},
		{Name: "/usr/bin/foo", Status: manifest.StatusDeleted},
	}

	prune(m, false)

	if m.Files[0].Status != manifest.StatusGhosted {
		t.Errorf("expected deleted boot file to become ghosted, got %v", m.Files[0].Status)
	}
	if m.Files[1].Status != manifest.StatusDeleted {
		t.Errorf("expected non-boot deletion to stay deleted, got %v", m.Files[1].Status)
	}
}

func TestManifestChangedDetectsFileCountDifference(t *testing.T) {
	old := manifest.New("os-core", 10)
	old.Files = []*manifest.File{{Name: "/a", Hash: "h1", Status: manifest.StatusPresent}}
	now := manifest.New("os-core", 20)
	now.Files = []*manifest.File{
		{Name: "/a", Hash: "h1", Status: manifest.StatusPresent},
		{Name: "/b", Hash: "h2", Status: manifest.StatusPresent},
	}

	if !manifestChanged(old, now, nil) {
		t.Error("expected a file-count difference to count as changed")
	}
}

func TestManifestChangedFalseOnIdenticalContent(t *testing.T) {
	old := manifest.New("os-core", 10)
	old.Header.Includes = []string{"os-core"}
	old.Files = []*manifest.File{{Name: "/a", Hash: "h1", Status: manifest.StatusPresent}}
	now := manifest.New("os-core", 20)
	now.Files = []*manifest.File{{Name: "/a", Hash: "h1", Status: manifest.StatusPresent}}

	if manifestChanged(old, now, []string{"os-core"}) {
		t.Error("expected identical file lists and includes to compare unchanged")
	}
}

func TestMaximizeToFullRaisesLastChange(t *testing.T) {
	full := manifest.New("full", 10)
	full.Files = []*manifest.File{{Name: "/a", LastChange: 10}}

	bundle := manifest.New("os-core", 20)
	bundle.Files = []*manifest.File{{Name: "/a", LastChange: 20}}

	got := maximizeToFull(full, []*manifest.Manifest{bundle})
	if got != 20 {
		t.Errorf("expected maximizeToFull to report 20, got %d", got)
	}
	if full.Files[0].LastChange != 20 {
		t.Errorf("expected full's file record raised to 20, got %d", full.Files[0].LastChange)
	}
}

func TestLinkDeltaPeersPrefersPlainPeerOverRename(t *testing.T) {
	peer := &manifest.File{Name: "/a"}
	renamePeer := &manifest.File{Name: "/b"}
	f := &manifest.File{Name: "/a", Peer: peer, RenamePeer: renamePeer}

	m := manifest.New("os-core", 10)
	m.Files = []*manifest.File{f}
	linkDeltaPeers(m)

	if f.DeltaPeer != peer {
		t.Error("expected DeltaPeer to prefer the plain Diff peer over the rename peer")
	}
}
