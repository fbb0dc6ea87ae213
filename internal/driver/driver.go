// Copyright 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package driver runs the phase sequence spec.md §4.J describes: union the
// bundle trees into one full/ tree, scan and diff it against the previous
// version, rebuild each bundle manifest against that diff, assemble the
// Manifest-of-Manifests, and maximize full's last_change to match.
package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clearfoundry/swupd-repo/helpers"
	"github.com/clearfoundry/swupd-repo/internal/buildlog"
	"github.com/clearfoundry/swupd-repo/internal/digest"
	"github.com/clearfoundry/swupd-repo/internal/fullfile"
	"github.com/clearfoundry/swupd-repo/internal/repostate"
	"github.com/clearfoundry/swupd-repo/internal/scan"
	"github.com/clearfoundry/swupd-repo/internal/stringset"
	"github.com/clearfoundry/swupd-repo/internal/worker"
	"github.com/clearfoundry/swupd-repo/manifest"
	"github.com/pkg/errors"
)

// Request describes one build invocation.
type Request struct {
	Config     repostate.Config
	Bundles    []repostate.Bundle
	OldVersion uint32
	NewVersion uint32
	MinVersion uint32
	Format     uint
	Stateless  bool // strips /etc config files when true, per §4.J step 4
}

// Result reports what the build produced, for the CLI's summary line and
// for tests asserting §8's "a no-op re-run changes nothing" property.
type Result struct {
	MoM            *manifest.Manifest
	BundleChanged  map[string]bool
	FullfileStats  *fullfile.Stats
	FullLastChange uint32
}

func fullPath(cfg repostate.Config, version uint32) string {
	return filepath.Join(cfg.ImageBase, fmt.Sprint(version), "full")
}

func bundlePath(cfg repostate.Config, version uint32, bundle string) string {
	return filepath.Join(cfg.ImageBase, fmt.Sprint(version), bundle)
}

// Run executes the full phase sequence and publishes the new version's
// manifests and fullfiles under req.Config.OutputDir.
func Run(req Request) (*Result, error) {
	if err := unionFullTree(req); err != nil {
		return nil, errors.Wrap(err, "unioning full/ tree")
	}

	oldFull, err := manifest.ParseFile(filepath.Join(req.Config.OutputDir, fmt.Sprint(req.OldVersion), "Manifest.full"))
	if err != nil {
		return nil, errors.Wrap(err, "loading old full manifest")
	}
	newFull, err := scan.Tree(fullPath(req.Config, req.NewVersion), scan.Options{Version: req.NewVersion, ComputeDigests: true, Workers: worker.NumThreads(1.0)}, "")
	if err != nil {
		return nil, errors.Wrap(err, "scanning full/ tree")
	}
	newFull.Component = "full"

	oldFull.SortByName()
	newFull.SortByName()
	manifest.Diff(oldFull, newFull, req.MinVersion)
	applyHeuristics(newFull, req.Stateless)
	manifest.Diff(oldFull, newFull, req.MinVersion)

	changed := make(map[string]bool)
	var bundleManifests []*manifest.Manifest

	for _, b := range req.Bundles {
		bm, wasChanged, err := buildBundleManifest(req, b, newFull)
		if err != nil {
			return nil, errors.Wrapf(err, "building manifest for bundle %s", b.Name)
		}
		changed[b.Name] = wasChanged
		bundleManifests = append(bundleManifests, bm)
	}

	mom, err := assembleMoM(req, bundleManifests)
	if err != nil {
		return nil, errors.Wrap(err, "assembling Manifest-of-Manifests")
	}

	fullLastChange := maximizeToFull(newFull, bundleManifests)

	versionDir := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.NewVersion))
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return nil, err
	}
	if err := newFull.WriteFile(filepath.Join(versionDir, "Manifest.full")); err != nil {
		return nil, errors.Wrap(err, "writing full manifest")
	}

	stats, err := fullfile.Create(newFull, fullPath(req.Config, req.NewVersion), filepath.Join(versionDir, "files"), worker.NumThreads(1.0))
	if err != nil {
		return nil, errors.Wrap(err, "creating fullfiles")
	}

	if err := repostate.WriteFormat(req.Config.OutputDir, req.NewVersion, req.Format); err != nil {
		return nil, err
	}
	if err := repostate.WriteVersionPointers(req.Config.OutputDir, req.NewVersion); err != nil {
		return nil, err
	}

	buildlog.Info(buildlog.Driver, "build %d -> %d complete: %d bundles, full last_change %d", req.OldVersion, req.NewVersion, len(req.Bundles), fullLastChange)

	return &Result{
		MoM:            mom,
		BundleChanged:  changed,
		FullfileStats:  stats,
		FullLastChange: fullLastChange,
	}, nil
}

// unionFullTree builds <image>/<new_version>/full/ by rsync-unioning
// os-core first, then every other bundle with --ignore-existing, per
// spec.md §4.J step 1.
func unionFullTree(req Request) error {
	dest := fullPath(req.Config, req.NewVersion)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	ordered := orderBundlesOsCoreFirst(req.Bundles)
	for i, b := range ordered {
		src := bundlePath(req.Config, req.NewVersion, b.Name) + "/"
		if _, err := os.Stat(src); os.IsNotExist(err) {
			buildlog.Warning(buildlog.Driver, "bundle tree missing for %s, skipping union", b.Name)
			continue
		}
		args := []string{"-a"}
		if i > 0 {
			args = append(args, "--ignore-existing")
		}
		args = append(args, src, dest+"/")
		if err := helpers.RunCommandSilent("rsync", args...); err != nil {
			return errors.Wrapf(err, "rsync union of %s", b.Name)
		}
	}
	return nil
}

func orderBundlesOsCoreFirst(bundles []repostate.Bundle) []repostate.Bundle {
	ordered := make([]repostate.Bundle, 0, len(bundles))
	var rest []repostate.Bundle
	for _, b := range bundles {
		if b.Name == "os-core" {
			ordered = append(ordered, b)
		} else {
			rest = append(rest, b)
		}
	}
	return append(ordered, rest...)
}

// applyHeuristics marks /etc/* as config, recognized state directories as
// state, and boot paths as boot, per spec.md §4.J step 3. Run applies it
// to the full manifest once, after the first Diff pass has added the
// deletion markers, so those rows are classified too; buildBundleManifest
// applies it once, before its Diff.
func applyHeuristics(m *manifest.Manifest, stateless bool) {
	stateDirs := stringset.New("/var", "/home", "/opt", "/dev", "/proc", "/sys", "/tmp", "/run")
	bootPrefixes := []string{"/boot/", "/usr/lib/kernel/", "/usr/lib/modules/"}

	for _, f := range m.Files {
		switch {
		case strings.HasPrefix(f.Name, "/etc/"):
			f.Modifiers.Config = true
			if stateless && f.Status == manifest.StatusPresent {
				f.Status = manifest.StatusDeleted
			}
		case stateDirs.Contains(f.Name) || hasStatePrefix(f.Name, stateDirs):
			f.Modifiers.State = true
		case hasAnyPrefix(f.Name, bootPrefixes):
			f.Modifiers.Boot = true
		}
	}
}

// stripDebuginfo drops a bundle's debug symbol/source trees when
// [Debuginfo] banned = true, recovered from original_source's groups
// heuristics and the teacher's removeDebuginfo/dbgConfig (§5 supplemented
// feature). A present file under the banned lib/src prefix is marked
// deleted so it never ships, the same way applyHeuristics' stateless
// branch drops config files.
func stripDebuginfo(m *manifest.Manifest, dbg repostate.Debuginfo) {
	if !dbg.Banned {
		return
	}
	for _, f := range m.Files {
		if f.Status != manifest.StatusPresent {
			continue
		}
		if strings.HasPrefix(f.Name, dbg.Lib) || strings.HasPrefix(f.Name, dbg.Src) {
			f.Status = manifest.StatusDeleted
		}
	}
}

func hasStatePrefix(name string, dirs stringset.Set) bool {
	for d := range dirs {
		if strings.HasPrefix(name, d+"/") {
			return true
		}
	}
	return false
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// buildBundleManifest implements spec.md §4.J step 4: load the bundle's old
// manifest, scan its current tree, copy digests from the full manifest,
// apply heuristics, wire includes, subtract the include closure, diff,
// detect renames, prune, and decide whether to write a new manifest or
// reuse the old one unchanged.
func buildBundleManifest(req Request, b repostate.Bundle, newFull *manifest.Manifest) (*manifest.Manifest, bool, error) {
	oldPath := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.OldVersion), "Manifest."+b.Name)
	oldManifest, err := manifest.ParseFile(oldPath)
	if err != nil {
		return nil, false, err
	}

	newManifest, err := scan.Tree(bundlePath(req.Config, req.NewVersion, b.Name), scan.Options{Version: req.NewVersion}, "")
	if err != nil {
		return nil, false, err
	}
	newManifest.Component = b.Name
	newManifest.Header.Format = req.Format
	newManifest.Header.Previous = req.OldVersion
	newManifest.Header.Optional = b.Optional

	scan.CopyDigests(newManifest, newFull)
	applyHeuristics(newManifest, req.Stateless)
	stripDebuginfo(newManifest, req.Config.Debuginfo)

	includes := directIncludes(b, req.Bundles)
	newManifest.Header.Includes = includes
	resolve := func(component string) (*manifest.Manifest, error) {
		return manifest.ParseFile(filepath.Join(req.Config.OutputDir, fmt.Sprint(req.NewVersion), "Manifest."+component))
	}
	if err := manifest.SubtractFrontend(newManifest, newManifest, resolve); err != nil {
		return nil, false, err
	}

	oldManifest.SortByName()
	newManifest.SortByName()
	manifest.Diff(oldManifest, newManifest, req.MinVersion)
	manifest.DetectRenames(newManifest, nil)
	linkDeltaPeers(newManifest)
	prune(newManifest, req.Stateless)

	changed := manifestChanged(oldManifest, newManifest, includes)
	versionDir := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.NewVersion))
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return nil, false, err
	}

	if !changed {
		if err := forwardManifestFile(req, b.Name); err != nil {
			return nil, false, err
		}
		return oldManifest, false, nil
	}

	if err := newManifest.WriteFile(filepath.Join(versionDir, "Manifest."+b.Name)); err != nil {
		return nil, false, err
	}
	return newManifest, true, nil
}

// forwardManifestFile hardlinks an unchanged bundle's manifest from the old
// version's directory into the new one, so the new version has a complete
// Manifest.<bundle> set for the pack assembler and MoM digest to read.
func forwardManifestFile(req Request, bundle string) error {
	oldPath := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.OldVersion), "Manifest."+bundle)
	newPath := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.NewVersion), "Manifest."+bundle)
	if _, err := os.Stat(newPath); err == nil {
		return nil
	}
	if err := os.Link(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "forwarding unchanged manifest for %s", bundle)
	}
	return nil
}

// linkDeltaPeers resolves each file's delta-diffing partner: a plain peer
// from Diff if one exists, otherwise the rename detector's match, per the
// File.DeltaPeer doc comment.
func linkDeltaPeers(m *manifest.Manifest) {
	for _, f := range m.Files {
		switch {
		case f.Peer != nil:
			f.DeltaPeer = f.Peer
		case f.RenamePeer != nil:
			f.DeltaPeer = f.RenamePeer
		}
	}
}

func directIncludes(b repostate.Bundle, all []repostate.Bundle) []string {
	if b.Name == "os-core" {
		return nil
	}
	return []string{"os-core"}
}

// prune implements spec.md §4.J step 4's prune sub-step: deleted boot files
// become ghosted instead of deleted, and in stateless mode config files
// already marked deleted by applyHeuristics are left as-is (already dropped
// there; nothing further needed here beyond the boot rule).
func prune(m *manifest.Manifest, stateless bool) {
	for _, f := range m.Files {
		if f.Status == manifest.StatusDeleted && f.Modifiers.Boot {
			f.Status = manifest.StatusGhosted
		}
	}
}

func manifestChanged(oldM, newM *manifest.Manifest, includes []string) bool {
	if len(oldM.Files) != len(newM.Files) {
		return true
	}
	oldIncludes := stringset.New(oldM.Header.Includes...)
	newIncludes := stringset.New(includes...)
	if len(oldIncludes) != len(newIncludes) {
		return true
	}
	for inc := range newIncludes {
		if !oldIncludes.Contains(inc) {
			return true
		}
	}
	for i := range newM.Files {
		nf, of := newM.Files[i], oldM.Files[i]
		if nf.Name != of.Name || nf.Hash != of.Hash || nf.Status != of.Status {
			return true
		}
	}
	return false
}

// assembleMoM nests every bundle manifest as a file record inside the
// Manifest-of-Manifests, sorts, and writes it, per spec.md §4.J step 5.
func assembleMoM(req Request, bundleManifests []*manifest.Manifest) (*manifest.Manifest, error) {
	mom := manifest.New("MoM", req.NewVersion)
	mom.Header.Previous = req.OldVersion
	mom.Header.Format = req.Format

	versionDir := filepath.Join(req.Config.OutputDir, fmt.Sprint(req.NewVersion))
	for _, bm := range bundleManifests {
		manifestPath := filepath.Join(versionDir, "Manifest."+bm.Component)
		h, err := digest.ForPath(manifestPath)
		if err != nil {
			return nil, errors.Wrapf(err, "hashing %s", manifestPath)
		}
		mom.Files = append(mom.Files, &manifest.File{
			Name:       bm.Component,
			Kind:       manifest.TypeManifest,
			Status:     manifest.StatusPresent,
			Hash:       h,
			LastChange: bm.Header.Version,
		})
	}
	mom.SortByName()

	if err := mom.WriteFile(filepath.Join(versionDir, "Manifest.MoM")); err != nil {
		return nil, err
	}
	return mom, nil
}

// maximizeToFull raises full's last_change for any file whose bundle copy
// changed more recently than full's own record, per spec.md §4.J step 6.
func maximizeToFull(full *manifest.Manifest, bundleManifests []*manifest.Manifest) uint32 {
	byName := make(map[string]*manifest.File, len(full.Files))
	for _, f := range full.Files {
		byName[f.Name] = f
	}

	var maxChange uint32
	for _, bm := range bundleManifests {
		for _, bf := range bm.Files {
			if ff, ok := byName[bf.Name]; ok && bf.LastChange > ff.LastChange {
				ff.LastChange = bf.LastChange
			}
		}
	}
	for _, f := range full.Files {
		if f.LastChange > maxChange {
			maxChange = f.LastChange
		}
	}

	full.SortByName()
	return maxChange
}
