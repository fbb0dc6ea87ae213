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

// Package pack assembles update packs: the deltas and fullfiles a client
// needs to traverse one bundle's (from_version -> to_version) edge.
package pack

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clearfoundry/swupd-repo/internal/archive"
	"github.com/clearfoundry/swupd-repo/internal/buildlog"
	"github.com/clearfoundry/swupd-repo/internal/delta"
	"github.com/clearfoundry/swupd-repo/internal/fetch"
	"github.com/clearfoundry/swupd-repo/internal/worker"
	"github.com/clearfoundry/swupd-repo/manifest"
	"github.com/pkg/errors"
)

// State describes how a file ended up (or didn't) in a pack.
type State int

// The three states a considered file can land in.
const (
	NotPacked State = iota
	PackedDelta
	PackedFullfile
)

// Entry records the packing decision for one file, for the driver's log
// and for tests asserting §8's pack-completeness property.
type Entry struct {
	File   *manifest.File
	State  State
	Reason string
}

// Paths bundles the on-disk locations the pack assembler needs.
type Paths struct {
	OutputDir  string // <state>/www, holding Manifest.*, files/, delta/ per version
	ImageBase  string // <state>/image, holding <version>/full/ source trees
	StageDir   string // scratch staging directory for this pack build
	ContentURL string // optional base URL to fetch a missing <version>/full/<name> from
	NoDownload bool   // bundle's groups.ini nodownload=true; disables ContentURL fetching
}

// ensureOriginal makes sure version/full/name exists under paths.ImageBase,
// fetching it through paths.ContentURL when it's missing locally and a URL
// was configured. Lets delta creation and fullfile fallback run on a
// machine that only holds the latest full tree, per spec.md §5. A bundle
// marked nodownload in groups.ini never fetches, per Redesign Flag #2.
func ensureOriginal(paths Paths, version uint32, name string) (string, error) {
	local := filepath.Join(paths.ImageBase, fmt.Sprint(version), "full", name)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if paths.ContentURL == "" || paths.NoDownload {
		return local, nil
	}

	url := fmt.Sprintf("%s/%d/full%s", strings.TrimSuffix(paths.ContentURL, "/"), version, name)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return local, err
	}
	out, err := os.Create(local)
	if err != nil {
		return local, err
	}
	defer func() { _ = out.Close() }()

	if err := fetch.DownloadAndConsume(url, func(chunk []byte) error {
		_, werr := out.Write(chunk)
		return werr
	}); err != nil {
		_ = os.Remove(local)
		return local, errors.Wrapf(err, "fetching missing original %s", url)
	}
	return local, nil
}

// deltaSizeMargin is the 1.05x threshold spec.md §4.I uses to decide
// whether a delta is worth shipping over its fullfile.
const deltaSizeMargin = 1.05

// Build assembles pack-<bundle>-from-<fromV>.tar into outputTarPath,
// following spec.md §4.I: pair the bundle's from/to manifests, build any
// missing deltas through a worker pool, hardlink the winner (delta or
// fullfile) for each changed file into a stage directory, extract staged
// tars in place, hardlink the manifest deltas, then tar the stage with xz
// and numeric owner.
func Build(bundle string, fromV, toV uint32, paths Paths, numWorkers int, outputTarPath string) ([]Entry, error) {
	fromManifest, err := manifest.ParseFile(filepath.Join(paths.OutputDir, fmt.Sprint(fromV), "Manifest."+bundle))
	if err != nil {
		return nil, errors.Wrapf(err, "loading Manifest.%s at version %d", bundle, fromV)
	}
	toManifest, err := manifest.ParseFile(filepath.Join(paths.OutputDir, fmt.Sprint(toV), "Manifest."+bundle))
	if err != nil {
		return nil, errors.Wrapf(err, "loading Manifest.%s at version %d", bundle, toV)
	}
	fromManifest.SortByName()
	toManifest.SortByName()
	manifest.Diff(fromManifest, toManifest, 0)
	for _, f := range toManifest.Files {
		if f.Peer != nil {
			f.DeltaPeer = f.Peer
		}
	}

	deltaDir := filepath.Join(paths.OutputDir, fmt.Sprint(toV), "delta")
	if err := os.MkdirAll(deltaDir, 0755); err != nil {
		return nil, err
	}

	tasks, seen := buildDeltaTasks(toManifest, fromV, toV, paths, deltaDir)
	jobs := make([]func() error, len(tasks))
	for i, t := range tasks {
		t := t
		jobs[i] = func() error { return delta.Create(t) }
	}
	if err := worker.Run(numWorkers, jobs); err != nil {
		return nil, err
	}
	_ = seen

	stageDelta := filepath.Join(paths.StageDir, "delta")
	stageStaged := filepath.Join(paths.StageDir, "staged")
	if err := os.MkdirAll(stageDelta, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stageStaged, 0755); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(toManifest.Files))
	done := make(map[string]bool)
	for _, f := range toManifest.Files {
		e := Entry{File: f}
		switch {
		case f.LastChange <= fromV:
			e.State, e.Reason = NotPacked, "unchanged since from version"
		case f.Status == manifest.StatusDeleted:
			e.State, e.Reason = NotPacked, "file deleted"
		case f.Status == manifest.StatusGhosted:
			e.State, e.Reason = NotPacked, "file ghosted"
		case done[f.Hash]:
			e.State, e.Reason = NotPacked, "hash already packed"
		default:
			done[f.Hash] = true
			if err := linkWinner(f, fromV, toV, paths, stageDelta, stageStaged, &e); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}

	if err := extractStagedTars(stageStaged); err != nil {
		return nil, err
	}

	if err := hardlinkManifestDeltas(bundle, fromV, toV, paths, paths.StageDir); err != nil {
		return nil, err
	}

	if err := tarStage(paths.StageDir, outputTarPath); err != nil {
		return nil, err
	}

	buildlog.Info(buildlog.Pack, "built pack %s from %d to %d (%d entries)", bundle, fromV, toV, len(entries))
	return entries, nil
}

func deltaPath(deltaDir string, f *manifest.File) string {
	return filepath.Join(deltaDir, fmt.Sprintf("%d-%d-%s-%s", f.DeltaPeer.LastChange, f.LastChange, f.DeltaPeer.Hash, f.Hash))
}

// buildDeltaTasks implements spec.md §4.I step 2: one delta task per
// paired regular/link/directory file with last_change > from_v, deduped by
// (peer.last_change, last_change, hash, peer.hash) and skipped if the
// target delta already exists.
func buildDeltaTasks(m *manifest.Manifest, fromV, toV uint32, paths Paths, deltaDir string) ([]delta.Task, map[string]bool) {
	seen := make(map[string]bool)
	var tasks []delta.Task
	for _, f := range m.Files {
		if f.LastChange <= fromV || f.DeltaPeer == nil || f.Kind == manifest.TypeManifest {
			continue
		}
		if f.Status != manifest.StatusPresent || f.DeltaPeer.Status != manifest.StatusPresent {
			continue
		}
		key := fmt.Sprintf("%d|%d|%s|%s", f.DeltaPeer.LastChange, f.LastChange, f.Hash, f.DeltaPeer.Hash)
		if seen[key] {
			continue
		}
		seen[key] = true

		out := deltaPath(deltaDir, f)
		if _, err := os.Stat(out); err == nil {
			continue
		}

		oldPath, err := ensureOriginal(paths, f.DeltaPeer.LastChange, f.DeltaPeer.Name)
		if err != nil {
			buildlog.Warning(buildlog.Pack, "could not fetch original for %s: %s", f.DeltaPeer.Name, err)
			continue
		}
		newPath, err := ensureOriginal(paths, f.LastChange, f.Name)
		if err != nil {
			buildlog.Warning(buildlog.Pack, "could not fetch original for %s: %s", f.Name, err)
			continue
		}

		tasks = append(tasks, delta.Task{
			From:       f.DeltaPeer,
			To:         f,
			OldPath:    oldPath,
			NewPath:    newPath,
			OutputPath: out,
		})
	}
	return tasks, seen
}

func linkWinner(f *manifest.File, fromV, toV uint32, paths Paths, stageDelta, stageStaged string, e *Entry) error {
	deltaDir := filepath.Join(paths.OutputDir, fmt.Sprint(toV), "delta")
	fullfileTar := filepath.Join(paths.OutputDir, fmt.Sprint(f.LastChange), "files", f.Hash+".tar")

	if f.DeltaPeer != nil && f.Kind != manifest.TypeManifest {
		dPath := deltaPath(deltaDir, f)
		dInfo, dErr := os.Stat(dPath)
		fInfo, fErr := os.Stat(fullfileTar)
		if dErr == nil && fErr == nil && deltaSizeMargin*float64(dInfo.Size()) < float64(fInfo.Size()) {
			if err := hardlinkInto(dPath, stageDelta); err != nil {
				return err
			}
			e.State, e.Reason = PackedDelta, "delta smaller than fullfile"
			return nil
		}
	}

	source, err := ensureOriginal(paths, f.LastChange, f.Name)
	if err != nil {
		buildlog.Warning(buildlog.Pack, "could not fetch original for %s: %s", f.Name, err)
	} else if _, statErr := os.Stat(source); statErr == nil {
		if err := hardlinkInto(source, stageStaged); err != nil {
			return err
		}
		e.State, e.Reason = PackedFullfile, "from uncompressed full tree"
		return nil
	}

	if err := hardlinkInto(fullfileTar, stageStaged); err != nil {
		return errors.Wrapf(err, "neither uncompressed source nor fullfile tar available for %s", f.Name)
	}
	e.State, e.Reason = PackedFullfile, "from compressed fullfile tar"
	return nil
}

func hardlinkInto(source, destDir string) error {
	dest := filepath.Join(destDir, filepath.Base(source))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Link(source, dest); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// extractStagedTars expands every *.tar under staged/ in place: clients
// prefer uncompressed packs, per spec.md §4.I step 5.
func extractStagedTars(stageStaged string) error {
	entries, err := os.ReadDir(stageStaged)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".tar" {
			continue
		}
		tarPath := filepath.Join(stageStaged, entry.Name())
		if err := extractOne(tarPath, stageStaged); err != nil {
			return errors.Wrapf(err, "extracting %s", tarPath)
		}
		if err := os.Remove(tarPath); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ctr, err := archive.NewCompressedTarReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = ctr.Close() }()

	for {
		hdr, err := ctr.Next()
		if err != nil {
			break
		}
		out, err := os.OpenFile(filepath.Join(destDir, filepath.Base(hdr.Name)), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := copyLimited(out, ctr.Reader, hdr.Size); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func copyLimited(dst *os.File, src interface{ Read([]byte) (int, error) }, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for total < n {
		toRead := int64(len(buf))
		if n-total < toRead {
			toRead = n - total
		}
		read, err := src.Read(buf[:toRead])
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return total, werr
			}
			total += int64(read)
		}
		if err != nil {
			break
		}
	}
	return total, nil
}

// hardlinkManifestDeltas links <bundle>'s Manifest-<bundle>-delta-from-<fromV>
// into the stage, plus the MoM delta when bundle is os-core, per spec.md
// §4.I step 6.
func hardlinkManifestDeltas(bundle string, fromV, toV uint32, paths Paths, stageDir string) error {
	versionDir := filepath.Join(paths.OutputDir, fmt.Sprint(toV))
	names := []string{fmt.Sprintf("Manifest-%s-delta-from-%d", bundle, fromV)}
	if bundle == "os-core" {
		names = append(names, fmt.Sprintf("Manifest-MoM-delta-from-%d", fromV))
	}
	for _, name := range names {
		source := filepath.Join(versionDir, name)
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if err := hardlinkInto(source, stageDir); err != nil {
			return err
		}
	}
	return nil
}

// tarStage tars paths.StageDir's contents to outputTarPath using xz with
// numeric owner, per spec.md §4.I step 7.
func tarStage(stageDir, outputTarPath string) (err error) {
	out, err := os.Create(outputTarPath)
	if err != nil {
		return err
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
	}()

	xw, err := archive.NewWriter(out, "xz", "-T1", "-c")
	if err != nil {
		return err
	}
	defer func() {
		cerr := xw.Close()
		if err == nil {
			err = cerr
		}
	}()

	tw := tar.NewWriter(xw)
	defer func() {
		cerr := tw.Close()
		if err == nil {
			err = cerr
		}
	}()

	return filepath.Walk(stageDir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Format = tar.FormatPAX
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()
			if _, err := copyAll(tw, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyAll(dst *tar.Writer, src *os.File) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			break
		}
	}
	return total, nil
}
