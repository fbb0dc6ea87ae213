// Copyright 2018 Intel Corporation
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

// Package fullfile builds the per-content archive every distinct digest in
// a version's full manifest gets: <out>/<version>/files/<digest>.tar.
package fullfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/clearfoundry/swupd-repo/internal/archive"
	"github.com/clearfoundry/swupd-repo/internal/buildlog"
	"github.com/clearfoundry/swupd-repo/internal/worker"
	"github.com/clearfoundry/swupd-repo/manifest"
)

// Stats tallies what one Create run did, for the driver's summary log line.
type Stats struct {
	Skipped          uint
	NotCompressed    uint
	CompressedCounts map[string]uint
}

// Create builds files/<digest>.tar for every distinct digest in m at
// last_change == m.Header.Version, reading source content from fullRoot
// (the unioned "full/" tree for this version). Already-existing archives
// are left untouched. numWorkers bounds the compression worker pool.
func Create(m *manifest.Manifest, fullRoot, outputDir string, numWorkers int) (*Stats, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating fullfile output dir: %w", err)
	}

	work := dedupWorkList(m)

	var mu sync.Mutex
	stats := &Stats{CompressedCounts: make(map[string]uint)}

	tasks := make([]func() error, len(work))
	for idx, f := range work {
		f := f
		tasks[idx] = func() error {
			target := filepath.Join(outputDir, f.Hash+".tar")
			if _, err := os.Stat(target); err == nil {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return nil
			}

			codecName, err := createOne(f, fullRoot, target)
			if err != nil {
				return fmt.Errorf("fullfile for %s (%s): %w", f.Name, f.Hash, err)
			}

			mu.Lock()
			if codecName == "" {
				stats.NotCompressed++
			} else {
				stats.CompressedCounts[codecName]++
			}
			mu.Unlock()
			return nil
		}
	}

	if err := worker.Run(numWorkers, tasks); err != nil {
		return nil, err
	}
	buildlog.Info(buildlog.Fullfile, "wrote %d fullfiles (%d skipped, %d uncompressed)", len(work)-int(stats.Skipped), stats.Skipped, stats.NotCompressed)
	return stats, nil
}

// dedupWorkList implements spec.md §4.G's "sort by digest, keep first of
// each group": the fullfile set is exactly one record per distinct digest
// appearing at the target version.
func dedupWorkList(m *manifest.Manifest) []*manifest.File {
	byDigest := m.ByDigest(m.Header.Version)
	work := make([]*manifest.File, 0, len(byDigest))
	for _, f := range byDigest {
		work = append(work, f)
	}
	sort.Slice(work, func(i, j int) bool { return work[i].Hash < work[j].Hash })
	return work
}

// createOne builds and writes one fullfile archive, returning the winning
// codec name ("" if the file was written uncompressed because every codec
// lost to the raw tar).
func createOne(f *manifest.File, fullRoot, target string) (codecName string, err error) {
	sourcePath := filepath.Join(fullRoot, f.Name)

	entry, closeContent, err := entryFor(f, sourcePath)
	if err != nil {
		return "", err
	}
	if closeContent != nil {
		defer func() { _ = closeContent() }()
	}

	rawTar, err := archive.BuildSingleEntryTar(entry)
	if err != nil {
		return "", err
	}

	name, compressed, cerr := archive.BestCompression(rawTar, archive.DefaultCodecs)
	if cerr != nil {
		return "", fmt.Errorf("compressing fullfile for %s: %w", f.Hash, cerr)
	}

	best := rawTar
	if len(compressed) < len(rawTar) {
		best = compressed
		codecName = name
	}

	return codecName, writeAtomic(target, best)
}

// entryFor builds the archive.Entry describing f's content. For regular
// files it also returns a close func the caller must run once the entry's
// Content reader has been fully consumed.
func entryFor(f *manifest.File, sourcePath string) (entry archive.Entry, closeFn func() error, err error) {
	switch f.Kind {
	case manifest.TypeDirectory:
		fi, err := os.Lstat(sourcePath)
		if err != nil {
			return archive.Entry{}, nil, err
		}
		return archive.Entry{Name: f.Hash, Kind: archive.EntryDirectory, Mode: int64(fi.Mode().Perm()), ModTime: fi.ModTime()}, nil, nil
	case manifest.TypeLink:
		target, err := os.Readlink(sourcePath)
		if err != nil {
			return archive.Entry{}, nil, err
		}
		fi, err := os.Lstat(sourcePath)
		if err != nil {
			return archive.Entry{}, nil, err
		}
		return archive.Entry{Name: f.Hash, Kind: archive.EntrySymlink, Target: target, ModTime: fi.ModTime()}, nil, nil
	default:
		fi, err := os.Lstat(sourcePath)
		if err != nil {
			return archive.Entry{}, nil, err
		}
		if !fi.Mode().IsRegular() {
			return archive.Entry{}, nil, fmt.Errorf("manifest expected a regular file at %s but it is not", sourcePath)
		}
		content, err := os.Open(sourcePath)
		if err != nil {
			return archive.Entry{}, nil, err
		}
		return archive.Entry{
			Name:    f.Hash,
			Kind:    archive.EntryRegular,
			Mode:    int64(fi.Mode().Perm()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Content: content,
		}, content.Close, nil
	}
}

func writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0444); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}
