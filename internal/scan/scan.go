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

// Package scan walks a bundle's source tree and produces the manifest file
// list for one version, optionally computing content digests concurrently.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clearfoundry/swupd-repo/helpers"
	"github.com/clearfoundry/swupd-repo/internal/digest"
	"github.com/clearfoundry/swupd-repo/manifest"
	"github.com/pkg/errors"
)

const illegalChars = `;&|*` + "`" + `/<>\"'`

func filenameBlacklisted(name string) bool {
	if strings.ContainsAny(name, illegalChars) {
		return true
	}
	if strings.HasPrefix(name, "+") || strings.Contains(name, "+package+") {
		return true
	}
	return false
}

// Options controls one Tree invocation.
type Options struct {
	Version uint32
	// ComputeDigests, when true, hashes every regular file as it's
	// discovered (used for the "full" manifest). Component manifests
	// instead copy digests from full afterwards (see CopyDigests).
	ComputeDigests bool
	// Workers bounds the concurrent digest worker pool; 0 means "compute
	// serially", matching a scale of 1 worker.
	Workers int
}

// Tree walks root recursively and returns a manifest populated with one
// File record per entry, per spec.md §4.B. A root that doesn't exist but
// has a sibling "<root>.content.txt" falls back to that file's path list,
// expecting content under a parallel "full/" directory (siblingFullRoot).
func Tree(root string, opts Options, siblingFullRoot string) (*manifest.Manifest, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			contentList := root + ".content.txt"
			if _, serr := os.Stat(contentList); serr == nil {
				return treeFromContentList(contentList, siblingFullRoot, opts)
			}
		}
		return nil, errors.Wrapf(err, "scanning %s", root)
	}

	m := manifest.New("", opts.Version)

	type job struct {
		path string
		name string
		fi   os.FileInfo
	}
	var jobs []job

	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, root)
		if rel == "" {
			return nil
		}
		if filenameBlacklisted(filepath.Base(rel)) {
			return fmt.Errorf("%s is a blacklisted file name", rel)
		}
		jobs = append(jobs, job{path: path, name: rel, fi: fi})
		return nil
	})
	if err != nil {
		return nil, err
	}

	files := make([]*manifest.File, len(jobs))
	digests := make([]string, len(jobs))

	fillRecord := func(i int, j job) error {
		f := &manifest.File{Name: j.name, LastChange: opts.Version}
		switch {
		case j.fi.Mode().IsRegular():
			f.Kind = manifest.TypeFile
			f.Stat.Size = j.fi.Size()
		case j.fi.IsDir():
			f.Kind = manifest.TypeDirectory
		case j.fi.Mode()&os.ModeSymlink != 0:
			f.Kind = manifest.TypeLink
		default:
			return fmt.Errorf("%s is an unsupported file type", j.name)
		}
		f.Stat.Mode = uint32(j.fi.Mode().Perm())
		files[i] = f

		if opts.ComputeDigests {
			h, err := digest.ForPath(j.path)
			if err != nil {
				// A stat/readlink/open failure marks the record deleted
				// with a zero digest rather than aborting the build,
				// per spec.md §4.A.
				f.Status = manifest.StatusDeleted
				digests[i] = digest.ZeroHash
				return nil
			}
			digests[i] = h
		}
		return nil
	}

	if opts.ComputeDigests && opts.Workers > 1 {
		sem := make(chan struct{}, opts.Workers)
		var wg sync.WaitGroup
		errs := make([]error, len(jobs))
		for i, j := range jobs {
			i, j := i, j
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				errs[i] = fillRecord(i, j)
			}()
		}
		wg.Wait()
		for _, e := range errs {
			if e != nil {
				return nil, e
			}
		}
	} else {
		for i, j := range jobs {
			if err := fillRecord(i, j); err != nil {
				return nil, err
			}
		}
	}

	for i, f := range files {
		if opts.ComputeDigests {
			f.Hash = digests[i]
		}
		m.Files = append(m.Files, f)
	}
	m.SortByName()
	return m, nil
}

func treeFromContentList(contentListPath, siblingFullRoot string, opts Options) (*manifest.Manifest, error) {
	lines, err := helpers.ReadFileAndSplit(contentListPath)
	if err != nil {
		return nil, err
	}
	m := manifest.New("", opts.Version)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fullPath := filepath.Join(siblingFullRoot, line)
		fi, err := os.Lstat(fullPath)
		if err != nil {
			continue
		}
		f := &manifest.File{Name: "/" + strings.TrimPrefix(line, "/"), LastChange: opts.Version}
		switch {
		case fi.Mode().IsRegular():
			f.Kind = manifest.TypeFile
			f.Stat.Size = fi.Size()
		case fi.IsDir():
			f.Kind = manifest.TypeDirectory
		case fi.Mode()&os.ModeSymlink != 0:
			f.Kind = manifest.TypeLink
		}
		f.Stat.Mode = uint32(fi.Mode().Perm())
		h, err := digest.ForPath(fullPath)
		if err == nil {
			f.Hash = h
		}
		m.Files = append(m.Files, f)
	}
	m.SortByName()
	return m, nil
}

// CopyDigests aligns component's sorted file list against full's sorted
// file list by path and copies each present file's digest and size across,
// per spec.md §4.B's "component manifests don't hash during scan".
func CopyDigests(component, full *manifest.Manifest) {
	fullByName := make(map[string]*manifest.File, len(full.Files))
	for _, f := range full.Files {
		fullByName[f.Name] = f
	}
	for _, f := range component.Files {
		if src, ok := fullByName[f.Name]; ok {
			f.Hash = src.Hash
			f.Stat = src.Stat
		}
	}
}
