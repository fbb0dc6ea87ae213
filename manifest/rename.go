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

package manifest

import (
	"path"
	"sort"
	"strings"
)

// RenameScoreThreshold is the minimum score (§4.E) a candidate pairing must
// reach to be accepted as a rename.
const RenameScoreThreshold = 15

// MagicTyper classifies a file's content the way libmagic would, for the
// "file type differs" penalty in the rename scorer. No implementation ships
// in this module: the driver and the tests pass nil, which disables the
// penalty.
type MagicTyper interface {
	FileType(f *File) string
}

// detectRenames implements spec.md §4.E: it finds new regular files with no
// better explanation than "this used to live somewhere else", and links
// them to the deleted record they most resemble.
//
// m must already have been through Diff so that new files carry no Peer and
// deleted files carry Peer pointing at their pre-delete original.
func detectRenames(m *Manifest, magic MagicTyper) {
	var newFiles []*File
	var deleted []*File

	for _, f := range m.Files {
		if f.Kind != TypeFile {
			continue
		}
		if f.Status == StatusPresent && f.Peer == nil && f.LastChange == m.Header.Version {
			newFiles = append(newFiles, f)
		}
		if f.Status == StatusDeleted && f.Peer != nil {
			deleted = append(deleted, f)
		}
	}

	if len(newFiles) == 0 || len(deleted) == 0 {
		return
	}

	remaining := make(map[*File]bool, len(deleted))
	for _, d := range deleted {
		remaining[d] = true
	}

	type candidate struct {
		n     *File
		d     *File
		score int
	}

	bestFor := func(n *File) candidate {
		best := candidate{n: n, score: -1 << 30}
		for d := range remaining {
			s := renameScore(n, d.Peer, magic)
			if s > best.score {
				best = candidate{n: n, d: d, score: s}
			}
		}
		return best
	}

	var pending []candidate
	for _, n := range newFiles {
		pending = append(pending, bestFor(n))
	}

	for len(pending) > 0 {
		sort.Slice(pending, func(i, j int) bool { return pending[i].score > pending[j].score })
		top := pending[0]
		pending = pending[1:]

		if top.d == nil || !remaining[top.d] {
			// Its best candidate was already claimed; recompute from what's
			// left and fold back into the queue in score order.
			if len(remaining) == 0 {
				continue
			}
			recomputed := bestFor(top.n)
			pending = append(pending, recomputed)
			continue
		}

		if top.score < RenameScoreThreshold {
			continue
		}

		top.n.RenamePeer = top.d
		top.n.Modifiers.Rename = true
		top.d.Modifiers.Rename = true
		// The deleted-from record's digest is overwritten with the
		// original's so a client can still locate content to delta
		// against, per spec.md §4.E step 4.
		top.d.Hash = top.d.Peer.Hash
		delete(remaining, top.d)
	}
}

// renameScore implements the additive scoring table in spec.md §4.E. n is a
// newly-added file; d is the pre-delete original it's being compared
// against (deleted.Peer).
func renameScore(n, d *File, magic MagicTyper) int {
	if n.Stat.Size == 0 || d.Stat.Size == 0 {
		return -100
	}

	score := 0

	if n.Hash == d.Hash {
		score += 400
	}

	nDir, nBase := path.Split(n.Name)
	dDir, dBase := path.Split(d.Name)

	if nDir == dDir {
		score += 10
	}

	score += sharedPrefixLen(beforeFirstDot(nBase), beforeFirstDot(dBase))

	if nBase == dBase {
		score += 35
	}

	if lettersOnly(nBase) == lettersOnly(dBase) {
		score += 50
	}

	score += 5 * sharedTrailingSegments(n.Name, d.Name)

	if strings.HasPrefix(n.Name, "/boot/vmlinuz") && strings.HasPrefix(d.Name, "/boot/vmlinuz") {
		score += 80
	}

	small, large := n.Stat.Size, d.Stat.Size
	if small > large {
		small, large = large, small
	}
	score += int(100 * small / large) // min/max ratio, scaled to stay an integer contribution in spirit of the table

	const kib = 1024
	ratioLow, ratioHigh := float64(d.Stat.Size)*0.75, float64(d.Stat.Size)*1.25
	if float64(n.Stat.Size) < ratioLow-kib || float64(n.Stat.Size) > ratioHigh+kib {
		score -= 30
	}
	nRatioLow, nRatioHigh := float64(n.Stat.Size)*0.75, float64(n.Stat.Size)*1.25
	if float64(d.Stat.Size) < nRatioLow-kib || float64(d.Stat.Size) > nRatioHigh+kib {
		score -= 30
	}

	if magic != nil && magic.FileType(n) != magic.FileType(d) {
		score -= 60
	}

	return score
}

func beforeFirstDot(s string) string {
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func sharedPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sharedTrailingSegments counts how many trailing "/"-separated path
// segments two paths have in common, scanning from the end.
func sharedTrailingSegments(a, b string) int {
	as := strings.Split(strings.Trim(a, "/"), "/")
	bs := strings.Split(strings.Trim(b, "/"), "/")
	n := 0
	for i, j := len(as)-1, len(bs)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if as[i] != bs[j] {
			break
		}
		n++
	}
	return n
}

// DetectRenames runs rename detection over m, which must already have been
// through Diff against its predecessor. magic may be nil, in which case the
// libmagic-type-mismatch penalty is skipped entirely rather than treated as
// "always differs".
func DetectRenames(m *Manifest, magic MagicTyper) {
	detectRenames(m, magic)
}
