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

import "github.com/clearfoundry/swupd-repo/internal/digest"

// DiffStats tallies what a Diff pass observed, matching the "number of
// observed changes" spec.md §4.D asks the engine to return.
type DiffStats struct {
	Added   int
	Deleted int
	Changed int
}

// Total is the aggregate change count (added plus deleted plus changed).
func (s DiffStats) Total() int {
	return s.Added + s.Deleted + s.Changed
}

// Diff pairs old (m1) and new (m2), both required to be sorted by path,
// walking both lists in lockstep per spec.md §4.D. It mutates m2 in place
// (synthesizing deletion rows, setting LastChange/Peer/Modifiers.Rename)
// and leaves m1 untouched except for setting Peer on matched rows.
//
// minVersion is the lowest LastChange an old record may carry and still be
// considered unchanged; it lets a format bump "forget" history older than
// the oldest version still served.
func Diff(m1, m2 *Manifest, minVersion uint32) DiffStats {
	var stats DiffStats
	var needsResort bool

	i, j := 0, 0
	for i < len(m1.Files) && j < len(m2.Files) {
		of := m1.Files[i]
		nf := m2.Files[j]

		switch {
		case of.Name == nf.Name:
			if m1.Header.Format < m2.Header.Format && of.Status == StatusDeleted && nf.Status == StatusDeleted {
				// Format bump amnesty: drop the row from m2 entirely.
				m2.Files = append(m2.Files[:j], m2.Files[j+1:]...)
				i++
				continue
			}

			if of.Status != StatusDeleted && of.Status != StatusGhosted {
				nf.Peer = of
				of.Peer = nf
			}

			if of.SameContent(nf) && of.LastChange >= minVersion {
				nf.LastChange = of.LastChange
				nf.Modifiers.Rename = of.Modifiers.Rename
			} else {
				nf.LastChange = m2.Header.Version
				stats.Changed++
			}
			i++
			j++

		case of.Name < nf.Name:
			// A path present in the old manifest is absent from the new
			// one: synthesize a deletion so the client can remove it.
			del := of.clone()
			del.Hash = digest.ZeroHash
			del.Status = StatusDeleted
			del.Peer = of
			if of.Modifiers.Boot {
				del.Status = StatusGhosted
			}
			if of.Status == StatusDeleted {
				del.LastChange = of.LastChange
				del.Modifiers.Rename = of.Modifiers.Rename
			} else {
				del.LastChange = m2.Header.Version
			}
			m2.Files = append(m2.Files, nil)
			copy(m2.Files[j+1:], m2.Files[j:])
			m2.Files[j] = del
			needsResort = true
			stats.Deleted++
			i++
			j++ // advance past the synthesized row we just inserted

		default: // of.Name > nf.Name
			stats.Added++
			j++
		}
	}

	for ; i < len(m1.Files); i++ {
		of := m1.Files[i]
		del := of.clone()
		del.Hash = digest.ZeroHash
		del.Status = StatusDeleted
		del.Peer = of
		if of.Modifiers.Boot {
			del.Status = StatusGhosted
		}
		if of.Status == StatusDeleted {
			del.LastChange = of.LastChange
			del.Modifiers.Rename = of.Modifiers.Rename
		} else {
			del.LastChange = m2.Header.Version
		}
		m2.Files = append(m2.Files, del)
		needsResort = true
		stats.Deleted++
	}
	for ; j < len(m2.Files); j++ {
		stats.Added++
	}

	if needsResort {
		m2.SortByName()
	}

	return stats
}
