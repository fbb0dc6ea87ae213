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

import "sort"

// Subtract removes from m1.Files every row whose path also appears in
// m2.Files with the same (status, is_file) pair, except rows that are
// deleted on both sides: those are kept because a client that installs m1
// without m2 still needs to know the path is gone.
func Subtract(m1, m2 *Manifest) {
	byName := make(map[string]*File, len(m2.Files))
	for _, f := range m2.Files {
		byName[f.Name] = f
	}

	kept := m1.Files[:0:0]
	for _, f := range m1.Files {
		other, ok := byName[f.Name]
		if !ok {
			kept = append(kept, f)
			continue
		}
		bothDeleted := f.Status == StatusDeleted && other.Status == StatusDeleted
		if bothDeleted {
			kept = append(kept, f)
			continue
		}
		if f.Status == other.Status && f.IsFile() == other.IsFile() {
			// Duplicate row already accounted for by m2; drop it from m1.
			continue
		}
		kept = append(kept, f)
	}
	m1.Files = kept
}

// IncludeResolver resolves a bundle name to its Manifest, letting
// SubtractFrontend walk an include DAG without needing every manifest
// loaded up front.
type IncludeResolver func(component string) (*Manifest, error)

// SubtractFrontend implements spec.md §4.F's Subtract-frontend: subtract m2
// from m1, then walk m2's transitive include closure and subtract each of
// those too. Subtract-frontend(M, M) — m1 and m2 the same manifest — only
// walks the closure, leaving m1 itself untouched, which is the common
// bundle-relative pruning case.
func SubtractFrontend(m1, m2 *Manifest, resolve IncludeResolver) error {
	if m1 != m2 {
		Subtract(m1, m2)
	}

	visited := map[string]bool{m2.Component: true}
	queue := append([]string{}, m2.Header.Includes...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		included, err := resolve(name)
		if err != nil {
			return err
		}
		Subtract(m1, included)
		queue = append(queue, included.Header.Includes...)
	}
	return nil
}

// collisionState classifies one side of a Consolidate collision into the
// eight states (A, A′, B, B′, C, C′, D, D′) spec.md §4.F's matrix names.
// The prime/non-prime distinction in the spec is purely presentational
// (the matrix is symmetric in file1/file2); what matters is which of the
// four row/column categories a record falls into.
type collisionState int

const (
	stateDeletedPlain collisionState = iota // A / A′: deleted, not a rename
	stateDeletedRename                      // B / B′: deleted, rename
	statePresentSame                        // C / C′: present, same hash
	statePresentOther                       // D / D′: present, other hash
)

func classify(f, other *File) collisionState {
	if f.Status != StatusPresent {
		if f.Modifiers.Rename {
			return stateDeletedRename
		}
		return stateDeletedPlain
	}
	if f.Hash == other.Hash {
		return statePresentSame
	}
	return statePresentOther
}

// resolveCollision decides which of two same-path records Consolidate
// keeps, per spec.md §4.F's matrix. Returns (keepFirst, conflict).
func resolveCollision(a, b *File) (keepFirst bool, conflict bool) {
	sa := classify(a, b)
	sb := classify(b, a)

	switch sa {
	case stateDeletedPlain:
		switch sb {
		case stateDeletedPlain:
			return true, false // "either" — arbitrarily keep file1.
		default:
			return false, false // keep 2 in every other column.
		}
	case stateDeletedRename:
		switch sb {
		case stateDeletedPlain:
			return true, false // keep 1
		case stateDeletedRename:
			return true, false // "either"
		default:
			return false, false // keep 2
		}
	case statePresentSame:
		switch sb {
		case stateDeletedPlain, stateDeletedRename:
			return true, false // keep 1
		case statePresentSame:
			return true, false // "either"
		default:
			return false, true // CONFLICT
		}
	default: // statePresentOther
		switch sb {
		case stateDeletedPlain, stateDeletedRename:
			return true, false // keep 1
		default:
			return false, true // CONFLICT (same-hash-other or other-other)
		}
	}
}

// ConflictLogger is called once per collision that Consolidate cannot
// resolve, so the driver can log it and keep building.
type ConflictLogger func(component1 string, f1 *File, component2 string, f2 *File)

// subManifestEntry pairs a File with the component name it came from, used
// only while resolving Consolidate collisions.
type subManifestEntry struct {
	component string
	file      *File
}

// Consolidate merges a set of sub-manifests into one path-sorted file list,
// resolving same-path collisions per spec.md §4.F. subManifests must each
// already be sorted by path.
func Consolidate(subManifests map[string]*Manifest, onConflict ConflictLogger) []*File {
	var all []subManifestEntry
	for component, sm := range subManifests {
		for _, f := range sm.Files {
			all = append(all, subManifestEntry{component: component, file: f})
		}
	}

	byName := make(map[string][]subManifestEntry, len(all))
	var order []string
	for _, e := range all {
		if _, ok := byName[e.file.Name]; !ok {
			order = append(order, e.file.Name)
		}
		byName[e.file.Name] = append(byName[e.file.Name], e)
	}

	result := make([]*File, 0, len(order))
	for _, name := range order {
		entries := byName[name]
		if len(entries) == 1 {
			result = append(result, entries[0].file)
			continue
		}

		winner := entries[0]
		for _, e := range entries[1:] {
			keepFirst, conflict := resolveCollision(winner.file, e.file)
			if conflict {
				if onConflict != nil {
					onConflict(winner.component, winner.file, e.component, e.file)
				}
				winner.file = nil
				continue
			}
			if !keepFirst {
				winner = e
			}
		}
		if winner.file != nil {
			result = append(result, winner.file)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
