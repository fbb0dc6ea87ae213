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

// Package manifest implements the manifest model, its text I/O, the diff
// engine that pairs two manifests by path, rename detection, and the
// subtract/consolidate operations used to deduplicate content across a
// bundle's include chain.
package manifest

import (
	"github.com/clearfoundry/swupd-repo/internal/digest"
)

// Kind is the type of a path recorded in a manifest.
type Kind int

// The four kinds a File can be. Kind zero is deliberately invalid so a
// zero-value File is caught by validation rather than silently treated as
// a regular file.
const (
	_ Kind = iota
	TypeFile
	TypeDirectory
	TypeLink
	TypeManifest
)

func (k Kind) char() byte {
	switch k {
	case TypeFile:
		return 'F'
	case TypeDirectory:
		return 'D'
	case TypeLink:
		return 'L'
	case TypeManifest:
		return 'M'
	default:
		return '.'
	}
}

// Status is the lifecycle state of a File within one manifest version.
type Status int

// The three statuses a File record can carry.
const (
	StatusPresent Status = iota
	StatusDeleted
	StatusGhosted
)

func (s Status) char() byte {
	switch s {
	case StatusDeleted:
		return 'd'
	case StatusGhosted:
		return 'g'
	default:
		return '.'
	}
}

// Modifiers are independent boolean bits carried by a File record. Only one
// of Config/State/Boot is expected to be set at a time in practice, but they
// are not mutually exclusive in the format.
type Modifiers struct {
	Config bool
	State  bool
	Boot   bool
	Rename bool
}

func (m Modifiers) char() byte {
	switch {
	case m.Config:
		return 'C'
	case m.State:
		return 's'
	case m.Boot:
		return 'b'
	default:
		return '.'
	}
}

func (m Modifiers) renameChar() byte {
	if m.Rename {
		return 'r'
	}
	return '.'
}

// Stat is the fixed metadata tuple carried alongside a digest. Size is
// always zero for non-regular files.
type Stat struct {
	Mode uint32
	UID  uint32
	GID  uint32
	Rdev uint32
	Size int64
}

// File is one entry describing a single path at a single manifest version.
//
// Peer, RenamePeer, and RenameScore are transient: they are populated while
// a Manifest is being diffed or rename-detected against another Manifest,
// and are never written to disk.
type File struct {
	Name       string
	Kind       Kind
	Status     Status
	Modifiers  Modifiers
	Hash       string
	LastChange uint32
	Stat       Stat

	// Peer points at the matching record in the other manifest during a
	// diff pass (old<->new). Nil outside of diff/pack processing.
	Peer *File

	// RenamePeer and RenameScore are populated only while the rename
	// detector (manifest/rename.go) is running.
	RenamePeer  *File
	RenameScore int

	// DeltaPeer is the record this file should be binary-diffed against
	// when building an update pack, resolved by the pack assembler. It is
	// usually the same as Peer but may be a rename peer instead.
	DeltaPeer *File
}

// IsZeroHash reports whether f carries the all-zero digest, i.e. has no
// content (deleted files, or a record that hasn't been hashed yet).
func (f *File) IsZeroHash() bool {
	return f.Hash == "" || f.Hash == digest.ZeroHash
}

// IsFile reports whether f names a regular file, as opposed to a directory,
// symlink, or sub-manifest reference. Used by Subtract's "same (status,
// is_file)" collision rule.
func (f *File) IsFile() bool {
	return f.Kind == TypeFile
}

// SameContent reports whether two records describe identical on-client
// content: same kind, status, digest, and modifier bits. Used by the diff
// engine's "same content" test (§4.D) and by Consolidate's C/C′ rows.
func (f *File) SameContent(o *File) bool {
	return f.Kind == o.Kind &&
		f.Status == o.Status &&
		f.Hash == o.Hash &&
		f.Modifiers == o.Modifiers
}

// clone returns a shallow copy of f with no peer/rename linkage, suitable
// for synthesizing a deletion record during diff.
func (f *File) clone() *File {
	c := *f
	c.Peer = nil
	c.RenamePeer = nil
	c.RenameScore = 0
	c.DeltaPeer = nil
	return &c
}

// typeFlags renders the 4-character type/flags code used as the first
// tab-separated field of a manifest body line.
func (f *File) typeFlags() [4]byte {
	return [4]byte{f.Kind.char(), f.Status.char(), f.Modifiers.char(), f.Modifiers.renameChar()}
}
