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

// Package digest computes the content-and-metadata digest used to name
// fullfiles and to decide whether a file changed across versions.
//
// The digest folds file metadata (mode, uid, gid, rdev, size) and extended
// attributes into an HMAC key, then HMACs the payload (file content, symlink
// target, or the literal string "DIRECTORY") with that key. This must match
// the client's algorithm byte-for-byte, so the layout below is deliberately
// not "improved".
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// ZeroHash is the all-zero digest string used for deleted files.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Kind identifies what sort of payload is being hashed.
type Kind int

// The three payload kinds the digest algorithm understands. Deleted files
// never reach this package; callers substitute ZeroHash directly.
const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

// Stat carries the fixed-width metadata tuple that is folded into the HMAC
// key, plus whatever the caller already knows about extended attributes.
type Stat struct {
	Mode uint32
	UID  uint32
	GID  uint32
	Rdev uint32
	Size int64
}

// littleEndian64 writes v into a fixed 8-byte little-endian field, matching
// the client's host-order stat struct layout.
func littleEndian64(out []byte, v int64) {
	for i := range out {
		out[i] = byte(v & 0xff)
		v >>= 8
	}
}

// statBytes packs (mode, uid, gid, rdev, size) into the 40-byte struct the
// client's update_stat struct describes.
func statBytes(s Stat) [40]byte {
	var b [40]byte
	littleEndian64(b[0:8], int64(s.Mode))
	littleEndian64(b[8:16], int64(s.UID))
	littleEndian64(b[16:24], int64(s.GID))
	littleEndian64(b[24:32], int64(s.Rdev))
	littleEndian64(b[32:40], s.Size)
	return b
}

// Xattr is a single extended attribute name/value pair.
type Xattr struct {
	Name  string
	Value []byte
}

// xattrBlob builds the xattr portion of the HMAC key material: the sorted
// name list concatenated, followed by each name (NUL-terminated) and its raw
// value, in the same sorted order. An empty attribute set yields an empty
// blob, matching "key_len is treated as zero" in the digest contract.
func xattrBlob(attrs []Xattr) []byte {
	if len(attrs) == 0 {
		return nil
	}
	sorted := make([]Xattr, len(attrs))
	copy(sorted, attrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var names []byte
	for _, a := range sorted {
		names = append(names, a.Name...)
	}
	blob := names
	for _, a := range sorted {
		blob = append(blob, a.Name...)
		blob = append(blob, 0)
		blob = append(blob, a.Value...)
	}
	return blob
}

// Digester accumulates payload bytes (for regular files) before producing
// the final digest with Sum.
type Digester struct {
	hmac hash.Hash
}

// New constructs a Digester for the given kind and metadata. For
// KindDirectory and KindSymlink the fixed payload is written immediately so
// the caller only needs to call Sum; for KindRegular the caller must Write
// the file content first.
//
// stat.Size must already be zeroed by the caller for directories, and
// stat.Mode must already be zeroed for symlinks, per the digest contract:
// a directory's size is never part of its identity, and a symlink's digest
// is independent of its mode bits.
func New(kind Kind, stat Stat, linkname string, attrs []Xattr) (*Digester, error) {
	var payload []byte
	switch kind {
	case KindRegular:
		// payload is written by the caller via Write.
	case KindDirectory:
		payload = []byte("DIRECTORY")
	case KindSymlink:
		payload = []byte(linkname)
	default:
		return nil, fmt.Errorf("digest: invalid kind %d", kind)
	}

	sb := statBytes(stat)
	keyData := append(append([]byte{}, sb[:]...), xattrBlob(attrs)...)

	keyMAC := hmac.New(sha256.New, nil)
	_, err := keyMAC.Write(keyData)
	if err != nil {
		return nil, err
	}
	var key [64]byte
	hex.Encode(key[:], keyMAC.Sum(nil))

	d := &Digester{hmac: hmac.New(sha256.New, key[:])}
	if payload != nil {
		if _, err := d.hmac.Write(payload); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Write adds more payload bytes (regular file content).
func (d *Digester) Write(p []byte) (int, error) {
	return d.hmac.Write(p)
}

// Sum returns the final lowercase-hex digest.
func (d *Digester) Sum() string {
	var out [64]byte
	hex.Encode(out[:], d.hmac.Sum(nil))
	return string(out[:])
}

// ForBytes computes the digest of in-memory data without touching disk.
func ForBytes(kind Kind, stat Stat, linkname string, attrs []Xattr, data []byte) (string, error) {
	d, err := New(kind, stat, linkname, attrs)
	if err != nil {
		return "", err
	}
	if kind == KindRegular && data != nil {
		if _, err := d.Write(data); err != nil {
			return "", err
		}
	}
	return d.Sum(), nil
}

// ForPath computes the digest of a file already on disk, reading its stat,
// xattrs, and (for regular files) content. On any stat/readlink/open failure
// it returns an error; the caller (the scanner, §4.B) is responsible for
// turning that into a deleted/zero-digest record rather than aborting the
// build, per spec.md §4.A's error-handling contract.
func ForPath(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	attrs, err := ListXattrs(path)
	if err != nil {
		return "", fmt.Errorf("listing xattrs for %s: %w", path, err)
	}

	stat := Stat{
		Mode: st.Mode,
		UID:  st.Uid,
		GID:  st.Gid,
		Rdev: uint32(st.Rdev),
		Size: st.Size,
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		d, err := New(KindRegular, stat, "", attrs)
		if err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(d, f); err != nil {
			return "", fmt.Errorf("hashing %s: %w", path, err)
		}
		return d.Sum(), nil
	case unix.S_IFDIR:
		stat.Size = 0
		d, err := New(KindDirectory, stat, "", attrs)
		if err != nil {
			return "", err
		}
		return d.Sum(), nil
	case unix.S_IFLNK:
		link, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("readlink %s: %w", path, err)
		}
		stat.Mode = 0
		stat.Size = int64(len(link))
		d, err := New(KindSymlink, stat, link, attrs)
		if err != nil {
			return "", err
		}
		return d.Sum(), nil
	default:
		return "", fmt.Errorf("unsupported file type for %s", path)
	}
}
