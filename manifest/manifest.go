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
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/clearfoundry/swupd-repo/internal/digest"
	"github.com/pkg/errors"
)

const fieldDelim = "\t"

// Header carries the manifest's metadata block.
type Header struct {
	Format      uint
	Version     uint32
	Previous    uint32
	FileCount   uint32
	Timestamp   time.Time
	ContentSize uint64
	Includes    []string

	// Optional marks a bundle's install-by-default status, surfaced from
	// groups.ini (§5 of the expanded design) so clients can decide whether
	// to auto-install a newly-added bundle.
	Optional bool
}

// Manifest is a named, versioned list of file records plus, for the
// Manifest-of-Manifests, sub-manifest references (carried as ordinary File
// records of Kind TypeManifest in Files).
type Manifest struct {
	Component string
	Header    Header
	Files     []*File
}

// New creates an empty manifest for component at the given version, with
// format and previous-version fields left for the caller to fill in.
func New(component string, version uint32) *Manifest {
	return &Manifest{
		Component: component,
		Header:    Header{Version: version},
	}
}

// SortByName sorts Files by path, the order every other operation in this
// package (diff, subtract, consolidate) depends on.
func (m *Manifest) SortByName() {
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })
}

// SortByVersionThenName sorts Files by LastChange then path, the order
// manifests are conventionally written in once diffed.
func (m *Manifest) SortByVersionThenName() {
	sort.Slice(m.Files, func(i, j int) bool {
		if m.Files[i].LastChange != m.Files[j].LastChange {
			return m.Files[i].LastChange < m.Files[j].LastChange
		}
		return m.Files[i].Name < m.Files[j].Name
	})
}

// ContentSize sums regular-file sizes plus a fixed hint per link/directory,
// counting only rows this manifest contributes (present, not inherited via
// an include that already accounts for it).
func (m *Manifest) ContentSize() uint64 {
	const linkOrDirHint = 4096
	var total uint64
	for _, f := range m.Files {
		if f.Status != StatusPresent {
			continue
		}
		switch f.Kind {
		case TypeFile:
			total += uint64(f.Stat.Size)
		case TypeDirectory, TypeLink:
			total += linkOrDirHint
		}
	}
	return total
}

// Validate enforces the header invariants spec.md §4.C requires of a parsed
// manifest: a zero format, zero version, version-before-previous, or unset
// timestamp are all fatal. The file list is not checked.
func (h Header) Validate() error {
	if h.Format == 0 {
		return errors.New("manifest format not set")
	}
	if h.Version == 0 {
		return errors.New("manifest has version zero, version must be positive")
	}
	if h.Version < h.Previous {
		return errors.New("version is smaller than previous")
	}
	if h.Timestamp.IsZero() {
		return errors.New("manifest timestamp not set")
	}
	return nil
}

var bodyTemplate = template.Must(template.New("manifest").Parse(`
{{- with .Header -}}
MANIFEST	{{.Format}}
version:	{{.Version}}
previous:	{{.Previous}}
filecount:	{{.FileCount}}
timestamp:	{{.Timestamp.Unix}}
contentsize:	{{.ContentSize}}
optional:	{{.Optional -}}
{{range .Includes}}
includes:	{{. -}}
{{end}}
{{- end}}
{{range .Files}}
{{.TypeFlagsString}}	{{.Hash}}	{{.LastChange}}	{{.Name}}
{{- end}}
`))

// TypeFlagsString renders the 4-character type/flags code for one body line.
func (f *File) TypeFlagsString() string {
	b := f.typeFlags()
	return string(b[:])
}

// Write serializes m to w in the text format described in spec.md §4.C.
// FileCount is derived from len(Files) at write time so callers never need
// to keep it in sync by hand.
func (m *Manifest) Write(w io.Writer) error {
	m.Header.FileCount = uint32(len(m.Files))
	if err := m.Header.Validate(); err != nil {
		return err
	}
	if err := bodyTemplate.Execute(w, m); err != nil {
		return errors.Wrapf(err, "writing Manifest.%s", m.Component)
	}
	return nil
}

// WriteFile writes m to path, creating or truncating the file in place; on
// any write failure the partial file is removed. The write is not atomic.
func (m *Manifest) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := m.Write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

var requiredHeaderKeys = []string{"MANIFEST", "version:", "previous:", "filecount:", "timestamp:", "contentsize:"}

func parseHeaderLine(fields []string, h *Header) error {
	switch fields[0] {
	case "MANIFEST":
		v, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return errors.Wrap(err, "invalid manifest format")
		}
		h.Format = uint(v)
	case "version:":
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "invalid manifest version")
		}
		h.Version = uint32(v)
	case "previous:":
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "invalid manifest previous")
		}
		h.Previous = uint32(v)
	case "filecount:":
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "invalid manifest filecount")
		}
		h.FileCount = uint32(v)
	case "timestamp:":
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid manifest timestamp")
		}
		h.Timestamp = time.Unix(v, 0)
	case "contentsize:":
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid manifest contentsize")
		}
		h.ContentSize = v
	case "optional:":
		h.Optional = fields[1] == "true"
	case "includes:":
		h.Includes = append(h.Includes, fields[1])
	}
	return nil
}

func charToKind(c byte) (Kind, error) {
	switch c {
	case 'F':
		return TypeFile, nil
	case 'D':
		return TypeDirectory, nil
	case 'L':
		return TypeLink, nil
	case 'M':
		return TypeManifest, nil
	default:
		return 0, fmt.Errorf("invalid type flag %q", c)
	}
}

func charToStatus(c byte) (Status, error) {
	switch c {
	case '.':
		return StatusPresent, nil
	case 'd':
		return StatusDeleted, nil
	case 'g':
		return StatusGhosted, nil
	default:
		return 0, fmt.Errorf("invalid status flag %q", c)
	}
}

func charToModifiers(c byte) (Modifiers, error) {
	switch c {
	case '.':
		return Modifiers{}, nil
	case 'C':
		return Modifiers{Config: true}, nil
	case 's':
		return Modifiers{State: true}, nil
	case 'b':
		return Modifiers{Boot: true}, nil
	default:
		return Modifiers{}, fmt.Errorf("invalid modifier flag %q", c)
	}
}

func parseBodyLine(fields []string) (*File, error) {
	if len(fields) != 4 {
		return nil, fmt.Errorf("invalid manifest line, expected 4 fields, got %d", len(fields))
	}
	flags, hash, lastChange, name := fields[0], fields[1], fields[2], fields[3]

	if len(flags) != 4 {
		return nil, fmt.Errorf("invalid number of flags: %q", flags)
	}
	if len(hash) != 64 {
		return nil, fmt.Errorf("invalid hash: %q", hash)
	}

	kind, err := charToKind(flags[0])
	if err != nil {
		return nil, err
	}
	status, err := charToStatus(flags[1])
	if err != nil {
		return nil, err
	}
	mods, err := charToModifiers(flags[2])
	if err != nil {
		return nil, err
	}
	// Position 4 (rename) unknowns are ignored per spec, only 'r' sets it.
	mods.Rename = flags[3] == 'r'

	v, err := strconv.ParseUint(lastChange, 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "invalid last_change")
	}

	return &File{
		Name:       name,
		Kind:       kind,
		Status:     status,
		Modifiers:  mods,
		Hash:       hash,
		LastChange: uint32(v),
	}, nil
}

// Parse reads a manifest in the text format from r.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	seen := make(map[string]int)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		fields := strings.Split(line, fieldDelim)
		key := fields[0]
		if key != "includes:" && seen[key] > 0 {
			return nil, fmt.Errorf("invalid manifest, duplicate header entry %q", key)
		}
		seen[key]++
		if err := parseHeaderLine(fields, &m.Header); err != nil {
			return nil, err
		}
	}

	for _, required := range requiredHeaderKeys {
		if seen[required] == 0 {
			return nil, fmt.Errorf("invalid manifest, missing header entry %q", required)
		}
	}
	if err := m.Header.Validate(); err != nil {
		return nil, err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			return nil, errors.New("invalid manifest, unexpected blank line in body")
		}
		f, err := parseBodyLine(strings.Split(line, fieldDelim))
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

// ParseFile reads a manifest from the text file at path, deriving Component
// from the "Manifest.<component>" filename convention. A missing file is
// not an error: it returns an empty manifest at version 0, matching
// spec.md §4.C's "missing manifest file returns an empty manifest".
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Component: componentFromPath(path)}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	m.Component = componentFromPath(path)
	return m, nil
}

func componentFromPath(path string) string {
	const prefix = "Manifest."
	idx := strings.LastIndex(path, prefix)
	if idx == -1 {
		return ""
	}
	return path[idx+len(prefix):]
}

// ByDigest groups a manifest's present rows of any kind that changed at
// atVersion and carry a non-zero digest, returning one representative
// *File per distinct digest. Used by the
// fullfile archiver (§4.G) to dedupe its work list.
func (m *Manifest) ByDigest(atVersion uint32) map[string]*File {
	out := make(map[string]*File)
	for _, f := range m.Files {
		if f.Status != StatusPresent || f.LastChange != atVersion {
			continue
		}
		if f.IsZeroHash() {
			continue
		}
		if _, ok := out[f.Hash]; !ok {
			out[f.Hash] = f
		}
	}
	return out
}

// XattrSame reports whether two records have equal mode, UID and GID.
// Manifests don't carry raw xattr blobs (only their digest), and the
// extended attributes themselves are not compared here or anywhere in delta
// creation (§4.H): two files whose xattrs differ but whose mode, UID and GID
// match pass this check.
func (f *File) XattrSame(o *File) bool {
	return f.Stat.Mode == o.Stat.Mode && f.Stat.UID == o.Stat.UID && f.Stat.GID == o.Stat.GID
}
