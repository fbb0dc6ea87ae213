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

package archive

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"io"
)

// errOversize is returned by limitWriter once a compression trial has
// already written more bytes than the best candidate seen so far, letting
// the caller abandon a losing trial without finishing it.
var errOversize = errors.New("archive: compression trial exceeded current best size")

// limitWriter collects bytes into buf, failing once it has written more
// than limit bytes. A negative limit means "no limit yet" (first trial).
type limitWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit >= 0 && w.buf.Len()+len(p) > w.limit {
		return 0, errOversize
	}
	return w.buf.Write(p)
}

// Codec is a named compressor that can be tried against a tar-archive byte
// stream, built via buildTar.
type Codec struct {
	Name string
	// run reads the uncompressed bytes and writes the compressed result to
	// w, returning an error if the external program or stdlib codec fails.
	run func(w io.Writer, data []byte) error
}

// gzipCodec compresses with the standard library's gzip writer at best
// compression, matching fullfiles.go's codec trial order as the
// always-available fallback.
var gzipCodec = Codec{
	Name: "gzip",
	run: func(w io.Writer, data []byte) error {
		gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		if _, err := gw.Write(data); err != nil {
			_ = gw.Close()
			return err
		}
		return gw.Close()
	},
}

// xzCodec shells out to the xz binary, matching the source's LZMA
// preference: it is tried first because it usually wins on this corpus's
// content (binaries, shared libraries).
var xzCodec = Codec{
	Name: "xz",
	run: func(w io.Writer, data []byte) error {
		ew, err := NewWriter(w, "xz", "-9", "-e", "-T1", "-c")
		if err != nil {
			return err
		}
		if _, err := ew.Write(data); err != nil {
			_ = ew.Close()
			return err
		}
		return ew.Close()
	},
}

// bzip2Codec shells out to the bzip2 binary; compress/bzip2 in the standard
// library is decode-only.
var bzip2Codec = Codec{
	Name: "bzip2",
	run: func(w io.Writer, data []byte) error {
		ew, err := NewWriter(w, "bzip2", "-9", "-c")
		if err != nil {
			return err
		}
		if _, err := ew.Write(data); err != nil {
			_ = ew.Close()
			return err
		}
		return ew.Close()
	},
}

// DefaultCodecs is the compressor trial order spec.md §4.G names: LZMA,
// then gzip, then bzip2.
var DefaultCodecs = []Codec{xzCodec, gzipCodec, bzip2Codec}

// BestCompression runs each codec in order against data, keeping the
// smallest successful result. A trial is abandoned as soon as it has
// already produced more bytes than the current best, so a bad codec on
// large input doesn't cost a full pass. Returns the winning codec's name
// and bytes; fails only if every codec errored.
func BestCompression(data []byte, codecs []Codec) (name string, compressed []byte, err error) {
	best := -1
	var lastErr error
	for _, c := range codecs {
		lw := &limitWriter{limit: best}
		runErr := c.run(lw, data)
		if runErr != nil {
			if !errors.Is(runErr, errOversize) {
				lastErr = runErr
			}
			continue
		}
		if best < 0 || lw.buf.Len() < best {
			best = lw.buf.Len()
			name = c.Name
			compressed = lw.buf.Bytes()
		}
	}
	if compressed == nil {
		if lastErr == nil {
			lastErr = errors.New("archive: no compressor succeeded")
		}
		return "", nil, lastErr
	}
	return name, compressed, nil
}

// DecompressBzip2 exposes the stdlib bzip2 reader for callers that only
// need to read existing bzip2 streams (decode-only, as the standard
// library provides).
func DecompressBzip2(r io.Reader) io.Reader {
	return bzip2.NewReader(r)
}
