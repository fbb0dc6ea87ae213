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
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
)

// CompressedTarReader is a *tar.Reader that also owns the decompression
// stream feeding it, which may need an explicit Close (an external
// process, unlike the stdlib gzip/bzip2 readers).
type CompressedTarReader struct {
	*tar.Reader
	closer io.Closer
}

// Close releases the decompression stream, if it owns one.
func (r *CompressedTarReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

var (
	gzipMagic  = []byte{0x1F, 0x8B}
	xzMagic    = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	bzip2Magic = []byte{'B', 'Z', 'h'}
	zstdMagic  = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

// NewCompressedTarReader wraps rs in a tar.Reader, sniffing its first bytes
// to decide which decompressor (if any) to interpose. Supports gzip and
// bzip2 natively and shells out to unxz/zstd for the other two, since
// neither has a pure Go decoder in the dependency set this module carries.
func NewCompressedTarReader(rs io.ReadSeeker) (*CompressedTarReader, error) {
	var header [6]byte
	if _, err := io.ReadFull(rs, header[:]); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	result := &CompressedTarReader{}
	switch {
	case bytes.HasPrefix(header[:], gzipMagic):
		gr, err := gzip.NewReader(rs)
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip: %w", err)
		}
		result.closer = gr
		result.Reader = tar.NewReader(gr)
	case bytes.HasPrefix(header[:], xzMagic):
		xr, err := NewReader(rs, "unxz")
		if err != nil {
			return nil, fmt.Errorf("decompressing xz: %w", err)
		}
		result.closer = xr
		result.Reader = tar.NewReader(xr)
	case bytes.HasPrefix(header[:], bzip2Magic):
		result.Reader = tar.NewReader(bzip2.NewReader(rs))
	case bytes.HasPrefix(header[:], zstdMagic):
		zr, err := NewReader(rs, "zstd", "-d")
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd: %w", err)
		}
		result.closer = zr
		result.Reader = tar.NewReader(zr)
	default:
		result.Reader = tar.NewReader(rs)
	}
	return result, nil
}
