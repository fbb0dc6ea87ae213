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

package digest

import (
	"golang.org/x/sys/unix"
)

// ListXattrs reads every extended attribute set on path (not following
// symlinks) and returns them as name/value pairs. Returns a nil slice and a
// nil error when the filesystem doesn't support xattrs or none are set,
// rather than treating that as an error.
func ListXattrs(path string) ([]Xattr, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if isXattrUnsupported(err) {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	namesBuf := make([]byte, size)
	n, err := unix.Llistxattr(path, namesBuf)
	if err != nil {
		if isXattrUnsupported(err) {
			return nil, nil
		}
		return nil, err
	}
	names := splitNulTerminated(namesBuf[:n])

	attrs := make([]Xattr, 0, len(names))
	for _, name := range names {
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			if isXattrUnsupported(err) {
				continue
			}
			return nil, err
		}
		value := make([]byte, vsize)
		if vsize > 0 {
			vn, err := unix.Lgetxattr(path, name, value)
			if err != nil {
				return nil, err
			}
			value = value[:vn]
		}
		attrs = append(attrs, Xattr{Name: name, Value: value})
	}
	return attrs, nil
}

// isXattrUnsupported treats ENOTSUP/EOPNOTSUPP as "no xattrs here", matching
// tmpfs and similar filesystems that never carry them.
func isXattrUnsupported(err error) bool {
	return err == unix.ENOTSUP || err == unix.EOPNOTSUPP
}

func splitNulTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
