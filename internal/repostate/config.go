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

// Package repostate reads the state-directory configuration
// (server.ini, groups.ini) that drives one repository build: where the
// per-version image trees and published www output live, which bundles
// exist, and the small set of policy settings (xattrs, debuginfo
// stripping, no-download bundles) layered on top of the original format.
package repostate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
)

// Debuginfo controls stripping of debug symbol trees from bundle manifests.
type Debuginfo struct {
	Banned bool
	Lib    string
	Src    string
}

// Config is the resolved server.ini configuration for one state directory.
type Config struct {
	StateDir       string
	EmptyDir       string
	ImageBase      string
	OutputDir      string
	InitialVersion uint32
	// Xattrs is loaded from [Server] xattrs; no build code reads it, and
	// the metadata digest folds xattrs whatever its value.
	Xattrs    bool
	Debuginfo Debuginfo
}

func defaults(stateDir string) Config {
	return Config{
		StateDir:       stateDir,
		EmptyDir:       filepath.Join(stateDir, "empty"),
		ImageBase:      filepath.Join(stateDir, "image"),
		OutputDir:      filepath.Join(stateDir, "www"),
		InitialVersion: 0,
		Xattrs:         true,
		Debuginfo: Debuginfo{
			Banned: true,
			Lib:    "/usr/lib/debug",
			Src:    "/usr/src/debug",
		},
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads server.ini from stateDir, falling back to defaults for any
// key it doesn't define or if the file itself is absent.
func Load(stateDir string) (Config, error) {
	cfg := defaults(stateDir)

	path := filepath.Join(stateDir, "server.ini")
	if !exists(path) {
		return cfg, nil
	}

	iniFile, err := ini.InsensitiveLoad(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}

	server := iniFile.Section("Server")
	if key, err := server.GetKey("emptydir"); err == nil {
		cfg.EmptyDir = key.Value()
	}
	if key, err := server.GetKey("imagebase"); err == nil {
		cfg.ImageBase = key.Value()
	}
	if key, err := server.GetKey("outputdir"); err == nil {
		cfg.OutputDir = key.Value()
	}
	if key, err := server.GetKey("initialversion"); err == nil {
		v, err := strconv.ParseUint(key.Value(), 10, 32)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid initialversion in %s", path)
		}
		cfg.InitialVersion = uint32(v)
	}
	if key, err := server.GetKey("xattrs"); err == nil {
		cfg.Xattrs = key.Value() == "true"
	}

	dbg := iniFile.Section("Debuginfo")
	if key, err := dbg.GetKey("banned"); err == nil {
		cfg.Debuginfo.Banned = key.Value() == "true"
	}
	if key, err := dbg.GetKey("lib"); err == nil {
		cfg.Debuginfo.Lib = key.Value()
	}
	if key, err := dbg.GetKey("src"); err == nil {
		cfg.Debuginfo.Src = key.Value()
	}

	return cfg, nil
}

// Bundle is one groups.ini entry: a bundle name plus its install policy.
type Bundle struct {
	Name       string
	Optional   bool // status=optional vs status=default
	NoDownload bool // excluded from --content-url original fetching (§9 open question #2)
}

// LoadGroups reads groups.ini from stateDir. os-core must be present; its
// absence is a fatal configuration error since every bundle includes it.
func LoadGroups(stateDir string) ([]Bundle, error) {
	path := filepath.Join(stateDir, "groups.ini")
	if !exists(path) {
		return nil, errors.New("no groups.ini file to define bundles")
	}

	iniFile, err := ini.InsensitiveLoad(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var bundles []Bundle
	osCoreFound := false
	for _, name := range iniFile.SectionStrings() {
		if name == "default" || name == ini.DefaultSection {
			continue
		}
		section := iniFile.Section(name)
		b := Bundle{Name: name}
		if key, err := section.GetKey("status"); err == nil {
			b.Optional = strings.EqualFold(key.Value(), "optional")
		}
		if key, err := section.GetKey("nodownload"); err == nil {
			b.NoDownload = key.Value() == "true"
		}
		bundles = append(bundles, b)
		if name == "os-core" {
			osCoreFound = true
		}
	}

	if !osCoreFound {
		return bundles, errors.New("os-core bundle is not listed in groups.ini")
	}
	return bundles, nil
}

// ReadLastVersion reads a simple "<number>\n" pointer file such as
// <out>/latest_version.
func ReadLastVersion(path string) (uint32, error) {
	if !exists(path) {
		return 0, fmt.Errorf("unable to detect last version: %s does not exist", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid version in %s", path)
	}
	return uint32(v), nil
}

// WriteVersionPointers publishes <out>/latest and <out>/latest_version,
// recovered from original_source/src/versions.c: a consumer that wants the
// newest published version doesn't need to scan the whole output tree.
func WriteVersionPointers(outputDir string, version uint32) error {
	body := []byte(strconv.FormatUint(uint64(version), 10) + "\n")
	for _, name := range []string{"latest", "latest_version"} {
		if err := os.WriteFile(filepath.Join(outputDir, name), body, 0644); err != nil {
			return errors.Wrapf(err, "writing %s pointer", name)
		}
	}
	return nil
}

// WriteFormat publishes the active format integer at <out>/format and
// <out>/<version>/format, recovered from original_source/src/main.c, read
// back by the create-update --getformat flag.
func WriteFormat(outputDir string, version uint32, format uint) error {
	body := []byte(strconv.FormatUint(uint64(format), 10) + "\n")
	if err := os.WriteFile(filepath.Join(outputDir, "format"), body, 0644); err != nil {
		return errors.Wrap(err, "writing top-level format file")
	}
	versionDir := filepath.Join(outputDir, strconv.FormatUint(uint64(version), 10))
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(versionDir, "format"), body, 0644); err != nil {
		return errors.Wrap(err, "writing per-version format file")
	}
	return nil
}

// ReadFormat reads back the top-level format file for --getformat.
func ReadFormat(outputDir string) (uint, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, "format"))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
