// Copyright © 2020 Intel Corporation
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

// Package buildlog is the tagged logger every phase of a repository build
// writes through: level-filtered, with repeated lines collapsed so a long
// worker-pool phase doesn't flood the log with identical entries.
package buildlog

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Log levels, most to least severe.
const (
	LevelError = iota + 1
	LevelWarning
	LevelInfo
	LevelDebug
	LevelVerbose // same as Debug but without repeat-line collapsing
)

// Tags identifying which phase of the build emitted a line.
const (
	Driver   = "DRIVER"
	Scan     = "SCAN"
	Hash     = "HASH"
	Diff     = "DIFF"
	Rename   = "RENAME"
	Fullfile = "FULLFILE"
	Delta    = "DELTA"
	Pack     = "PACK"
	Tar      = "TAR"
	BsDiff   = "BSDIFF"
)

var knownTags = map[string]bool{
	Driver: true, Scan: true, Hash: true, Diff: true, Rename: true,
	Fullfile: true, Delta: true, Pack: true, Tar: true, BsDiff: true,
}

var levelNames = map[int]string{
	LevelError:   "ERROR",
	LevelWarning: "WARNING",
	LevelInfo:    "INFO",
	LevelDebug:   "DEBUG",
	LevelVerbose: "VERBOSE",
}

var (
	level      = LevelInfo
	fileHandle *os.File
	toFile     bool
	lineLast   string
	lineCount  int
)

// SetLevel sets the minimum level that reaches the log sink, clamping out
// of range values instead of rejecting them.
func SetLevel(l int) {
	switch {
	case l < LevelError:
		level = LevelError
		logTag("WRN", Driver, "log level %d too low, forcing to %s", l, levelNames[level])
	case l > LevelVerbose:
		level = LevelVerbose
		logTag("WRN", Driver, "log level %d too high, forcing to %s", l, levelNames[level])
	default:
		level = l
	}
}

// SetOutputFile directs log output at logFile instead of the default
// stdlib logger destination, matching the make-packs --log-stdout flag's
// negation: when that flag is absent, cmd/make-packs calls this with a file
// under the state directory.
func SetOutputFile(logFile string) (*os.File, error) {
	f, err := os.OpenFile(logFile, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	fileHandle = f
	toFile = true
	return f, nil
}

// Close releases the log file opened by SetOutputFile, if any.
func Close() {
	if toFile && fileHandle != nil {
		if err := fileHandle.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: couldn't close log file: %s\n", err)
		}
	}
}

func logTag(levelTag, tag, format string, a ...interface{}) {
	if len(a) == 0 {
		format = strings.ReplaceAll(format, "%", "%%")
	}
	line := fmt.Sprintf("["+levelTag+"]["+tag+"] "+format+"\n", a...)

	if level >= LevelVerbose {
		log.Print(line)
		return
	}

	if line != lineLast {
		if lineCount > 0 {
			plural := ""
			if lineCount > 1 {
				plural = "s"
			}
			log.Printf("[%s] [Previous line repeated %d time%s]\n", levelTag, lineCount, plural)
		}
		log.Print(line)
		lineLast = line
		lineCount = 0
	} else {
		lineCount++
	}
}

func normalizeTag(tag string) string {
	if knownTags[tag] {
		return tag
	}
	return Driver
}

// Error logs at LevelError and always prints to stderr regardless of the
// configured level, since a build-invariant failure must be visible even
// with logging otherwise quiet.
func Error(tag, format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	logTag("ERROR", normalizeTag(tag), format, a...)
}

// Warning logs at LevelWarning, used for the non-fatal conditions spec.md
// §7 and §9 call out (discarded deltas, pruned rows).
func Warning(tag, format string, a ...interface{}) {
	if level < LevelWarning {
		return
	}
	logTag("WARNING", normalizeTag(tag), format, a...)
}

// Info logs at LevelInfo, the default level for phase-boundary progress
// lines ("scanning bundle os-core at version 20").
func Info(tag, format string, a ...interface{}) {
	if level < LevelInfo {
		return
	}
	logTag("INFO", normalizeTag(tag), format, a...)
}

// Debug logs at LevelDebug, collapsing repeats.
func Debug(tag, format string, a ...interface{}) {
	if level < LevelDebug {
		return
	}
	logTag("DEBUG", normalizeTag(tag), format, a...)
}

// Verbose logs at LevelVerbose, every line printed even if identical to
// the last (useful when diagnosing a worker-pool race).
func Verbose(tag, format string, a ...interface{}) {
	if level < LevelVerbose {
		return
	}
	logTag("VERBOSE", normalizeTag(tag), format, a...)
}
