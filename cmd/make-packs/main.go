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

// Command make-packs assembles the update pack (deltas plus any fullfiles
// that beat their delta) one bundle needs to go from one version to
// another.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/clearfoundry/swupd-repo/internal/buildlog"
	"github.com/clearfoundry/swupd-repo/internal/pack"
	"github.com/clearfoundry/swupd-repo/internal/repostate"
	"github.com/clearfoundry/swupd-repo/internal/worker"
	"github.com/spf13/cobra"
)

var flags struct {
	stateDir   string
	contentURL string
	logStdout  bool
}

var rootCmd = &cobra.Command{
	Use:   "make-packs FROM TO BUNDLE",
	Short: "Assemble an update pack for one bundle between two versions",
	Args:  cobra.ExactArgs(3),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.stateDir, "statedir", ".", "state directory holding server.ini")
	rootCmd.Flags().StringVar(&flags.contentURL, "content-url", "", "base URL to fetch missing originals from, for delta creation on a machine without local full/ trees")
	rootCmd.Flags().BoolVar(&flags.logStdout, "log-stdout", false, "write log lines to stdout instead of make-packs.log")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	from, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid FROM %q: %w", args[0], err)
	}
	to, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid TO %q: %w", args[1], err)
	}
	bundle := args[2]

	cfg, err := repostate.Load(flags.stateDir)
	if err != nil {
		return err
	}

	var noDownload bool
	if bundles, gerr := repostate.LoadGroups(flags.stateDir); gerr == nil {
		for _, b := range bundles {
			if b.Name == bundle {
				noDownload = b.NoDownload
				break
			}
		}
	}

	if !flags.logStdout {
		if _, err := buildlog.SetOutputFile(filepath.Join(flags.stateDir, "make-packs.log")); err != nil {
			return err
		}
		defer buildlog.Close()
	} else {
		log.SetOutput(os.Stdout)
	}

	stageDir, err := os.MkdirTemp("", "pack-"+bundle+"-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	outputTar := filepath.Join(cfg.OutputDir, args[1], fmt.Sprintf("pack-%s-from-%d.tar", bundle, from))
	entries, err := pack.Build(bundle, uint32(from), uint32(to), pack.Paths{
		OutputDir:  cfg.OutputDir,
		ImageBase:  cfg.ImageBase,
		StageDir:   stageDir,
		ContentURL: flags.contentURL,
		NoDownload: noDownload,
	}, worker.NumThreads(1.0), outputTar)
	if err != nil {
		return err
	}

	var delta, full int
	for _, e := range entries {
		switch e.State {
		case pack.PackedDelta:
			delta++
		case pack.PackedFullfile:
			full++
		}
	}
	fmt.Printf("pack %s from %d to %d: %d delta, %d fullfile, %d unchanged\n", bundle, from, to, delta, full, len(entries)-delta-full)
	return nil
}
