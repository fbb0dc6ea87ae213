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

// Command make-fullfiles (re)builds the per-digest fullfile archives for
// one already-built version, useful for repairing an output tree without
// rerunning the full driver.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/clearfoundry/swupd-repo/internal/fullfile"
	"github.com/clearfoundry/swupd-repo/internal/repostate"
	"github.com/clearfoundry/swupd-repo/internal/worker"
	"github.com/clearfoundry/swupd-repo/manifest"
	"github.com/spf13/cobra"
)

var flags struct {
	stateDir string
}

var rootCmd = &cobra.Command{
	Use:   "make-fullfiles VERSION",
	Short: "Rebuild fullfile archives for one version's full manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.stateDir, "statedir", ".", "state directory holding server.ini")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid VERSION %q: %w", args[0], err)
	}

	cfg, err := repostate.Load(flags.stateDir)
	if err != nil {
		return err
	}

	versionDir := filepath.Join(cfg.OutputDir, args[0])
	m, err := manifest.ParseFile(filepath.Join(versionDir, "Manifest.full"))
	if err != nil {
		return err
	}

	fullRoot := filepath.Join(cfg.ImageBase, args[0], "full")
	stats, err := fullfile.Create(m, fullRoot, filepath.Join(versionDir, "files"), worker.NumThreads(1.0))
	if err != nil {
		return err
	}

	fmt.Printf("version %d: %d skipped, %d uncompressed\n", uint32(version), stats.Skipped, stats.NotCompressed)
	return nil
}
