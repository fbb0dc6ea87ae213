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

// Command create-update runs one driver build: scan, diff, and write the
// manifests and fullfiles for a new OS version.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/clearfoundry/swupd-repo/internal/driver"
	"github.com/clearfoundry/swupd-repo/internal/repostate"
	"github.com/spf13/cobra"
)

var flags struct {
	stateDir   string
	osVersion  uint32
	minVersion uint32
	format     uint
	getFormat  bool
}

var rootCmd = &cobra.Command{
	Use:   "create-update",
	Short: "Build manifests and fullfiles for one OS version",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.stateDir, "statedir", ".", "state directory holding server.ini and groups.ini")
	rootCmd.Flags().Uint32Var(&flags.osVersion, "osversion", 0, "version number to build")
	rootCmd.Flags().Uint32Var(&flags.minVersion, "minversion", 0, "oldest version clients may diff against")
	rootCmd.Flags().UintVar(&flags.format, "format", 1, "format number for this build")
	rootCmd.Flags().BoolVar(&flags.getFormat, "getformat", false, "print the active format for statedir and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := repostate.Load(flags.stateDir)
	if err != nil {
		return err
	}

	if flags.getFormat {
		format, err := repostate.ReadFormat(cfg.OutputDir)
		if err != nil {
			return err
		}
		fmt.Println(format)
		return nil
	}

	if flags.osVersion == 0 {
		return fmt.Errorf("--osversion is required")
	}

	bundles, err := repostate.LoadGroups(flags.stateDir)
	if err != nil {
		return err
	}

	oldVersion, err := repostate.ReadLastVersion(filepath.Join(cfg.OutputDir, "latest_version"))
	if err != nil {
		oldVersion = cfg.InitialVersion
	}

	minVersion := flags.minVersion
	if minVersion == 0 {
		minVersion = cfg.InitialVersion
	}

	result, err := driver.Run(driver.Request{
		Config:     cfg,
		Bundles:    bundles,
		OldVersion: oldVersion,
		NewVersion: flags.osVersion,
		MinVersion: minVersion,
		Format:     flags.format,
	})
	if err != nil {
		log.Printf("ERROR: %s", err)
		return err
	}

	written := 0
	for _, changed := range result.BundleChanged {
		if changed {
			written++
		}
	}
	fmt.Printf("wrote %d bundle manifests, full last_change %d\n", written, result.FullLastChange)
	return nil
}
