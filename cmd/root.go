// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cmd wires the kos command-line interface: createimage, mkfs,
// fsck and demo over a shared config surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/krihaa/kernel-samples/cfg"
	"github.com/krihaa/kernel-samples/internal/logger"
)

var (
	cfgFile string
	v       = viper.New()
	config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "kos",
	Short: "Build, format and boot the teaching-kernel disk image",
	Long: `kos bundles the host-side tooling of a small teaching operating
system: an ELF boot-image builder, a formatter and checker for its inode
filesystem, and a simulator that boots the kernel (scheduler, paging,
mailboxes, filesystem) against a disk image.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		var err error
		config, err = cfg.Load(v)
		if err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		return logger.Init(logger.Config{
			Severity:   config.Logging.Severity,
			Format:     config.Logging.Format,
			FilePath:   config.Logging.FilePath,
			MaxSizeMB:  config.Logging.MaxSizeMB,
			MaxBackups: config.Logging.MaxBackups,
			Compress:   config.Logging.Compress,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file.")
	if err := cfg.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
