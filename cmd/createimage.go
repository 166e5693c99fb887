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

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/krihaa/kernel-samples/internal/boot"
)

var imageExtended bool

var createimageCmd = &cobra.Command{
	Use:   "createimage <bootblock> <kernel>",
	Short: "Build a bootable disk image from ELF executables",
	Long: `createimage concatenates the 512-byte bootblock with the kernel's
loadable segments (padded from file size to memory size), rounds the
kernel up to whole sectors, and patches the kernel's sector count into
the boot sector.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b := &boot.Builder{
			Output:   config.Disk.Image,
			Extended: imageExtended,
			Log:      cmd.OutOrStdout(),
		}
		return b.Build(args[0], args[1])
	},
}

func init() {
	createimageCmd.Flags().BoolVar(&imageExtended, "extended", false, "Print per-segment debug info.")
	rootCmd.AddCommand(createimageCmd)
}
