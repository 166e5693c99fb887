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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/krihaa/kernel-samples/internal/blockdev"
	"github.com/krihaa/kernel-samples/internal/fs"
)

// superBlockStart places the filesystem at block 2 + kernel sectors:
// past the boot sector and the kernel, with one unused block between.
func superBlockStart() int {
	return 2 + config.Disk.OSSectors
}

// openImage opens the configured disk image, sized to hold the kernel
// area plus the filesystem.
func openImage() (*blockdev.FileDevice, error) {
	return blockdev.OpenFile(config.Disk.Image, superBlockStart()+fs.FSBlocks)
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Format the disk image with an empty filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openImage()
		if err != nil {
			return err
		}
		defer dev.Close()

		fsys := fs.New(dev, superBlockStart())
		fsys.Mkfs()
		inodes, blocks := fsys.UsedCounts()
		fmt.Fprintf(cmd.OutOrStdout(),
			"formatted %s: %d inodes in use, %d data blocks in use\n",
			config.Disk.Image, inodes, blocks)
		return nil
	},
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Mount the disk image, validate its inodes, report usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openImage()
		if err != nil {
			return err
		}
		defer dev.Close()

		fsys := fs.New(dev, superBlockStart())
		fsys.Init()
		inodes, blocks := fsys.UsedCounts()
		fmt.Fprintf(cmd.OutOrStdout(),
			"inodes in use: %d\ndata blocks in use: %d\n", inodes, blocks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(fsckCmd)
}
