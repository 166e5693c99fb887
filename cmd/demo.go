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

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/krihaa/kernel-samples/internal/fs"
	"github.com/krihaa/kernel-samples/internal/fs/fserrors"
	"github.com/krihaa/kernel-samples/internal/kernel"
	"github.com/krihaa/kernel-samples/internal/logger"
	"github.com/krihaa/kernel-samples/internal/mbox"
	"github.com/krihaa/kernel-samples/internal/vm"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Boot the simulated kernel and run the bundled workload",
	Long: `demo boots the kernel against the configured disk image and runs a
small workload: a producer/consumer pair over mailbox 0, a filesystem
smoke test, and a demand-paged process touching its code pages.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openImage()
		if err != nil {
			return err
		}
		defer dev.Close()

		clock := timeutil.RealClock()
		k := kernel.New(clock)
		boxes := mbox.New(k)
		mem := vm.NewManager(k, dev, clock)
		mem.InitMemory()

		fsys := fs.New(dev, superBlockStart())
		fsys.Init()

		// Producer/consumer over mailbox 0. The consumer opens first so
		// the producer's close cannot reclaim the box under the queued
		// messages.
		payloads := [][]byte{
			[]byte("ping"),
			[]byte("a somewhat longer message body"),
			[]byte("done"),
		}
		k.Spawn(func(p *kernel.Proc) {
			q := boxes.Open(p, 0)
			var m mbox.Message
			for range payloads {
				boxes.Recv(p, q, &m)
				logger.Infof("demo: received %q", m.Payload())
			}
			boxes.Close(p, q)
		})
		k.Spawn(func(p *kernel.Proc) {
			q := boxes.Open(p, 0)
			for _, body := range payloads {
				boxes.Send(p, q, mbox.NewMessage(body))
			}
			boxes.Close(p, q)
		})

		// Filesystem smoke test in a kernel thread.
		k.SpawnThread(func(p *kernel.Proc) {
			fd := fsys.Open(p, "hello.txt", fs.ModeCreat|fs.ModeRdwr)
			if fd < 0 {
				logger.Errorf("demo: open failed: %v", fserrors.AsError(fd))
				return
			}
			fsys.Write(p, fd, []byte("hello from the demo workload"))
			fsys.Lseek(p, fd, 0, fs.SeekSet)
			buf := make([]byte, 64)
			n := fsys.Read(p, fd, buf)
			logger.Infof("demo: file readback: %q", buf[:n])
			fsys.Close(p, fd)

			fsys.Mkdir(p, "docs")
			if fsys.Chdir(p, "docs") == fserrors.OK {
				fsys.Chdir(p, "..")
			}
		})

		// A demand-paged process: set up its page tables against the
		// image and fault its first code page in.
		loaded := k.Spawn(func(p *kernel.Proc) {
			p.FaultAddr = vm.ProcessEntry
			p.ErrorCode = 0
			mem.PageFault(p)
			logger.Infof("demo: PID %d paged in its entry page (%d faults)",
				p.PID(), p.PageFaultCount)
		})
		loaded.SwapLoc = 2
		loaded.SwapSize = uint32(config.Disk.OSSectors)
		if loaded.SwapSize == 0 {
			loaded.SwapSize = vm.SectorsPerPage
		}
		mem.SetupPageTable(loaded)

		if err := k.Run(); err != nil {
			return err
		}

		stats := k.SwitchStats()
		fmt.Fprintf(cmd.OutOrStdout(), "demo finished after %d context switches\n",
			stats.Switches())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}
