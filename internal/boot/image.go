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

// Package boot builds bootable disk images: a 512-byte boot sector
// followed by the kernel, both extracted from 32-bit ELF executables,
// with the kernel's size in sectors patched into the boot sector.
package boot

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/renameio"
)

const (
	// SectorSize is the boot device sector size in bytes.
	SectorSize = 512

	// OSSizeLoc is the byte offset inside the boot sector where the
	// kernel's sector count is patched in, as a 32-bit little-endian
	// word.
	OSSizeLoc = 2

	// BootMemLoc is where the BIOS loads the boot sector.
	BootMemLoc = 0x7C00

	// OSMemLoc is where the boot sector loads the kernel.
	OSMemLoc = 0x8000
)

// Builder assembles boot images.
type Builder struct {
	// Output is the image path; "image" when empty.
	Output string

	// Extended turns on per-segment debug output.
	Extended bool

	// Log receives progress output; io.Discard when nil.
	Log io.Writer
}

// segment is one loadable piece of an executable, already padded from
// its file size to its memory size.
type segment struct {
	data []byte
}

// Build reads the bootblock and kernel executables and writes the
// image. The bootblock's loadable segments must total exactly one
// sector.
func (b *Builder) Build(bootblock, kernelPath string) error {
	out := b.Output
	if out == "" {
		out = "image"
	}
	log := b.Log
	if log == nil {
		log = io.Discard
	}

	fmt.Fprintf(log, "0x%x  %s\n", BootMemLoc, bootblock)
	bootSegs, bootSize, err := b.parseFile(log, bootblock)
	if err != nil {
		return fmt.Errorf("bootblock: %w", err)
	}
	fmt.Fprintf(log, "0x%x  %s\n", OSMemLoc, kernelPath)
	kernelSegs, kernelSize, err := b.parseFile(log, kernelPath)
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	if bootSize != SectorSize {
		return fmt.Errorf("bootblock is %d bytes, want exactly %d", bootSize, SectorSize)
	}
	if kernelSize <= 0 {
		return fmt.Errorf("kernel has no loadable segments")
	}

	var image []byte
	for _, s := range bootSegs {
		image = append(image, s.data...)
	}
	for _, s := range kernelSegs {
		image = append(image, s.data...)
	}

	// Round the kernel up to whole sectors.
	if kernelSize%SectorSize != 0 {
		rem := SectorSize - kernelSize%SectorSize
		if b.Extended {
			fmt.Fprintf(log, "padding os with: %d bytes\n", rem)
		}
		image = append(image, make([]byte, rem)...)
	}
	osSize := kernelSize / SectorSize
	if kernelSize%SectorSize != 0 {
		osSize++
	}
	if b.Extended {
		fmt.Fprintf(log, "os_size: %d\n", osSize)
	}

	// Tell the boot sector how many sectors to pull in.
	binary.LittleEndian.PutUint32(image[OSSizeLoc:], uint32(osSize))

	if err := renameio.WriteFile(out, image, 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// parseFile extracts the loadable segments of a 32-bit ELF executable.
// Each segment is returned at its memory size, zero-padded past its
// file size.
func (b *Builder) parseFile(log io.Writer, filename string) ([]segment, int, error) {
	f, err := elf.Open(filename)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, 0, fmt.Errorf("%s: not a 32-bit ELF executable", filename)
	}

	var segments []segment
	memSize := 0
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if b.Extended {
			fmt.Fprintf(log, "%10s %d\n", "Segment:", i)
			fmt.Fprintf(log, "%20s %d%10s %d\n", "memsz:", prog.Memsz, "filesz:", prog.Filesz)
			fmt.Fprintf(log, "%20s %d%10s %d\n", "offset:", prog.Off, "vaddr:", prog.Vaddr)
		}
		data := make([]byte, prog.Memsz)
		if _, err := io.ReadFull(prog.Open(), data[:prog.Filesz]); err != nil {
			return nil, 0, fmt.Errorf("%s: segment %d: %w", filename, i, err)
		}
		segments = append(segments, segment{data: data})
		memSize += int(prog.Memsz)
	}
	return segments, memSize, nil
}
