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

package boot_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krihaa/kernel-samples/internal/boot"
)

// elfSegment describes one PT_LOAD segment of a synthetic executable.
type elfSegment struct {
	data  []byte
	memsz uint32
}

// writeELF32 emits a minimal 32-bit little-endian ELF executable whose
// program headers carry the given segments, in order.
func writeELF32(t *testing.T, path string, segs []elfSegment) {
	t.Helper()

	const ehsize = 52
	const phentsize = 32
	phoff := uint32(ehsize)
	dataOff := phoff + uint32(len(segs))*phentsize

	var buf bytes.Buffer

	// ELF header.
	ident := [16]byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1 /* LE */, 1}
	buf.Write(ident[:])
	le := binary.LittleEndian
	w16 := func(v uint16) { _ = binary.Write(&buf, le, v) }
	w32 := func(v uint32) { _ = binary.Write(&buf, le, v) }
	w16(2)           // e_type: EXEC
	w16(3)           // e_machine: 386
	w32(1)           // e_version
	w32(0)           // e_entry
	w32(phoff)       // e_phoff
	w32(0)           // e_shoff
	w32(0)           // e_flags
	w16(ehsize)      // e_ehsize
	w16(phentsize)   // e_phentsize
	w16(uint16(len(segs))) // e_phnum
	w16(0)           // e_shentsize
	w16(0)           // e_shnum
	w16(0)           // e_shstrndx

	// Program headers.
	off := dataOff
	for _, s := range segs {
		w32(1) // PT_LOAD
		w32(off)
		w32(0) // vaddr
		w32(0) // paddr
		w32(uint32(len(s.data)))
		w32(s.memsz)
		w32(5) // flags: R+X
		w32(0) // align
		off += uint32(len(s.data))
	}

	// Segment contents.
	for _, s := range segs {
		buf.Write(s.data)
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestBuild_ImageLayout(t *testing.T) {
	dir := t.TempDir()
	bootPath := filepath.Join(dir, "bootblock")
	kernelPath := filepath.Join(dir, "kernel")
	out := filepath.Join(dir, "image")

	bootData := bytes.Repeat([]byte{0xEB}, boot.SectorSize)
	writeELF32(t, bootPath, []elfSegment{{data: bootData, memsz: boot.SectorSize}})

	// Two kernel segments: one padded from filesz 100 to memsz 300,
	// one fully backed.
	seg1 := bytes.Repeat([]byte{'K'}, 100)
	seg2 := bytes.Repeat([]byte{'L'}, 50)
	writeELF32(t, kernelPath, []elfSegment{
		{data: seg1, memsz: 300},
		{data: seg2, memsz: 50},
	})

	var log bytes.Buffer
	b := &boot.Builder{Output: out, Extended: true, Log: &log}
	require.NoError(t, b.Build(bootPath, kernelPath))

	image, err := os.ReadFile(out)
	require.NoError(t, err)

	// Bootblock + kernel (350 bytes) rounded up to one sector.
	require.Len(t, image, 2*boot.SectorSize)

	// The boot sector is intact except for the patched sector count.
	assert.Equal(t, bootData[:boot.OSSizeLoc], image[:boot.OSSizeLoc])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(image[boot.OSSizeLoc:]))
	assert.Equal(t, bootData[boot.OSSizeLoc+4:], image[boot.OSSizeLoc+4:boot.SectorSize])

	// Kernel segment 1: 100 content bytes, then zeros to memsz 300.
	assert.Equal(t, seg1, image[512:612])
	assert.Equal(t, make([]byte, 200), image[612:812])

	// Kernel segment 2 follows immediately; the rest is sector padding.
	assert.Equal(t, seg2, image[812:862])
	assert.Equal(t, make([]byte, 1024-862), image[862:])

	assert.Contains(t, log.String(), "os_size: 1")
	assert.Contains(t, log.String(), "padding os with: 162 bytes")
}

func TestBuild_MultiSectorKernelCount(t *testing.T) {
	dir := t.TempDir()
	bootPath := filepath.Join(dir, "bootblock")
	kernelPath := filepath.Join(dir, "kernel")
	out := filepath.Join(dir, "image")

	writeELF32(t, bootPath, []elfSegment{
		{data: make([]byte, boot.SectorSize), memsz: boot.SectorSize},
	})
	// 1200 bytes of kernel -> 3 sectors.
	writeELF32(t, kernelPath, []elfSegment{
		{data: bytes.Repeat([]byte{1}, 1200), memsz: 1200},
	})

	b := &boot.Builder{Output: out}
	require.NoError(t, b.Build(bootPath, kernelPath))

	image, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, image, 4*boot.SectorSize)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(image[boot.OSSizeLoc:]))
}

func TestBuild_RejectsOversizedBootblock(t *testing.T) {
	dir := t.TempDir()
	bootPath := filepath.Join(dir, "bootblock")
	kernelPath := filepath.Join(dir, "kernel")

	writeELF32(t, bootPath, []elfSegment{
		{data: make([]byte, boot.SectorSize+4), memsz: boot.SectorSize + 4},
	})
	writeELF32(t, kernelPath, []elfSegment{
		{data: make([]byte, 100), memsz: 100},
	})

	b := &boot.Builder{Output: filepath.Join(dir, "image")}
	assert.Error(t, b.Build(bootPath, kernelPath))
}

func TestBuild_RejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	b := &boot.Builder{Output: filepath.Join(dir, "image")}
	assert.Error(t, b.Build(filepath.Join(dir, "nope"), filepath.Join(dir, "nope2")))
}
