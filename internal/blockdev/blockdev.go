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

// Package blockdev provides the storage primitives the kernel consumes:
// block-addressed partial reads and writes for the filesystem, and raw
// sector transfers for the pager. Blocks and sectors are the same 512
// bytes; the two views exist because the filesystem thinks in blocks
// relative to its layout while the pager thinks in absolute sectors of
// the process image.
package blockdev

import (
	"fmt"
	"os"
)

// BlockSize is the device block (and sector) size in bytes.
const BlockSize = 512

// Device is a sector-addressable disk.
type Device interface {
	// ReadPart reads len(dst) bytes from the given block starting at
	// offset bytes into it. The range may span block boundaries.
	ReadPart(block, offset int, dst []byte) error

	// Modify writes src into the given block starting at offset bytes
	// into it.
	Modify(block, offset int, src []byte) error

	// ReadSectors reads count sectors starting at sector into dst.
	ReadSectors(sector, count int, dst []byte) error

	// WriteSectors writes count sectors from src starting at sector.
	WriteSectors(sector, count int, src []byte) error

	// Sectors returns the device size in sectors.
	Sectors() int
}

////////////////////////////////////////////////////////////////////////
// File-backed device
////////////////////////////////////////////////////////////////////////

// FileDevice is a Device stored in a disk-image file.
type FileDevice struct {
	f       *os.File
	sectors int
}

var _ Device = &FileDevice{}

// OpenFile opens (creating if needed) a disk image holding the given
// number of sectors, growing the file to full size up front.
func OpenFile(path string, sectors int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open disk image: %w", err)
	}
	if err := f.Truncate(int64(sectors) * BlockSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size disk image: %w", err)
	}
	return &FileDevice{f: f, sectors: sectors}, nil
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) Sectors() int {
	return d.sectors
}

func (d *FileDevice) ReadPart(block, offset int, dst []byte) error {
	if err := d.check(block, offset, len(dst)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(dst, int64(block)*BlockSize+int64(offset))
	return err
}

func (d *FileDevice) Modify(block, offset int, src []byte) error {
	if err := d.check(block, offset, len(src)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(src, int64(block)*BlockSize+int64(offset))
	return err
}

func (d *FileDevice) ReadSectors(sector, count int, dst []byte) error {
	return d.ReadPart(sector, 0, dst[:count*BlockSize])
}

func (d *FileDevice) WriteSectors(sector, count int, src []byte) error {
	return d.Modify(sector, 0, src[:count*BlockSize])
}

func (d *FileDevice) check(block, offset, n int) error {
	if block < 0 || offset < 0 || n < 0 ||
		int64(block)*BlockSize+int64(offset)+int64(n) > int64(d.sectors)*BlockSize {
		return fmt.Errorf("blockdev: access outside device: block %d offset %d len %d", block, offset, n)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Memory-backed device
////////////////////////////////////////////////////////////////////////

// MemDevice is a Device held in memory, for tests and scratch images.
type MemDevice struct {
	data []byte
}

var _ Device = &MemDevice{}

// NewMem returns a zeroed in-memory device of the given sector count.
func NewMem(sectors int) *MemDevice {
	return &MemDevice{data: make([]byte, sectors*BlockSize)}
}

func (d *MemDevice) Sectors() int {
	return len(d.data) / BlockSize
}

func (d *MemDevice) ReadPart(block, offset int, dst []byte) error {
	start := block*BlockSize + offset
	if start < 0 || start+len(dst) > len(d.data) {
		return fmt.Errorf("blockdev: access outside device: block %d offset %d len %d", block, offset, len(dst))
	}
	copy(dst, d.data[start:])
	return nil
}

func (d *MemDevice) Modify(block, offset int, src []byte) error {
	start := block*BlockSize + offset
	if start < 0 || start+len(src) > len(d.data) {
		return fmt.Errorf("blockdev: access outside device: block %d offset %d len %d", block, offset, len(src))
	}
	copy(d.data[start:], src)
	return nil
}

func (d *MemDevice) ReadSectors(sector, count int, dst []byte) error {
	return d.ReadPart(sector, 0, dst[:count*BlockSize])
}

func (d *MemDevice) WriteSectors(sector, count int, src []byte) error {
	return d.Modify(sector, 0, src[:count*BlockSize])
}
