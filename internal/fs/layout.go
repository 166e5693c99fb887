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

package fs

import (
	"encoding/binary"

	"github.com/krihaa/kernel-samples/internal/blockdev"
)

// On-disk geometry. The filesystem occupies FSBlocks contiguous blocks
// starting at the superblock:
//
//	+0                  superblock
//	+1                  inode bitmap
//	+2                  data-block bitmap
//	+3 .. +3+INODE_BLOCKS-1   inode table, 16 inodes per block
//	+3+INODE_BLOCKS ..  data region, indexed 0..ndata_blks-1
const (
	// BlockSize is the filesystem block size; one disk sector.
	BlockSize = blockdev.BlockSize

	// FSBlocks is the total size of the filesystem in blocks.
	FSBlocks = 2048

	// MaxInodes bounds the inode table, on disk and in memory.
	MaxInodes = 512

	// InodeBlocks is the size of the on-disk inode table.
	InodeBlocks = 32

	// BitmapBlocks is the number of bitmap blocks (inode + data).
	BitmapBlocks = 2

	// BitmapEntries is the number of bytes actually used in each
	// 512-byte bitmap block.
	BitmapEntries = 256

	// InodeSize is the on-disk inode size; 16 inodes fit a block.
	InodeSize = 32

	// InodeNDirect is the number of direct block slots per inode.
	// There are no indirect blocks: MaxFilesize is chosen to fit.
	InodeNDirect = 8

	// MaxFilesize is the largest file the inode layout can address.
	MaxFilesize = 4096

	// NDataBlks is the size of the data region in blocks.
	NDataBlks = FSBlocks - InodeBlocks - BitmapBlocks - 1

	// MaxFilenameLen is the dirent name field size, terminator
	// included.
	MaxFilenameLen = 28

	// MaxPathLen bounds path arguments.
	MaxPathLen = 256

	// DirentSize is the fixed size of a directory entry on disk.
	DirentSize = MaxFilenameLen + 4
)

// Inode types.
const (
	TypeFile = 1
	TypeDir  = 2
)

// Open modes. Creat may be or'ed into any of the access modes.
const (
	ModeUnused = 0
	ModeRdonly = 1 << 0
	ModeWronly = 1 << 1
	ModeRdwr   = 1 << 2
	ModeCreat  = 1 << 3
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

////////////////////////////////////////////////////////////////////////
// Superblock
////////////////////////////////////////////////////////////////////////

// superblock is the first block of the filesystem. All fields
// little-endian on disk.
type superblock struct {
	Ninodes     uint32
	NdataBlks   uint32
	MaxFilesize uint32
	RootInode   int32
}

const superblockSize = 16

func (s *superblock) encode() []byte {
	b := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(b[0:], s.Ninodes)
	binary.LittleEndian.PutUint32(b[4:], s.NdataBlks)
	binary.LittleEndian.PutUint32(b[8:], s.MaxFilesize)
	binary.LittleEndian.PutUint32(b[12:], uint32(s.RootInode))
	return b
}

func (s *superblock) decode(b []byte) {
	s.Ninodes = binary.LittleEndian.Uint32(b[0:])
	s.NdataBlks = binary.LittleEndian.Uint32(b[4:])
	s.MaxFilesize = binary.LittleEndian.Uint32(b[8:])
	s.RootInode = int32(binary.LittleEndian.Uint32(b[12:]))
}

////////////////////////////////////////////////////////////////////////
// Disk inode
////////////////////////////////////////////////////////////////////////

// diskInode is the persistent part of an inode, 32 bytes on disk:
// type, nlinks, size, and the direct block slots (-1 means
// unallocated), followed by reserved padding.
type diskInode struct {
	Type   byte
	Nlinks byte
	Size   int32
	Direct [InodeNDirect]int16
}

func (d *diskInode) encode() []byte {
	b := make([]byte, InodeSize)
	b[0] = d.Type
	b[1] = d.Nlinks
	binary.LittleEndian.PutUint32(b[2:], uint32(d.Size))
	for i, blk := range d.Direct {
		binary.LittleEndian.PutUint16(b[6+2*i:], uint16(blk))
	}
	return b
}

func (d *diskInode) decode(b []byte) {
	d.Type = b[0]
	d.Nlinks = b[1]
	d.Size = int32(binary.LittleEndian.Uint32(b[2:]))
	for i := range d.Direct {
		d.Direct[i] = int16(binary.LittleEndian.Uint16(b[6+2*i:]))
	}
}

// blocksFor returns how many data blocks back a file of the given size,
// the way resize allocates them.
func blocksFor(size int) int {
	return size/BlockSize + 1
}

////////////////////////////////////////////////////////////////////////
// Memory inode
////////////////////////////////////////////////////////////////////////

// memInode wraps a disk inode with its transient state. pos is a
// per-inode seek offset: every descriptor open on the inode shares it.
type memInode struct {
	d         diskInode
	openCount int
	pos       int
	dirty     bool
	inodeNum  int
}

////////////////////////////////////////////////////////////////////////
// Directory entry
////////////////////////////////////////////////////////////////////////

// dirent is a fixed-size directory record: a null-terminated name and
// the inode it references. A directory's data is a packed array of
// these; its size is always a multiple of DirentSize.
type dirent struct {
	Name  [MaxFilenameLen]byte
	Inode int32
}

func makeDirent(name string, inode int) (e dirent) {
	n := len(name) + 1
	if n > MaxFilenameLen {
		n = MaxFilenameLen
	}
	copy(e.Name[:], name[:n-1])
	e.Name[n-1] = 0
	e.Inode = int32(inode)
	return
}

func (e *dirent) name() string {
	for i, b := range e.Name {
		if b == 0 {
			return string(e.Name[:i])
		}
	}
	return string(e.Name[:])
}

func (e *dirent) encode() []byte {
	b := make([]byte, DirentSize)
	copy(b, e.Name[:])
	binary.LittleEndian.PutUint32(b[MaxFilenameLen:], uint32(e.Inode))
	return b
}

func (e *dirent) decode(b []byte) {
	copy(e.Name[:], b)
	e.Inode = int32(binary.LittleEndian.Uint32(b[MaxFilenameLen:]))
}

func decodeDirents(b []byte) []dirent {
	entries := make([]dirent, len(b)/DirentSize)
	for i := range entries {
		entries[i].decode(b[i*DirentSize:])
	}
	return entries
}

func encodeDirents(entries []dirent) []byte {
	b := make([]byte, 0, len(entries)*DirentSize)
	for i := range entries {
		b = append(b, entries[i].encode()...)
	}
	return b
}
