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
	"github.com/krihaa/kernel-samples/internal/fs/fserrors"
)

////////////////////////////////////////////////////////////////////////
// Block mapping
////////////////////////////////////////////////////////////////////////

// ino2blk returns the disk block holding inode ino; 16 inodes per
// block, after the superblock and the two bitmaps.
func (f *FileSys) ino2blk(ino int) int {
	if ino < 0 || ino >= MaxInodes {
		return -1
	}
	perBlock := BlockSize / InodeSize
	return f.superBlockStart + BitmapBlocks + ino/perBlock + 1
}

// idx2blk returns the disk block of data-block index; the data region
// follows the superblock, the two bitmaps and the inode table.
func (f *FileSys) idx2blk(index int) int {
	if index < 0 || index >= NDataBlks {
		return -1
	}
	return f.superBlockStart + 1 + BitmapBlocks + InodeBlocks + index
}

////////////////////////////////////////////////////////////////////////
// Bitmap and inode persistence
////////////////////////////////////////////////////////////////////////

// saveBitmaps writes both bitmaps to disk.
func (f *FileSys) saveBitmaps() {
	f.modify(f.superBlockStart+1, 0, f.inodeBmap[:])
	f.modify(f.superBlockStart+2, 0, f.dblkBmap[:])
}

// loadBitmaps reads both bitmaps from disk.
func (f *FileSys) loadBitmaps() {
	f.readPart(f.superBlockStart+1, 0, f.inodeBmap[:])
	f.readPart(f.superBlockStart+2, 0, f.dblkBmap[:])
}

// saveInode writes inode id's disk part into the inode table.
func (f *FileSys) saveInode(id int) {
	f.modify(f.ino2blk(id), (id%16)*InodeSize, f.inodes[id].d.encode())
}

// loadInode reads inode id from disk and validates it: the size must be
// within bounds and every direct block it addresses must be in range
// and marked allocated in the data bitmap.
func (f *FileSys) loadInode(id int) int {
	buf := make([]byte, InodeSize)
	f.readPart(f.ino2blk(id), (id%16)*InodeSize, buf)
	f.inodes[id].d.decode(buf)

	size := int(f.inodes[id].d.Size)
	if size > int(f.super.MaxFilesize) {
		return fserrors.Error
	}
	for x := 0; x < size; x += BlockSize {
		blk := int(f.inodes[id].d.Direct[x/BlockSize])
		if blk < 0 || blk >= NDataBlks || !checkBit(blk, f.dblkBmap[:]) {
			return fserrors.Error
		}
	}

	f.inodes[id].openCount = 0
	f.inodes[id].pos = 0
	f.inodes[id].dirty = false
	f.inodes[id].inodeNum = id
	return fserrors.OK
}

////////////////////////////////////////////////////////////////////////
// Allocation
////////////////////////////////////////////////////////////////////////

// resizeInode grows or shrinks inode id to newSize bytes, allocating
// zero-filled data blocks for every slot the new size needs and freeing
// the slots beyond it. The resize is atomic: if the data bitmap runs out, blocks
// grabbed earlier in the same call are released and the inode is left
// as it was.
func (f *FileSys) resizeInode(id, newSize int) int {
	if newSize > int(f.super.MaxFilesize) {
		return fserrors.InodeTableFull
	}
	f.loadBitmaps()
	ino := &f.inodes[id]
	blocks := blocksFor(newSize)

	var grabbed []int
	for x := 0; x < InodeNDirect; x++ {
		if x < blocks {
			if ino.d.Direct[x] == -1 {
				e := getFreeEntry(f.dblkBmap[:])
				if e == -1 || e >= NDataBlks {
					if e != -1 {
						freeBitmapEntry(e, f.dblkBmap[:])
					}
					for _, g := range grabbed {
						freeBitmapEntry(int(ino.d.Direct[g]), f.dblkBmap[:])
						ino.d.Direct[g] = -1
					}
					return fserrors.Full
				}
				ino.d.Direct[x] = int16(e)
				f.modify(f.idx2blk(e), 0, make([]byte, BlockSize))
				grabbed = append(grabbed, x)
			}
		} else {
			if ino.d.Direct[x] != -1 {
				freeBitmapEntry(int(ino.d.Direct[x]), f.dblkBmap[:])
				ino.d.Direct[x] = -1
			}
		}
	}
	ino.d.Size = int32(newSize)
	f.saveBitmaps()
	f.saveInode(id)
	return fserrors.OK
}

// createInode allocates an inode, initialized as an empty file with no
// data blocks. The caller is responsible for saving it; create a file
// or directory through createFile/createDirectory rather than here.
func (f *FileSys) createInode() int {
	i := getFreeEntry(f.inodeBmap[:])
	if i < 0 || i >= MaxInodes {
		if i >= 0 {
			freeBitmapEntry(i, f.inodeBmap[:])
		}
		return fserrors.NoMoreInodes
	}
	f.saveBitmaps()
	ino := &f.inodes[i]
	ino.d.Type = TypeFile
	ino.d.Size = 0
	ino.d.Nlinks = 0
	for x := range ino.d.Direct {
		ino.d.Direct[x] = -1
	}
	ino.openCount = 0
	ino.pos = 0
	ino.dirty = true
	ino.inodeNum = i
	return i
}

// freeInode releases inode id and every data block it links to.
func (f *FileSys) freeInode(id int) {
	d := &f.inodes[id].d
	for x := 0; x < InodeNDirect; x++ {
		if d.Direct[x] != -1 {
			freeBitmapEntry(int(d.Direct[x]), f.dblkBmap[:])
		}
	}
	freeBitmapEntry(id, f.inodeBmap[:])
	f.saveBitmaps()
}

// reduceLinks drops one link from inode id, freeing it when no links
// remain. Directories are freed unconditionally: this filesystem does
// not hard-link them, so an unlinked directory is always dead.
func (f *FileSys) reduceLinks(id int) {
	d := &f.inodes[id].d
	d.Nlinks--
	if d.Nlinks == 0 || d.Nlinks == 0xff || d.Type == TypeDir {
		f.freeInode(id)
	} else {
		f.saveInode(id)
	}
}

////////////////////////////////////////////////////////////////////////
// Data-block I/O
////////////////////////////////////////////////////////////////////////

// dbRead reads up to size bytes of inode id's data starting at
// startPos into buffer, clipping at the current file size. The first
// and last blocks transfer partially; middle blocks are whole-block
// reads. Returns the number of bytes read.
func (f *FileSys) dbRead(id int, buffer []byte, size, startPos int) int {
	ino := &f.inodes[id]
	finishPos := size + startPos
	if finishPos > int(ino.d.Size) {
		finishPos = int(ino.d.Size)
	}
	if finishPos < 0 {
		return fserrors.Error
	}
	startBlock := startPos / BlockSize
	finishBlock := finishPos/BlockSize + 1

	read := 0
	for x := startBlock; x < finishBlock && read+startPos < int(ino.d.Size); x++ {
		switch {
		case x == startBlock:
			in := BlockSize - startPos%BlockSize
			if x+1 == finishBlock {
				in = finishPos - startPos
			}
			f.readPart(f.idx2blk(int(ino.d.Direct[x])), startPos%BlockSize, buffer[read:read+in])
			read += in
		case x+1 == finishBlock:
			in := (finishPos - startPos) - read
			f.readPart(f.idx2blk(int(ino.d.Direct[x])), 0, buffer[read:read+in])
			read += in
		default:
			f.readPart(f.idx2blk(int(ino.d.Direct[x])), 0, buffer[read:read+BlockSize])
			read += BlockSize
		}
	}
	return read
}

// dbWrite writes size bytes from buffer into inode id at startPos. The
// inode is first resized to the end of the write, clipped to the
// maximum file size, so writes both extend and truncate; callers that
// rewrite a directory shrink it this way. Returns the number of bytes
// written, or the resize failure.
func (f *FileSys) dbWrite(id int, buffer []byte, size, startPos int) int {
	ino := &f.inodes[id]
	startBlock := startPos / BlockSize
	finishPos := size + startPos
	finishBlock := finishPos/BlockSize + 1
	if finishPos > int(f.super.MaxFilesize) {
		finishPos = int(f.super.MaxFilesize)
	}
	if r := f.resizeInode(id, finishPos); r != fserrors.OK {
		return r
	}

	written := 0
	for x := startBlock; x < finishBlock && startPos+written < int(ino.d.Size); x++ {
		switch {
		case x == startBlock:
			in := BlockSize - startPos%BlockSize
			if x+1 == finishBlock {
				in = finishPos - startPos
			}
			f.modify(f.idx2blk(int(ino.d.Direct[x])), startPos%BlockSize, buffer[written:written+in])
			written += in
		case x+1 == finishBlock:
			in := (finishPos - startPos) - written
			f.modify(f.idx2blk(int(ino.d.Direct[x])), 0, buffer[written:written+in])
			written += in
		default:
			f.modify(f.idx2blk(int(ino.d.Direct[x])), 0, buffer[written:written+BlockSize])
			written += BlockSize
		}
	}
	return written
}
