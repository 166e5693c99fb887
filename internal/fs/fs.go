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

// Package fs implements the inode filesystem: superblock, inode and
// data bitmaps, a fixed inode table, directories with hard links,
// per-process file descriptors and path resolution, over a 512-byte
// block device.
//
// The syscall surface follows the kernel convention: non-negative
// return values are success (a descriptor, an inode number, a byte
// count) and negative values are fserrors codes.
package fs

import (
	"encoding/binary"

	"github.com/jacobsa/syncutil"
	"github.com/krihaa/kernel-samples/internal/blockdev"
	"github.com/krihaa/kernel-samples/internal/fs/fserrors"
	"github.com/krihaa/kernel-samples/internal/kernel"
	"github.com/krihaa/kernel-samples/internal/logger"
)

// FileSys is a mounted (or mountable) filesystem.
type FileSys struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev blockdev.Device

	/////////////////////////
	// Constant data
	/////////////////////////

	// superBlockStart is the absolute disk block of the superblock:
	// boot block + kernel sectors precede the filesystem.
	superBlockStart int

	/////////////////////////
	// Mutable state
	/////////////////////////

	// One filesystem-wide lock serializes every call; there is
	// deliberately no finer locking. In the simulated kernel a
	// filesystem call never reschedules while holding it.
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	super superblock

	// GUARDED_BY(mu)
	inodeBmap [BitmapEntries]byte
	dblkBmap  [BitmapEntries]byte

	// The in-memory inode table, indexed by inode number.
	//
	// INVARIANT: for every set inode-bitmap bit b, inodes[b] holds a
	// decoded inode whose allocated direct slots form a prefix sized to
	// d.Size, every one marked in the data bitmap
	//
	// GUARDED_BY(mu)
	inodes [MaxInodes]memInode

	// GUARDED_BY(mu)
	mounted bool
}

// New creates a filesystem handle for a device whose filesystem area
// starts at the given block (2 + kernel sectors for a bootable disk).
func New(dev blockdev.Device, superBlockStart int) *FileSys {
	f := &FileSys{
		dev:             dev,
		superBlockStart: superBlockStart,
	}
	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f
}

// device helpers; the block driver owns real error handling, so a
// failed transfer here is a programming error worth a log line.
func (f *FileSys) readPart(block, offset int, dst []byte) {
	if err := f.dev.ReadPart(block, offset, dst); err != nil {
		logger.Errorf("fs: block read failed: %v", err)
	}
}

func (f *FileSys) modify(block, offset int, src []byte) {
	if err := f.dev.Modify(block, offset, src); err != nil {
		logger.Errorf("fs: block write failed: %v", err)
	}
}

func (f *FileSys) checkInvariants() {
	if !f.mounted {
		return
	}
	for id := 0; id < MaxInodes; id++ {
		if !checkBit(id, f.inodeBmap[:]) {
			continue
		}
		d := &f.inodes[id].d
		if int(d.Size) > int(f.super.MaxFilesize) {
			panic("inode size over max_filesize")
		}
		n := 0
		for n < InodeNDirect && d.Direct[n] != -1 {
			n++
		}
		for x := n; x < InodeNDirect; x++ {
			if d.Direct[x] != -1 {
				panic("direct slots not a prefix")
			}
		}
		need := (int(d.Size) + BlockSize - 1) / BlockSize
		if n < need || n > int(d.Size)/BlockSize+1 {
			panic("direct slot count does not match size")
		}
		for x := 0; x < n; x++ {
			if !checkBit(int(d.Direct[x]), f.dblkBmap[:]) {
				panic("direct block not marked allocated")
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Mount and format
////////////////////////////////////////////////////////////////////////

// Init mounts the filesystem. A superblock that disagrees with the
// compiled-in geometry triggers a fresh format. Otherwise the bitmaps
// are loaded and every allocated inode is read and validated; a
// corrupted inode is reported and freed, and mounting continues.
func (f *FileSys) Init() {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, superblockSize)
	f.readPart(f.superBlockStart, 0, buf)
	f.super.decode(buf)

	if f.super.Ninodes != MaxInodes ||
		f.super.NdataBlks != NDataBlks ||
		f.super.MaxFilesize != MaxFilesize {
		f.mkfs()
	} else {
		f.loadBitmaps()
		for x := 0; x < MaxInodes; x++ {
			if !checkBit(x, f.inodeBmap[:]) {
				continue
			}
			if f.loadInode(x) != fserrors.OK {
				logger.Warnf("Corrupted inode detected")
				f.freeInode(x)
			}
		}
	}
	f.mounted = true
	logger.Debugf(
		"fs: mounted, inodes in use: %d, data blocks in use: %d",
		bitmapUsedSpace(f.inodeBmap[:]), bitmapUsedSpace(f.dblkBmap[:]))
}

// Mkfs formats the device unconditionally.
func (f *FileSys) Mkfs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkfs()
	f.mounted = true
}

// LOCKS_REQUIRED(mu)
func (f *FileSys) mkfs() {
	for i := range f.inodeBmap {
		f.inodeBmap[i] = 0
		f.dblkBmap[i] = 0
	}
	f.saveBitmaps()

	f.super.Ninodes = MaxInodes
	f.super.NdataBlks = NDataBlks
	f.super.MaxFilesize = MaxFilesize
	root := f.createDirectory(-1)
	if root < 0 {
		logger.Errorf("fs: could not create root directory")
		return
	}
	f.super.RootInode = int32(root)
	f.modify(f.superBlockStart, 0, f.super.encode())
}

// RootInode returns the root directory's inode number.
func (f *FileSys) RootInode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.super.RootInode)
}

// UsedCounts reports how many inodes and data blocks are allocated; the
// fsck/debug accounting.
func (f *FileSys) UsedCounts() (inodes, dataBlocks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadBitmaps()
	return bitmapUsedSpace(f.inodeBmap[:]), bitmapUsedSpace(f.dblkBmap[:])
}

// cwd returns p's working directory, falling back to the root without
// recording it.
func (f *FileSys) cwd(p *kernel.Proc) int {
	if p.CWD <= 0 {
		return int(f.super.RootInode)
	}
	return p.CWD
}

// cwdSticky is cwd plus the side effect of writing the default back
// into the PCB.
func (f *FileSys) cwdSticky(p *kernel.Proc) int {
	if p.CWD <= 0 {
		p.CWD = int(f.super.RootInode)
	}
	return p.CWD
}

////////////////////////////////////////////////////////////////////////
// File descriptors
////////////////////////////////////////////////////////////////////////

// Open resolves filename (creating it when ModeCreat is set and it does
// not exist) and installs it in the first unused descriptor slot.
// Returns the descriptor. A name with a leading '/' resolves to the
// working directory itself; see the design notes.
func (f *FileSys) Open(p *kernel.Proc, filename string, mode int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.cwdSticky(p)

	fd := -1
	for x := 0; x < kernel.MaxOpenFiles; x++ {
		if p.FileDes[x].Mode == ModeUnused {
			fd = x
			break
		}
	}
	if fd == -1 {
		return fserrors.NoMoreFDTE
	}

	var i int
	if len(filename) > 0 && filename[0] == '/' {
		i = dir
	} else {
		i = f.findEntry(dir, filename)
		if i < 0 {
			if mode&ModeCreat == 0 {
				return fserrors.NotExist
			}
			i = f.createFile(dir, filename)
			if i < 0 {
				return i
			}
		}
	}

	p.FileDes[fd].Mode = mode
	p.FileDes[fd].Inode = i
	f.inodes[i].pos = 0
	f.inodes[i].openCount++
	return fd
}

// Close releases the descriptor. Closing an unused descriptor is not an
// error.
func (f *FileSys) Close(p *kernel.Proc, fd int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fd < 0 || fd >= kernel.MaxOpenFiles || p.FileDes[fd].Mode == ModeUnused {
		return fserrors.OK
	}
	id := p.FileDes[fd].Inode
	f.inodes[id].pos = 0
	f.inodes[id].openCount--
	p.FileDes[fd].Mode = ModeUnused
	p.FileDes[fd].Inode = -1
	return fserrors.OK
}

// Read reads up to len(buffer) bytes at the inode's position, advancing
// it. Requires a descriptor opened for reading.
func (f *FileSys) Read(p *kernel.Proc, fd int, buffer []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fd < 0 || fd >= kernel.MaxOpenFiles ||
		p.FileDes[fd].Mode&(ModeRdonly|ModeRdwr) == 0 {
		return fserrors.InvalidMode
	}
	id := p.FileDes[fd].Inode
	read := f.dbRead(id, buffer, len(buffer), f.inodes[id].pos)
	if read < 0 {
		return read
	}
	if seek := f.lseek(p, fd, read, SeekCur); seek != fserrors.OK {
		return seek
	}
	return read
}

// Write writes len(buffer) bytes at the inode's position, advancing it.
// Requires a descriptor opened for writing. Writes reaching past the
// maximum file size are clipped; the clipped count is returned.
func (f *FileSys) Write(p *kernel.Proc, fd int, buffer []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fd < 0 || fd >= kernel.MaxOpenFiles ||
		p.FileDes[fd].Mode&(ModeWronly|ModeRdwr) == 0 {
		return fserrors.InvalidMode
	}
	id := p.FileDes[fd].Inode
	written := f.dbWrite(id, buffer, len(buffer), f.inodes[id].pos)
	if written < 0 {
		return written
	}
	if seek := f.lseek(p, fd, written, SeekCur); seek != fserrors.OK {
		return seek
	}
	return written
}

// Lseek moves the inode's position. Seeking past the end is refused in
// read-only mode and beyond the maximum file size, and otherwise
// allocates the blocks the new size needs.
func (f *FileSys) Lseek(p *kernel.Proc, fd, offset, whence int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lseek(p, fd, offset, whence)
}

// LOCKS_REQUIRED(mu)
func (f *FileSys) lseek(p *kernel.Proc, fd, offset, whence int) int {
	if fd < 0 || fd >= kernel.MaxOpenFiles || p.FileDes[fd].Mode == ModeUnused {
		return fserrors.InvalidMode
	}
	id := p.FileDes[fd].Inode
	ino := &f.inodes[id]

	pos := offset
	switch whence {
	case SeekSet:
	case SeekCur:
		pos += ino.pos
	case SeekEnd:
		pos += int(ino.d.Size)
	default:
		return fserrors.InvalidMode
	}
	if pos > int(ino.d.Size) {
		switch {
		case p.FileDes[fd].Mode&ModeRdonly != 0:
			return fserrors.EOF
		case pos > int(f.super.MaxFilesize):
			return fserrors.Full
		default:
			if r := f.resizeInode(id, pos); r != fserrors.OK {
				return fserrors.Full
			}
		}
	}
	ino.pos = pos
	return fserrors.OK
}

// Stat writes the inode's type (1 byte), link count (1 byte) and size
// (4 bytes little-endian) into buffer.
func (f *FileSys) Stat(p *kernel.Proc, fd int, buffer []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fd < 0 || fd >= kernel.MaxOpenFiles || p.FileDes[fd].Mode == ModeUnused {
		return fserrors.InvalidMode
	}
	d := &f.inodes[p.FileDes[fd].Inode].d
	buffer[0] = d.Type
	buffer[1] = d.Nlinks
	binary.LittleEndian.PutUint32(buffer[2:6], uint32(d.Size))
	return fserrors.OK
}

////////////////////////////////////////////////////////////////////////
// Directories and links
////////////////////////////////////////////////////////////////////////

// Mkdir creates a directory named dirname in the working directory.
func (f *FileSys) Mkdir(p *kernel.Proc, dirname string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cwd := f.cwdSticky(p)
	dir := f.createDirectory(cwd)
	if dir < 0 {
		return fserrors.NoMoreInodes
	}
	if f.createDirectoryEntry(cwd, dir, dirname) != fserrors.OK {
		f.freeInode(dir)
		return fserrors.Full
	}
	return fserrors.OK
}

// Chdir changes the working directory to path.
func (f *FileSys) Chdir(p *kernel.Proc, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.resolve(f.cwd(p), path)
	if id < 0 {
		return fserrors.NotExist
	}
	if f.inodes[id].d.Type != TypeDir {
		return fserrors.DirIsFile
	}
	p.CWD = id
	return fserrors.OK
}

// Rmdir removes the directory at path, deleting its contents
// recursively. Removing "." or ".." is refused.
func (f *FileSys) Rmdir(p *kernel.Proc, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var remove string
	parentDir := -1
	removeDir := -1

	slash := -1
	for x := len(path) - 1; x > 0; x-- {
		if path[x] == '/' {
			slash = x
			break
		}
	}
	if slash >= 0 {
		remove = path[slash+1:]
		parent := path[:slash]
		parentDir = f.resolve(f.cwd(p), parent)
		removeDir = f.resolve(f.cwd(p), path)
	} else {
		remove = path
		removeDir = f.resolve(f.cwd(p), remove)
		parentDir = f.cwd(p)
	}

	if remove == "." || remove == ".." {
		return fserrors.InvalidName
	}
	if removeDir < 0 || parentDir < 0 ||
		f.inodes[parentDir].d.Type != TypeDir ||
		f.inodes[removeDir].d.Type != TypeDir {
		return fserrors.NotExist
	}

	f.removeDirectoryEntry(parentDir, removeDir)
	return fserrors.OK
}

// Link creates a hard link named linkname in the working directory to
// the file at filename. Directories cannot be linked.
func (f *FileSys) Link(p *kernel.Proc, linkname, filename string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.resolve(f.cwd(p), filename)
	if id < 0 || f.inodes[id].d.Type == TypeDir {
		return fserrors.NotExist
	}
	cwd := f.cwdSticky(p)
	return f.createDirectoryEntry(cwd, id, linkname)
}

// Unlink removes the entry linkname from the working directory,
// deleting the file when it was the last link.
func (f *FileSys) Unlink(p *kernel.Proc, linkname string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cwd := f.cwdSticky(p)
	id := f.findEntry(cwd, linkname)
	if id < 0 {
		return fserrors.NotExist
	}
	f.removeDirectoryEntry(cwd, id)
	return fserrors.OK
}

// NameToInode resolves a path from the working directory and returns
// its inode number, or -1 when any segment is missing.
func (f *FileSys) NameToInode(p *kernel.Proc, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolve(f.cwd(p), name)
}
