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
	"strings"

	"github.com/krihaa/kernel-samples/internal/fs/fserrors"
)

////////////////////////////////////////////////////////////////////////
// Directory mutation
////////////////////////////////////////////////////////////////////////

// createDirectoryEntry appends (name, inode) to directory dir and takes
// a link on inode. Names longer than the dirent field are truncated.
func (f *FileSys) createDirectoryEntry(dir, inode int, name string) int {
	entry := makeDirent(name, inode)

	dnode := &f.inodes[dir].d
	if r := f.resizeInode(dir, int(dnode.Size)+DirentSize); r != fserrors.OK {
		return r
	}
	if r := f.dbWrite(dir, entry.encode(), DirentSize, int(dnode.Size)-DirentSize); r < 0 {
		return r
	}
	f.inodes[inode].d.Nlinks++
	f.saveInode(inode)
	return fserrors.OK
}

// createDirectory allocates a directory inode with its "." and ".."
// entries. parent == -1 creates the root, whose parent is itself. A
// failure to create either entry rolls the inode back.
func (f *FileSys) createDirectory(parent int) int {
	dir := f.createInode()
	if dir < 0 {
		return fserrors.NoMoreInodes
	}
	if parent == -1 {
		parent = dir
	}
	f.inodes[dir].d.Type = TypeDir
	e1 := f.createDirectoryEntry(dir, dir, ".")
	e2 := f.createDirectoryEntry(dir, parent, "..")
	if e1 != fserrors.OK || e2 != fserrors.OK {
		f.freeInode(dir)
		return fserrors.Full
	}
	f.saveInode(dir)
	return dir
}

// createFile allocates a file inode and enters it into dir. Callers
// check beforehand that the name does not already exist.
func (f *FileSys) createFile(dir int, filename string) int {
	file := f.createInode()
	if file < 0 {
		return file
	}
	if en := f.createDirectoryEntry(dir, file, filename); en != fserrors.OK {
		f.freeInode(file)
		return en
	}
	f.saveInode(file)
	f.saveBitmaps()
	return file
}

// removeDirectoryEntry removes the first entry of dir referencing id
// and drops id's link, deleting the file when that was the last one. A
// directory id is emptied recursively first; entries pointing back at
// dir or id (the "." and ".." pair) are skipped rather than descended
// into. The surviving entries are rewritten packed and dir shrinks by
// one dirent.
func (f *FileSys) removeDirectoryEntry(dir, id int) int {
	if f.inodes[id].d.Type == TypeDir {
		size := int(f.inodes[id].d.Size)
		buf := make([]byte, size)
		f.dbRead(id, buf, size, 0)
		for _, entry := range decodeDirents(buf) {
			if int(entry.Inode) != dir && int(entry.Inode) != id {
				f.removeDirectoryEntry(id, int(entry.Inode))
			}
		}
	}

	size := int(f.inodes[dir].d.Size)
	buf := make([]byte, size)
	f.dbRead(dir, buf, size, 0)

	var kept []dirent
	found := false
	for _, entry := range decodeDirents(buf) {
		if int(entry.Inode) == id && !found {
			found = true
			f.reduceLinks(id)
		} else {
			kept = append(kept, entry)
		}
	}
	if !found {
		return fserrors.NotExist
	}

	newSize := size - DirentSize
	f.resizeInode(dir, newSize)
	f.dbWrite(dir, encodeDirents(kept), newSize, 0)
	return fserrors.OK
}

////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////

// findEntry looks name up in directory dir. The comparison is a bounded
// compare of len(name) bytes, so a stored name extending the probe
// still matches; the first hit wins.
func (f *FileSys) findEntry(dir int, name string) int {
	size := int(f.inodes[dir].d.Size)
	buf := make([]byte, size)
	f.dbRead(dir, buf, size, 0)
	for _, entry := range decodeDirents(buf) {
		if strings.HasPrefix(entry.name(), name) {
			return int(entry.Inode)
		}
	}
	return -1
}

// resolve walks name segment by segment starting at directory dir. An
// empty suffix resolves to the directory reached so far. A leading '/'
// produces an empty first segment, which bounded-matches the "." entry;
// absolute paths are therefore NOT re-rooted.
func (f *FileSys) resolve(dir int, name string) int {
	if len(name) == 0 {
		return dir
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			next := f.findEntry(dir, name[:i])
			if next < 0 {
				return -1
			}
			return f.resolve(next, name[i+1:])
		}
	}
	return f.findEntry(dir, name)
}
