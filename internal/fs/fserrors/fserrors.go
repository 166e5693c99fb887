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

// Package fserrors defines the filesystem status codes. The syscall
// surface speaks small integers: non-negative values are success (bytes
// transferred, an inode number, a descriptor) and negative values are
// one of these codes. AsError adapts a code to a Go error for callers
// outside the kernel, such as the CLI and tests.
package fserrors

import "errors"

const (
	OK = 0

	// Error covers corruption: superblock mismatch, invalid inode.
	Error = -1

	// InvalidMode is a descriptor operation incompatible with the open
	// mode, or an operation on an unused descriptor.
	InvalidMode = -2

	// EOF is a seek past the file size in read-only mode.
	EOF = -6

	// Full means no free data blocks, or a file over the maximum size.
	Full = -7

	// NotExist is a file or directory that could not be resolved.
	NotExist = -11

	// InvalidName rejects forbidden names such as removing "." or "..".
	InvalidName = -12

	// NoMoreInodes means the inode bitmap is exhausted.
	NoMoreInodes = -15

	// DirIsFile is a path naming a file where a directory was expected,
	// or vice versa.
	DirIsFile = -16

	// InodeTableFull rejects a resize beyond what an inode can address.
	InodeTableFull = -18

	// NoMoreFDTE means the process's file-descriptor table is full.
	NoMoreFDTE = -19
)

var (
	ErrCorrupted      = errors.New("filesystem corrupted")
	ErrInvalidMode    = errors.New("operation incompatible with open mode")
	ErrEOF            = errors.New("seek past end of read-only file")
	ErrFull           = errors.New("filesystem full")
	ErrNotExist       = errors.New("no such file or directory")
	ErrInvalidName    = errors.New("invalid name")
	ErrNoMoreInodes   = errors.New("out of inodes")
	ErrDirIsFile      = errors.New("not a directory")
	ErrInodeTableFull = errors.New("file too large for inode")
	ErrNoMoreFDTE     = errors.New("file descriptor table full")
)

var byCode = map[int]error{
	Error:          ErrCorrupted,
	InvalidMode:    ErrInvalidMode,
	EOF:            ErrEOF,
	Full:           ErrFull,
	NotExist:       ErrNotExist,
	InvalidName:    ErrInvalidName,
	NoMoreInodes:   ErrNoMoreInodes,
	DirIsFile:      ErrDirIsFile,
	InodeTableFull: ErrInodeTableFull,
	NoMoreFDTE:     ErrNoMoreFDTE,
}

// AsError maps a status code to an error; non-negative codes map to nil.
func AsError(code int) error {
	if code >= 0 {
		return nil
	}
	if err, ok := byCode[code]; ok {
		return err
	}
	return ErrCorrupted
}
