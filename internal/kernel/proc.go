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

package kernel

import (
	"fmt"
	"sync"

	"github.com/krihaa/kernel-samples/internal/logger"
)

// State is the scheduling state of a PCB.
type State int

const (
	// StateFirstTime marks a process that has never been dispatched.
	StateFirstTime State = iota

	// StateFirstTimeThread marks a kernel thread that has never been
	// dispatched.
	StateFirstTimeThread

	// StateReady marks a PCB that is on the ready ring.
	StateReady

	// StateBlocked marks a PCB parked on a waiting queue.
	StateBlocked

	// StateExited marks a PCB that will never run again.
	StateExited
)

// Kind distinguishes user processes, which get their own page directory,
// from kernel threads, which share the kernel's.
type Kind int

const (
	KindProcess Kind = iota
	KindThread
)

func (kind Kind) String() string {
	if kind == KindThread {
		return "thread"
	}
	return "process"
}

// MaxOpenFiles is the size of each PCB's file-descriptor table.
const MaxOpenFiles = 10

// ModeUnused marks a free slot in the file-descriptor table. The
// filesystem defines the open modes; the PCB only needs to know the
// unused value so the loader can reset tables.
const ModeUnused = 0

// FileDescriptor is one slot of a PCB's descriptor table: the open mode
// and the inode it refers to.
type FileDescriptor struct {
	Mode  int
	Inode int
}

// Proc is a process control block: one schedulable entity.
//
// The scheduling fields (state, ring links) are guarded by the kernel
// mutex. The VM and filesystem fields are owned by the subsystems that
// operate on the current process and are only ever touched while the
// process runs or by its loader before it first runs.
type Proc struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	k    *Kernel
	pid  int
	kind Kind
	body func(*Proc)

	/////////////////////////
	// Scheduling state
	/////////////////////////

	// GUARDED_BY(k.mu)
	state State

	// Ready-ring links.
	//
	// INVARIANT: while on the ring, next.previous == this && previous.next == this
	// INVARIANT: nil while blocked or exited
	//
	// GUARDED_BY(k.mu)
	previous, next *Proc

	// The goroutine backing this PCB parks here whenever the PCB is not
	// current_running.
	wake *sync.Cond

	/////////////////////////
	// Virtual memory
	/////////////////////////

	// PageDir is the physical address of the process's page directory.
	PageDir uint32

	// Backing-store descriptor: start sector and length in sectors of
	// the process image, filled in by the loader.
	SwapLoc  uint32
	SwapSize uint32

	// Fault info for the page-fault handler.
	FaultAddr      uint32
	ErrorCode      uint32
	PageFaultCount int

	/////////////////////////
	// Filesystem
	/////////////////////////

	// CWD is the inode number of the current working directory. Zero or
	// negative means "not set yet"; the filesystem resolves that to the
	// root inode on first use.
	CWD int

	// FileDes is the fixed-size descriptor table.
	FileDes [MaxOpenFiles]FileDescriptor
}

// PID returns the process identifier.
func (p *Proc) PID() int {
	return p.pid
}

// Kind reports whether the PCB is a user process or a kernel thread.
func (p *Proc) Kind() Kind {
	return p.kind
}

// IsThread is a convenience for the VM manager, which shares the kernel
// page directory with threads.
func (p *Proc) IsThread() bool {
	return p.kind == KindThread
}

// State returns the PCB's scheduling state.
func (p *Proc) State() State {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.state
}

// procExit is the panic sentinel that unwinds a process goroutine when
// Exit or Terminate is called below arbitrary call depth.
type procExitSentinel struct{}

var procExit = procExitSentinel{}

// Exit terminates the calling process. It does not return: the goroutine
// unwinds to the PCB trampoline, which performs the exit transition and
// schedules the next PCB.
//
// Must be called from the process's own goroutine, outside any critical
// section.
func (p *Proc) Exit() {
	panic(procExit)
}

// Terminate reports a fatal per-process error and exits the calling
// process. Like Exit, it does not return. The kernel keeps running.
func (p *Proc) Terminate(format string, v ...interface{}) {
	logger.Errorf("PID %d: %s", p.pid, fmt.Sprintf(format, v...))
	panic(procExit)
}

// Yield voluntarily gives up the CPU; the caller resumes after one full
// round of the ready ring.
func (p *Proc) Yield() {
	p.k.Yield()
}
