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

package vm

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krihaa/kernel-samples/internal/blockdev"
	"github.com/krihaa/kernel-samples/internal/kernel"
)

const testDiskSectors = 4096

func newTestManager() (*kernel.Kernel, *blockdev.MemDevice, *Manager) {
	k := kernel.New(timeutil.RealClock())
	disk := blockdev.NewMem(testDiskSectors)
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Unix(1, 0))
	m := NewManager(k, disk, &clock)
	return k, disk, m
}

func TestAddressDecomposition(t *testing.T) {
	assert.Equal(t, uint32(0), directoryIndex(0))
	assert.Equal(t, uint32(0), tableIndex(0))

	// ProcessEntry = 16 MB: directory slot 4, table slot 0.
	assert.Equal(t, uint32(4), directoryIndex(ProcessEntry))
	assert.Equal(t, uint32(0), tableIndex(ProcessEntry))

	assert.Equal(t, uint32(4), directoryIndex(ProcessEntry+PageSize))
	assert.Equal(t, uint32(1), tableIndex(ProcessEntry+PageSize))

	// Both stack pages share one table.
	assert.Equal(t, directoryIndex(ProcessStack), directoryIndex(ProcessStack-PageSize))
}

func TestInitMemory_IdentityMap(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	kp := k.Spawn(func(*kernel.Proc) {})
	kp.PageDir = m.KernelPageDir()

	// The first 4 MB are identity-mapped present+writable.
	for _, vaddr := range []uint32{0, PageSize, 0x200000, 0x3FF000} {
		e := m.EntryFor(kp, vaddr)
		assert.Equal(t, vaddr&PEBaseAddrMask, e&PEBaseAddrMask, "vaddr %#x", vaddr)
		assert.NotZero(t, e&PEP, "vaddr %#x present", vaddr)
		assert.NotZero(t, e&PERW, "vaddr %#x writable", vaddr)
	}

	// Only the video-buffer page is user accessible, and its directory
	// entry carries the user bit too.
	assert.NotZero(t, m.EntryFor(kp, ScreenAddr)&PEUS)
	assert.Zero(t, m.EntryFor(kp, ScreenAddr+PageSize)&PEUS)
	assert.NotZero(t, m.DirEntryFor(kp, ScreenAddr)&PEUS)
}

func TestIdentityMap_DeviceRegisters(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	const base = 0xFEC00000
	m.IdentityMap(base, 3*PageSize-100)

	kp := k.Spawn(func(*kernel.Proc) {})
	kp.PageDir = m.KernelPageDir()
	for i := uint32(0); i < 3; i++ {
		e := m.EntryFor(kp, base+i*PageSize)
		assert.Equal(t, (base+i*PageSize)&PEBaseAddrMask, e&PEBaseAddrMask)
		assert.Equal(t, uint32(PEP|PERW|PEUS), e&ModeMask)
	}
	// One page past the rounded size is unmapped.
	assert.Zero(t, m.EntryFor(kp, base+3*PageSize)&PEP)
}

func TestSetupPageTable_ThreadSharesKernelDirectory(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	th := k.SpawnThread(func(*kernel.Proc) {})
	m.SetupPageTable(th)
	assert.Equal(t, m.KernelPageDir(), th.PageDir)
}

func TestSetupPageTable_Process(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	p := k.Spawn(func(*kernel.Proc) {})
	p.SwapLoc = 100
	p.SwapSize = 3 * SectorsPerPage
	m.SetupPageTable(p)

	require.NotEqual(t, m.KernelPageDir(), p.PageDir)

	// The kernel region is inherited.
	assert.NotZero(t, m.EntryFor(p, ScreenAddr)&PEP)

	// Two present, writable, user stack pages.
	for j := uint32(0); j < 2; j++ {
		e := m.EntryFor(p, ProcessStack-j*PageSize)
		assert.Equal(t, uint32(PEP|PERW|PEUS), e&ModeMask, "stack page %d", j)
	}

	// Code/data pages are installed not-present: they fault on first
	// access.
	for i := uint32(0); i < 3; i++ {
		e := m.EntryFor(p, ProcessEntry+i*PageSize)
		assert.Zero(t, e&PEP, "code page %d", i)
		assert.Equal(t, uint32(PERW|PEUS), e&ModeMask, "code page %d", i)
	}

	// Stack frames are pinned.
	pinned := 0
	for i := range m.frames {
		if m.frames[i].pinned {
			pinned++
		}
	}
	// Kernel dir + kernel table + process dir + stack table + 2 stack
	// pages + code table.
	assert.Equal(t, 7, pinned)
}

func TestPageFault_DemandLoadsFromImage(t *testing.T) {
	k, disk, m := newTestManager()
	m.InitMemory()

	p := k.Spawn(func(*kernel.Proc) {})
	p.SwapLoc = 64
	p.SwapSize = 2 * SectorsPerPage
	m.SetupPageTable(p)

	// Fill the image sectors of the second page with a marker.
	marker := make([]byte, PageSize)
	for i := range marker {
		marker[i] = 0x5A
	}
	require.NoError(t, disk.WriteSectors(int(p.SwapLoc)+SectorsPerPage, SectorsPerPage, marker))

	var flushed []uint32
	m.SetTLBFlushHook(func(vaddr uint32) { flushed = append(flushed, vaddr) })

	p.FaultAddr = ProcessEntry + PageSize + 123
	p.ErrorCode = 0
	m.PageFault(p)

	assert.Equal(t, 1, p.PageFaultCount)

	e := m.EntryFor(p, p.FaultAddr)
	require.NotZero(t, e&PEP, "entry must be present after fault")
	assert.Equal(t, uint32(PEP|PERW|PEUS), e&ModeMask)
	assert.Zero(t, e&PED, "fresh install must clear the dirty bit")

	page := m.PageData(e & PEBaseAddrMask)
	assert.Equal(t, marker, page)

	assert.Contains(t, flushed, p.FaultAddr)
}

func TestPageFault_PartialFinalPage(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	p := k.Spawn(func(*kernel.Proc) {})
	p.SwapLoc = 200
	p.SwapSize = SectorsPerPage + 3 // final page is 3 sectors
	m.SetupPageTable(p)

	_, location, sectors := m.entryAndLocation(ProcessEntry+PageSize, p)
	assert.Equal(t, uint32(200+SectorsPerPage), location)
	assert.Equal(t, uint32(3), sectors)
}

func TestPageFault_NullPointerTerminatesOnlyFaultingTask(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	var survivorRan, afterFault bool

	faulty := k.Spawn(func(p *kernel.Proc) {
		p.FaultAddr = 0
		p.ErrorCode = 0
		m.PageFault(p)
		afterFault = true // unreachable
	})
	faulty.SwapLoc = 64
	faulty.SwapSize = SectorsPerPage
	m.SetupPageTable(faulty)

	k.Spawn(func(p *kernel.Proc) { survivorRan = true })

	require.NoError(t, k.Run())
	assert.False(t, afterFault)
	assert.True(t, survivorRan)
}

func TestPageFault_ProtectionViolationTerminates(t *testing.T) {
	k, _, m := newTestManager()
	m.InitMemory()

	var afterFault bool
	faulty := k.Spawn(func(p *kernel.Proc) {
		p.FaultAddr = ProcessEntry
		p.ErrorCode = PEP // fault against a present page
		m.PageFault(p)
		afterFault = true
	})
	faulty.SwapLoc = 64
	faulty.SwapSize = SectorsPerPage
	m.SetupPageTable(faulty)

	require.NoError(t, k.Run())
	assert.False(t, afterFault)
}

func TestEviction_StealsFrameAndWritesBackDirtyPage(t *testing.T) {
	k, disk, m := newTestManager()
	m.InitMemory()

	// Two processes with images big enough to exhaust the frame table.
	var procs []*kernel.Proc
	for i := 0; i < 2; i++ {
		p := k.Spawn(func(*kernel.Proc) {})
		p.SwapLoc = uint32(1024 + i*256)
		p.SwapSize = 16 * SectorsPerPage
		m.SetupPageTable(p)
		procs = append(procs, p)
	}

	// Demand-load pages until the frame table is full.
	next := 0
	for m.allocated < PageablePages {
		p := procs[next%2]
		p.FaultAddr = ProcessEntry + uint32(next/2)*PageSize
		p.ErrorCode = 0
		m.PageFault(p)
		next++
	}

	// Pin every unpinned frame except one chosen victim, so the
	// replacement choice is forced and observable.
	victim := -1
	for i := range m.frames {
		if m.frames[i].pinned {
			continue
		}
		if victim == -1 {
			victim = i
		} else {
			m.frames[i].pinned = true
		}
	}
	require.NotEqual(t, -1, victim)

	vf := m.frames[victim]
	table, location, sectors := m.entryAndLocation(vf.vaddr, vf.owner)

	// Dirty the victim: set its D bit and write a marker into its
	// frame, as user stores through the mapping would.
	entry := m.readEntry(table, tableIndex(vf.vaddr))
	m.writeRawEntry(table, tableIndex(vf.vaddr), entry|PED)
	data := m.PageData(vf.paddr)
	for i := range data {
		data[i] = 0xC3
	}

	// One more fault must steal the victim frame.
	p := procs[0]
	p.FaultAddr = ProcessEntry + 15*PageSize
	p.ErrorCode = 0
	m.PageFault(p)

	// The victim's entry is no longer present and carries no flags.
	gone := m.readEntry(table, tableIndex(vf.vaddr))
	assert.Zero(t, gone&ModeMask, "evicted entry must lose all flags")

	// The dirty page went back to its image sectors before the frame
	// was reassigned.
	got := make([]byte, sectors*SectorSize)
	require.NoError(t, disk.ReadSectors(int(location), int(sectors), got))
	for i, b := range got {
		require.Equal(t, byte(0xC3), b, "writeback byte %d", i)
	}

	// The frame now belongs to the faulting page, zero-filled then
	// loaded from the image.
	assert.Equal(t, p.FaultAddr&PEBaseAddrMask, m.frames[victim].vaddr)
	assert.Same(t, p, m.frames[victim].owner)
}
