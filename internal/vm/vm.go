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

// Package vm implements the virtual memory manager: per-process page
// directories and tables, a frame table over a physical-memory arena,
// demand loading from the process image, random replacement over
// unpinned frames, and dirty-page writeback.
//
// There is no separate swap area. A page swapped out is stored at the
// location it was loaded from in the process image, so two processes
// must not share an image.
//
// Physical memory is a byte arena of PageablePages frames starting at
// MemStart. Page directories and tables live inside pinned frames and
// are read and written as little-endian 32-bit entries, the same layout
// the hardware would walk.
package vm

import (
	"encoding/binary"
	"math/rand"

	"github.com/jacobsa/timeutil"
	"github.com/krihaa/kernel-samples/internal/blockdev"
	"github.com/krihaa/kernel-samples/internal/kernel"
	"github.com/krihaa/kernel-samples/internal/ksync"
	"github.com/krihaa/kernel-samples/internal/logger"
)

// frame describes one physical frame available to the pager. Pinned
// frames hold kernel pages, stacks and page tables and are never stolen.
type frame struct {
	vaddr  uint32
	paddr  uint32
	owner  *kernel.Proc
	pinned bool
}

// Manager owns the frame table and all page directories.
type Manager struct {
	k    *kernel.Kernel
	disk blockdev.Device

	// memoryLock serializes the frame table, the page tables it
	// mutates, and the allocation counter.
	memoryLock *ksync.Lock

	// The physical-memory arena; index paddr-MemStart.
	mem []byte

	// GUARDED_BY(memoryLock)
	frames    [PageablePages]frame
	allocated int

	// Replacement PRNG: a single state seeded once from the clock, so
	// evictions close in time stay uncorrelated.
	//
	// GUARDED_BY(memoryLock)
	rng *rand.Rand

	// Physical address of the kernel page directory built by
	// InitMemory; threads share it.
	kernelDir uint32

	// flushTLB is invoked for every entry update with the virtual
	// address whose translation changed. The default is a no-op; the
	// interrupt glue (or a test) installs the real hook.
	flushTLB func(vaddr uint32)
}

// NewManager creates a memory manager over the given backing disk. The
// clock seeds the replacement PRNG.
func NewManager(k *kernel.Kernel, disk blockdev.Device, clock timeutil.Clock) *Manager {
	return &Manager{
		k:          k,
		disk:       disk,
		memoryLock: ksync.NewLock(k),
		mem:        make([]byte, PageablePages*PageSize),
		rng:        rand.New(rand.NewSource(clock.Now().UnixNano())),
		flushTLB:   func(uint32) {},
	}
}

// SetTLBFlushHook installs the TLB-flush callback. Call before
// scheduling starts.
func (m *Manager) SetTLBFlushHook(hook func(vaddr uint32)) {
	m.flushTLB = hook
}

// KernelPageDir returns the physical address of the kernel page
// directory.
func (m *Manager) KernelPageDir() uint32 {
	return m.kernelDir
}

////////////////////////////////////////////////////////////////////////
// Arena and entry helpers
////////////////////////////////////////////////////////////////////////

// frameData returns the arena bytes of the page at paddr.
func (m *Manager) frameData(paddr uint32) []byte {
	off := paddr - MemStart
	return m.mem[off : off+PageSize]
}

// readEntry returns entry index of the table or directory at paddr.
func (m *Manager) readEntry(table, index uint32) uint32 {
	return binary.LittleEndian.Uint32(m.frameData(table)[4*index:])
}

// writeRawEntry stores an entry value without touching the TLB.
func (m *Manager) writeRawEntry(table, index, value uint32) {
	binary.LittleEndian.PutUint32(m.frameData(table)[4*index:], value)
}

// updateEntry installs (paddr, flags) at the given slot and flushes the
// TLB for the virtual address the slot translates.
func (m *Manager) updateEntry(table, index, vaddr, paddr, flags uint32) {
	m.writeRawEntry(table, index, (paddr&PEBaseAddrMask)|(flags&ModeMask))
	m.flushTLB(vaddr)
}

// entryAndLocation resolves vaddr through pcb's directory to the page
// table holding its entry, and computes the backing-store geometry: the
// image sectors the page maps to. The faulting address is aligned down
// to a page's worth of sectors, and the final partial page of the image
// is clipped.
func (m *Manager) entryAndLocation(vaddr uint32, pcb *kernel.Proc) (table, location, sectors uint32) {
	table = m.readEntry(pcb.PageDir, directoryIndex(vaddr)) & PEBaseAddrMask

	sectorOffset := (vaddr - ProcessEntry) / SectorSize
	alignedOffset := (sectorOffset / SectorsPerPage) * SectorsPerPage
	if SectorsPerPage+alignedOffset > pcb.SwapSize {
		sectors = pcb.SwapSize - alignedOffset
	} else {
		sectors = SectorsPerPage
	}
	location = pcb.SwapLoc + alignedOffset
	return
}

////////////////////////////////////////////////////////////////////////
// Frame allocation
////////////////////////////////////////////////////////////////////////

// getMemory hands out a zeroed frame, stealing a random unpinned one
// when all frames are allocated. The evicted page's entry is cleared
// (and its TLB translation flushed) before the frame is reused; a dirty
// page is written back to its image sectors first. If nothing can be
// stolen the requesting process is terminated.
//
// LOCKS_REQUIRED(memoryLock), except during boot before scheduling.
func (m *Manager) getMemory(pinned bool, vaddr uint32, pcb *kernel.Proc) uint32 {
	i := m.allocated
	if m.allocated < PageablePages {
		m.frames[i].paddr = MemStart + uint32(i)*PageSize
		m.allocated++
	} else {
		var unpinned []int
		for idx := range m.frames {
			if !m.frames[idx].pinned {
				unpinned = append(unpinned, idx)
			}
		}
		if len(unpinned) == 0 {
			m.memoryLock.Release()
			pcb.Terminate("no unpinned memory free")
		}

		i = unpinned[m.rng.Intn(len(unpinned))]
		victim := &m.frames[i]

		table, location, sectors := m.entryAndLocation(victim.vaddr, victim.owner)
		index := tableIndex(victim.vaddr)
		dirty := m.readEntry(table, index)&PED != 0
		// The entry keeps its base address but loses every flag,
		// present included; the next touch faults.
		m.updateEntry(table, index, victim.vaddr, victim.paddr, 0)

		if dirty {
			err := m.disk.WriteSectors(
				int(location), int(sectors), m.frameData(victim.paddr)[:sectors*SectorSize])
			if err != nil {
				logger.Errorf("page writeback for PID %d failed: %v", victim.owner.PID(), err)
			}
		}
	}

	f := &m.frames[i]
	f.owner = pcb
	f.pinned = pinned
	f.vaddr = vaddr
	clear(m.frameData(f.paddr))
	return f.paddr
}

// createTable returns the page table covering addr in the directory at
// dir, allocating a pinned frame for it when the directory slot is not
// present, and (re)installs the directory entry with the given flags.
func (m *Manager) createTable(addr, dir, flags uint32) uint32 {
	index := directoryIndex(addr)
	entry := m.readEntry(dir, index)
	table := entry & PEBaseAddrMask
	if entry&PEP == 0 {
		table = m.getMemory(true, addr, nil)
	}
	m.updateEntry(dir, index, addr, table, flags)
	return table
}

////////////////////////////////////////////////////////////////////////
// Boot-time setup
////////////////////////////////////////////////////////////////////////

// InitMemory builds the kernel page directory: NKernelPTs pinned tables
// identity-mapping physical memory with (P|RW). The page holding the
// video buffer additionally gets the user bit, in its PTE and in the
// enclosing directory entry, so user code can print.
//
// Called once at boot, before scheduling starts.
func (m *Manager) InitMemory() {
	m.kernelDir = m.getMemory(true, 0, nil)
	paddr := uint32(0)
	for i := 0; i < NKernelPTs; i++ {
		table := m.createTable(paddr, m.kernelDir, PEP|PERW)
		for x := 0; x < PageNEntries; x++ {
			index := tableIndex(paddr)
			if paddr == ScreenAddr {
				m.updateEntry(table, index, paddr, paddr, PEP|PERW|PEUS)
				l := directoryIndex(paddr)
				m.writeRawEntry(m.kernelDir, l, m.readEntry(m.kernelDir, l)|PEUS)
			} else {
				m.updateEntry(table, index, paddr, paddr, PEP|PERW)
			}
			paddr += PageSize
		}
	}
}

// IdentityMap maps [addr, addr+size) one-to-one with (P|RW|US) in the
// kernel directory; the USB subsystem uses it for device registers in
// high memory. Called before scheduling starts; takes no lock.
func (m *Manager) IdentityMap(addr, size uint32) {
	nrOfPages := (size + PageSize - 1) / PageSize
	added := uint32(0)
	a := addr
	for added < nrOfPages {
		table := m.createTable(a, m.kernelDir, PEP|PERW|PEUS)
		for added < nrOfPages {
			m.updateEntry(table, tableIndex(a), a, a, PEP|PERW|PEUS)
			a += PageSize
			added++
			if tableIndex(a) == 0 {
				// a crossed into the next table's 4 MB region.
				break
			}
		}
	}
}

// SetupPageTable prepares p's address space. Threads share the kernel
// directory. A process gets a pinned directory seeded with every kernel
// directory entry (inheriting the identity-mapped kernel and device
// regions), two pinned, present stack pages, and not-present (RW|US)
// entries covering its image, which demand-fault on first access.
func (m *Manager) SetupPageTable(p *kernel.Proc) {
	m.memoryLock.Acquire()
	defer m.memoryLock.Release()

	if p.IsThread() {
		p.PageDir = m.kernelDir
		return
	}

	p.PageDir = m.getMemory(true, 0, p)
	for i := uint32(0); i < PageNEntries; i++ {
		m.writeRawEntry(p.PageDir, i, m.readEntry(m.kernelDir, i))
	}

	table := m.createTable(ProcessStack, p.PageDir, PEP|PERW|PEUS)
	for j := uint32(0); j < 2; j++ {
		stackaddr := ProcessStack - j*PageSize
		page := m.getMemory(true, stackaddr, p)
		m.updateEntry(table, tableIndex(stackaddr), stackaddr, page, PEP|PERW|PEUS)
	}

	nrOfPages := (p.SwapSize + SectorsPerPage - 1) / SectorsPerPage
	nrOfTables := nrOfPages/PageNEntries + 1
	added := uint32(0)
	vaddr := uint32(ProcessEntry)
	for i := uint32(0); i < nrOfTables; i++ {
		table := m.createTable(vaddr, p.PageDir, PEP|PERW|PEUS)
		for x := 0; x < PageNEntries && added < nrOfPages; x++ {
			m.updateEntry(table, tableIndex(vaddr), vaddr, 0, PERW|PEUS)
			vaddr += PageSize
			added++
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Fault handling
////////////////////////////////////////////////////////////////////////

// PageFault resolves the fault described by p.FaultAddr and p.ErrorCode.
// A fault at address zero or against a present page is fatal to p (and
// only to p). Otherwise the missing page is demand-loaded: an unpinned
// frame is allocated, the image sectors are read into it, and the entry
// is installed present. The dirty bit starts clear; writeback happens at
// eviction, not at fault time.
func (m *Manager) PageFault(p *kernel.Proc) {
	m.memoryLock.Acquire()
	p.PageFaultCount++

	if p.FaultAddr == 0 {
		m.memoryLock.Release()
		p.Terminate("Null pointer error")
	}
	if p.ErrorCode&PEP != 0 {
		m.memoryLock.Release()
		p.Terminate("Access Denied %#x", p.FaultAddr)
	}

	table, location, sectors := m.entryAndLocation(p.FaultAddr, p)

	page := m.getMemory(false, p.FaultAddr, p)

	err := m.disk.ReadSectors(int(location), int(sectors), m.frameData(page)[:sectors*SectorSize])
	if err != nil {
		logger.Errorf("page-in for PID %d failed: %v", p.PID(), err)
	}

	m.updateEntry(table, tableIndex(p.FaultAddr), p.FaultAddr, page, PEP|PERW|PEUS)
	m.memoryLock.Release()
}

////////////////////////////////////////////////////////////////////////
// Introspection
////////////////////////////////////////////////////////////////////////

// EntryFor returns the page-table entry translating vaddr in p's
// address space, walking the directory the way the MMU would.
func (m *Manager) EntryFor(p *kernel.Proc, vaddr uint32) uint32 {
	dirEntry := m.readEntry(p.PageDir, directoryIndex(vaddr))
	if dirEntry&PEP == 0 {
		return 0
	}
	return m.readEntry(dirEntry&PEBaseAddrMask, tableIndex(vaddr))
}

// DirEntryFor returns the page-directory entry covering vaddr in p's
// address space.
func (m *Manager) DirEntryFor(p *kernel.Proc, vaddr uint32) uint32 {
	return m.readEntry(p.PageDir, directoryIndex(vaddr))
}

// PageData exposes the arena bytes of the frame at paddr, so loaders and
// tests can inspect or dirty page contents.
func (m *Manager) PageData(paddr uint32) []byte {
	return m.frameData(paddr)
}
