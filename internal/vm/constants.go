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

// Geometry of the simulated machine.
const (
	// PageSize is the size of one page/frame in bytes.
	PageSize = 4096

	// SectorSize is the disk sector size in bytes.
	SectorSize = 512

	// SectorsPerPage is how many disk sectors back one page.
	SectorsPerPage = PageSize / SectorSize

	// PageablePages is the number of physical frames available to the
	// pager, pinned and unpinned together.
	PageablePages = 32

	// MemStart is the physical address of the first pageable frame.
	MemStart = 0x100000

	// ProcessEntry is the virtual address user images are linked at;
	// code and data pages are demand-loaded from the image starting
	// here.
	ProcessEntry = 0x1000000

	// ProcessStack is the virtual address of the top stack page. The
	// page below it is the second stack page; both live in the same
	// page table.
	ProcessStack = 0xEFFFF000

	// NKernelPTs is the number of page tables identity-mapping the
	// kernel; one maps the first 4 MB.
	NKernelPTs = 1

	// ScreenAddr is the physical address of the video buffer; user code
	// may write to it, so its mapping carries the user bit.
	ScreenAddr = 0xB8000

	// PageNEntries is the number of 32-bit entries in a page directory
	// or page table.
	PageNEntries = 1024
)

// Virtual-address decomposition.
const (
	PageDirectoryBits = 22
	PageTableBits     = 12

	PageDirectoryMask = 0xFFC00000
	PageTableMask     = 0x003FF000
)

// Page-table entry bits.
const (
	PEP  = 1 << 0 // present
	PERW = 1 << 1 // writable
	PEUS = 1 << 2 // user-accessible
	PED  = 1 << 6 // dirty

	PEBaseAddrMask = 0xFFFFF000
	ModeMask       = 0x00000FFF
)

// directoryIndex returns the page-directory slot covering vaddr.
func directoryIndex(vaddr uint32) uint32 {
	return (vaddr & PageDirectoryMask) >> PageDirectoryBits
}

// tableIndex returns the page-table slot covering vaddr; the masking
// makes it a modulo-1024 index.
func tableIndex(vaddr uint32) uint32 {
	return (vaddr & PageTableMask) >> PageTableBits
}
