// Package vmm manages the 4-level amd64 page tables. The boot loader maps all
// of physical memory at a fixed virtual offset; every page table is accessed
// through that mapping.
package vmm

import (
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm"
	"unsafe"
)

var (
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[vmm] ")}

	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	// kernelPageTable is the translator for the page tables that are active
	// when the kernel starts.
	kernelPageTable OffsetPageTable

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrHugePage is returned when a page walk reaches an entry that maps a
	// huge page.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrPageAlreadyMapped is returned by Map when the page is already
	// mapped to a frame.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
)

// OffsetPageTable translates virtual addresses and edits mappings for a page
// table hierarchy whose tables are reachable through a fixed physical memory
// offset: the table stored in frame F lives at virtual address
// physMemOffset + F.Address().
//
// OffsetPageTable is not safe for concurrent use.
type OffsetPageTable struct {
	physMemOffset uintptr
	rootFrame     mm.Frame
}

// Init returns the translator for the currently active page tables. The
// caller guarantees that the whole physical address space is mapped at
// physMemOffset. Init must only be called once; a second translator for the
// same tables would allow aliased mutable access to them.
func Init(physMemOffset uintptr) *OffsetPageTable {
	rootFrame := mm.FrameFromAddress(activePDTFn() & ptePhysPageMask)
	kernelPageTable = NewOffsetPageTable(physMemOffset, rootFrame)
	kfmt.Fprintf(&logWriter, "top-level table at 0x%16x, physical memory offset 0x%16x\n", rootFrame.Address(), physMemOffset)
	return &kernelPageTable
}

// NewOffsetPageTable returns a translator for the page table hierarchy rooted
// at rootFrame.
func NewOffsetPageTable(physMemOffset uintptr, rootFrame mm.Frame) OffsetPageTable {
	return OffsetPageTable{physMemOffset: physMemOffset, rootFrame: rootFrame}
}

// SetTLBFlusher overrides the function used to invalidate TLB entries after
// a mapping changes. Passing nil restores the invlpg-based flusher. Code that
// edits page tables which are not active on the current CPU uses this to
// skip the privileged instruction.
func SetTLBFlusher(fn func(virtAddr uintptr)) {
	if fn == nil {
		fn = cpu.FlushTLBEntry
	}
	flushTLBEntryFn = fn
}

// PhysMemOffset returns the virtual address where physical address 0 is
// mapped.
func (pt *OffsetPageTable) PhysMemOffset() uintptr {
	return pt.physMemOffset
}

// RootFrame returns the frame containing the top-level page table.
func (pt *OffsetPageTable) RootFrame() mm.Frame {
	return pt.rootFrame
}

// PhysToVirt returns the virtual address through which physAddr can be
// accessed.
func (pt *OffsetPageTable) PhysToVirt(physAddr uintptr) uintptr {
	return pt.physMemOffset + physAddr
}

// table returns the page table stored in the given frame.
func (pt *OffsetPageTable) table(frame mm.Frame) *pageTable {
	tableAddr := pt.PhysToVirt(frame.Address())
	return (*pageTable)(unsafe.Pointer(tableAddr))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level, starting with the top-level table. The next table is looked up
// after walkFn returns so walkFn may install it.
func (pt *OffsetPageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pt.rootFrame
	for level := uint8(0); level < pageLevels; level++ {
		pte := &pt.table(tableFrame)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated with allocFn, cleared and
// installed as present and writable. The leaf entry is set to frame with the
// supplied flags and the page's TLB entry is invalidated.
//
// Map returns the allocator error if a table cannot be allocated,
// ErrHugePage if the walk reaches a huge page and ErrPageAlreadyMapped if
// the page is already mapped. Huge pages are never created by the kernel so
// callers must treat ErrHugePage as fatal.
func (pt *OffsetPageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, allocFn mm.FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	// Tables leading to a user-accessible page must be user-accessible too
	tableFlags := FlagPresent | FlagRW | (flags & FlagUserAccessible)

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrPageAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrHugePage
				return false
			}

			pte.SetFlags(tableFlags)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = allocFn(); err != nil {
			return false
		}

		kernel.Memset(pt.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize)
		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(tableFlags)
		return true
	})

	return err
}

// Unmap removes the mapping for page and returns the frame it pointed to.
// The frame is not released. Unmap returns ErrInvalidMapping if the page is
// not mapped.
func (pt *OffsetPageTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		return true
	})

	return frame, err
}

// Translate returns the physical address that virtAddr maps to by walking
// the page tables by hand. It returns ErrInvalidMapping if any table entry
// on the way is not present. Huge pages are not supported; reaching one is
// fatal.
func (pt *OffsetPageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err   *kernel.Error
		frame mm.Frame
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		frame = pte.Frame()
		return true
	})

	if err == ErrHugePage {
		panicFn(err)
	}

	if err != nil {
		return 0, err
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}
