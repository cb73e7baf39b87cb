// Package heap maps the kernel heap window and manages dynamic allocations
// inside it.
package heap

import (
	"rdos/kernel"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm"
	"rdos/kernel/mm/vmm"
	"rdos/kernel/sync"
)

const (
	// Start is the virtual address of the first byte of the heap window.
	Start = uintptr(0x2222_2222_0000)

	// Size is the size of the heap window in bytes.
	Size = uintptr(1 * mm.Mb)
)

// Mapper installs page mappings. *vmm.OffsetPageTable implements it.
type Mapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, allocFn mm.FrameAllocatorFn) *kernel.Error
}

var (
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[heap] ")}

	// kernelHeap is the allocator registered by Init.
	kernelHeap LockedAllocator

	// registerFn is used by tests to observe allocator registration.
	registerFn = registerKernelHeap

	// ErrEmptyRegion is returned by MapRegion for a zero-sized region.
	ErrEmptyRegion = &kernel.Error{Module: "heap", Message: "heap region is empty"}
)

// MapRegion backs every page in [start, start+size) with a freshly allocated
// frame, mapped present and writable. Pages are mapped in order and the first
// failure is returned; pages mapped before the failure stay mapped.
func MapRegion(mapper Mapper, allocFn mm.FrameAllocatorFn, start, size uintptr) *kernel.Error {
	if size == 0 {
		return ErrEmptyRegion
	}

	var (
		err       *kernel.Error
		firstPage = mm.PageFromAddress(start)
		lastPage  = mm.PageFromAddress(start + size - 1)
	)

	mm.VisitPageRange(firstPage, lastPage, func(page mm.Page) bool {
		var frame mm.Frame
		if frame, err = allocFn(); err != nil {
			return false
		}

		err = mapper.Map(page, frame, vmm.FlagPresent|vmm.FlagRW, allocFn)
		return err == nil
	})

	return err
}

// Init maps the heap window and, once every page is mapped, registers it
// with the kernel allocator. A failure leaves the allocator unregistered.
func Init(mapper Mapper, allocFn mm.FrameAllocatorFn) *kernel.Error {
	if err := MapRegion(mapper, allocFn, Start, Size); err != nil {
		return err
	}

	registerFn(Start, Size)
	kfmt.Fprintf(&logWriter, "mapped %dKb at 0x%16x\n", uint64(mm.Size(Size)/mm.Kb), Start)
	return nil
}

func registerKernelHeap(start, size uintptr) {
	kernelHeap.Init(start, size)
}

// Alloc reserves size bytes aligned to align from the kernel heap. It returns
// 0 if the heap is exhausted or has not been initialized.
func Alloc(size, align uintptr) uintptr {
	return kernelHeap.Alloc(size, align)
}

// Free returns a block obtained from Alloc to the kernel heap.
func Free(addr, size uintptr) {
	kernelHeap.Free(addr, size)
}

// LockedAllocator wraps an Allocator with a spinlock.
type LockedAllocator struct {
	lock  sync.Spinlock
	alloc Allocator
}

// Init sets up the allocator to manage the window [start, start+size).
func (l *LockedAllocator) Init(start, size uintptr) {
	l.lock.Acquire()
	l.alloc.Init(start, size)
	l.lock.Release()
}

// Alloc reserves a block of size bytes aligned to align.
func (l *LockedAllocator) Alloc(size, align uintptr) uintptr {
	l.lock.Acquire()
	addr := l.alloc.Alloc(size, align)
	l.lock.Release()
	return addr
}

// Free releases a block obtained from Alloc.
func (l *LockedAllocator) Free(addr, size uintptr) {
	l.lock.Acquire()
	l.alloc.Free(addr, size)
	l.lock.Release()
}

// UsedBytes returns the number of bytes currently allocated.
func (l *LockedAllocator) UsedBytes() uintptr {
	l.lock.Acquire()
	used := l.alloc.UsedBytes()
	l.lock.Release()
	return used
}
