// Package mm defines the physical frame and virtual page abstractions shared
// by the memory management sub-systems.
package mm

import (
	"math"
	"rdos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve a frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocatorFn is a function that hands out physical frames. Each call
// returns a frame that has not been returned before or an error if no more
// frames are available.
type FrameAllocatorFn func() (Frame, *kernel.Error)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn
)

// SetFrameAllocator registers the frame allocator function that AllocFrame
// forwards to.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}

// VisitPageRange invokes visitor for each page in the inclusive range
// [first, last]. The visitor returns false to stop the iteration early.
func VisitPageRange(first, last Page, visitor func(Page) bool) {
	for page := first; page <= last; page++ {
		if !visitor(page) {
			return
		}

		// guard against wrapping when last is the top-most page
		if page == last {
			return
		}
	}
}
