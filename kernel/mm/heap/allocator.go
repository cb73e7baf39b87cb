package heap

import "unsafe"

// hole describes a free block. Holes are stored inside the free memory they
// describe and are kept in a singly-linked list sorted by address.
type hole struct {
	size uintptr
	next uintptr
}

const (
	// blockAlign is the granularity of every block handed out or tracked
	// by the allocator. It is large enough to fit a hole header so every
	// free block can describe itself.
	blockAlign = unsafe.Sizeof(hole{})
)

// Allocator is a first-fit free-list allocator that manages a contiguous
// window of mapped memory. All bookkeeping lives inside the window itself.
//
// Allocator is not safe for concurrent use; see LockedAllocator.
type Allocator struct {
	start, size uintptr
	used        uintptr

	// head is a sentinel whose next field points to the first hole.
	head hole
}

func holeAt(addr uintptr) *hole {
	return (*hole)(unsafe.Pointer(addr))
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// blockSize returns the number of bytes reserved for a request of size bytes
// or 0 if the request can never be satisfied.
func blockSize(size uintptr) uintptr {
	switch {
	case size == 0:
		return blockAlign
	case size > ^uintptr(0)-blockAlign:
		return 0
	}
	return alignUp(size, blockAlign)
}

// Init sets up the allocator to manage the window [start, start+size). The
// window must be mapped and writable since Init immediately writes the first
// hole header at its start. Bytes needed to align the window to the block
// granularity are not used.
func (a *Allocator) Init(start, size uintptr) {
	alignedStart := alignUp(start, blockAlign)
	if start+size < alignedStart+blockAlign {
		*a = Allocator{}
		return
	}

	a.start = alignedStart
	a.size = (start + size - alignedStart) &^ (blockAlign - 1)
	a.used = 0

	first := holeAt(a.start)
	first.size = a.size
	first.next = 0
	a.head.next = a.start
}

// Alloc reserves a block of at least size bytes whose address is a multiple
// of align, which must be a power of two. It returns 0 if the request cannot
// be satisfied.
func (a *Allocator) Alloc(size, align uintptr) uintptr {
	if align == 0 || align&(align-1) != 0 {
		return 0
	}
	if align < blockAlign {
		align = blockAlign
	}
	if size = blockSize(size); size == 0 {
		return 0
	}

	for prev, cur := &a.head, a.head.next; cur != 0; prev, cur = holeAt(cur), holeAt(cur).next {
		var (
			h          = holeAt(cur)
			holeEnd    = cur + h.size
			allocStart = alignUp(cur, align)
			allocEnd   = allocStart + size
		)

		// allocEnd < allocStart catches wrap-around for huge requests
		if allocEnd > holeEnd || allocEnd < allocStart {
			continue
		}

		// Block addresses and sizes are multiples of blockAlign so any
		// leftover space on either side can hold a hole header.
		next := h.next
		if allocEnd < holeEnd {
			back := holeAt(allocEnd)
			back.size = holeEnd - allocEnd
			back.next = next
			next = allocEnd
		}

		if allocStart > cur {
			h.size = allocStart - cur
			h.next = next
		} else {
			prev.next = next
		}

		a.used += size
		return allocStart
	}

	return 0
}

// Free returns the block at addr, previously obtained from Alloc with the
// same size, to the allocator. Adjacent holes are merged.
func (a *Allocator) Free(addr, size uintptr) {
	if size = blockSize(size); addr == 0 || size == 0 {
		return
	}

	// Find the holes surrounding the released block
	prev, prevAddr := &a.head, uintptr(0)
	for prev.next != 0 && prev.next < addr {
		prevAddr = prev.next
		prev = holeAt(prev.next)
	}

	block := holeAt(addr)
	block.size = size
	block.next = prev.next

	// Merge with the following hole
	if block.next != 0 && addr+size == block.next {
		following := holeAt(block.next)
		block.size += following.size
		block.next = following.next
	}

	// Merge with the preceding hole
	if prevAddr != 0 && prevAddr+prev.size == addr {
		prev.size += block.size
		prev.next = block.next
	} else {
		prev.next = addr
	}

	a.used -= size
}

// UsedBytes returns the number of bytes currently allocated.
func (a *Allocator) UsedBytes() uintptr {
	return a.used
}

// FreeBytes returns the number of bytes available for allocation.
func (a *Allocator) FreeBytes() uintptr {
	return a.size - a.used
}

// holeCount returns the number of entries in the free list.
func (a *Allocator) holeCount() int {
	var count int
	for cur := a.head.next; cur != 0; cur = holeAt(cur).next {
		count++
	}
	return count
}
