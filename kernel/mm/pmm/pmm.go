// Package pmm hands out physical memory frames from the memory map reported
// by the boot loader.
package pmm

import (
	"rdos/kernel"
	"rdos/kernel/hal/bootinfo"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm"
)

var (
	// logWriter tags memory map output with the module name.
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}

	// bootFrameSource is the frame source used by the kernel. The boot
	// loader's memory map is the only source of frames so there is exactly
	// one instance.
	bootFrameSource BootFrameSource

	// visitMemRegionsFn is mocked by tests.
	visitMemRegionsFn = bootinfo.VisitMemRegions

	// ErrOutOfMemory is returned by AllocFrame once every usable frame has
	// been handed out.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// BootFrameSource implements a physical frame allocator over the usable
// regions of the boot loader's memory map.
//
// Frames are returned in report order: all frames of the first usable region,
// then all frames of the next one and so on. The allocator keeps a cursor
// (the index of the current region and the next frame inside it) that only
// moves forward, so no frame is ever returned twice. Frames cannot be freed.
//
// BootFrameSource is not safe for concurrent use; it has a single owner
// during kernel initialization.
type BootFrameSource struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// regionIndex is the report-order index of the region that the
	// cursor points to.
	regionIndex int

	// nextFrame is the next frame to hand out from the current region.
	nextFrame mm.Frame
}

// Init resets the kernel frame source, prints the system memory map and
// registers the source as the active mm frame allocator. The memory map is
// trusted: every usable region must be unused and must not overlap any other
// region. Init must only be called once.
func Init() *BootFrameSource {
	bootFrameSource = BootFrameSource{}
	bootFrameSource.PrintMemoryMap()
	mm.SetFrameAllocator(allocFrame)
	return &bootFrameSource
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return bootFrameSource.AllocFrame()
}

// AllocFrame reserves the next frame from the usable memory regions. It
// returns ErrOutOfMemory when no usable frames remain.
func (s *BootFrameSource) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		frame       = mm.InvalidFrame
		regionIndex = -1
	)

	visitMemRegionsFn(func(region *bootinfo.MemoryRegion) bool {
		regionIndex++

		// Skip regions the cursor has already moved past and anything
		// that is not usable
		if regionIndex < s.regionIndex || region.Type != bootinfo.RegionUsable {
			return true
		}

		// Reported addresses may not be page-aligned; round the start
		// up and the end down so only whole frames are handed out
		startFrame, endFrame := usableFrames(region)
		if startFrame >= endFrame {
			return true
		}

		if regionIndex > s.regionIndex || s.nextFrame < startFrame {
			s.regionIndex = regionIndex
			s.nextFrame = startFrame
		}

		if s.nextFrame >= endFrame {
			return true
		}

		frame = s.nextFrame
		s.nextFrame++
		return false
	})

	if !frame.Valid() {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	s.allocCount++
	return frame, nil
}

// AllocCount returns the number of frames handed out so far.
func (s *BootFrameSource) AllocCount() uint64 {
	return s.allocCount
}

// usableFrames returns the range [start, end) of whole frames contained in
// the region.
func usableFrames(region *bootinfo.MemoryRegion) (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := mm.Frame(((region.Start + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	end := mm.Frame((region.End & ^pageSizeMinus1) >> mm.PageShift)
	return start, end
}

// PrintMemoryMap scans the memory regions reported by the boot loader and
// prints out the system's memory map.
func (s *BootFrameSource) PrintMemoryMap() {
	kfmt.Fprintf(&logWriter, "system memory map:\n")
	var totalFree mm.Size
	visitMemRegionsFn(func(region *bootinfo.MemoryRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.Length(), region.Type.String())

		if region.Type == bootinfo.RegionUsable {
			startFrame, endFrame := usableFrames(region)
			if startFrame < endFrame {
				totalFree += mm.Size(endFrame-startFrame) * mm.Size(mm.PageSize)
			}
		}
		return true
	})
	kfmt.Fprintf(&logWriter, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
