// Package bootinfo decodes the boot information block that the boot loader
// hands over to the kernel. The block records the virtual offset at which
// all of physical memory is mapped and the system's physical memory map.
package bootinfo

import "unsafe"

// header describes the start of the boot information block. It is followed
// by regionCount MemoryRegion entries.
type header struct {
	// The virtual address where physical address 0 is mapped.
	physMemOffset uint64

	// The number of entries in the memory map.
	regionCount uint64
}

// RegionType defines the type of a MemoryRegion.
type RegionType uint32

const (
	// RegionUsable indicates unused conventional memory that the kernel may
	// allocate.
	RegionUsable RegionType = iota

	// RegionInUse indicates memory that is in use but not otherwise
	// classified.
	RegionInUse

	// RegionReserved indicates memory reserved by the hardware.
	RegionReserved

	// RegionAcpiReclaimable indicates memory that holds ACPI tables which
	// can be reclaimed once they have been parsed.
	RegionAcpiReclaimable

	// RegionAcpiNvs indicates memory that must be preserved across
	// hibernation.
	RegionAcpiNvs

	// RegionBadMemory indicates an area containing bad memory.
	RegionBadMemory

	// RegionKernel indicates the memory holding the kernel image.
	RegionKernel

	// RegionKernelStack indicates the memory holding the kernel stack.
	RegionKernelStack

	// RegionPageTable indicates memory used by the boot-time page tables.
	RegionPageTable

	// RegionBootloader indicates memory used by the boot loader.
	RegionBootloader

	// RegionFrameZero indicates the frame at physical address 0, which is
	// never handed out.
	RegionFrameZero

	// RegionEmpty indicates a region with no backing memory.
	RegionEmpty

	// RegionBootInfo indicates the memory holding this boot information
	// block.
	RegionBootInfo

	// RegionPackage indicates memory holding a boot package.
	RegionPackage

	// Any value >= regionUnknown will be reported as RegionReserved.
	regionUnknown
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionInUse:
		return "in use"
	case RegionReserved:
		return "reserved"
	case RegionAcpiReclaimable:
		return "ACPI (reclaimable)"
	case RegionAcpiNvs:
		return "ACPI NVS"
	case RegionBadMemory:
		return "bad memory"
	case RegionKernel:
		return "kernel"
	case RegionKernelStack:
		return "kernel stack"
	case RegionPageTable:
		return "page table"
	case RegionBootloader:
		return "boot loader"
	case RegionFrameZero:
		return "frame zero"
	case RegionEmpty:
		return "empty"
	case RegionBootInfo:
		return "boot info"
	case RegionPackage:
		return "package"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a contiguous range of physical memory.
type MemoryRegion struct {
	// The physical address of the first byte in the region.
	Start uint64

	// The physical address one past the last byte in the region.
	End uint64

	// The type of this region.
	Type RegionType

	_ uint32
}

// Length returns the region size in bytes.
func (r *MemoryRegion) Length() uint64 {
	return r.End - r.Start
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region reported by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(region *MemoryRegion) bool

var infoData uintptr

// SetInfoPtr updates the internal boot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// PhysMemOffset returns the virtual address at which the boot loader mapped
// the entire physical address space.
func PhysMemOffset() uintptr {
	if infoData == 0 {
		return 0
	}
	return uintptr((*header)(unsafe.Pointer(infoData)).physMemOffset)
}

// VisitMemRegions invokes the supplied visitor for each memory region in the
// order reported by the boot loader.
func VisitMemRegions(visitor MemRegionVisitor) {
	if infoData == 0 {
		return
	}

	hdr := (*header)(unsafe.Pointer(infoData))
	curPtr := infoData + unsafe.Sizeof(header{})

	var region *MemoryRegion
	for i := uint64(0); i < hdr.regionCount; i++ {
		region = (*MemoryRegion)(unsafe.Pointer(curPtr))

		// Unknown region types must never be handed out
		if region.Type >= regionUnknown {
			region.Type = RegionReserved
		}

		if !visitor(region) {
			return
		}

		curPtr += unsafe.Sizeof(MemoryRegion{})
	}
}
