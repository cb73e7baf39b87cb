package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rdos/kernel"
	"rdos/kernel/driver/vga"
	"rdos/kernel/hal/bootinfo"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm"
	"rdos/kernel/mm/heap"
	"rdos/kernel/mm/pmm"
	"rdos/kernel/mm/vmm"
)

const (
	// textPage is the virtual page that gets mapped to the text buffer.
	textPage = uintptr(0xdeadbeef000)

	// textPattern is written at textCell. Read as text mode cells it
	// spells "New!" in white on black.
	textPattern = uint64(0xf021_f077_f065_f04e)
	textCell    = 400
)

type simulation struct {
	mem      []byte
	base     uintptr
	bootInfo []uint64

	frames    *pmm.BootFrameSource
	pageTable vmm.OffsetPageTable
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[vmmsim] error: %s\n", err.Error())
	os.Exit(1)
}

// kernelErr converts a kernel error into an error value without turning a nil
// *kernel.Error into a non-nil interface.
func kernelErr(err *kernel.Error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func newSimulation(memSize, reservedSize uint64) (*simulation, error) {
	pageMask := uint64(mm.PageSize - 1)
	switch {
	case memSize&pageMask != 0 || reservedSize&pageMask != 0:
		return nil, errors.Errorf("memory sizes must be multiples of %d bytes", mm.PageSize)
	case reservedSize < uint64(vga.TextBufferPhysAddr+mm.PageSize):
		return nil, errors.Errorf("reserved memory must cover the text buffer at 0x%x", vga.TextBufferPhysAddr)
	case reservedSize >= memSize:
		return nil, errors.Errorf("reserved memory (%d bytes) leaves no usable memory out of %d bytes", reservedSize, memSize)
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "unable to allocate simulated physical memory")
	}

	sim := &simulation{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}

	// The boot info block is a header followed by the memory regions,
	// three words per region.
	regions := []bootinfo.MemoryRegion{
		{Start: 0, End: uint64(mm.PageSize), Type: bootinfo.RegionFrameZero},
		{Start: uint64(mm.PageSize), End: reservedSize, Type: bootinfo.RegionReserved},
		{Start: reservedSize, End: memSize, Type: bootinfo.RegionUsable},
	}
	sim.bootInfo = make([]uint64, 2, 2+3*len(regions))
	sim.bootInfo[0] = uint64(sim.base)
	sim.bootInfo[1] = uint64(len(regions))
	for _, region := range regions {
		sim.bootInfo = append(sim.bootInfo, region.Start, region.End, uint64(region.Type))
	}

	return sim, nil
}

// bootstrap runs the memory bring-up against the simulated memory: frame
// source, a fresh top-level table and the heap window.
func (sim *simulation) bootstrap() error {
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&sim.bootInfo[0])))
	if got := bootinfo.PhysMemOffset(); got != sim.base {
		return errors.Errorf("boot info reports physical memory offset 0x%x; expected 0x%x", got, sim.base)
	}

	sim.frames = pmm.Init()

	rootFrame, kerr := sim.frames.AllocFrame()
	if kerr != nil {
		return kernelErr(kerr, "unable to allocate top-level table")
	}
	sim.zeroFrame(rootFrame)

	// The simulated tables are never loaded into CR3.
	vmm.SetTLBFlusher(func(uintptr) {})
	sim.pageTable = vmm.NewOffsetPageTable(sim.base, rootFrame)

	return kernelErr(
		heap.MapRegion(&sim.pageTable, sim.frames.AllocFrame, heap.Start, heap.Size),
		"unable to map heap window",
	)
}

func (sim *simulation) zeroFrame(frame mm.Frame) {
	kernel.Memset(sim.base+frame.Address(), 0, mm.PageSize)
}

// checkTextMapping maps textPage to the text buffer frame, stores the pattern
// through the physical memory window and reads it back through the new
// mapping.
func (sim *simulation) checkTextMapping() (uintptr, error) {
	kerr := sim.pageTable.Map(
		mm.PageFromAddress(textPage),
		mm.FrameFromAddress(vga.TextBufferPhysAddr),
		vmm.FlagPresent|vmm.FlagRW,
		sim.frames.AllocFrame,
	)
	if kerr != nil {
		return 0, kernelErr(kerr, "unable to map text buffer")
	}

	cellOffset := uintptr(textCell * 8)
	binary.LittleEndian.PutUint64(sim.mem[vga.TextBufferPhysAddr+cellOffset:], textPattern)

	physAddr, kerr := sim.pageTable.Translate(textPage + cellOffset)
	if kerr != nil {
		return 0, kernelErr(kerr, "unable to translate text buffer address")
	}

	if got := binary.LittleEndian.Uint64(sim.mem[physAddr:]); got != textPattern {
		return 0, errors.Errorf("read 0x%x through mapping at 0x%x; expected 0x%x", got, textPage+cellOffset, textPattern)
	}

	return physAddr, nil
}

// checkUnmap removes the text buffer mapping and verifies that it no longer
// translates.
func (sim *simulation) checkUnmap() error {
	frame, kerr := sim.pageTable.Unmap(mm.PageFromAddress(textPage))
	if kerr != nil {
		return kernelErr(kerr, "unable to unmap text buffer")
	}

	if frame != mm.FrameFromAddress(vga.TextBufferPhysAddr) {
		return errors.Errorf("unmap returned frame 0x%x; expected the text buffer frame", frame.Address())
	}

	_, kerr = sim.pageTable.Translate(textPage)
	switch {
	case kerr == nil:
		return errors.Errorf("page 0x%x still translates after unmap", textPage)
	case kerr != vmm.ErrInvalidMapping:
		return kernelErr(kerr, "unexpected translation error after unmap")
	}

	return nil
}

func (sim *simulation) close() {
	bootinfo.SetInfoPtr(0)
	vmm.SetTLBFlusher(nil)
	_ = unix.Munmap(sim.mem)
}

func run(w io.Writer, memSize, reservedSize uint64) error {
	kfmt.SetOutputSink(w)
	defer kfmt.SetOutputSink(nil)

	sim, err := newSimulation(memSize, reservedSize)
	if err != nil {
		return err
	}
	defer sim.close()

	if err = sim.bootstrap(); err != nil {
		return err
	}

	fmt.Fprintf(w, "[vmmsim] heap window: %d pages at 0x%x\n", heap.Size>>mm.PageShift, heap.Start)
	for _, addr := range []uintptr{heap.Start, heap.Start + heap.Size - 1} {
		physAddr, kerr := sim.pageTable.Translate(addr)
		if kerr != nil {
			return kernelErr(kerr, "heap window is not mapped")
		}
		fmt.Fprintf(w, "[vmmsim] 0x%x -> 0x%x\n", addr, physAddr)
	}

	physAddr, err := sim.checkTextMapping()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "[vmmsim] 0x%x -> 0x%x: pattern 0x%x verified\n", textPage+textCell*8, physAddr, textPattern)

	if err = sim.checkUnmap(); err != nil {
		return err
	}
	fmt.Fprintf(w, "[vmmsim] 0x%x unmapped\n", textPage)

	fmt.Fprintf(w, "[vmmsim] frames allocated: %d\n", sim.frames.AllocCount())
	return nil
}

func main() {
	memSize := flag.Uint64("mem", 16*uint64(mm.Mb), "size of the simulated physical memory in bytes")
	reservedSize := flag.Uint64("reserved", uint64(mm.Mb), "size of the reserved low memory in bytes")
	flag.Parse()

	if err := run(os.Stdout, *memSize, *reservedSize); err != nil {
		exit(err)
	}
}
