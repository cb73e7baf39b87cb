package kmain

import (
	"io"

	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/driver/vga"
	"rdos/kernel/hal/bootinfo"
	"rdos/kernel/irq"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm/heap"
	"rdos/kernel/mm/pmm"
	"rdos/kernel/mm/vmm"
)

var (
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[kmain] ")}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	consoleInitFn     = initConsole
	irqInitFn         = irq.Init
	irqInitHardwareFn = irq.InitHardware
	pmmInitFn         = pmm.Init
	vmmInitFn         = vmm.Init
	heapInitFn        = heap.Init
	panicFn           = kfmt.Panic
	haltLoopFn        = cpu.HaltLoop
	breakpointFn      = cpu.Breakpoint
)

func initConsole(physMemOffset uintptr) io.Writer {
	return vga.Init(physMemOffset)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code after
// setting up the GDT, the TSS and a minimal g0 struct that allows Go code to
// run on the stack allocated by the assembly code.
//
// The rt0 code passes the address of the boot info block provided by the
// boot loader and the index of the interrupt stack table entry that points to
// the double fault stack.
//
// Kmain is not expected to return. Once the kernel is initialized the CPU is
// parked in a halt loop where it keeps servicing interrupts.
//
//go:noinline
func Kmain(bootInfoPtr uintptr, doubleFaultStackIndex uint8) {
	bootinfo.SetInfoPtr(bootInfoPtr)
	physMemOffset := bootinfo.PhysMemOffset()

	kfmt.SetOutputSink(consoleInitFn(physMemOffset))
	kfmt.Fprintf(&logWriter, "starting rdos\n")

	var err *kernel.Error
	if err = irqInitFn(doubleFaultStackIndex); err != nil {
		panicFn(err)
		return
	} else if err = irqInitHardwareFn(); err != nil {
		panicFn(err)
		return
	}

	// The breakpoint handler reports the trap and resumes execution.
	breakpointFn()
	kfmt.Fprintf(&logWriter, "resumed after breakpoint exception\n")

	frames := pmmInitFn()
	pageTable := vmmInitFn(physMemOffset)
	if err = heapInitFn(pageTable, frames.AllocFrame); err != nil {
		panicFn(err)
		return
	}

	kfmt.Fprintf(&logWriter, "initialization complete (%d frames allocated)\n", frames.AllocCount())
	haltLoopFn()
}
