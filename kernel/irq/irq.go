// Package irq builds the kernel's interrupt descriptor table and services the
// CPU exceptions and hardware interrupts the kernel cares about.
package irq

import (
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/gate"
	"rdos/kernel/kfmt"
	"rdos/kernel/mm/vmm"
	"rdos/kernel/pic"
	"rdos/kernel/sync"
)

const (
	// TimerVector and KeyboardVector are the vectors the PIC delivers the
	// timer and keyboard lines on.
	TimerVector    = gate.InterruptNumber(pic.PrimaryOffset)
	KeyboardVector = gate.InterruptNumber(pic.PrimaryOffset + 1)

	// keyboardDataPort is the PS/2 controller data port.
	keyboardDataPort = 0x60
)

var (
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[irq] ")}

	// table is the system's descriptor table. The CPU references it for
	// the lifetime of the kernel.
	table    gate.Table
	initOnce sync.Once
	initErr  *kernel.Error
	ready    bool

	// Debug toggles for the hardware interrupt handlers.
	DebugTimer    = false
	DebugKeyboard = false

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadTableFn            = (*gate.Table).Load
	installFaultHandlersFn = vmm.InstallFaultHandlers
	picInitFn              = pic.Init
	notifyEOIFn            = pic.NotifyEndOfInterrupt
	enableInterruptsFn     = cpu.EnableInterrupts
	portReadByteFn         = cpu.PortReadByte
	panicFn                = kfmt.Panic

	// ErrNotInitialized is returned by InitHardware if Init has not
	// completed successfully.
	ErrNotInitialized = &kernel.Error{Module: "irq", Message: "interrupt table has not been loaded"}

	errDoubleFault = &kernel.Error{Module: "irq", Message: "double fault"}
)

// Init populates the system's descriptor table and loads it. The double fault
// handler runs on the interrupt stack table entry at doubleFaultStackIndex so
// that it still works after a kernel stack overflow. The table is built the
// first time Init is called; later calls return the result of the first one.
func Init(doubleFaultStackIndex uint8) *kernel.Error {
	initOnce.Do(func() {
		initErr = buildTable(&table, doubleFaultStackIndex)
		if initErr == nil {
			initErr = loadTableFn(&table)
		}

		if initErr == nil {
			ready = true
			kfmt.Fprintf(&logWriter, "descriptor table loaded (double fault stack index: %d)\n", doubleFaultStackIndex)
		}
	})

	return initErr
}

func buildTable(t *gate.Table, doubleFaultStackIndex uint8) *kernel.Error {
	if err := t.Set(gate.Breakpoint, breakpointHandler); err != nil {
		return err
	}

	if err := t.SetWithStack(gate.DoubleFault, doubleFaultStackIndex, doubleFaultHandler); err != nil {
		return err
	}

	if err := installFaultHandlersFn(t); err != nil {
		return err
	}

	if err := t.Set(TimerVector, timerHandler); err != nil {
		return err
	}

	return t.Set(KeyboardVector, keyboardHandler)
}

// InitHardware remaps the interrupt controllers, unmasks the timer and
// keyboard lines and enables interrupts on the CPU.
func InitHardware() *kernel.Error {
	if !ready {
		return ErrNotInitialized
	}

	picInitFn(pic.LineTimer | pic.LineKeyboard)
	enableInterruptsFn()
	return nil
}
