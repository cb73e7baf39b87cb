package irq

import (
	"sync/atomic"

	"rdos/kernel/gate"
	"rdos/kernel/kfmt"
)

var ticks uint64

// Ticks returns the number of timer interrupts serviced so far.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: BREAKPOINT\n")
	regs.DumpTo(kfmt.GetOutputSink())
}

func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: DOUBLE FAULT (error code: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errDoubleFault)
}

func timerHandler(regs *gate.Registers) {
	defer notifyEOIFn(uint8(regs.Vector))

	atomic.AddUint64(&ticks, 1)
	if DebugTimer {
		kfmt.Printf(".")
	}
}

func keyboardHandler(regs *gate.Registers) {
	defer notifyEOIFn(uint8(regs.Vector))

	// The controller keeps the line asserted until the scancode is read.
	code := portReadByteFn(keyboardDataPort)
	scancodes.push(code)
	if DebugKeyboard {
		kfmt.Fprintf(&logWriter, "scancode 0x%2x\n", code)
	}
}
