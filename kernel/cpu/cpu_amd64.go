// Package cpu exposes the privileged amd64 instructions used by the kernel.
// Everything in here faults when executed outside ring 0, so callers reach it
// through package-level function variables that tests can replace.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the IF flag is set in RFLAGS.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// HaltLoop parks the CPU forever. Interrupts are still serviced while the
// CPU is parked; HaltLoop never returns.
func HaltLoop() {
	for {
		Halt()
	}
}

// Breakpoint raises a breakpoint exception (int3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the contents of the CR3 register which hold the physical
// address of the currently active top-level page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadCS returns the currently active code segment selector.
func ReadCS() uint16

// LoadIDT loads the interrupt descriptor table register using the 10-byte
// pseudo-descriptor (limit followed by base) at descAddr.
func LoadIDT(descAddr uintptr)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
