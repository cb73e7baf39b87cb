package vmm

import (
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/gate"
	"rdos/kernel/kfmt"
)

// Page fault error code bits.
const (
	pfProtectionViolation = 1 << iota
	pfWrite
	pfUserMode
	pfReservedBit
	pfInstructionFetch
)

var (
	// readCR2Fn is used by tests to override calls to cpu.ReadCR2 which
	// will cause a fault if called in user-mode.
	readCR2Fn = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/GPF fault"}
)

// InstallFaultHandlers registers the page fault and general protection fault
// handlers with the supplied descriptor table.
func InstallFaultHandlers(table *gate.Table) *kernel.Error {
	if err := table.Set(gate.PageFaultException, pageFaultHandler); err != nil {
		return err
	}
	return table.Set(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. Demand paging is not supported so every page
// fault is fatal.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	printPageFaultReason(regs.Info)
	kfmt.Printf("\nError code: 0x%x\n", regs.Info)

	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

func printPageFaultReason(errorCode uint64) {
	target := "non-present page"
	if errorCode&pfProtectionViolation != 0 {
		target = "protected page"
	}

	switch {
	case errorCode&pfReservedBit != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&pfInstructionFetch != 0:
		kfmt.Printf("instruction fetch from %s", target)
	case errorCode&pfWrite != 0:
		kfmt.Printf("write to %s", target)
	default:
		kfmt.Printf("read from %s", target)
	}

	if errorCode&pfUserMode != 0 {
		kfmt.Printf(" (user-mode)")
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector error code: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
