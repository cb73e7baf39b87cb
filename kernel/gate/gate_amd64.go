// Package gate builds the interrupt descriptor table and routes interrupts
// and CPU exceptions to Go handlers.
package gate

import (
	"encoding/binary"
	"io"
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/kfmt"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs. The layout matches the stack contents built by the entry
// trampolines in gate_amd64.s.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt number that triggered the entry.
	Vector uint64

	// Info contains the error code pushed by the CPU for exceptions that
	// report one and 0 for everything else.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "VEC = %16x ERR = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs when a debug trap condition is met.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the CPU executes an int3 instruction. The
	// saved RIP points to the instruction after int3.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an exception occurs while the CPU is trying
	// to invoke the handler for a prior exception.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// FirstExternal is the first vector that is not reserved for CPU
	// exceptions.
	FirstExternal = InterruptNumber(32)
)

// Handler is a Go function that services an interrupt. Handlers run with
// interrupts disabled and must not block.
type Handler func(*Registers)

// MaxStackIndex is the largest interrupt stack table index that can be
// assigned to a vector.
const MaxStackIndex = 6

const (
	gateTypeInterrupt = 0xe
	gatePresent       = 1 << 15
)

// Descriptor is a 16-byte IDT gate descriptor. Uses uint64 to force 8-byte
// alignment.
type Descriptor [2]uint64

// Offset returns the address of the entry point for this gate.
func (d *Descriptor) Offset() uintptr {
	return uintptr(d[0]&0xffff) | uintptr((d[0]>>32)&0xffff0000) | uintptr(d[1]&0xffffffff)<<32
}

// Selector returns the code segment selector loaded when the gate fires.
func (d *Descriptor) Selector() uint16 {
	return uint16(d[0] >> 16)
}

// StackIndex returns the interrupt stack table index used by this gate and
// true, or false if the gate runs on the interrupted stack.
func (d *Descriptor) StackIndex() (uint8, bool) {
	ist := uint8(d[0]>>32) & 0x7
	if ist == 0 {
		return 0, false
	}
	return ist - 1, true
}

// GateType returns the 4-bit gate type.
func (d *Descriptor) GateType() uint8 {
	return uint8(d[0]>>40) & 0xf
}

// Present returns true if the gate is enabled.
func (d *Descriptor) Present() bool {
	return (d[0]>>32)&gatePresent != 0
}

// set encodes an interrupt gate for the entry point at offset. An ist value of
// 0 keeps the interrupted stack; values 1-7 select an interrupt stack table
// entry.
func (d *Descriptor) set(offset uintptr, selector uint16, ist uint8) {
	w0 := uint32(selector)<<16 | uint32(offset&0xffff)
	w1 := uint32(offset&0xffff0000) | gatePresent | gateTypeInterrupt<<8 | uint32(ist&0x7)
	d[0] = uint64(w1)<<32 | uint64(w0)
	d[1] = uint64(offset >> 32)
}

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn     = cpu.LoadIDT
	readCSFn      = cpu.ReadCS
	entryPointsFn = entryPoints
	panicFn       = kfmt.Panic

	// activeTable points to the table that was most recently loaded.
	activeTable *Table

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}

	// ErrTableLoaded is returned when attempting to modify a table after
	// it has been loaded.
	ErrTableLoaded = &kernel.Error{Module: "gate", Message: "descriptor table is already loaded"}

	// ErrNoEntryPoint is returned when registering a handler for a vector
	// that has no entry trampoline.
	ErrNoEntryPoint = &kernel.Error{Module: "gate", Message: "no entry point for interrupt vector"}

	// ErrInvalidStackIndex is returned when a stack index larger than
	// MaxStackIndex is requested.
	ErrInvalidStackIndex = &kernel.Error{Module: "gate", Message: "invalid interrupt stack index"}
)

// Table is an interrupt descriptor table together with the Go handlers for
// each vector. Entries are registered with Set and SetWithStack and the table
// is activated with Load. Once loaded the table is frozen.
//
// The CPU keeps referencing a loaded table, so a Table must live for the
// rest of the kernel's lifetime. Callers should use a package-level variable.
type Table struct {
	descriptors [256]Descriptor
	handlers    [256]Handler
	loaded      bool
}

// Set registers handler for the given vector. The handler runs on the
// interrupted stack.
func (t *Table) Set(num InterruptNumber, handler Handler) *kernel.Error {
	return t.install(num, 0, handler)
}

// SetWithStack registers handler for the given vector and instructs the CPU
// to switch to the stack stored at stackIndex in the interrupt stack table
// before invoking it. This allows the handler to run even when the
// interrupted stack is unusable.
func (t *Table) SetWithStack(num InterruptNumber, stackIndex uint8, handler Handler) *kernel.Error {
	if stackIndex > MaxStackIndex {
		return ErrInvalidStackIndex
	}
	return t.install(num, stackIndex+1, handler)
}

func (t *Table) install(num InterruptNumber, ist uint8, handler Handler) *kernel.Error {
	if t.loaded {
		return ErrTableLoaded
	}

	entry := entryPointsFn()[num]
	if entry == 0 {
		return ErrNoEntryPoint
	}

	t.descriptors[num].set(entry, readCSFn(), ist)
	t.handlers[num] = handler
	return nil
}

// Descriptor returns a copy of the descriptor for the given vector.
func (t *Table) Descriptor(num InterruptNumber) Descriptor {
	return t.descriptors[num]
}

// Load activates the table with the lidt instruction. Load can only be
// called once per table.
func (t *Table) Load() *kernel.Error {
	if t.loaded {
		return ErrTableLoaded
	}

	// The IDT register is a 10 byte value: a 16-bit limit followed by
	// the 64-bit address.
	var idtAddr [10]uint8
	binary.LittleEndian.PutUint16(idtAddr[:2], uint16(unsafe.Sizeof(t.descriptors)-1))
	binary.LittleEndian.PutUint64(idtAddr[2:], uint64(uintptr(unsafe.Pointer(&t.descriptors))))

	activeTable = t
	t.loaded = true
	loadIDTFn(uintptr(unsafe.Pointer(&idtAddr)))

	return nil
}

// Loaded returns true if the table has been loaded.
func (t *Table) Loaded() bool {
	return t.loaded
}

// Dispatch routes regs to the handler registered for regs.Vector. Vectors
// without a handler are fatal.
//
//go:nosplit
func (t *Table) Dispatch(regs *Registers) {
	if handler := t.handlers[uint8(regs.Vector)]; handler != nil {
		handler(regs)
		return
	}

	kfmt.Printf("\nUnhandled interrupt vector %d\n", regs.Vector)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errUnhandledInterrupt)
}

// dispatchInterrupt is invoked by the entry trampolines to route an
// incoming interrupt through the active table.
//
//go:nosplit
func dispatchInterrupt(regs *Registers) {
	if activeTable == nil {
		kfmt.Printf("\nInterrupt vector %d raised before a table was loaded\n", regs.Vector)
		panicFn(errUnhandledInterrupt)
		return
	}
	activeTable.Dispatch(regs)
}

// entryPoints returns the addresses of the entry trampolines for each
// vector. Vectors without a trampoline have a zero entry.
func entryPoints() *[256]uintptr
