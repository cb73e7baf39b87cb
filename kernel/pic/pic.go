// Package pic drives the pair of chained 8259 programmable interrupt
// controllers that deliver legacy hardware interrupts.
package pic

import (
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/kfmt"
	"rdos/kernel/sync"
)

const (
	// PrimaryOffset is the vector that IRQ 0 is remapped to. Vectors 0-31
	// are reserved for CPU exceptions.
	PrimaryOffset = 32

	// SecondaryOffset is the vector that IRQ 8 is remapped to.
	SecondaryOffset = PrimaryOffset + linesPerChip

	linesPerChip = 8

	primaryCommandPort   = 0x20
	primaryDataPort      = 0x21
	secondaryCommandPort = 0xa0
	secondaryDataPort    = 0xa1

	// Writing to this unused port gives the controllers time to process
	// the previous command.
	waitPort = 0x80

	// ICW1: start initialization, ICW4 follows.
	cmdInit = 0x11

	// OCW2: non-specific end of interrupt.
	cmdEndOfInterrupt = 0x20

	// ICW4: 8086/88 mode.
	mode8086 = 0x01

	// ICW3 values: the secondary controller is wired to line 2 of the
	// primary one.
	primaryCascadeMask    = 1 << 2
	secondaryCascadeIdent = 2
)

// LineMask is a set of IRQ lines. Bit N refers to IRQ N; bits 0-7 are
// served by the primary controller and bits 8-15 by the secondary one.
type LineMask uint16

const (
	// LineTimer is the programmable interval timer.
	LineTimer LineMask = 1 << 0

	// LineKeyboard is the PS/2 keyboard controller.
	LineKeyboard LineMask = 1 << 1

	// lineCascade connects the secondary controller to the primary one.
	lineCascade LineMask = 1 << 2
)

var (
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[pic] ")}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	// ErrOverlapsExceptions is returned when a controller would deliver
	// interrupts on vectors reserved for CPU exceptions.
	ErrOverlapsExceptions = &kernel.Error{Module: "pic", Message: "interrupt offsets overlap the CPU exception vectors"}

	// ErrOverlappingOffsets is returned when both controllers would share
	// vectors.
	ErrOverlappingOffsets = &kernel.Error{Module: "pic", Message: "controller vector ranges overlap"}
)

type chip struct {
	offset      uint8
	commandPort uint16
	dataPort    uint16
}

func (c *chip) handlesInterrupt(vector uint8) bool {
	return vector >= c.offset && uint16(vector) < uint16(c.offset)+linesPerChip
}

func (c *chip) endOfInterrupt() {
	portWriteByteFn(c.commandPort, cmdEndOfInterrupt)
}

// ChainedPICs describes the primary/secondary 8259 pair.
type ChainedPICs struct {
	primary   chip
	secondary chip
}

// NewChainedPICs returns a controller pair that delivers IRQs 0-7 on vectors
// starting at primaryOffset and IRQs 8-15 on vectors starting at
// secondaryOffset.
func NewChainedPICs(primaryOffset, secondaryOffset uint8) (ChainedPICs, *kernel.Error) {
	if primaryOffset < PrimaryOffset || secondaryOffset < PrimaryOffset {
		return ChainedPICs{}, ErrOverlapsExceptions
	}

	if primaryOffset > 256-linesPerChip || secondaryOffset > 256-linesPerChip {
		return ChainedPICs{}, ErrOverlappingOffsets
	}

	if diff := int(primaryOffset) - int(secondaryOffset); diff > -linesPerChip && diff < linesPerChip {
		return ChainedPICs{}, ErrOverlappingOffsets
	}

	return ChainedPICs{
		primary:   chip{offset: primaryOffset, commandPort: primaryCommandPort, dataPort: primaryDataPort},
		secondary: chip{offset: secondaryOffset, commandPort: secondaryCommandPort, dataPort: secondaryDataPort},
	}, nil
}

// Initialize remaps both controllers to their vector offsets and masks every
// line except the ones in enabled.
func (p *ChainedPICs) Initialize(enabled LineMask) {
	wait := func() { portWriteByteFn(waitPort, 0) }

	// ICW1
	portWriteByteFn(p.primary.commandPort, cmdInit)
	wait()
	portWriteByteFn(p.secondary.commandPort, cmdInit)
	wait()

	// ICW2: vector offsets
	portWriteByteFn(p.primary.dataPort, p.primary.offset)
	wait()
	portWriteByteFn(p.secondary.dataPort, p.secondary.offset)
	wait()

	// ICW3: cascade wiring
	portWriteByteFn(p.primary.dataPort, primaryCascadeMask)
	wait()
	portWriteByteFn(p.secondary.dataPort, secondaryCascadeIdent)
	wait()

	// ICW4
	portWriteByteFn(p.primary.dataPort, mode8086)
	wait()
	portWriteByteFn(p.secondary.dataPort, mode8086)
	wait()

	// Lines on the secondary controller only reach the CPU through the
	// cascade line
	if enabled>>linesPerChip != 0 {
		enabled |= lineCascade
	}

	// A set bit in the mask register disables the line
	portWriteByteFn(p.primary.dataPort, ^uint8(enabled))
	portWriteByteFn(p.secondary.dataPort, ^uint8(enabled>>linesPerChip))
}

// Masks returns the current contents of the primary and secondary mask
// registers.
func (p *ChainedPICs) Masks() (uint8, uint8) {
	return portReadByteFn(p.primary.dataPort), portReadByteFn(p.secondary.dataPort)
}

// HandlesInterrupt returns true if the vector is delivered by one of the
// controllers.
func (p *ChainedPICs) HandlesInterrupt(vector uint8) bool {
	return p.primary.handlesInterrupt(vector) || p.secondary.handlesInterrupt(vector)
}

// NotifyEndOfInterrupt acknowledges the interrupt delivered on vector so the
// controllers can deliver the next one. Interrupts from the secondary
// controller must be acknowledged on both controllers. Vectors not served
// by the controllers are ignored.
func (p *ChainedPICs) NotifyEndOfInterrupt(vector uint8) {
	if !p.HandlesInterrupt(vector) {
		return
	}

	if p.secondary.handlesInterrupt(vector) {
		p.secondary.endOfInterrupt()
	}
	p.primary.endOfInterrupt()
}

var (
	// controller is the system's controller pair.
	controller = ChainedPICs{
		primary:   chip{offset: PrimaryOffset, commandPort: primaryCommandPort, dataPort: primaryDataPort},
		secondary: chip{offset: SecondaryOffset, commandPort: secondaryCommandPort, dataPort: secondaryDataPort},
	}

	controllerLock sync.Spinlock
)

// Init remaps the system's controllers to PrimaryOffset/SecondaryOffset and
// enables the supplied lines. It must be called while interrupts are
// disabled.
func Init(enabled LineMask) {
	controllerLock.Acquire()
	controller.Initialize(enabled)
	controllerLock.Release()

	kfmt.Fprintf(&logWriter, "remapped IRQs to vectors %d-%d, enabled lines: 0x%4x\n", PrimaryOffset, SecondaryOffset+linesPerChip-1, uint16(enabled))
}

// NotifyEndOfInterrupt acknowledges the interrupt delivered on vector. It is
// called from interrupt handlers, which run with interrupts disabled.
func NotifyEndOfInterrupt(vector uint8) {
	controllerLock.Acquire()
	controller.NotifyEndOfInterrupt(vector)
	controllerLock.Release()
}
