package gate

import (
	"bytes"
	"encoding/binary"
	"rdos/kernel"
	"rdos/kernel/cpu"
	"rdos/kernel/kfmt"
	"strings"
	"testing"
	"unsafe"
)

var fakeEntryPoints [256]uintptr

func init() {
	for i := 0; i < 48; i++ {
		fakeEntryPoints[i] = uintptr(0xffff_8000_dead_0000) + uintptr(i*16)
	}
}

func mockGate(t *testing.T) func() {
	entryPointsFn = func() *[256]uintptr { return &fakeEntryPoints }
	readCSFn = func() uint16 { return 0x08 }
	loadIDTFn = func(uintptr) { t.Fatal("unexpected call to lidt") }

	return func() {
		entryPointsFn = entryPoints
		readCSFn = cpu.ReadCS
		loadIDTFn = cpu.LoadIDT
		panicFn = kfmt.Panic
		activeTable = nil
	}
}

func TestDescriptorEncoding(t *testing.T) {
	specs := []struct {
		offset   uintptr
		selector uint16
		ist      uint8
	}{
		{0x0000_0000_0010_2030, 0x08, 0},
		{0xffff_8000_dead_beef, 0x08, 1},
		{0x1234_5678_9abc_def0, 0x28, 7},
	}

	for specIndex, spec := range specs {
		var d Descriptor
		d.set(spec.offset, spec.selector, spec.ist)

		if got := d.Offset(); got != spec.offset {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, spec.offset, got)
		}

		if got := d.Selector(); got != spec.selector {
			t.Errorf("[spec %d] expected selector 0x%x; got 0x%x", specIndex, spec.selector, got)
		}

		index, usesStack := d.StackIndex()
		if usesStack != (spec.ist != 0) {
			t.Errorf("[spec %d] expected stack switch to be %t", specIndex, spec.ist != 0)
		} else if usesStack && index != spec.ist-1 {
			t.Errorf("[spec %d] expected stack index %d; got %d", specIndex, spec.ist-1, index)
		}

		if got := d.GateType(); got != gateTypeInterrupt {
			t.Errorf("[spec %d] expected gate type 0x%x; got 0x%x", specIndex, gateTypeInterrupt, got)
		}

		if !d.Present() {
			t.Errorf("[spec %d] expected gate to be present", specIndex)
		}
	}

	var empty Descriptor
	if empty.Present() {
		t.Error("expected zero descriptor to be non-present")
	}
}

func TestTableSet(t *testing.T) {
	defer mockGate(t)()

	var (
		table   Table
		handler = func(*Registers) {}
	)

	if err := table.Set(Breakpoint, handler); err != nil {
		t.Fatal(err)
	}

	if err := table.SetWithStack(DoubleFault, 0, handler); err != nil {
		t.Fatal(err)
	}

	if err := table.SetWithStack(DoubleFault, MaxStackIndex+1, handler); err != ErrInvalidStackIndex {
		t.Fatalf("expected ErrInvalidStackIndex; got %v", err)
	}

	if err := table.Set(InterruptNumber(200), handler); err != ErrNoEntryPoint {
		t.Fatalf("expected ErrNoEntryPoint; got %v", err)
	}

	bp := table.Descriptor(Breakpoint)
	if got := bp.Offset(); got != fakeEntryPoints[Breakpoint] {
		t.Errorf("expected breakpoint gate to point to 0x%x; got 0x%x", fakeEntryPoints[Breakpoint], got)
	}
	if _, usesStack := bp.StackIndex(); usesStack {
		t.Error("expected breakpoint gate to run on the interrupted stack")
	}

	df := table.Descriptor(DoubleFault)
	if index, usesStack := df.StackIndex(); !usesStack || index != 0 {
		t.Errorf("expected double fault gate to use stack index 0; got %d (%t)", index, usesStack)
	}
	if got := df.Selector(); got != 0x08 {
		t.Errorf("expected selector 0x08; got 0x%x", got)
	}

	if pf := table.Descriptor(PageFaultException); pf.Present() {
		t.Error("expected unregistered vector to be non-present")
	}
}

func TestTableLoad(t *testing.T) {
	defer mockGate(t)()

	var (
		table     Table
		loadCount int
		limit     uint16
		base      uint64
	)

	loadIDTFn = func(descAddr uintptr) {
		loadCount++
		desc := (*[10]byte)(unsafe.Pointer(descAddr))
		limit = binary.LittleEndian.Uint16(desc[:2])
		base = binary.LittleEndian.Uint64(desc[2:])
	}

	if err := table.Set(Breakpoint, func(*Registers) {}); err != nil {
		t.Fatal(err)
	}

	if err := table.Load(); err != nil {
		t.Fatal(err)
	}

	if !table.Loaded() {
		t.Fatal("expected table to be marked as loaded")
	}

	if exp := uint16(256*16 - 1); limit != exp {
		t.Errorf("expected IDT limit %d; got %d", exp, limit)
	}

	if exp := uint64(uintptr(unsafe.Pointer(&table.descriptors))); base != exp {
		t.Errorf("expected IDT base 0x%x; got 0x%x", exp, base)
	}

	// The table is frozen after loading
	if err := table.Load(); err != ErrTableLoaded {
		t.Errorf("expected ErrTableLoaded; got %v", err)
	}

	if err := table.Set(GPFException, func(*Registers) {}); err != ErrTableLoaded {
		t.Errorf("expected ErrTableLoaded; got %v", err)
	}

	if loadCount != 1 {
		t.Errorf("expected lidt to be invoked once; got %d", loadCount)
	}
}

func TestDispatchInterrupt(t *testing.T) {
	defer mockGate(t)()
	defer kfmt.SetOutputSink(nil)

	var (
		table       Table
		buf         bytes.Buffer
		handled     []uint64
		panicCalled bool
	)

	kfmt.SetOutputSink(&buf)
	loadIDTFn = func(uintptr) {}
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); !ok || err != errUnhandledInterrupt {
			t.Errorf("expected panic with errUnhandledInterrupt; got %v", e)
		}
		panicCalled = true
	}

	record := func(regs *Registers) { handled = append(handled, regs.Vector) }
	if err := table.Set(Breakpoint, record); err != nil {
		t.Fatal(err)
	}
	if err := table.Set(FirstExternal, record); err != nil {
		t.Fatal(err)
	}
	if err := table.Load(); err != nil {
		t.Fatal(err)
	}

	for _, vector := range []uint64{3, 32, 3} {
		dispatchInterrupt(&Registers{Vector: vector})
	}

	if len(handled) != 3 || handled[0] != 3 || handled[1] != 32 || handled[2] != 3 {
		t.Fatalf("expected handlers to be invoked for vectors [3 32 3]; got %v", handled)
	}

	if panicCalled {
		t.Fatal("unexpected panic")
	}

	dispatchInterrupt(&Registers{Vector: 33, RIP: 0xbadf00d})
	if !panicCalled {
		t.Fatal("expected unhandled vector to be fatal")
	}

	for _, exp := range []string{"Unhandled interrupt vector 33", "RIP = 000000000badf00d"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestDispatchWithoutActiveTable(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		kfmt.SetOutputSink(nil)
	}()

	var (
		buf         bytes.Buffer
		panicCalled bool
	)
	kfmt.SetOutputSink(&buf)
	panicFn = func(interface{}) { panicCalled = true }

	activeTable = nil
	dispatchInterrupt(&Registers{Vector: 32})

	if !panicCalled {
		t.Fatal("expected interrupt without a loaded table to be fatal")
	}

	if exp := "Interrupt vector 32 raised before a table was loaded"; !strings.Contains(buf.String(), exp) {
		t.Fatalf("expected output to contain %q; got:\n%s", exp, buf.String())
	}
}

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RBP: 7,
		R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
		Vector: 14, Info: 2,
		RIP: 16, CS: 17, RFlags: 18, RSP: 19, SS: 20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\n" +
		"RCX = 0000000000000003 RDX = 0000000000000004\n" +
		"RSI = 0000000000000005 RDI = 0000000000000006\n" +
		"RBP = 0000000000000007\n" +
		"R8  = 0000000000000008 R9  = 0000000000000009\n" +
		"R10 = 000000000000000a R11 = 000000000000000b\n" +
		"R12 = 000000000000000c R13 = 000000000000000d\n" +
		"R14 = 000000000000000e R15 = 000000000000000f\n" +
		"\n" +
		"VEC = 000000000000000e ERR = 0000000000000002\n" +
		"RIP = 0000000000000010 CS  = 0000000000000011\n" +
		"RSP = 0000000000000013 SS  = 0000000000000014\n" +
		"RFL = 0000000000000012\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
