package mm

import (
	"rdos/kernel"
	"testing"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{0xb8123, Frame(0xb8)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestFrameAllocator(t *testing.T) {
	var allocCalled bool
	customAlloc := func() (Frame, *kernel.Error) {
		allocCalled = true
		return FrameFromAddress(0xbadf00), nil
	}

	defer SetFrameAllocator(nil)
	SetFrameAllocator(customAlloc)

	if _, err := AllocFrame(); err != nil {
		t.Fatal(err.Error())
	}

	if !allocCalled {
		t.Fatal("expected custom allocator to be invoked after a call to AllocFrame")
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input     uintptr
		expPage   Page
		expOffset uintptr
	}{
		{0, Page(0), 0},
		{4095, Page(0), 4095},
		{4096, Page(1), 0},
		{0xdeadbeef, Page(0xdeadb), 0xeef},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}

		if got := PageOffset(spec.input); got != spec.expOffset {
			t.Errorf("[spec %d] expected page offset to be %d; got %d", specIndex, spec.expOffset, got)
		}
	}
}

func TestVisitPageRange(t *testing.T) {
	specs := []struct {
		first, last Page
		stopAfter   int
		expVisits   int
	}{
		{Page(10), Page(10), -1, 1},
		{Page(0x222222220), Page(0x22222231f), -1, 256},
		{Page(5), Page(4), -1, 0},
		{Page(0), Page(99), 3, 3},
		{Page(^uintptr(0) >> PageShift), Page(^uintptr(0) >> PageShift), -1, 1},
	}

	for specIndex, spec := range specs {
		var (
			visits   int
			lastSeen = spec.first
		)

		VisitPageRange(spec.first, spec.last, func(page Page) bool {
			if visits > 0 && page != lastSeen+1 {
				t.Errorf("[spec %d] expected page %d after %d; got %d", specIndex, lastSeen+1, lastSeen, page)
			}
			lastSeen = page
			visits++
			return visits != spec.stopAfter
		})

		if visits != spec.expVisits {
			t.Errorf("[spec %d] expected %d visits; got %d", specIndex, spec.expVisits, visits)
		}
	}
}
