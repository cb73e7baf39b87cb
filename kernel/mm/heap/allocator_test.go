package heap

import (
	"rdos/kernel/mm"
	"runtime"
	"testing"
	"unsafe"
)

// newWindow returns a heap window of the requested size backed by a Go
// buffer. The buffer is returned too so it stays reachable.
func newWindow(size uintptr) (uintptr, []byte) {
	buf := make([]byte, size+mm.PageSize)
	start := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return start, buf
}

func TestAllocatorReadBack(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(4 * mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	alloc.Init(start, 4*mm.PageSize)

	addr := alloc.Alloc(unsafe.Sizeof(uint64(0)), unsafe.Alignof(uint64(0)))
	if addr == 0 {
		t.Fatal("expected allocation to succeed")
	}

	if addr < start || addr >= start+4*mm.PageSize {
		t.Fatalf("expected allocation inside the window; got 0x%x", addr)
	}

	value := (*uint64)(unsafe.Pointer(addr))
	*value = 41
	*value++
	if *value != 42 {
		t.Fatalf("expected to read back 42; got %d", *value)
	}

	if got := alloc.UsedBytes(); got != blockAlign {
		t.Fatalf("expected %d used bytes; got %d", blockAlign, got)
	}
}

func TestAllocatorFreeAndReallocate(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	alloc.Init(start, mm.PageSize)

	// A long-lived allocation followed by churn in the same size class
	liveAddr := alloc.Alloc(64, 8)
	live := (*[64]byte)(unsafe.Pointer(liveAddr))
	for i := range live {
		live[i] = byte(i)
	}

	for round := 0; round < 100; round++ {
		tmpAddr := alloc.Alloc(64, 8)
		if tmpAddr == 0 {
			t.Fatalf("[round %d] allocation failed", round)
		}

		tmp := (*[64]byte)(unsafe.Pointer(tmpAddr))
		for i := range tmp {
			tmp[i] = 0xff
		}
		alloc.Free(tmpAddr, 64)
	}

	for i := range live {
		if live[i] != byte(i) {
			t.Fatalf("live allocation corrupted at index %d: got %d", i, live[i])
		}
	}

	alloc.Free(liveAddr, 64)

	if alloc.UsedBytes() != 0 {
		t.Fatalf("expected all memory to be released; %d bytes still used", alloc.UsedBytes())
	}

	if got := alloc.holeCount(); got != 1 {
		t.Fatalf("expected free holes to be merged into one; got %d", got)
	}
}

func TestAllocatorManySmallAllocations(t *testing.T) {
	var (
		alloc      Allocator
		windowSize = 16 * mm.PageSize
		start, buf = newWindow(windowSize)
		count      = 1000
		addrs      = make([]uintptr, count)
	)
	defer runtime.KeepAlive(buf)

	alloc.Init(start, windowSize)

	// 1000 * 16 bytes spans multiple pages
	for i := 0; i < count; i++ {
		if addrs[i] = alloc.Alloc(8, 8); addrs[i] == 0 {
			t.Fatalf("allocation %d failed", i)
		}
		*(*uint64)(unsafe.Pointer(addrs[i])) = uint64(i)
	}

	if used := alloc.UsedBytes(); used <= mm.PageSize {
		t.Fatalf("expected allocations to span more than a page; used %d bytes", used)
	}

	for i, addr := range addrs {
		if got := *(*uint64)(unsafe.Pointer(addr)); got != uint64(i) {
			t.Fatalf("allocation %d: expected to read %d; got %d", i, i, got)
		}
	}
}

func TestAllocatorAlignment(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(4 * mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	alloc.Init(start, 4*mm.PageSize)

	// Misalign the next free address first
	if alloc.Alloc(16, 16) == 0 {
		t.Fatal("allocation failed")
	}

	for specIndex, align := range []uintptr{1, 8, 16, 64, 256, mm.PageSize} {
		addr := alloc.Alloc(24, align)
		if addr == 0 {
			t.Fatalf("[spec %d] allocation failed", specIndex)
		}

		if addr%align != 0 || addr%blockAlign != 0 {
			t.Errorf("[spec %d] expected address 0x%x to be aligned to %d", specIndex, addr, align)
		}
	}

	for specIndex, align := range []uintptr{0, 3, 24} {
		if addr := alloc.Alloc(8, align); addr != 0 {
			t.Errorf("[spec %d] expected invalid alignment %d to be rejected; got 0x%x", specIndex, align, addr)
		}
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	alloc.Init(start, mm.PageSize)

	if addr := alloc.Alloc(mm.PageSize+1, 8); addr != 0 {
		t.Fatalf("expected oversized allocation to fail; got 0x%x", addr)
	}

	if addr := alloc.Alloc(^uintptr(0)-8, 8); addr != 0 {
		t.Fatalf("expected huge allocation to fail; got 0x%x", addr)
	}

	whole := alloc.Alloc(mm.PageSize, 8)
	if whole != start {
		t.Fatalf("expected allocation covering the whole window to start at 0x%x; got 0x%x", start, whole)
	}

	if addr := alloc.Alloc(1, 1); addr != 0 {
		t.Fatalf("expected allocation from an exhausted window to fail; got 0x%x", addr)
	}

	if alloc.FreeBytes() != 0 {
		t.Fatalf("expected no free bytes; got %d", alloc.FreeBytes())
	}

	alloc.Free(whole, mm.PageSize)
	if alloc.FreeBytes() != mm.PageSize {
		t.Fatalf("expected %d free bytes; got %d", mm.PageSize, alloc.FreeBytes())
	}
}

func TestAllocatorCoalescing(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	specs := [][]int{
		{0, 1, 2, 3, 4, 5, 6, 7},
		{7, 6, 5, 4, 3, 2, 1, 0},
		{1, 3, 5, 7, 0, 2, 4, 6},
		{4, 0, 7, 2, 6, 1, 3, 5},
	}

	for specIndex, freeOrder := range specs {
		alloc.Init(start, mm.PageSize)

		var addrs [8]uintptr
		for i := range addrs {
			if addrs[i] = alloc.Alloc(mm.PageSize/8, 8); addrs[i] == 0 {
				t.Fatalf("[spec %d] allocation %d failed", specIndex, i)
			}
		}

		for _, i := range freeOrder {
			alloc.Free(addrs[i], mm.PageSize/8)
		}

		if got := alloc.holeCount(); got != 1 {
			t.Errorf("[spec %d] expected a single hole after freeing everything; got %d", specIndex, got)
		}

		// The merged hole must satisfy a whole-window request
		if addr := alloc.Alloc(mm.PageSize, 8); addr != start {
			t.Errorf("[spec %d] expected whole-window allocation at 0x%x; got 0x%x", specIndex, start, addr)
		}
	}
}

func TestAllocatorInit(t *testing.T) {
	var (
		alloc      Allocator
		start, buf = newWindow(mm.PageSize)
	)
	defer runtime.KeepAlive(buf)

	// Unaligned windows are trimmed to the block granularity
	alloc.Init(start+3, 100)
	if exp := uintptr(80); alloc.FreeBytes() != exp {
		t.Fatalf("expected %d usable bytes; got %d", exp, alloc.FreeBytes())
	}

	if addr := alloc.Alloc(8, 8); addr != start+blockAlign {
		t.Fatalf("expected first block at 0x%x; got 0x%x", start+blockAlign, addr)
	}

	// Windows too small for a single block are empty
	alloc.Init(start+1, 16)
	if addr := alloc.Alloc(1, 1); addr != 0 {
		t.Fatalf("expected allocation from an empty allocator to fail; got 0x%x", addr)
	}
}
