package irq

import "sync/atomic"

const scancodeBufSize = 64

var scancodes scancodeRing

// scancodeRing is a single-producer single-consumer queue. The keyboard
// handler is the only producer and ReadScancode the only consumer.
type scancodeRing struct {
	buf        [scancodeBufSize]uint8
	head, tail uint32
}

// push appends code to the queue. Codes are dropped while the queue is full.
func (r *scancodeRing) push(code uint8) bool {
	tail := atomic.LoadUint32(&r.tail)
	if tail-atomic.LoadUint32(&r.head) == scancodeBufSize {
		return false
	}

	r.buf[tail%scancodeBufSize] = code
	atomic.StoreUint32(&r.tail, tail+1)
	return true
}

func (r *scancodeRing) pop() (uint8, bool) {
	head := atomic.LoadUint32(&r.head)
	if head == atomic.LoadUint32(&r.tail) {
		return 0, false
	}

	code := r.buf[head%scancodeBufSize]
	atomic.StoreUint32(&r.head, head+1)
	return code, true
}

// ReadScancode returns the oldest scancode received from the keyboard
// controller. The second return value is false if no scancode is pending.
func ReadScancode() (uint8, bool) {
	return scancodes.pop()
}
