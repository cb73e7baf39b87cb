package sync

import "sync/atomic"

// Once runs a function exactly once. Unlike the standard library version it
// spins instead of parking the caller.
type Once struct {
	done uint32
	lock Spinlock
}

// Do invokes fn if and only if Do is being called for the first time for this
// instance of Once. Concurrent callers spin until the first invocation
// returns.
func (o *Once) Do(fn func()) {
	if atomic.LoadUint32(&o.done) == 1 {
		return
	}

	o.lock.Acquire()
	defer o.lock.Release()

	if o.done == 0 {
		defer atomic.StoreUint32(&o.done, 1)
		fn()
	}
}
