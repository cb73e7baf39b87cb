// Package sync provides the busy-wait synchronization primitives available to
// the kernel before (and without) a scheduler.
package sync

import (
	"rdos/kernel/cpu"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if one is set).
const attemptsBeforeYielding = 128

var (
	// yieldFn is nil in the kernel as there is no scheduler to yield to.
	yieldFn func()

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts == attemptsBeforeYielding {
			if yieldFn != nil {
				yieldFn()
			}
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// AcquireIRQSave disables interrupt delivery and then acquires the lock. An
// interrupt handler can therefore never spin on a lock held by the code it
// interrupted. The returned value must be passed to ReleaseIRQRestore.
func (l *Spinlock) AcquireIRQSave() bool {
	wasEnabled := interruptsEnabledFn()
	if wasEnabled {
		disableInterruptsFn()
	}

	l.Acquire()
	return wasEnabled
}

// ReleaseIRQRestore releases the lock and re-enables interrupt delivery if it
// was enabled when AcquireIRQSave was called.
func (l *Spinlock) ReleaseIRQRestore(wasEnabled bool) {
	l.Release()
	if wasEnabled {
		enableInterruptsFn()
	}
}
