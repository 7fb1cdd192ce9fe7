// Package klock implements the IRQ-safe spinlock every other kernel
// subsystem serializes through.
//
// CPUs here are real goroutines and interrupts are simulated, so the
// save/disable/restore discipline is explicit rather than implied by
// running single-core with interrupts already off.
package klock

import (
	"runtime"
	"sync/atomic"
)

// CPUID identifies a simulated CPU core. Code that wants "the current
// CPU" calls cputime.CurrentCPU() (internal/cputime) and passes the
// result in; klock has no notion of CPU identity of its own, to avoid an
// import cycle with internal/cputime. Distinct execution contexts must
// pass distinct ids, or contention is indistinguishable from recursive
// acquisition.
type CPUID uint32

// NoCPU is the holder value meaning "no CPU holds this lock"; Unlock and
// ForceUnlock store it.
const NoCPU CPUID = ^CPUID(0)

// SpinLock is an IRQ-safe mutual-exclusion primitive with CPU-holder
// tracking.
type SpinLock struct {
	state  atomic.Uint32 // 0 = free, 1 = held
	holder atomic.Uint32 // CPUID of the holder, or NoCPU
}

// Guard represents interrupt state saved across a critical section. The
// zero value is not a valid Guard; always obtain one from Lock/TryLock.
type Guard struct {
	lock       *SpinLock
	cpu        CPUID
	irqsWereOn bool
}

// maxSimulatedCPUs bounds the per-CPU IRQ-flag table. Real hardware has one
// flag per core, addressed by the core itself; a goroutine can't be keyed by
// identity the way a CPU can, so the flag is indexed by the CPUID every
// caller already threads through Lock/TryLock/ForceUnlock instead.
const maxSimulatedCPUs = 64

// irqEnabled is indexed by CPUID modulo the table size, one flag per
// simulated core, the same shape as a per-core hardware interrupt flag.
// Goroutine-derived ids beyond the table share slots; the flag is a
// per-context save/restore pair, so sharing only coarsens it.
var irqEnabled [maxSimulatedCPUs]atomic.Bool

func init() {
	for i := range irqEnabled {
		irqEnabled[i].Store(true)
	}
}

func irqSlot(cpu CPUID) *atomic.Bool {
	return &irqEnabled[uint32(cpu)%maxSimulatedCPUs]
}

// Lock disables interrupts on the calling CPU, records it as holder, and
// spins with a CPU-hinted pause until the state bit is free.
func Lock(l *SpinLock, cpu CPUID) Guard {
	wasOn := irqSlot(cpu).Swap(false)
	for !l.state.CompareAndSwap(0, 1) {
		if l.holder.Load() == uint32(cpu) {
			panic("klock: recursive acquisition by same CPU")
		}
		runtime.Gosched() // CPU-hinted pause (PAUSE/YIELD equivalent)
	}
	l.holder.Store(uint32(cpu))
	return Guard{lock: l, cpu: cpu, irqsWereOn: wasOn}
}

// TryLock attempts a single non-blocking acquisition.
func TryLock(l *SpinLock, cpu CPUID) (Guard, bool) {
	wasOn := irqSlot(cpu).Swap(false)
	if !l.state.CompareAndSwap(0, 1) {
		irqSlot(cpu).Store(wasOn)
		return Guard{}, false
	}
	l.holder.Store(uint32(cpu))
	return Guard{lock: l, cpu: cpu, irqsWereOn: wasOn}, true
}

// Unlock releases the lock and restores the interrupt state saved at
// acquisition time.
func (g Guard) Unlock() {
	if g.lock == nil {
		return
	}
	g.lock.holder.Store(uint32(NoCPU))
	g.lock.state.Store(0)
	if g.irqsWereOn {
		irqSlot(g.cpu).Store(true)
	}
}

// ForceUnlock clears the lock unconditionally. It exists only for panic
// recovery: a CPU that knows it holds the lock but whose critical section
// aborted via a fault uses this to let diagnostic printing proceed.
func ForceUnlock(l *SpinLock, cpu CPUID) {
	l.holder.Store(uint32(NoCPU))
	l.state.Store(0)
	irqSlot(cpu).Store(true)
}

// IsLocked reports whether the lock is currently held by any CPU.
func IsLocked(l *SpinLock) bool {
	return l.state.Load() != 0
}

// IsHeldByCPU reports whether the given CPU currently holds the lock.
func IsHeldByCPU(l *SpinLock, cpu CPUID) bool {
	return l.state.Load() != 0 && l.holder.Load() == uint32(cpu)
}
