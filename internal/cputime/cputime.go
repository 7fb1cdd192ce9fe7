// Package cputime implements the tick counter, uptime, and the CPU-local
// state the scheduler and interrupt paths hang their bookkeeping on,
// plus the per-CPU total/idle accounting behind sys_sysinfo's CPU-load
// report.
package cputime

import (
	"runtime"
	"sync"
	"sync/atomic"

	"anyos/internal/klock"
)

// TickHz is the configured timer frequency: 100 Hz of scheduler ticks,
// the usual generic-timer divisor on QEMU virt machines.
const TickHz = 100

// CurrentCPU reports the calling execution context's simulated CPU
// identity. Hosted, "which core is this" maps to "which goroutine is
// this": the id is parsed from the runtime's goroutine header line,
// stable for the goroutine's lifetime, so lock-holder tracking can tell
// concurrent contexts apart the way per-core ids do on hardware. Two
// goroutines never share an id, which is what the spinlock's recursive-
// acquisition check depends on.
func CurrentCPU() klock.CPUID {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// first line reads "goroutine 123 [running]:"
	id := uint64(0)
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return klock.CPUID(id) & (klock.NoCPU >> 1) // never collides with NoCPU
}

var ticks atomic.Uint64

// Tick advances the global tick counter. Called from the simulated timer
// interrupt handler once per TickHz-th of a second.
func Tick() {
	ticks.Add(1)
}

// Uptime returns monotonic ticks since boot (sys_uptime).
func Uptime() uint64 {
	return ticks.Load()
}

// UptimeMS returns uptime in milliseconds (sys_uptime_ms).
func UptimeMS() uint64 {
	return Uptime() * 1000 / TickHz
}

// PerCPU holds the CPU-local bookkeeping: current thread id (owned by
// internal/sched), the interrupt-nesting counter, and the save-complete
// flag used by the scheduler's wait-queue discipline.
type PerCPU struct {
	ID                 klock.CPUID
	mu                 sync.Mutex
	irqNesting         int
	saveComplete       bool
	currentThreadID    uint32
	hasCurrentThread   bool
	totalTicks         atomic.Uint64
	idleTicks          atomic.Uint64
}

var (
	cpusMu sync.Mutex
	cpus   []*PerCPU
)

// RegisterCPU establishes a CPU-local block at boot, addressed
// thereafter by a stable pointer established before the scheduler
// starts.
func RegisterCPU(id klock.CPUID) *PerCPU {
	cpusMu.Lock()
	defer cpusMu.Unlock()
	p := &PerCPU{ID: id}
	cpus = append(cpus, p)
	return p
}

// CPUs returns the set of registered per-CPU blocks, for load reporting.
func CPUs() []*PerCPU {
	cpusMu.Lock()
	defer cpusMu.Unlock()
	out := make([]*PerCPU, len(cpus))
	copy(out, cpus)
	return out
}

// EnterIRQ/ExitIRQ track nesting so a fault handler can tell whether it
// interrupted another handler.
func (p *PerCPU) EnterIRQ() {
	p.mu.Lock()
	p.irqNesting++
	p.mu.Unlock()
}

func (p *PerCPU) ExitIRQ() {
	p.mu.Lock()
	p.irqNesting--
	p.mu.Unlock()
}

func (p *PerCPU) IRQNesting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.irqNesting
}

// SetSaveComplete/ClearSaveComplete hold the per-CPU save-complete flag.
// internal/sched neither sets nor reads it: WaitQueue.Enqueue and
// BlockCurrentThread keep the save-complete ordering without this flag.
func (p *PerCPU) SetSaveComplete()   { p.mu.Lock(); p.saveComplete = true; p.mu.Unlock() }
func (p *PerCPU) ClearSaveComplete() { p.mu.Lock(); p.saveComplete = false; p.mu.Unlock() }
func (p *PerCPU) SaveComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveComplete
}

// AccountTick records one tick as busy or idle for this CPU, feeding
// sys_sysinfo cmd 3.
func (p *PerCPU) AccountTick(idle bool) {
	p.totalTicks.Add(1)
	if idle {
		p.idleTicks.Add(1)
	}
}

// Load returns (total, idle) ticks observed on this CPU.
func (p *PerCPU) Load() (total, idle uint64) {
	return p.totalTicks.Load(), p.idleTicks.Load()
}

// CPULoad is the sys_sysinfo cmd-3 payload shape: aggregate total/idle
// plus a per-CPU breakdown.
type CPULoad struct {
	Total  uint64
	Idle   uint64
	NCPUs  int
	PerCPU []struct{ Total, Idle uint64 }
}

// SysInfoCPULoad implements sys_sysinfo(cmd=3, ...).
func SysInfoCPULoad() CPULoad {
	var out CPULoad
	for _, p := range CPUs() {
		t, i := p.Load()
		out.Total += t
		out.Idle += i
		out.NCPUs++
		out.PerCPU = append(out.PerCPU, struct{ Total, Idle uint64 }{t, i})
	}
	return out
}
