// Package fault implements page-fault/exception routing: the #PF
// decode-and-triage step that turns a hardware fault into either a
// demand-zero mapping (user stack growth) or a signal delivered to the
// faulting thread.
//
// The decision tree is decode-then-dispatch, wired to internal/vmm
// (demand mapping) and internal/sched (signal delivery); supervisor-mode
// faults, and demand-zero faults that find no free frame, are fatal.
package fault

import (
	"anyos/internal/klog"
	"anyos/internal/pmm"
	"anyos/internal/sched"
	"anyos/internal/vmm"
)

var log = klog.Tag("fault")

// ErrorCode mirrors the x86 #PF error-code bit layout; AArch64's
// ESR_EL1 DFSC is decoded into the same shape by the architecture
// trampoline before reaching this package.
type ErrorCode uint32

const (
	ErrPresent  ErrorCode = 1 << 0 // 0 = page not present, 1 = protection violation
	ErrWrite    ErrorCode = 1 << 1 // 0 = read, 1 = write
	ErrUser     ErrorCode = 1 << 2 // 0 = supervisor mode, 1 = user mode
)

// Outcome reports how a fault was resolved, for test assertions and
// diagnostic logging.
type Outcome int

const (
	OutcomeDemandMapped Outcome = iota
	OutcomeSIGSEGV
	OutcomePanic
)

// Region describes a demand-zero range of a process's address space (e.g.
// the growable user stack). Faults landing inside a registered region are
// satisfied by allocating and zeroing a frame rather than killing the
// thread.
type Region struct {
	Root       pmm.PhysAddr
	Start, End vmm.VirtAddr
}

func (r Region) contains(addr vmm.VirtAddr) bool { return addr >= r.Start && addr < r.End }

// Router owns the demand-zero region table and the wiring to vmm/sched
// needed to resolve a fault.
type Router struct {
	vm      *vmm.Manager
	frames  *pmm.Allocator
	regions []Region
}

func New(vm *vmm.Manager, frames *pmm.Allocator) *Router {
	return &Router{vm: vm, frames: frames}
}

// RegisterDemandZero marks [start, end) in the address space rooted at
// root as demand-zero, e.g. the growable user stack.
func (r *Router) RegisterDemandZero(root pmm.PhysAddr, start, end vmm.VirtAddr) {
	r.regions = append(r.regions, Region{Root: root, Start: start, End: end})
}

func (r *Router) demandZoneFor(root pmm.PhysAddr, addr vmm.VirtAddr) (Region, bool) {
	for _, region := range r.regions {
		if region.Root == root && region.contains(addr) {
			return region, true
		}
	}
	return Region{}, false
}

// HandlePageFault decodes a #PF and routes it:
//
//   - absent mapping inside a registered demand-zero region -> allocate +
//     zero a frame, map it writable, resume (OutcomeDemandMapped); with no
//     free frame left -> OutcomePanic.
//   - any other user-mode fault -> SIGSEGV to thread tid, thread
//     terminates at next kernel exit (OutcomeSIGSEGV).
//   - any supervisor-mode fault -> kernel panic (OutcomePanic reported to
//     the caller instead of actually panicking, so callers in a hosted
//     simulator can assert on it).
func (r *Router) HandlePageFault(root pmm.PhysAddr, addr vmm.VirtAddr, code ErrorCode, scheduler *sched.Scheduler, tid uint32) Outcome {
	userMode := code&ErrUser != 0
	absent := code&ErrPresent == 0

	if userMode && absent {
		if region, ok := r.demandZoneFor(root, addr); ok {
			return r.demandMap(root, addr, region)
		}
	}

	if userMode {
		log.Printf("SIGSEGV: tid=%d addr=%#x code=%#x", tid, uint64(addr), code)
		scheduler.SendSignalToThread(tid, sched.SIGSEGV)
		return OutcomeSIGSEGV
	}

	log.Printf("PANIC: supervisor-mode fault addr=%#x code=%#x", uint64(addr), code)
	return OutcomePanic
}

func (r *Router) demandMap(root pmm.PhysAddr, addr vmm.VirtAddr, region Region) Outcome {
	pageAddr := vmm.VirtAddr(uint64(addr) &^ 0xFFF)
	frame, ok := r.frames.AllocFrame()
	if !ok {
		log.Printf("demand-zero OOM at %#x", uint64(addr))
		return OutcomePanic
	}
	r.vm.MapPageIn(root, pageAddr, frame, vmm.Flags{Writable: true, User: true})
	log.Printf("demand-zero mapped %#x -> frame %d in [%#x,%#x)", uint64(pageAddr), frame, uint64(region.Start), uint64(region.End))
	return OutcomeDemandMapped
}
