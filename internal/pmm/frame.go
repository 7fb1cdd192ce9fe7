// Package pmm is the physical frame allocator: a bitmap of 4 KiB frames
// with next-fit single-frame allocation and first-fit contiguous-run
// allocation restricted to the identity-mapped low region.
//
// The frame table is a flat bitmap (one uint64 word per 64 frames, plus a
// cached free count) rather than a pointer-linked free list: allocation
// state lives in static storage and nothing is heap-allocated while the
// lock is held.
package pmm

import (
	"anyos/internal/cputime"
	"anyos/internal/klock"
)

// FrameSize is the fixed page/frame size (4 KiB).
const FrameSize = 4096

// PhysAddr is a physical address. Frame-aligned addresses are a multiple of
// FrameSize.
type PhysAddr uint64

// IdentityLimit bounds the low region within which contiguous DMA
// allocations must fall, so their kernel virtual address equals their
// physical address.
const IdentityLimit = 128 * 1024 * 1024

// LowReserveX86 is the span below which x86 boots reserve frames
// unconditionally, regardless of what the memory map reports free.
// AArch64 boots pass 0.
const LowReserveX86 = 2 * 1024 * 1024

// Region describes one usable span from the bootloader's memory map.
type Region struct {
	Start PhysAddr
	Len   uint64
}

// KernelImage describes the physical span occupied by the loaded kernel
// (code + BSS + boot stack), forcibly reserved regardless of the memory map.
type KernelImage struct {
	Start PhysAddr
	End   PhysAddr
}

// Allocator is the global frame allocator state. The zero value is not
// usable; call Init.
type Allocator struct {
	lock         klock.SpinLock
	bitmap       []uint64 // 1 bit per frame; 1 == used
	totalFrames  uint32
	freeFrames   uint32
	cursor       uint32 // next-fit rolling search cursor
}

func wordIdx(frame uint32) (word int, bit uint) {
	return int(frame / 64), uint(frame % 64)
}

func (a *Allocator) isUsed(frame uint32) bool {
	w, b := wordIdx(frame)
	return a.bitmap[w]&(1<<b) != 0
}

func (a *Allocator) setUsed(frame uint32) {
	w, b := wordIdx(frame)
	a.bitmap[w] |= 1 << b
}

func (a *Allocator) clearUsed(frame uint32) {
	w, b := wordIdx(frame)
	a.bitmap[w] &^= 1 << b
}

// Init builds the bitmap from the bootloader's memory map: everything
// starts reserved, usable regions are marked free, then the low reserve
// (LowReserveX86 on x86, 0 on AArch64) and the kernel image are forcibly
// re-marked used, in that order.
func Init(totalRAM uint64, usable []Region, kernel KernelImage, lowReserve uint64) *Allocator {
	a := &Allocator{}
	a.totalFrames = uint32(totalRAM / FrameSize)
	words := (int(a.totalFrames) + 63) / 64
	a.bitmap = make([]uint64, words)

	// Start: all used.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.freeFrames = 0

	// Mark usable regions free.
	for _, r := range usable {
		startFrame := uint32(r.Start / FrameSize)
		frames := uint32(r.Len / FrameSize)
		for f := startFrame; f < startFrame+frames && f < a.totalFrames; f++ {
			if a.isUsed(f) {
				a.clearUsed(f)
				a.freeFrames++
			}
		}
	}

	// Forcibly reserve the low region + kernel image, even if the memory
	// map claimed them free.
	a.reserveRange(0, lowReserve)
	a.reserveRange(uint64(kernel.Start), uint64(kernel.End-kernel.Start))

	return a
}

func (a *Allocator) reserveRange(start, length uint64) {
	startFrame := uint32(start / FrameSize)
	frames := (uint32(length) + FrameSize - 1) / FrameSize
	for f := startFrame; f < startFrame+frames && f < a.totalFrames; f++ {
		if !a.isUsed(f) {
			a.setUsed(f)
			a.freeFrames--
		}
	}
}

// AllocFrame allocates a single frame using next-fit from the rolling
// cursor, wrapping to 0 once on failure.
func (a *Allocator) AllocFrame() (PhysAddr, bool) {
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return a.allocFrameLocked()
}

func (a *Allocator) allocFrameLocked() (PhysAddr, bool) {
	if a.freeFrames == 0 {
		return 0, false
	}
	// Next-fit: scan forward from the cursor, wrapping to 0 exactly once.
	for i, f := uint32(0), a.cursor; i < a.totalFrames; i, f = i+1, (f+1)%a.totalFrames {
		if !a.isUsed(f) {
			a.setUsed(f)
			a.freeFrames--
			a.cursor = (f + 1) % a.totalFrames
			return PhysAddr(uint64(f) * FrameSize), true
		}
	}
	return 0, false
}

// AllocContiguous allocates n physically contiguous frames via first-fit,
// restricted to the identity-mapped low region so the run is usable for
// DMA without extra mappings.
func (a *Allocator) AllocContiguous(n uint32) (PhysAddr, bool) {
	if n == 0 {
		return 0, false
	}
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()

	limitFrame := uint32(IdentityLimit / FrameSize)
	if limitFrame > a.totalFrames {
		limitFrame = a.totalFrames
	}

	run := uint32(0)
	runStart := uint32(0)
	for f := uint32(0); f < limitFrame; f++ {
		if !a.isUsed(f) {
			if run == 0 {
				runStart = f
			}
			run++
			if run == n {
				for i := runStart; i < runStart+n; i++ {
					a.setUsed(i)
				}
				a.freeFrames -= n
				return PhysAddr(uint64(runStart) * FrameSize), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// FreeFrame releases a frame. Double-free is a silent no-op, never a
// panic. Freeing below the current cursor rewinds it, so the freed frame
// is the next one handed out.
func (a *Allocator) FreeFrame(p PhysAddr) {
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()
	f := uint32(p / FrameSize)
	if f >= a.totalFrames || !a.isUsed(f) {
		return
	}
	a.clearUsed(f)
	a.freeFrames++
	if f < a.cursor {
		a.cursor = f
	}
}

// ReserveFrame marks a frame permanently used. Idempotent.
func (a *Allocator) ReserveFrame(p PhysAddr) {
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()
	f := uint32(p / FrameSize)
	if f >= a.totalFrames || a.isUsed(f) {
		return
	}
	a.setUsed(f)
	a.freeFrames--
}

// FreeFrameCount returns the number of free frames remaining.
func (a *Allocator) FreeFrameCount() uint32 {
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return a.freeFrames
}

// TotalFrames returns the total frame count, for sys_sysinfo(cmd=0).
func (a *Allocator) TotalFrames() uint32 {
	return a.totalFrames
}
