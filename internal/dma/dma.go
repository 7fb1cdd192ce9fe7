// Package dma provides the simulated guest-physical memory every DMA-capable
// device shares with its driver: one flat arena addressed by physical
// address, the hosted stand-in for the identity-mapped low region drivers
// allocate their buffers from.
//
// The arena is one anonymous MAP_SHARED mapping; the driver side and the
// host device model both slice into it, so a descriptor's physical
// address resolves to the same bytes on both sides, exactly as DMA does
// on hardware.
package dma

import (
	"golang.org/x/sys/unix"

	"anyos/internal/cputime"
	"anyos/internal/klock"
)

// Arena is one contiguous span of simulated guest-physical memory.
type Arena struct {
	base uint64
	mem  []byte

	lock klock.SpinLock
	brk  uint64 // bump cursor for Alloc
}

// New maps an anonymous shared region of the given size, addressed from
// base upward. Returns ok=false if the mapping fails or size is zero.
func New(base uint64, size int) (*Arena, bool) {
	if size <= 0 {
		return nil, false
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, false
	}
	return &Arena{base: base, mem: mem}, true
}

// Close unmaps the arena.
func (a *Arena) Close() error {
	return unix.Munmap(a.mem)
}

// Base returns the arena's starting physical address.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena's length in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Slice resolves a physical range to the backing bytes. Returns ok=false
// for any range that falls outside the arena; a device handed a bogus
// descriptor address must refuse it, not fault.
func (a *Arena) Slice(addr uint64, n uint32) ([]byte, bool) {
	if addr < a.base {
		return nil, false
	}
	off := addr - a.base
	if off+uint64(n) > uint64(len(a.mem)) {
		return nil, false
	}
	return a.mem[off : off+uint64(n)], true
}

// Alloc carves n bytes off the arena with the given alignment and
// returns the physical address. This is a boot-time bump allocator;
// nothing is ever returned to it, the way descriptor rings and scratch
// pages are handed out once at device init and never freed. Returns
// ok=false on exhaustion.
func (a *Arena) Alloc(n int, alignTo int) (uint64, bool) {
	if n <= 0 || alignTo <= 0 || alignTo&(alignTo-1) != 0 {
		return 0, false
	}
	g := klock.Lock(&a.lock, cputime.CurrentCPU())
	defer g.Unlock()
	addr := a.base + a.brk
	if rem := addr % uint64(alignTo); rem != 0 {
		addr += uint64(alignTo) - rem
	}
	end := addr - a.base + uint64(n)
	if end > uint64(len(a.mem)) {
		return 0, false
	}
	a.brk = end
	return addr, true
}
