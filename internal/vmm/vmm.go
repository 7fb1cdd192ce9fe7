// Package vmm is the virtual memory manager: per-architecture page-table
// walks, process address spaces, recursive self-mapping, and kernel/user
// slot cloning.
//
// Real hardware walks physical memory through the recursive slot; since
// there is no MMU here, each page table's physical address is a key into
// a process-wide registry that stands in for the fixed virtual window
// through which every page table is addressable. Same addressing idiom,
// backed by a map instead of hardware.
package vmm

import (
	"anyos/internal/bitfield"
	"anyos/internal/cputime"
	"anyos/internal/klock"
	"anyos/internal/pmm"
)

// VirtAddr is a virtual address.
type VirtAddr uint64

// Flags are a present entry's permission bits; absence of an entry is
// the third state.
type Flags struct {
	Writable bool
	User     bool
}

// Arch describes one architecture's page-table shape: how many levels, how
// many index bits per level (index 0 = root/top level), and which slot in
// the root table is the recursive self-reference.
type Arch struct {
	Name          string
	LevelBits     []uint // index bits per level, root first
	RecursiveSlot int    // index in the root table reserved for self-reference
	KernelSlotLo  int    // first root-table slot considered "kernel" (cloned, shared)
	IdentityLimit uint64 // bytes identity-mapped at kernel-space setup
}

var (
	// X86_32 is the 32-bit layout: two-level 4 KiB pages, identity maps
	// the first 32 MiB, higher-half at 0xC000_0000, recursive slot 1023
	// (the last PDE).
	X86_32 = Arch{
		Name:          "x86-32",
		LevelBits:     []uint{10, 10},
		RecursiveSlot: 1023,
		KernelSlotLo:  768,
		IdentityLimit: 32 * 1024 * 1024,
	}
	// X86_64 and AArch64 both use a four-level, 9-bits-per-level walk
	// (shifts 39/30/21/12), so one Arch value serves both, distinguished
	// only by Name.
	X86_64  = Arch{Name: "x86-64", LevelBits: []uint{9, 9, 9, 9}, RecursiveSlot: 511, KernelSlotLo: 256, IdentityLimit: 32 * 1024 * 1024}
	AArch64 = Arch{Name: "aarch64", LevelBits: []uint{9, 9, 9, 9}, RecursiveSlot: 511, KernelSlotLo: 256, IdentityLimit: 32 * 1024 * 1024}
)

func (a Arch) entriesPerTable(level int) int {
	return 1 << a.LevelBits[level]
}

// entry is one page-table slot. At intermediate levels Frame points at the
// next-level table's physical address; at the leaf level it points at the
// mapped data frame.
type entry struct {
	present  bool
	writable bool
	user     bool
	frame    pmm.PhysAddr
}

// table is one page-table's in-memory contents, keyed by the physical frame
// that "backs" it.
type table struct {
	entries []entry
}

// Manager owns the kernel's shared page tables plus the registry every
// process's tables are allocated from.
type Manager struct {
	arch   Arch
	frames *pmm.Allocator
	lock   klock.SpinLock

	registry map[pmm.PhysAddr]*table

	kernelRoot pmm.PhysAddr
}

// Init builds the kernel's page directory: identity-maps the low region,
// maps the higher half to physical 0, maps the framebuffer aperture, and
// installs the recursive self-reference.
func Init(arch Arch, frames *pmm.Allocator, fbPhys pmm.PhysAddr, fbLen uint64) *Manager {
	m := &Manager{arch: arch, frames: frames, registry: make(map[pmm.PhysAddr]*table)}

	root, ok := m.allocTable()
	if !ok {
		panic("vmm: out of memory during kernel address space init")
	}
	m.kernelRoot = root

	// Identity-map the low region.
	for off := uint64(0); off < arch.IdentityLimit; off += pmm.FrameSize {
		m.mapPageIn(root, VirtAddr(off), pmm.PhysAddr(off), Flags{Writable: true})
	}

	// Higher-half mapping: kernel virtual base -> physical 0. On x86-32
	// that base is 0xC000_0000; the 4-level archs use the analogous
	// top-half convention (KernelSlotLo marks where that begins in the
	// root table).
	higherHalfBase := m.higherHalfBase()
	for off := uint64(0); off < arch.IdentityLimit; off += pmm.FrameSize {
		m.mapPageIn(root, VirtAddr(higherHalfBase+off), pmm.PhysAddr(off), Flags{Writable: true})
	}

	// Framebuffer MMIO aperture, reachable regardless of runtime mode
	// changes.
	fbVirt := higherHalfBase + arch.IdentityLimit
	for off := uint64(0); off < fbLen; off += pmm.FrameSize {
		m.mapPageIn(root, VirtAddr(fbVirt+off), fbPhys+pmm.PhysAddr(off), Flags{Writable: true})
	}

	m.installRecursive(root)
	return m
}

func (a Arch) higherHalfBaseFor() uint64 {
	if a.Name == "x86-32" {
		return 0xC0000000
	}
	// Top half of the 48-bit address space used by the 4-level archs.
	return 0x0000800000000000
}

func (m *Manager) higherHalfBase() uint64 { return m.arch.higherHalfBaseFor() }

func (m *Manager) allocTable() (pmm.PhysAddr, bool) {
	p, ok := m.frames.AllocFrame()
	if !ok {
		return 0, false
	}
	m.registry[p] = &table{entries: make([]entry, m.arch.entriesPerTable(0))}
	return p, true
}

// installRecursive points the root table's recursive slot at itself,
// yielding the fixed virtual window page-table accesses go through.
func (m *Manager) installRecursive(root pmm.PhysAddr) {
	t := m.registry[root]
	t.entries[m.arch.RecursiveSlot] = entry{present: true, writable: true, frame: root}
}

// walk descends from root to the leaf-level table that should contain
// virt's entry, allocating intermediate tables on demand when alloc is
// true. Returns the leaf table and the index within it.
func (m *Manager) walk(root pmm.PhysAddr, virt VirtAddr, alloc bool) (*table, int, bool) {
	cur := root
	remaining := uint64(virt) >> 12 // drop the page offset
	totalBits := uint(0)
	for _, b := range m.arch.LevelBits {
		totalBits += b
	}
	idxs := make([]int, len(m.arch.LevelBits))
	bitsLeft := totalBits
	for lvl := 0; lvl < len(m.arch.LevelBits); lvl++ {
		bits := m.arch.LevelBits[lvl]
		bitsLeft -= bits
		idxs[lvl] = int((remaining >> bitsLeft) & ((1 << bits) - 1))
	}

	for lvl := 0; lvl < len(m.arch.LevelBits)-1; lvl++ {
		t := m.registry[cur]
		e := &t.entries[idxs[lvl]]
		if !e.present {
			if !alloc {
				return nil, 0, false
			}
			child, ok := m.allocTable()
			if !ok {
				return nil, 0, false
			}
			*e = entry{present: true, writable: true, frame: child}
		}
		cur = e.frame
	}
	return m.registry[cur], idxs[len(idxs)-1], true
}

// MapPage installs a mapping in the kernel's page tables.
func (m *Manager) MapPage(virt VirtAddr, phys pmm.PhysAddr, flags Flags) bool {
	return m.MapPageIn(m.kernelRoot, virt, phys, flags)
}

// UnmapPage removes a mapping from the kernel's page tables and
// invalidates the TLB for that specific linear address only, never the
// whole TLB.
func (m *Manager) UnmapPage(virt VirtAddr) {
	m.unmapPageIn(m.kernelRoot, virt)
}

// MapPageIn installs a mapping in an arbitrary page directory, identified
// by its physical address. Used both for the kernel PD and for process
// PDs.
func (m *Manager) MapPageIn(root pmm.PhysAddr, virt VirtAddr, phys pmm.PhysAddr, flags Flags) bool {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return m.mapPageIn(root, virt, phys, flags)
}

func (m *Manager) mapPageIn(root pmm.PhysAddr, virt VirtAddr, phys pmm.PhysAddr, flags Flags) bool {
	t, idx, ok := m.walk(root, virt, true)
	if !ok {
		return false
	}
	t.entries[idx] = entry{present: true, writable: flags.Writable, user: flags.User, frame: phys}
	invalidateTLB(virt)
	return true
}

func (m *Manager) unmapPageIn(root pmm.PhysAddr, virt VirtAddr) {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()
	t, idx, ok := m.walk(root, virt, false)
	if !ok {
		return
	}
	t.entries[idx] = entry{}
	invalidateTLB(virt)
}

// IsMappedIn reports whether virt has a present mapping in the given page
// directory.
func (m *Manager) IsMappedIn(root pmm.PhysAddr, virt VirtAddr) bool {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()
	t, idx, ok := m.walk(root, virt, false)
	if !ok {
		return false
	}
	return t.entries[idx].present
}

// TranslateIn returns the physical frame backing virt in the given page
// directory, if mapped.
func (m *Manager) TranslateIn(root pmm.PhysAddr, virt VirtAddr) (pmm.PhysAddr, bool) {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()
	t, idx, ok := m.walk(root, virt, false)
	if !ok || !t.entries[idx].present {
		return 0, false
	}
	return t.entries[idx].frame, true
}

// RawPTE returns the hardware-shaped encoding of virt's page-table
// entry, packed with internal/bitfield: bit 0 present, bit 1 writable,
// bit 2 user, remaining bits the frame's page index. Used by diagnostic
// tooling that wants the PTE as a single word rather than the struct.
func (m *Manager) RawPTE(root pmm.PhysAddr, virt VirtAddr) (uint64, bool) {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()
	t, idx, ok := m.walk(root, virt, false)
	if !ok {
		return 0, false
	}
	e := t.entries[idx]
	packed, err := bitfield.Pack(pteBits{
		Present:  e.present,
		Writable: e.writable,
		User:     e.user,
		Frame:    uint64(e.frame) / pmm.FrameSize,
	}, &bitfield.Config{NumBits: 64})
	if err != nil {
		return 0, false
	}
	return packed, true
}

// pteBits is RawPTE's wire layout: 3 permission bits followed by a
// frame-index field wide enough for any frame this allocator can hand out.
type pteBits struct {
	Present  bool   `bitfield:",1"`
	Writable bool   `bitfield:",1"`
	User     bool   `bitfield:",1"`
	Frame    uint64 `bitfield:",52"`
}

// CreateUserAddressSpace clones the kernel PD: user slots empty, kernel
// slots shared byte-for-byte, recursive slot rewritten to point at the
// new PD itself.
func (m *Manager) CreateUserAddressSpace() (pmm.PhysAddr, bool) {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()

	root, ok := m.allocTable()
	if !ok {
		return 0, false
	}
	kernelT := m.registry[m.kernelRoot]
	t := m.registry[root]
	for i := m.arch.KernelSlotLo; i < len(kernelT.entries); i++ {
		if i == m.arch.RecursiveSlot {
			continue
		}
		t.entries[i] = kernelT.entries[i]
	}
	m.installRecursive(root)
	return root, true
}

// DestroyUserAddressSpace frees every mapped frame in the user slots
// (8..KernelSlotLo on the 32-bit layout) except frames in the shared
// DLL slots (16..31), which a separate refcounted module owns.
const (
	dllSlotLo  = 16
	dllSlotHi  = 31
	userSlotLo = 8
)

func (m *Manager) DestroyUserAddressSpace(root pmm.PhysAddr) {
	g := klock.Lock(&m.lock, cputime.CurrentCPU())
	defer g.Unlock()

	t, ok := m.registry[root]
	if !ok {
		return
	}
	for i := userSlotLo; i < m.arch.KernelSlotLo; i++ {
		e := t.entries[i]
		if !e.present {
			continue
		}
		// Page tables are always process-private and always freed; only
		// the leaf data frames underneath a DLL slot are exempt, since
		// those are reference-counted by a separate shared-library module.
		freeLeafData := !(i >= dllSlotLo && i <= dllSlotHi)
		m.freeSubtree(e.frame, len(m.arch.LevelBits)-2, freeLeafData)
	}
	delete(m.registry, root)
	m.frames.FreeFrame(root)
}

// freeSubtree walks down `levelsLeft` more levels from a table physical
// address, freeing every page table it passes through. Leaf data frames
// are freed only when freeLeafData is set: shared-library slots keep
// their data frames alive (refcounted elsewhere) but still have their
// private page-table frames reclaimed.
func (m *Manager) freeSubtree(tblPhys pmm.PhysAddr, levelsLeft int, freeLeafData bool) {
	t, ok := m.registry[tblPhys]
	if !ok {
		if freeLeafData {
			m.frames.FreeFrame(tblPhys)
		}
		return
	}
	if levelsLeft > 0 {
		for _, e := range t.entries {
			if e.present {
				m.freeSubtree(e.frame, levelsLeft-1, freeLeafData)
			}
		}
	} else if freeLeafData {
		for _, e := range t.entries {
			if e.present {
				m.frames.FreeFrame(e.frame)
			}
		}
	}
	delete(m.registry, tblPhys)
	m.frames.FreeFrame(tblPhys)
}

// invalidateTLB is the hosted stand-in for an `invlpg`/`tlbi vae1`
// targeted invalidation. There is no real TLB to flush; this exists so a
// future hardware backend has an obvious seam.
func invalidateTLB(_ VirtAddr) {}

// KernelRoot returns the kernel's page-directory physical address (the
// value every user-mode CR3 must share kernel mappings with).
func (m *Manager) KernelRoot() pmm.PhysAddr { return m.kernelRoot }
