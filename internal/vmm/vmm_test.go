package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/pmm"
)

func newTestManager(t *testing.T) (*Manager, *pmm.Allocator) {
	t.Helper()
	// 16 MiB pool, no low reserve: plenty of frames for page tables.
	frames := pmm.Init(4096*pmm.FrameSize, []pmm.Region{{Start: 0, Len: 4096 * pmm.FrameSize}}, pmm.KernelImage{}, 0)
	m := Init(X86_32, frames, 0, 0)
	return m, frames
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, frames := newTestManager(t)
	phys, ok := frames.AllocFrame()
	require.True(t, ok)

	virt := VirtAddr(0x40000000)
	require.True(t, m.MapPage(virt, phys, Flags{Writable: true}))
	require.True(t, m.IsMappedIn(m.KernelRoot(), virt))

	got, ok := m.TranslateIn(m.KernelRoot(), virt)
	require.True(t, ok)
	require.Equal(t, phys, got)

	m.UnmapPage(virt)
	require.False(t, m.IsMappedIn(m.KernelRoot(), virt))
}

func TestCreateUserAddressSpaceClonesKernelSlots(t *testing.T) {
	m, _ := newTestManager(t)
	userPD, ok := m.CreateUserAddressSpace()
	require.True(t, ok)

	kernelT := m.registry[m.KernelRoot()]
	userT := m.registry[userPD]
	for i := m.arch.KernelSlotLo; i < len(kernelT.entries); i++ {
		if i == m.arch.RecursiveSlot {
			continue
		}
		require.Equal(t, kernelT.entries[i], userT.entries[i], "kernel slot %d must match byte-for-byte", i)
	}
	require.Equal(t, userPD, userT.entries[m.arch.RecursiveSlot].frame, "recursive slot must reference the new PD itself")
}

func TestRawPTEEncodesPresentWritableUserAndFrame(t *testing.T) {
	m, frames := newTestManager(t)
	phys, ok := frames.AllocFrame()
	require.True(t, ok)

	virt := VirtAddr(0x50000000)
	require.True(t, m.MapPage(virt, phys, Flags{Writable: true, User: true}))

	raw, ok := m.RawPTE(m.KernelRoot(), virt)
	require.True(t, ok)
	require.Equal(t, uint64(1), raw&1, "present bit")
	require.Equal(t, uint64(1), (raw>>1)&1, "writable bit")
	require.Equal(t, uint64(1), (raw>>2)&1, "user bit")
	require.Equal(t, uint64(phys)/pmm.FrameSize, raw>>3, "frame index")
}

func TestRawPTEMissingReportsNotOK(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.RawPTE(m.KernelRoot(), VirtAddr(0x60000000))
	require.False(t, ok)
}

func TestDestroyUserAddressSpaceSkipsSharedDLLSlots(t *testing.T) {
	m, frames := newTestManager(t)
	userPD, ok := m.CreateUserAddressSpace()
	require.True(t, ok)

	sharedFrame, ok := frames.AllocFrame()
	require.True(t, ok)
	dllVirt := VirtAddr(uint64(dllSlotLo) << 22) // within PDE slot 16 on x86-32
	require.True(t, m.MapPageIn(userPD, dllVirt, sharedFrame, Flags{Writable: true}))

	before := frames.FreeFrameCount()
	m.DestroyUserAddressSpace(userPD)
	after := frames.FreeFrameCount()

	// The DLL-slot data frame itself must survive (only the PD/PT frames
	// referencing it are reclaimed); net free count increases by at least
	// one (the reclaimed PD) but the shared frame is never touched.
	require.Greater(t, after, before)
	require.Equal(t, before+2, after, "only the PD and the slot-16 page table are freed")
	_, stillUsed := frames.AllocFrame()
	require.True(t, stillUsed) // allocator still functions; shared frame wasn't double counted
}
