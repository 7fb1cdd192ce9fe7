package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFrameSinglePool(t *testing.T) {
	// A 1-frame pool: allocation succeeds once, fails thereafter until
	// the frame is freed.
	a := Init(FrameSize, []Region{{Start: 0, Len: FrameSize}}, KernelImage{}, 0)
	require.EqualValues(t, 1, a.FreeFrameCount())

	p, ok := a.AllocFrame()
	require.True(t, ok)
	require.EqualValues(t, 0, p)
	require.EqualValues(t, 0, a.FreeFrameCount())

	_, ok = a.AllocFrame()
	require.False(t, ok)

	a.FreeFrame(p)
	require.EqualValues(t, 1, a.FreeFrameCount())
	p2, ok := a.AllocFrame()
	require.True(t, ok)
	require.Equal(t, p, p2)
}

func TestLowReserveAndKernelImageAreForced(t *testing.T) {
	// The memory map claims everything usable; the low 2 MiB and the
	// kernel image must still come back reserved.
	a := Init(4*1024*1024, []Region{{Start: 0, Len: 4 * 1024 * 1024}},
		KernelImage{Start: 0x300000, End: 0x380000}, LowReserveX86)
	require.EqualValues(t, 1024-512-128, a.FreeFrameCount())

	p, ok := a.AllocFrame()
	require.True(t, ok)
	require.GreaterOrEqual(t, uint64(p), uint64(LowReserveX86))
}

func TestFreeFrameDoubleFreeIsNoOp(t *testing.T) {
	a := Init(2*FrameSize, []Region{{Start: 0, Len: 2 * FrameSize}}, KernelImage{}, 0)
	p, ok := a.AllocFrame()
	require.True(t, ok)
	a.FreeFrame(p)
	free := a.FreeFrameCount()
	a.FreeFrame(p) // double free must be a no-op, never panic
	require.Equal(t, free, a.FreeFrameCount())
}

func TestReserveFrameIdempotent(t *testing.T) {
	a := Init(4*FrameSize, []Region{{Start: 0, Len: 4 * FrameSize}}, KernelImage{}, 0)
	before := a.FreeFrameCount()
	a.ReserveFrame(FrameSize)
	after := a.FreeFrameCount()
	require.Equal(t, before-1, after)
	a.ReserveFrame(FrameSize) // idempotent
	require.Equal(t, after, a.FreeFrameCount())
}

func TestNextFitCursorAndRewind(t *testing.T) {
	// 8 free frames at [10..12, 20..24]; after 3 allocations the cursor
	// sits at 13; freeing frame 11 rewinds it; the next allocation
	// returns frame 11.
	total := uint64(25 * FrameSize)
	usable := []Region{
		{Start: 10 * FrameSize, Len: 3 * FrameSize},
		{Start: 20 * FrameSize, Len: 5 * FrameSize},
	}
	a := Init(total, usable, KernelImage{}, 0)
	a.cursor = 10

	require.EqualValues(t, 8, a.FreeFrameCount())

	for i := 0; i < 3; i++ {
		_, ok := a.AllocFrame()
		require.True(t, ok)
	}
	require.EqualValues(t, 13, a.cursor)

	a.FreeFrame(11 * FrameSize)
	require.EqualValues(t, 11, a.cursor)

	p, ok := a.AllocFrame()
	require.True(t, ok)
	require.EqualValues(t, 11*FrameSize, p)
}

func TestAllocContiguousRestrictedToIdentityRegion(t *testing.T) {
	a := Init(uint64(IdentityLimit)+16*FrameSize, []Region{
		{Start: 0, Len: uint64(IdentityLimit)},
		{Start: PhysAddr(IdentityLimit), Len: 16 * FrameSize},
	}, KernelImage{}, 0)

	p, ok := a.AllocContiguous(4)
	require.True(t, ok)
	require.Less(t, uint64(p)+4*FrameSize, uint64(IdentityLimit))
}
