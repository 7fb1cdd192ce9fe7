package dma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceResolvesPhysicalRanges(t *testing.T) {
	a, ok := New(0x100000, 4096)
	require.True(t, ok)
	defer a.Close()

	b, ok := a.Slice(0x100010, 8)
	require.True(t, ok)
	copy(b, "DMADATA!")

	b2, ok := a.Slice(0x100010, 8)
	require.True(t, ok)
	require.Equal(t, []byte("DMADATA!"), b2)
}

func TestSliceRejectsOutOfRange(t *testing.T) {
	a, ok := New(0x100000, 4096)
	require.True(t, ok)
	defer a.Close()

	_, ok = a.Slice(0x0FF000, 8)
	require.False(t, ok)
	_, ok = a.Slice(0x100000+4090, 8)
	require.False(t, ok)
}

func TestAllocRespectsAlignmentAndExhausts(t *testing.T) {
	a, ok := New(0, 4096)
	require.True(t, ok)
	defer a.Close()

	p1, ok := a.Alloc(10, 1)
	require.True(t, ok)
	require.EqualValues(t, 0, p1)

	p2, ok := a.Alloc(16, 16)
	require.True(t, ok)
	require.EqualValues(t, 16, p2)

	_, ok = a.Alloc(8192, 1)
	require.False(t, ok)
}
