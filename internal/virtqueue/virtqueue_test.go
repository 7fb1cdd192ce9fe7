package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, ok := New(3, 0x1000)
	require.False(t, ok)
}

func TestNewQueueStartsWithAllDescriptorsFree(t *testing.T) {
	q, ok := New(16, 0x1000)
	require.True(t, ok)
	require.EqualValues(t, 16, q.NumFree())
}

// TestRequestResponseScenario: push a 32-byte readable buffer and a
// 16-byte writable buffer, notify, poll
// until the device has consumed the chain, and observe
// (head_idx, bytes_written == 16); num_free returns to its pre-push value.
func TestRequestResponseScenario(t *testing.T) {
	q, ok := New(8, 0x1000)
	require.True(t, ok)
	before := q.NumFree()

	notified := false
	n, ok := q.ExecuteSync(
		[]Buf{{Addr: 0x2000, Len: 32, Write: false}},
		[]Buf{{Addr: 0x3000, Len: 16, Write: true}},
		func() { notified = true },
		func() {
			// simulate the device consuming the head chain on its first step
			if q.usedIdx() == q.lastUsedIdx {
				q.deviceWriteUsed(q.usedIdx()%q.size, 0, 16)
				q.deviceBumpUsedIdx(q.usedIdx() + 1)
			}
		},
	)
	require.True(t, notified)
	require.True(t, ok)
	require.EqualValues(t, 16, n)
	require.Equal(t, before, q.NumFree())
}

func TestPushRefusesWhenInsufficientFreeDescriptors(t *testing.T) {
	q, _ := New(2, 0x1000)
	_, ok := q.Push([]Buf{{Addr: 1, Len: 1}, {Addr: 2, Len: 1}, {Addr: 3, Len: 1}}, nil)
	require.False(t, ok)
	require.EqualValues(t, 2, q.NumFree())
}

func TestPushThenPollFreesDescriptorsBackToPool(t *testing.T) {
	q, _ := New(4, 0x1000)
	head, ok := q.Push([]Buf{{Addr: 0x10, Len: 8}}, []Buf{{Addr: 0x20, Len: 8, Write: true}})
	require.True(t, ok)
	require.EqualValues(t, 2, q.NumFree())

	q.deviceWriteUsed(q.usedIdx()%q.size, uint32(head), 8)
	q.deviceBumpUsedIdx(q.usedIdx() + 1)

	h, n, ok := q.PollUsed()
	require.True(t, ok)
	require.Equal(t, head, h)
	require.EqualValues(t, 8, n)
	require.EqualValues(t, 4, q.NumFree())
}

func TestExecuteSyncTimesOutWithoutDeviceStep(t *testing.T) {
	q, _ := New(4, 0x1000)
	n, ok := q.ExecuteSync([]Buf{{Addr: 0x10, Len: 8}}, nil, nil, nil)
	require.False(t, ok)
	require.Zero(t, n)
}

// TestNumFreeInvariantAcrossSequence: across any sequence of pushes and
// pops, num_free == size - outstanding at every quiescent point.
func TestNumFreeInvariantAcrossSequence(t *testing.T) {
	q, _ := New(8, 0x1000)
	var heads []uint16
	outstanding := 0

	push := func() {
		h, ok := q.Push([]Buf{{Addr: 1, Len: 1}}, nil)
		if ok {
			heads = append(heads, h)
			outstanding++
		}
	}
	pop := func() {
		if len(heads) == 0 {
			return
		}
		h := heads[0]
		heads = heads[1:]
		q.deviceWriteUsed(q.usedIdx()%q.size, uint32(h), 1)
		q.deviceBumpUsedIdx(q.usedIdx() + 1)
		_, _, ok := q.PollUsed()
		require.True(t, ok)
		outstanding--
	}

	push()
	push()
	require.EqualValues(t, 8-outstanding, q.NumFree())
	pop()
	require.EqualValues(t, 8-outstanding, q.NumFree())
	push()
	push()
	push()
	require.EqualValues(t, 8-outstanding, q.NumFree())
	pop()
	pop()
	pop()
	require.EqualValues(t, 8-outstanding, q.NumFree())
}
