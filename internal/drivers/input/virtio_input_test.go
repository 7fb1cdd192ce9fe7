package input_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/dma"
	"anyos/internal/drivers/input"
	"anyos/internal/hal"
	"anyos/internal/vdev"
	"anyos/internal/virtqueue"
)

func newDevicePair(t *testing.T, name string) (*input.Device, *vdev.InputHost) {
	t.Helper()
	mem, ok := dma.New(0, 1<<20)
	require.True(t, ok)
	t.Cleanup(func() { mem.Close() })

	q, ok := virtqueue.New(16, 0x4000)
	require.True(t, ok)

	host := vdev.NewInputHost(q, mem, name)
	factory := input.Factory(q, mem, host)
	drv, err := factory(hal.BusSlot{Slot: 5}, 0)
	require.NoError(t, err)
	d := drv.(*input.Device)
	host.IRQ = d.HandleIRQ
	return d, host
}

func TestNameReadAndKindInference(t *testing.T) {
	kbd, _ := newDevicePair(t, "keyboard0")
	require.Equal(t, "keyboard0", kbd.DeviceName())
	require.Equal(t, input.Keyboard, kbd.Kind())

	ptr, _ := newDevicePair(t, "tablet0")
	require.Equal(t, input.Pointer, ptr.Kind())
}

func TestKeyEventsLandInKeyboardRing(t *testing.T) {
	d, host := newDevicePair(t, "keyboard0")
	require.True(t, host.Inject(input.Event{Type: input.EvKey, Code: 0x1E, Value: 1})) // KEY_A down
	require.True(t, host.Inject(input.Event{Type: input.EvKey, Code: 0x1E, Value: 0}))

	e, ok := d.KeyboardRing().Pop()
	require.True(t, ok)
	require.EqualValues(t, 0x1E, e.Code)
	require.EqualValues(t, 1, e.Value)
	e, ok = d.KeyboardRing().Pop()
	require.True(t, ok)
	require.EqualValues(t, 0, e.Value)
}

func TestButtonEventsAccumulateInSharedAtomic(t *testing.T) {
	d, host := newDevicePair(t, "mouse0")
	host.Inject(input.Event{Type: input.EvKey, Code: input.BtnLeft, Value: 1})
	host.Inject(input.Event{Type: input.EvKey, Code: input.BtnMiddle, Value: 1})
	require.EqualValues(t, input.ButtonLeft|input.ButtonMiddle, d.Buttons())

	host.Inject(input.Event{Type: input.EvKey, Code: input.BtnLeft, Value: 0})
	require.EqualValues(t, input.ButtonMiddle, d.Buttons())
}

func TestRelativeMotionCoalescesUntilSyn(t *testing.T) {
	d, host := newDevicePair(t, "mouse0")
	host.Inject(input.Event{Type: input.EvRel, Code: input.RelX, Value: 3})
	host.Inject(input.Event{Type: input.EvRel, Code: input.RelX, Value: 2})
	host.Inject(input.Event{Type: input.EvRel, Code: input.RelY, Value: -4})
	require.Equal(t, 0, d.MouseRing().Len())

	host.Inject(input.Event{Type: input.EvSyn})
	ex, ok := d.MouseRing().Pop()
	require.True(t, ok)
	require.EqualValues(t, 5, ex.Value)
	ey, ok := d.MouseRing().Pop()
	require.True(t, ok)
	require.EqualValues(t, -4, ey.Value)
}

// With only 8 pre-posted buffers, a stream longer than 8 events only
// works if HandleIRQ re-posts each completed buffer.
func TestBuffersAreRepostedIndefinitely(t *testing.T) {
	d, host := newDevicePair(t, "keyboard0")
	for i := 0; i < 50; i++ {
		require.True(t, host.Inject(input.Event{Type: input.EvKey, Code: uint16(i % 0x80), Value: 1}))
	}
	require.Equal(t, 50, d.KeyboardRing().Len())
}

func TestScaleAbsolute(t *testing.T) {
	require.EqualValues(t, 960, input.ScaleAbsolute(0x8000, 1920))
	require.EqualValues(t, 270, input.ScaleAbsolute(0x4000, 1080))
}
