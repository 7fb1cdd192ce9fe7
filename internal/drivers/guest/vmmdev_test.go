package guest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/dma"
	"anyos/internal/drivers/guest"
	"anyos/internal/hal"
	"anyos/internal/vdev"
)

func newDevicePair(t *testing.T, w, h int32) (*guest.Device, *vdev.VMMDevHost) {
	t.Helper()
	mem, ok := dma.New(0, 1<<20)
	require.True(t, ok)
	t.Cleanup(func() { mem.Close() })

	host := vdev.NewVMMDevHost(mem)
	host.HostWantsAbsolute = true
	factory := guest.Factory(host, mem, w, h)
	drv, err := factory(hal.BusSlot{Slot: 7}, 0)
	require.NoError(t, err)
	return drv.(*guest.Device), host
}

func TestInitHandshakeRunsTheFullSequence(t *testing.T) {
	d, host := newDevicePair(t, 1920, 1080)
	require.True(t, host.GuestReported())
	require.EqualValues(t, guest.MouseGuestCanAbsolute|guest.MouseNewProtocol, host.GuestFeatures())
	require.EqualValues(t, 7, d.HostVersionInfo().Major)
}

// Screen 1920x1080, host pointer (0x8000, 0x4000) -> PollMouse returns
// (960, 270).
func TestPollMouseScalesAbsoluteCoordinates(t *testing.T) {
	d, host := newDevicePair(t, 1920, 1080)
	host.SetPointer(0x8000, 0x4000)

	px, py, ok := d.PollMouse()
	require.True(t, ok)
	require.EqualValues(t, 960, px)
	require.EqualValues(t, 270, py)
}

func TestPollMouseFailsWhenHostDoesNotWantAbsolute(t *testing.T) {
	d, host := newDevicePair(t, 1920, 1080)
	host.HostWantsAbsolute = false
	_, _, ok := d.PollMouse()
	require.False(t, ok)
}

func TestScreenSizeUpdateChangesScaling(t *testing.T) {
	d, host := newDevicePair(t, 1920, 1080)
	host.SetPointer(0xFFFF, 0xFFFF)
	d.SetScreenSize(800, 600)

	px, py, ok := d.PollMouse()
	require.True(t, ok)
	require.EqualValues(t, 800, px)
	require.EqualValues(t, 600, py)
}

func TestVendorDeviceMatchesVMMDev(t *testing.T) {
	require.Equal(t, hal.DeviceKey{VendorID: 0x80EE, DeviceID: 0xCAFE}, guest.VendorDevice)
}
