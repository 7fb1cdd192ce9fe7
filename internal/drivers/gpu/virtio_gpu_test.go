package gpu_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/dma"
	"anyos/internal/drivers/gpu"
	"anyos/internal/hal"
	"anyos/internal/vdev"
	"anyos/internal/virtqueue"
)

func newDevicePair(t *testing.T, displayW, displayH uint32) (*gpu.Device, *vdev.GPU) {
	t.Helper()
	mem, ok := dma.New(0x100000, 16<<20)
	require.True(t, ok)
	t.Cleanup(func() { mem.Close() })

	q, ok := virtqueue.New(16, 0x9000)
	require.True(t, ok)

	model := vdev.NewGPU(q, mem, displayW, displayH)
	factory := gpu.Factory(q, mem, func() {}, model.Step)
	drv, err := factory(hal.BusSlot{Slot: 4}, 0)
	require.NoError(t, err)
	return drv.(*gpu.Device), model
}

func TestGetDisplayInfoReportsScanoutDimensions(t *testing.T) {
	d, _ := newDevicePair(t, 1280, 720)
	w, h := d.GetDisplayInfo()
	require.EqualValues(t, 1280, w)
	require.EqualValues(t, 720, h)
}

func TestGetDisplayInfoFallsBackTo1024x768(t *testing.T) {
	d, _ := newDevicePair(t, 0, 0) // scanout disabled
	w, h := d.GetDisplayInfo()
	require.EqualValues(t, 1024, w)
	require.EqualValues(t, 768, h)
}

// TestSetupAndTransfer runs the full create -> attach-backing ->
// set-scanout -> transfer -> flush sequence and checks the pixels land in
// the host scanout.
func TestSetupAndTransfer(t *testing.T) {
	d, model := newDevicePair(t, 64, 32)
	require.NoError(t, d.SetupFramebuffer(64, 32))

	fb := d.Framebuffer()
	require.Len(t, fb, 64*32*4)
	binary.LittleEndian.PutUint32(fb[(5*64+7)*4:], 0xFFAA5500)
	require.NoError(t, d.TransferToHost(7, 5, 1, 1))

	scanout := model.Scanout()
	require.EqualValues(t, 0xFFAA5500, scanout[5*64+7])
	// setup's initial full-screen flush + the per-rect flush
	require.Equal(t, 2, model.Flushes())
}

// TestDamageRectTransferLeavesOutsideUntouched: only the transferred
// rectangle changes on the host side.
func TestDamageRectTransferLeavesOutsideUntouched(t *testing.T) {
	d, model := newDevicePair(t, 16, 16)
	require.NoError(t, d.SetupFramebuffer(16, 16))

	fb := d.Framebuffer()
	for i := 0; i < 16*16; i++ {
		binary.LittleEndian.PutUint32(fb[i*4:], 0x11111111)
	}
	require.NoError(t, d.TransferToHost(4, 4, 4, 4))

	scanout := model.Scanout()
	require.EqualValues(t, 0x11111111, scanout[5*16+5])
	require.EqualValues(t, 0, scanout[0]) // outside the rect: untouched
}

func TestKeyMatchesVirtIOGPUVendorDevice(t *testing.T) {
	require.Equal(t, hal.DeviceKey{VendorID: 0x1af4, DeviceID: 0x1050}, gpu.VirtIODeviceKey)
}
