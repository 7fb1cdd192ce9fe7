// Package gpu implements the VirtIO-GPU 2D display driver and the VMware
// SVGA II driver.
//
// The virtio path negotiates zero feature bits, runs every command as a
// polled synchronous send on controlq (internal/virtqueue's ExecuteSync),
// and keeps a 4 KiB command/response scratch page carved from the shared
// internal/dma arena, so the host device model reads commands and writes
// responses through the same bytes the driver does.
package gpu

import (
	"encoding/binary"
	"errors"

	"anyos/internal/dma"
	"anyos/internal/hal"
	"anyos/internal/klog"
	"anyos/internal/virtqueue"
)

var log = klog.Tag("gpu")

// VirtIODeviceKey is the PCI (vendor, device) pair for virtio-gpu.
var VirtIODeviceKey = hal.DeviceKey{VendorID: 0x1af4, DeviceID: 0x1050}

// Command/response types.
const (
	CmdGetDisplayInfo   = 0x0100
	CmdResourceCreate2D = 0x0101
	CmdResourceUnref    = 0x0102
	CmdSetScanout       = 0x0103
	CmdResourceFlush    = 0x0104
	CmdTransferToHost2D = 0x0105
	CmdAttachBacking    = 0x0106
	CmdDetachBacking    = 0x0107

	RespOKNodata      = 0x1100
	RespOKDisplayInfo = 0x1101
	RespErrUnspec     = 0x1200
	RespErrOOM        = 0x1201
	RespErrScanout    = 0x1202
	RespErrResource   = 0x1203
)

// FormatB8G8R8X8 is the only pixel format this driver negotiates
// (B8G8R8X8_UNORM).
const FormatB8G8R8X8 = 2

var errCommandFailed = errors.New("gpu: device returned an error response")

// CtrlHdrSize is the fixed GpuCtrlHdr length: type, flags u32; fence u64;
// ctx u32; ring_idx + padding packed into the final u32.
const CtrlHdrSize = 24

// scratch page halves: commands in the low 2 KiB, responses in the high.
const (
	scratchSize = 4096
	respOffset  = 2048
	maxRespLen  = scratchSize - respOffset
)

// fallback scanout dimensions when GET_DISPLAY_INFO reports nothing usable.
const (
	fallbackWidth  = 1024
	fallbackHeight = 768
)

// Device is a virtio-gpu driver instance bound to one PCI function.
type Device struct {
	loc  hal.BusSlot
	bar0 uint32
	q    *virtqueue.VirtQueue
	mem  *dma.Arena

	scratch uint64 // phys addr of the 4 KiB command/response page

	resourceID uint32
	width      uint32
	height     uint32
	fbPhys     uint64
	fbLen      uint32

	notify func()
	step   func() // advances the simulated host device between polls
}

// Factory registers this driver against the hal registry. q must be the
// device's controlq (queue 0); mem is the DMA arena both sides share.
func Factory(q *virtqueue.VirtQueue, mem *dma.Arena, notify, step func()) hal.Factory {
	return func(loc hal.BusSlot, bar0 uint32) (hal.Driver, error) {
		scratch, ok := mem.Alloc(scratchSize, 4096)
		if !ok {
			return nil, errors.New("gpu: no DMA memory for the command scratch page")
		}
		d := &Device{loc: loc, bar0: bar0, q: q, mem: mem, scratch: scratch, resourceID: 1, notify: notify, step: step}
		return d, nil
	}
}

func (d *Device) Name() string       { return "virtio-gpu" }
func (d *Device) Key() hal.DeviceKey { return VirtIODeviceKey }

func putHdr(buf []byte, cmdType uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], cmdType)
}

// send copies one command into the scratch page, publishes the
// request/response pair on the controlq, and returns the device's
// response bytes once the chain comes back on the used ring.
func (d *Device) send(cmd []byte, respLen int) ([]byte, error) {
	if len(cmd) > respOffset || respLen > maxRespLen {
		return nil, errors.New("gpu: command or response exceeds the scratch page")
	}
	cmdBytes, ok := d.mem.Slice(d.scratch, uint32(len(cmd)))
	if !ok {
		return nil, errors.New("gpu: scratch page fell outside the DMA arena")
	}
	copy(cmdBytes, cmd)
	respBytes, _ := d.mem.Slice(d.scratch+respOffset, uint32(respLen))
	for i := range respBytes {
		respBytes[i] = 0
	}

	_, ok = d.q.ExecuteSync(
		[]virtqueue.Buf{{Addr: d.scratch, Len: uint32(len(cmd))}},
		[]virtqueue.Buf{{Addr: d.scratch + respOffset, Len: uint32(respLen), Write: true}},
		d.notify,
		d.step,
	)
	if !ok {
		return nil, errors.New("gpu: command timed out")
	}
	t := binary.LittleEndian.Uint32(respBytes[0:4])
	if t != RespOKNodata && t != RespOKDisplayInfo {
		log.Printf("command failed, response=%#04x", t)
		return respBytes, errCommandFailed
	}
	return respBytes, nil
}

// GetDisplayInfo asks the device for scanout-0's dimensions, falling back
// to 1024x768 when the scanout is absent or disabled.
func (d *Device) GetDisplayInfo() (w, h uint32) {
	cmd := make([]byte, CtrlHdrSize)
	putHdr(cmd, CmdGetDisplayInfo)
	// response: hdr + per-scanout {rect{x,y,w,h} u32 x4, enabled u32, flags u32}
	resp, err := d.send(cmd, CtrlHdrSize+24)
	if err != nil {
		return fallbackWidth, fallbackHeight
	}
	w = binary.LittleEndian.Uint32(resp[CtrlHdrSize+8:])
	h = binary.LittleEndian.Uint32(resp[CtrlHdrSize+12:])
	enabled := binary.LittleEndian.Uint32(resp[CtrlHdrSize+16:])
	if enabled == 0 || w == 0 || h == 0 {
		return fallbackWidth, fallbackHeight
	}
	return w, h
}

// SetupFramebuffer creates the 2D resource, attaches a contiguous backing
// store, binds it to scanout 0, and pushes one initial full-screen
// transfer + flush.
func (d *Device) SetupFramebuffer(width, height uint32) error {
	d.width, d.height = width, height
	d.fbLen = width * height * 4
	fbPhys, ok := d.mem.Alloc(int(d.fbLen), 4096)
	if !ok {
		return errors.New("gpu: no contiguous DMA memory for the framebuffer")
	}
	d.fbPhys = fbPhys

	createCmd := make([]byte, CtrlHdrSize+16)
	putHdr(createCmd, CmdResourceCreate2D)
	binary.LittleEndian.PutUint32(createCmd[CtrlHdrSize+0:], d.resourceID)
	binary.LittleEndian.PutUint32(createCmd[CtrlHdrSize+4:], FormatB8G8R8X8)
	binary.LittleEndian.PutUint32(createCmd[CtrlHdrSize+8:], width)
	binary.LittleEndian.PutUint32(createCmd[CtrlHdrSize+12:], height)
	if _, err := d.send(createCmd, CtrlHdrSize); err != nil {
		return err
	}

	attachCmd := make([]byte, CtrlHdrSize+8+16) // hdr + resource/nr_entries + one mem entry {addr u64, len u32, pad u32}
	putHdr(attachCmd, CmdAttachBacking)
	binary.LittleEndian.PutUint32(attachCmd[CtrlHdrSize+0:], d.resourceID)
	binary.LittleEndian.PutUint32(attachCmd[CtrlHdrSize+4:], 1)
	binary.LittleEndian.PutUint64(attachCmd[CtrlHdrSize+8:], d.fbPhys)
	binary.LittleEndian.PutUint32(attachCmd[CtrlHdrSize+16:], d.fbLen)
	if _, err := d.send(attachCmd, CtrlHdrSize); err != nil {
		return err
	}

	scanoutCmd := make([]byte, CtrlHdrSize+16+8) // hdr + rect + scanout_id/resource_id
	putHdr(scanoutCmd, CmdSetScanout)
	binary.LittleEndian.PutUint32(scanoutCmd[CtrlHdrSize+8:], width)
	binary.LittleEndian.PutUint32(scanoutCmd[CtrlHdrSize+12:], height)
	binary.LittleEndian.PutUint32(scanoutCmd[CtrlHdrSize+20:], d.resourceID)
	if _, err := d.send(scanoutCmd, CtrlHdrSize); err != nil {
		return err
	}

	log.Printf("framebuffer %dx%d ready", width, height)
	return d.TransferToHost(0, 0, width, height)
}

// TransferToHost pushes a damage rectangle of pixel data from the backing
// store to the host side and flushes it to the scanout: the per-frame
// TRANSFER_TO_HOST_2D + RESOURCE_FLUSH pair. Callers write pixels into
// Framebuffer() first.
func (d *Device) TransferToHost(x, y, w, h uint32) error {
	pitch := d.width * 4
	offset := uint64(y)*uint64(pitch) + uint64(x)*4

	transferCmd := make([]byte, CtrlHdrSize+16+8+8) // hdr + rect + offset u64 + resource/pad
	putHdr(transferCmd, CmdTransferToHost2D)
	binary.LittleEndian.PutUint32(transferCmd[CtrlHdrSize+0:], x)
	binary.LittleEndian.PutUint32(transferCmd[CtrlHdrSize+4:], y)
	binary.LittleEndian.PutUint32(transferCmd[CtrlHdrSize+8:], w)
	binary.LittleEndian.PutUint32(transferCmd[CtrlHdrSize+12:], h)
	binary.LittleEndian.PutUint64(transferCmd[CtrlHdrSize+16:], offset)
	binary.LittleEndian.PutUint32(transferCmd[CtrlHdrSize+24:], d.resourceID)
	if _, err := d.send(transferCmd, CtrlHdrSize); err != nil {
		return err
	}

	flushCmd := make([]byte, CtrlHdrSize+16+8) // hdr + rect + resource/pad
	putHdr(flushCmd, CmdResourceFlush)
	binary.LittleEndian.PutUint32(flushCmd[CtrlHdrSize+0:], x)
	binary.LittleEndian.PutUint32(flushCmd[CtrlHdrSize+4:], y)
	binary.LittleEndian.PutUint32(flushCmd[CtrlHdrSize+8:], w)
	binary.LittleEndian.PutUint32(flushCmd[CtrlHdrSize+12:], h)
	binary.LittleEndian.PutUint32(flushCmd[CtrlHdrSize+16:], d.resourceID)
	_, err := d.send(flushCmd, CtrlHdrSize)
	return err
}

// Framebuffer exposes the DMA backing store so the compositor can blit
// directly into it before calling TransferToHost.
func (d *Device) Framebuffer() []byte {
	fb, ok := d.mem.Slice(d.fbPhys, d.fbLen)
	if !ok {
		return nil
	}
	return fb
}

// FramebufferPhys returns the backing store's physical range, for the
// host model's transfer path.
func (d *Device) FramebufferPhys() (addr uint64, length uint32) { return d.fbPhys, d.fbLen }

func (d *Device) Width() uint32  { return d.width }
func (d *Device) Height() uint32 { return d.height }
