package vdev

import (
	"encoding/binary"

	"anyos/internal/dma"
	"anyos/internal/drivers/gpu"
	"anyos/internal/virtqueue"
)

type gpuResource struct {
	width, height uint32
	backingAddr   uint64
	backingLen    uint32
}

// GPU models the host side of a virtio-gpu controlq: it pops published
// command chains, executes them against a host scanout buffer, and writes
// responses into the chain's device-writable buffer.
type GPU struct {
	q   *virtqueue.VirtQueue
	mem *dma.Arena

	// DisplayWidth/DisplayHeight are what GET_DISPLAY_INFO reports for
	// scanout 0; zero means "scanout disabled", forcing the driver's
	// 1024x768 fallback.
	DisplayWidth  uint32
	DisplayHeight uint32

	resources       map[uint32]*gpuResource
	scanoutResource uint32

	scanout []uint32 // host-side presented pixels, row-major
	flushes int
}

// NewGPU builds a model over the driver's controlq and DMA arena.
func NewGPU(q *virtqueue.VirtQueue, mem *dma.Arena, displayW, displayH uint32) *GPU {
	return &GPU{q: q, mem: mem, DisplayWidth: displayW, DisplayHeight: displayH, resources: make(map[uint32]*gpuResource)}
}

// Step consumes every pending command chain. Wired as the driver's
// deviceStep callback so ExecuteSync's poll loop advances the device.
func (g *GPU) Step() {
	for {
		head, bufs, ok := g.q.DevicePop()
		if !ok {
			return
		}
		g.serve(head, bufs)
	}
}

func (g *GPU) serve(head uint16, bufs []virtqueue.Buf) {
	if len(bufs) < 2 {
		g.q.DeviceComplete(head, 0)
		return
	}
	cmd, ok := g.mem.Slice(bufs[0].Addr, bufs[0].Len)
	if !ok || len(cmd) < gpu.CtrlHdrSize {
		g.q.DeviceComplete(head, 0)
		return
	}
	resp, ok := g.mem.Slice(bufs[len(bufs)-1].Addr, bufs[len(bufs)-1].Len)
	if !ok || len(resp) < gpu.CtrlHdrSize {
		g.q.DeviceComplete(head, 0)
		return
	}

	written := g.execute(binary.LittleEndian.Uint32(cmd[0:4]), cmd, resp)
	g.q.DeviceComplete(head, written)
}

func (g *GPU) execute(cmdType uint32, cmd, resp []byte) uint32 {
	const hdr = gpu.CtrlHdrSize
	ok := func() uint32 {
		binary.LittleEndian.PutUint32(resp[0:4], gpu.RespOKNodata)
		return hdr
	}
	fail := func(code uint32) uint32 {
		binary.LittleEndian.PutUint32(resp[0:4], code)
		return hdr
	}

	switch cmdType {
	case gpu.CmdGetDisplayInfo:
		if len(resp) < hdr+24 {
			return fail(gpu.RespErrUnspec)
		}
		binary.LittleEndian.PutUint32(resp[0:4], gpu.RespOKDisplayInfo)
		binary.LittleEndian.PutUint32(resp[hdr+8:], g.DisplayWidth)
		binary.LittleEndian.PutUint32(resp[hdr+12:], g.DisplayHeight)
		enabled := uint32(0)
		if g.DisplayWidth != 0 && g.DisplayHeight != 0 {
			enabled = 1
		}
		binary.LittleEndian.PutUint32(resp[hdr+16:], enabled)
		return hdr + 24

	case gpu.CmdResourceCreate2D:
		id := binary.LittleEndian.Uint32(cmd[hdr+0:])
		g.resources[id] = &gpuResource{
			width:  binary.LittleEndian.Uint32(cmd[hdr+8:]),
			height: binary.LittleEndian.Uint32(cmd[hdr+12:]),
		}
		return ok()

	case gpu.CmdAttachBacking:
		id := binary.LittleEndian.Uint32(cmd[hdr+0:])
		r, exists := g.resources[id]
		if !exists {
			return fail(gpu.RespErrResource)
		}
		r.backingAddr = binary.LittleEndian.Uint64(cmd[hdr+8:])
		r.backingLen = binary.LittleEndian.Uint32(cmd[hdr+16:])
		return ok()

	case gpu.CmdSetScanout:
		id := binary.LittleEndian.Uint32(cmd[hdr+20:])
		r, exists := g.resources[id]
		if !exists {
			return fail(gpu.RespErrResource)
		}
		g.scanoutResource = id
		g.scanout = make([]uint32, int(r.width)*int(r.height))
		return ok()

	case gpu.CmdTransferToHost2D:
		r, exists := g.resources[g.scanoutResource]
		if !exists {
			return fail(gpu.RespErrScanout)
		}
		x := binary.LittleEndian.Uint32(cmd[hdr+0:])
		y := binary.LittleEndian.Uint32(cmd[hdr+4:])
		w := binary.LittleEndian.Uint32(cmd[hdr+8:])
		h := binary.LittleEndian.Uint32(cmd[hdr+12:])
		g.transfer(r, x, y, w, h)
		return ok()

	case gpu.CmdResourceFlush:
		g.flushes++
		return ok()

	default:
		return fail(gpu.RespErrUnspec)
	}
}

// transfer copies the damage rectangle from the resource's guest backing
// store into the host scanout.
func (g *GPU) transfer(r *gpuResource, x, y, w, h uint32) {
	backing, ok := g.mem.Slice(r.backingAddr, r.backingLen)
	if !ok || g.scanout == nil {
		return
	}
	for row := uint32(0); row < h && y+row < r.height; row++ {
		for col := uint32(0); col < w && x+col < r.width; col++ {
			off := ((y+row)*r.width + (x + col)) * 4
			if int(off)+4 > len(backing) {
				return
			}
			g.scanout[(y+row)*r.width+(x+col)] = binary.LittleEndian.Uint32(backing[off:])
		}
	}
}

// Scanout returns the host-side presented pixels, for assertions about
// what actually reached the display.
func (g *GPU) Scanout() []uint32 { return g.scanout }

// Flushes returns how many RESOURCE_FLUSH commands the model served.
func (g *GPU) Flushes() int { return g.flushes }
