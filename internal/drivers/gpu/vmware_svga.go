package gpu

import (
	"anyos/internal/hal"
	"anyos/internal/klog"
)

var svgaLog = klog.Tag("vmware_svga")

// SVGADeviceKey is the PCI (vendor, device) pair for VMware SVGA II.
var SVGADeviceKey = hal.DeviceKey{VendorID: 0x15AD, DeviceID: 0x0405}

// SVGA register indices (I/O-indexed access).
const (
	svgaRegID           = 0
	svgaRegEnable       = 1
	svgaRegWidth        = 2
	svgaRegHeight       = 3
	svgaRegMaxWidth     = 4
	svgaRegMaxHeight    = 5
	svgaRegBPP          = 7
	svgaRegBytesPerLine = 12
	svgaRegFBStart      = 13
	svgaRegFBOffset     = 14
	svgaRegVRAMSize     = 15
	svgaRegFBSize       = 16
	svgaRegCapabilities = 17
	svgaRegFIFOStart    = 18
	svgaRegFIFOSize     = 19
	svgaRegConfigDone   = 20
	svgaRegSync         = 21
	svgaRegBusy         = 22
	svgaRegCursorID     = 24
	svgaRegCursorX      = 25
	svgaRegCursorY      = 26
	svgaRegCursorOn     = 27
)

const svgaID2 = 0x90000002

// Capability bits.
const (
	svgaCapRectFill       = 1 << 0
	svgaCapRectCopy       = 1 << 1
	svgaCapCursor         = 1 << 5
	svgaCapCursorBypass   = 1 << 6
	svgaCapCursorBypass2  = 1 << 7
)

// FIFO register offsets, in uint32 units.
const (
	fifoMin     = 0
	fifoMax     = 1
	fifoNextCmd = 2
	fifoStop    = 3
)

const fifoNumRegs = 293

// FIFO command opcodes.
const (
	cmdUpdate       = 1
	cmdRectFill     = 2
	cmdRectCopy     = 3
	cmdDefineCursor = 19
)

// IOPorts abstracts the indexed register I/O ports SVGA uses (index port,
// value port). A real deployment backs this with outl/inl on BAR0; here
// it is an interface so the FIFO ring logic can be tested without real
// port I/O.
type IOPorts interface {
	Out(index, value uint32)
	In(index uint32) uint32
}

// SVGADevice is a VMware SVGA II driver instance.
type SVGADevice struct {
	loc   hal.BusSlot
	ports IOPorts
	fifo  []uint32 // simulated FIFO command ring (word-addressed, like the FIFO MMIO region)

	capabilities uint32
	width, height, pitch, fbPhys uint32
}

func SVGAFactory(ports IOPorts, fifoWords int) hal.Factory {
	return func(loc hal.BusSlot, bar0 uint32) (hal.Driver, error) {
		return &SVGADevice{loc: loc, ports: ports, fifo: make([]uint32, fifoWords)}, nil
	}
}

func (d *SVGADevice) Name() string       { return "VMware SVGA II" }
func (d *SVGADevice) Key() hal.DeviceKey { return SVGADeviceKey }

func (d *SVGADevice) regWrite(index, value uint32) { d.ports.Out(index, value) }
func (d *SVGADevice) regRead(index uint32) uint32  { return d.ports.In(index) }

// InitFIFO sets up the FIFO ring's min/max/next_cmd/stop pointers and
// marks config done, enabling command submission.
func (d *SVGADevice) InitFIFO() {
	min := uint32(fifoNumRegs * 4)
	max := uint32(len(d.fifo)) * 4
	d.fifo[fifoMin] = min
	d.fifo[fifoMax] = max
	d.fifo[fifoNextCmd] = min
	d.fifo[fifoStop] = min
	d.regWrite(svgaRegConfigDone, 1)
}

// writeCmd appends words to the FIFO ring, wrapping at max and syncing
// (draining) when the ring would catch up to stop.
func (d *SVGADevice) writeCmd(words []uint32) {
	min := d.fifo[fifoMin]
	max := d.fifo[fifoMax]
	next := d.fifo[fifoNextCmd]

	for _, w := range words {
		stop := d.fifo[fifoStop]
		nextNext := next + 4
		if nextNext >= max {
			nextNext = min
		}
		if nextNext == stop {
			d.Sync()
		}
		d.fifo[next/4] = w
		next = nextNext
	}
	d.fifo[fifoNextCmd] = next
}

// Sync issues SVGA_REG_SYNC and busy-waits for SVGA_REG_BUSY to clear.
func (d *SVGADevice) Sync() {
	d.regWrite(svgaRegSync, 1)
	for d.regRead(svgaRegBusy) != 0 {
	}
}

// SetMode negotiates a display mode and returns the actual (width,
// height, pitch, framebuffer physical address) the device settled on.
func (d *SVGADevice) SetMode(width, height, bpp uint32) (w, h, pitch, fb uint32) {
	d.regWrite(svgaRegWidth, width)
	d.regWrite(svgaRegHeight, height)
	d.regWrite(svgaRegBPP, bpp)
	d.regWrite(svgaRegEnable, 1)

	w = d.regRead(svgaRegWidth)
	h = d.regRead(svgaRegHeight)
	pitch = d.regRead(svgaRegBytesPerLine)
	fb = d.regRead(svgaRegFBStart)

	d.width, d.height, d.pitch, d.fbPhys = w, h, pitch, fb
	svgaLog.Printf("mode set to %dx%dx%d (pitch=%d, fb=%#x)", w, h, bpp, pitch, fb)
	return
}

func (d *SVGADevice) HasAccel() bool {
	return d.capabilities&(svgaCapRectFill|svgaCapRectCopy) != 0
}

// AccelFillRect issues a hardware rect-fill followed by an update so the
// display reflects the change.
func (d *SVGADevice) AccelFillRect(x, y, w, h, color uint32) bool {
	if d.capabilities&svgaCapRectFill == 0 {
		return false
	}
	d.writeCmd([]uint32{cmdRectFill, color, x, y, w, h})
	d.writeCmd([]uint32{cmdUpdate, x, y, w, h})
	return true
}

func (d *SVGADevice) AccelCopyRect(sx, sy, dx, dy, w, h uint32) bool {
	if d.capabilities&svgaCapRectCopy == 0 {
		return false
	}
	d.writeCmd([]uint32{cmdRectCopy, sx, sy, dx, dy, w, h})
	d.writeCmd([]uint32{cmdUpdate, dx, dy, w, h})
	return true
}

func (d *SVGADevice) UpdateRect(x, y, w, h uint32) {
	d.writeCmd([]uint32{cmdUpdate, x, y, w, h})
}

func (d *SVGADevice) HasHWCursor() bool {
	return d.capabilities&svgaCapCursor != 0
}

// DefineCursor uploads a hardware cursor bitmap: an AND (transparency)
// mask derived from each pixel's alpha channel, followed by the XOR
// (ARGB) mask. Bit packing follows QEMU's mask[col/8] & (0x80 >>
// (col%8)) convention on little-endian words.
func (d *SVGADevice) DefineCursor(w, h, hotx, hoty uint32, pixels []uint32) {
	if d.capabilities&svgaCapCursor == 0 {
		return
	}
	cmd := []uint32{cmdDefineCursor, 0, hotx, hoty, w, h, 1, 32}

	var andWord uint32
	for row := uint32(0); row < h; row++ {
		andWord = 0
		for col := uint32(0); col < w; col++ {
			idx := row*w + col
			var alpha uint32
			if int(idx) < len(pixels) {
				alpha = (pixels[idx] >> 24) & 0xFF
			}
			if alpha < 128 {
				andWord |= 1 << ((col % 32) ^ 7)
			}
			if col%32 == 31 || col == w-1 {
				cmd = append(cmd, andWord)
				andWord = 0
			}
		}
	}
	for _, p := range pixels {
		cmd = append(cmd, p)
	}
	d.writeCmd(cmd)
	// Select cursor id 0 for the shape just defined. The position is not
	// re-sent here: the compositor's DefineHWCursor re-asserts it through
	// SetCursorPosition after every shape change.
	d.regWrite(svgaRegCursorID, 0)
}

// SetCursorPosition moves the hardware cursor with two register writes.
// Satisfies the compositor's HWCursorSink alongside DefineCursor and
// SetCursorVisible.
func (d *SVGADevice) SetCursorPosition(x, y int32) {
	d.regWrite(svgaRegCursorX, uint32(x))
	d.regWrite(svgaRegCursorY, uint32(y))
}

// SetCursorVisible toggles the hardware cursor on or off.
func (d *SVGADevice) SetCursorVisible(visible bool) {
	v := uint32(0)
	if visible {
		v = 1
	}
	d.regWrite(svgaRegCursorOn, v)
}
