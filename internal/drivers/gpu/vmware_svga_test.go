package gpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePorts struct {
	regs map[uint32]uint32
}

func newFakePorts() *fakePorts { return &fakePorts{regs: make(map[uint32]uint32)} }

func (p *fakePorts) Out(index, value uint32) { p.regs[index] = value }
func (p *fakePorts) In(index uint32) uint32  { return p.regs[index] }

func TestSetModeReadsBackNegotiatedValues(t *testing.T) {
	ports := newFakePorts()
	ports.regs[svgaRegWidth] = 1024
	ports.regs[svgaRegHeight] = 768
	ports.regs[svgaRegBytesPerLine] = 4096
	ports.regs[svgaRegFBStart] = 0xE0000000

	d := &SVGADevice{ports: ports, fifo: make([]uint32, 16384)}
	w, h, pitch, fb := d.SetMode(1024, 768, 32)
	require.EqualValues(t, 1024, w)
	require.EqualValues(t, 768, h)
	require.EqualValues(t, 4096, pitch)
	require.EqualValues(t, 0xE0000000, fb)
	require.EqualValues(t, 1, ports.regs[svgaRegEnable])
}

func TestAccelFillRectRequiresCapability(t *testing.T) {
	ports := newFakePorts()
	d := &SVGADevice{ports: ports, fifo: make([]uint32, 16384)}
	require.False(t, d.AccelFillRect(0, 0, 10, 10, 0xFF0000))

	d.capabilities = svgaCapRectFill
	d.InitFIFO()
	require.True(t, d.AccelFillRect(0, 0, 10, 10, 0xFF0000))
}

func TestFIFOWrapsAroundAtMax(t *testing.T) {
	ports := newFakePorts()
	d := &SVGADevice{ports: ports, fifo: make([]uint32, fifoNumRegs+8)}
	d.InitFIFO()
	d.capabilities = svgaCapRectFill

	// Fill past the end of the small ring to exercise the wraparound.
	for i := 0; i < 4; i++ {
		require.True(t, d.AccelFillRect(uint32(i), 0, 1, 1, 0))
	}
}

func TestCursorRegistersDriveHWCursor(t *testing.T) {
	ports := newFakePorts()
	d := &SVGADevice{ports: ports, fifo: make([]uint32, 16384)}
	d.InitFIFO()
	d.capabilities = svgaCapCursor

	d.DefineCursor(1, 1, 0, 0, []uint32{0xFF000000})
	d.SetCursorPosition(120, 45)
	d.SetCursorVisible(true)

	require.EqualValues(t, 120, ports.regs[svgaRegCursorX])
	require.EqualValues(t, 45, ports.regs[svgaRegCursorY])
	require.EqualValues(t, 1, ports.regs[svgaRegCursorOn])
}

func TestDefineCursorNoopsWithoutCapability(t *testing.T) {
	ports := newFakePorts()
	d := &SVGADevice{ports: ports, fifo: make([]uint32, 16384)}
	d.InitFIFO()
	before := append([]uint32(nil), d.fifo...)
	d.DefineCursor(2, 2, 0, 0, []uint32{0xFFFFFFFF, 0, 0, 0})
	require.Equal(t, before, d.fifo)
}
