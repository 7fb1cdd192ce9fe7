package vdev

import (
	"encoding/binary"
	"sync"

	"anyos/internal/dma"
	"anyos/internal/drivers/audio"
)

// register-offset constants duplicated from the driver's point of view;
// the model decodes the same map the driver encodes.
const (
	ac97BDLBase   = 0x10
	ac97CIV       = 0x14
	ac97LVI       = 0x15
	ac97Status    = 0x16
	ac97Control   = 0x1B
	ac97GlobalCtl = 0x2C
	ac97GlobalSts = 0x30

	ac97CtlRPBM    = 1 << 0
	ac97StDCH      = 1 << 0
	ac97StLVBCI    = 1 << 2
	ac97StBCIS     = 1 << 3
	ac97CodecReady = 1 << 8
)

// AC97 models the codec/controller pair behind the driver's two I/O
// BARs: a mixer register file (NAM) and a bus-master register file
// (NABM) whose DMA engine consumes BDL entries out of the shared arena.
type AC97 struct {
	mem *dma.Arena

	mu   sync.Mutex
	nam  [0x80]uint16
	bdl  uint32
	civ  uint8
	lvi  uint8
	sr   uint16
	cr   uint8
	gctl uint32

	// OnBuffer receives each consumed audio buffer's raw PCM bytes.
	OnBuffer func(pcm []byte)
	// IRQ is the interrupt line into the driver's HandleIRQ.
	IRQ func()
}

// NewAC97 builds a codec model over the shared DMA arena.
func NewAC97(mem *dma.Arena) *AC97 {
	return &AC97{mem: mem, sr: ac97StDCH}
}

// NAM returns the mixer register bank.
func (a *AC97) NAM() audio.Ports { return namPorts{a} }

// NABM returns the bus-master register bank.
func (a *AC97) NABM() audio.Ports { return nabmPorts{a} }

type namPorts struct{ a *AC97 }

func (p namPorts) In8(off uint32) uint8     { return uint8(p.In16(off &^ 1)) }
func (p namPorts) Out8(off uint32, v uint8) { p.Out16(off&^1, uint16(v)) }
func (p namPorts) In16(off uint32) uint16 {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	return p.a.nam[(off/2)%uint32(len(p.a.nam))]
}
func (p namPorts) Out16(off uint32, v uint16) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	if off == 0 { // mixer reset: restore defaults
		for i := range p.a.nam {
			p.a.nam[i] = 0
		}
		return
	}
	p.a.nam[(off/2)%uint32(len(p.a.nam))] = v
}
func (p namPorts) In32(off uint32) uint32     { return uint32(p.In16(off)) }
func (p namPorts) Out32(off uint32, v uint32) { p.Out16(off, uint16(v)) }

type nabmPorts struct{ a *AC97 }

func (p nabmPorts) In8(off uint32) uint8 {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	switch off {
	case ac97CIV:
		return p.a.civ
	case ac97LVI:
		return p.a.lvi
	case ac97Control:
		return p.a.cr
	}
	return 0
}

func (p nabmPorts) Out8(off uint32, v uint8) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	switch off {
	case ac97LVI:
		p.a.lvi = v % 32
	case ac97Control:
		p.a.cr = v
		if v&ac97CtlRPBM != 0 {
			p.a.sr &^= ac97StDCH
		} else {
			p.a.sr |= ac97StDCH
		}
	}
}

func (p nabmPorts) In16(off uint32) uint16 {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	if off == ac97Status {
		return p.a.sr
	}
	return 0
}

func (p nabmPorts) Out16(off uint32, v uint16) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	if off == ac97Status {
		p.a.sr &^= v // write-1-to-clear
	}
}

func (p nabmPorts) In32(off uint32) uint32 {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	switch off {
	case ac97BDLBase:
		return p.a.bdl
	case ac97GlobalCtl:
		return p.a.gctl
	case ac97GlobalSts:
		return ac97CodecReady // codec is always ready in the model
	}
	return 0
}

func (p nabmPorts) Out32(off uint32, v uint32) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	switch off {
	case ac97BDLBase:
		p.a.bdl = v
	case ac97GlobalCtl:
		p.a.gctl = v
	}
}

// DMAStep consumes one BDL entry, as the bus master would on a DMA
// completion: deliver the buffer's PCM to OnBuffer, set the completion
// status bits, advance the current index, and raise the interrupt.
// Returns false when the engine is halted or has caught up with LVI.
func (a *AC97) DMAStep() bool {
	a.mu.Lock()
	if a.cr&ac97CtlRPBM == 0 {
		a.mu.Unlock()
		return false
	}
	entry, ok := a.mem.Slice(uint64(a.bdl)+uint64(a.civ)*8, 8)
	if !ok {
		a.mu.Unlock()
		return false
	}
	addr := binary.LittleEndian.Uint32(entry[0:4])
	samples := binary.LittleEndian.Uint16(entry[4:6])
	pcm, ok := a.mem.Slice(uint64(addr), uint32(samples)*2)
	if !ok {
		a.mu.Unlock()
		return false
	}

	atLast := a.civ == a.lvi
	a.sr |= ac97StBCIS
	if atLast {
		a.sr |= ac97StLVBCI | ac97StDCH
		a.cr &^= ac97CtlRPBM
	}
	a.civ = (a.civ + 1) % 32
	onBuffer := a.OnBuffer
	a.mu.Unlock()

	if onBuffer != nil {
		onBuffer(pcm)
	}
	if a.IRQ != nil {
		a.IRQ()
	}
	return !atLast
}
