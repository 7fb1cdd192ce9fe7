// Package audio implements the Intel AC'97 audio driver: a PCI
// I/O-space device driven through its NAM (mixer) and NABM (bus master)
// register banks, with a 32-entry buffer descriptor list in DMA memory
// feeding a host PCM sink.
//
// The host sink is split !headless/headless by build tag; the oto
// backend uses a lock-free sample ring on the hot path and the
// Read(p []byte) pull-model Player interface ebitengine/oto/v3
// expects.
package audio

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"anyos/internal/dma"
	"anyos/internal/hal"
	"anyos/internal/klog"
)

var log = klog.Tag("audio")

// DeviceKey is the PCI (vendor, device) pair QEMU's AC'97 emulation
// presents (Intel 82801AA).
var DeviceKey = hal.DeviceKey{VendorID: 0x8086, DeviceID: 0x2415}

// NAM (mixer) register offsets.
const (
	namReset        = 0x00
	namMasterVolume = 0x02
	namPCMOutVolume = 0x18
	namExtAudioID   = 0x28
	namExtAudioCtrl = 0x2A
	namPCMFrontRate = 0x2C
)

// NABM register offsets; the PCM-out channel sits at +0x10.
const (
	nabmPCMOutBDLBase  = 0x10
	nabmPCMOutCIV      = 0x14
	nabmPCMOutLVI      = 0x15
	nabmPCMOutStatus   = 0x16
	nabmPCMOutPosition = 0x18
	nabmPCMOutPrefetch = 0x1A
	nabmPCMOutControl  = 0x1B
	nabmGlobalControl  = 0x2C
	nabmGlobalStatus   = 0x30
)

// PCM-out control bits.
const (
	ctlRPBM  = 1 << 0 // run/pause bus master
	ctlRR    = 1 << 1 // register reset
	ctlLVBIE = 1 << 2 // last-valid-buffer interrupt enable
	ctlFEIE  = 1 << 3 // FIFO-error interrupt enable
	ctlIOCE  = 1 << 4 // interrupt-on-completion enable
)

// PCM-out status bits.
const (
	stDCH   = 1 << 0 // DMA controller halted
	stLVBCI = 1 << 2 // last valid buffer completion interrupt
	stBCIS  = 1 << 3 // buffer completion interrupt status
	stFIFOE = 1 << 4 // FIFO error
)

// Global control/status bits.
const (
	gcColdReset  = 1 << 1
	gcWarmReset  = 1 << 2
	gsCodecReady = 1 << 8
)

// BDL geometry.
const (
	bdlEntries   = 32
	bdlEntrySize = 8 // buf_phys_addr u32 + sample_count u16 + flags u16
	bufferSize   = 4096

	bdlFlagIOC = 1 << 15 // interrupt on completion, in the flags half
)

// Ports is I/O-space access to one BAR, the hosted stand-in for inb/outb
// against a PCI I/O region.
type Ports interface {
	In8(off uint32) uint8
	Out8(off uint32, v uint8)
	In16(off uint32) uint16
	Out16(off uint32, v uint16)
	In32(off uint32) uint32
	Out32(off uint32, v uint32)
}

// Device is an AC'97 driver instance: BAR0 = NAM, BAR1 = NABM.
type Device struct {
	loc  hal.BusSlot
	nam  Ports
	nabm Ports
	mem  *dma.Arena

	bdlBase uint64
	buffers [bdlEntries]uint64
	next    uint8

	mu      sync.Mutex
	playing atomic.Bool

	sink Sink
}

// Factory registers this driver against the hal registry.
// enableBusMaster is the PCI config-space hook that sets the bus-master
// bit in the command register before any DMA starts.
func Factory(nam, nabm Ports, mem *dma.Arena, sink Sink, enableBusMaster func()) hal.Factory {
	return func(loc hal.BusSlot, bar0 uint32) (hal.Driver, error) {
		d := &Device{loc: loc, nam: nam, nabm: nabm, mem: mem, sink: sink}
		if enableBusMaster != nil {
			enableBusMaster()
		}
		if err := d.reset(); err != nil {
			return nil, err
		}
		if err := d.allocBuffers(); err != nil {
			return nil, err
		}
		log.Printf("codec ready at bus=%d slot=%d func=%d", loc.Bus, loc.Slot, loc.Func)
		return d, nil
	}
}

func (d *Device) Name() string       { return "ac97" }
func (d *Device) Key() hal.DeviceKey { return DeviceKey }

// reset cold-resets the controller, probes codec readiness, and warm
// resets once if the codec doesn't come up.
func (d *Device) reset() error {
	d.nabm.Out32(nabmGlobalControl, gcColdReset)
	d.nam.Out16(namReset, 0) // any write resets the mixer to defaults
	if d.nabm.In32(nabmGlobalStatus)&gsCodecReady != 0 {
		return nil
	}
	d.nabm.Out32(nabmGlobalControl, gcColdReset|gcWarmReset)
	if d.nabm.In32(nabmGlobalStatus)&gsCodecReady == 0 {
		return errors.New("audio: codec not ready after warm reset")
	}
	return nil
}

// allocBuffers carves the BDL and its 32 audio buffers out of DMA memory
// and programs the BDL base register.
func (d *Device) allocBuffers() error {
	base, ok := d.mem.Alloc(bdlEntries*bdlEntrySize, 8)
	if !ok {
		return errors.New("audio: no DMA memory for the BDL")
	}
	d.bdlBase = base
	for i := range d.buffers {
		addr, ok := d.mem.Alloc(bufferSize, bufferSize)
		if !ok {
			return errors.New("audio: no DMA memory for audio buffers")
		}
		d.buffers[i] = addr
	}
	d.nabm.Out32(nabmPCMOutBDLBase, uint32(base))
	return nil
}

// WritePCM copies 16-bit signed little-endian PCM into the next BDL
// buffer slot, updates the descriptor, advances the Last Valid Index,
// and starts playback on the first write. Returns the
// number of bytes consumed.
func (d *Device) WritePCM(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(data)
	if n > bufferSize {
		n = bufferSize
	}
	slot := d.next
	buf, ok := d.mem.Slice(d.buffers[slot], uint32(n))
	if !ok {
		return 0, errors.New("audio: BDL buffer fell outside the DMA arena")
	}
	copy(buf, data[:n])

	entry, ok := d.mem.Slice(d.bdlBase+uint64(slot)*bdlEntrySize, bdlEntrySize)
	if !ok {
		return 0, errors.New("audio: BDL fell outside the DMA arena")
	}
	binary.LittleEndian.PutUint32(entry[0:4], uint32(d.buffers[slot]))
	binary.LittleEndian.PutUint16(entry[4:6], uint16(n/2)) // sample count
	binary.LittleEndian.PutUint16(entry[6:8], bdlFlagIOC)

	d.nabm.Out8(nabmPCMOutLVI, slot)
	d.next = (slot + 1) % bdlEntries

	if !d.playing.Load() {
		d.nabm.Out8(nabmPCMOutControl, ctlRPBM|ctlLVBIE|ctlFEIE|ctlIOCE)
		d.playing.Store(true)
	}
	return n, nil
}

// HandleIRQ acknowledges buffer-completion, last-valid-buffer, and
// FIFO-error status bits; LVBCI clears the playing flag.
func (d *Device) HandleIRQ() {
	st := d.nabm.In16(nabmPCMOutStatus)
	ack := st & (stBCIS | stLVBCI | stFIFOE)
	if ack == 0 {
		return
	}
	d.nabm.Out16(nabmPCMOutStatus, ack) // write-1-to-clear
	if st&stFIFOE != 0 {
		log.Printf("FIFO error")
	}
	if st&stLVBCI != 0 {
		d.playing.Store(false)
	}
}

// Playing reports whether the bus master is running.
func (d *Device) Playing() bool { return d.playing.Load() }

// SetVolume maps 0..100 to the codec's 6-bit attenuation scale (0 = max,
// 63 = min) with the mute bit at 15, duplicating the value into both
// channel fields, and writes master and PCM-out volume.
func (d *Device) SetVolume(percent uint32) {
	if percent > 100 {
		percent = 100
	}
	att := uint16((100 - percent) * 63 / 100)
	v := att<<8 | att
	if percent == 0 {
		v |= 1 << 15
	}
	d.nam.Out16(namMasterVolume, v)
	d.nam.Out16(namPCMOutVolume, v)
}

// Sink is the host PCM output decoded samples are pushed to.
type Sink interface {
	Push(samples []float32)
	Start()
	Stop()
	Close()
}

// PushToSink converts a completed buffer's 16-bit PCM to float32 and
// forwards it; the host codec model calls this when it consumes a BDL
// entry.
func (d *Device) PushToSink(pcm []byte) {
	if d.sink == nil {
		return
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	d.sink.Push(samples)
}

// ringBuffer is a lock-free SPSC sample ring the sink reads from.
type ringBuffer struct {
	buf   []float32
	read  atomic.Uint64
	write atomic.Uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]float32, capacity)}
}

func (rb *ringBuffer) push(samples []float32) {
	for _, s := range samples {
		w := rb.write.Load()
		rb.buf[w%uint64(len(rb.buf))] = s
		rb.write.Store(w + 1)
	}
}

func (rb *ringBuffer) readOne() float32 {
	r := rb.read.Load()
	w := rb.write.Load()
	if r >= w {
		return 0
	}
	v := rb.buf[r%uint64(len(rb.buf))]
	rb.read.Store(r + 1)
	return v
}
