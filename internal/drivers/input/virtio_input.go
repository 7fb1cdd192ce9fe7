// Package input implements the VirtIO-Input driver: keyboard scancodes,
// relative pointer motion, and button state, translated into two bounded
// event rings the compositor drains.
//
// One virtqueue, pre-posted receive buffers, and a drain loop that
// re-posts each completed buffer. Event-code naming follows the Linux
// evdev convention the VirtIO input device reuses.
package input

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"anyos/internal/cputime"
	"anyos/internal/dma"
	"anyos/internal/hal"
	"anyos/internal/klock"
	"anyos/internal/klog"
	"anyos/internal/virtqueue"
)

var log = klog.Tag("input")

// VirtIODeviceKey is the PCI (vendor, device) pair for virtio-input.
var VirtIODeviceKey = hal.DeviceKey{VendorID: 0x1af4, DeviceID: 0x1052}

// Event types (evdev convention).
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvRel = 0x02
	EvAbs = 0x03
)

// Relevant evdev codes.
const (
	RelX = 0x00
	RelY = 0x01
	AbsX = 0x00
	AbsY = 0x01

	BtnLeft   = 0x110
	BtnRight  = 0x111
	BtnMiddle = 0x112
)

// Mouse button bits accumulated in the shared button state.
const (
	ButtonLeft = 1 << iota
	ButtonRight
	ButtonMiddle
)

const eventSize = 8 // type(2) + code(2) + value(4), virtio_input_event wire layout

// numPostBuffers is how many receive buffers stay posted to the event
// queue at all times.
const numPostBuffers = 8

// configNameOffset/configNameLen locate the device-name string in the
// device's configuration space.
const (
	configNameOffset = 8
	configNameLen    = 64
)

// Kind distinguishes the two device classes one virtio-input function can
// present.
type Kind int

const (
	Keyboard Kind = iota
	Pointer
)

// Event is a decoded input event.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// MMIO is the slice of the device's register window this driver touches:
// configuration-space bytes, the interrupt-status register, and the queue
// notify doorbell.
type MMIO interface {
	// ConfigByte reads one byte of device configuration space. Single-byte
	// reads only: AArch64 MMIO refuses unaligned 32-bit accesses, so the
	// name string is fetched one byte at a time.
	ConfigByte(off uint32) byte
	// AckInterrupt reads and clears the interrupt-status register,
	// returning the pending bits.
	AckInterrupt() uint32
	// Notify rings the event-queue doorbell.
	Notify()
}

// Ring is a bounded event ring (256 entries) drained by the compositor.
// Overflow drops the newest event; input is lossy under pressure, never
// blocking the IRQ path.
type Ring struct {
	lock   klock.SpinLock
	events [256]Event
	head   uint32
	tail   uint32
}

func (r *Ring) push(e Event) {
	g := klock.Lock(&r.lock, cputime.CurrentCPU())
	defer g.Unlock()
	if r.tail-r.head >= uint32(len(r.events)) {
		return
	}
	r.events[r.tail%uint32(len(r.events))] = e
	r.tail++
}

// Pop removes the oldest event, or ok=false when the ring is empty.
func (r *Ring) Pop() (Event, bool) {
	g := klock.Lock(&r.lock, cputime.CurrentCPU())
	defer g.Unlock()
	if r.head == r.tail {
		return Event{}, false
	}
	e := r.events[r.head%uint32(len(r.events))]
	r.head++
	return e, true
}

// Len reports how many events are waiting.
func (r *Ring) Len() int {
	g := klock.Lock(&r.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return int(r.tail - r.head)
}

// Device is a virtio-input driver instance.
type Device struct {
	loc  hal.BusSlot
	q    *virtqueue.VirtQueue
	mem  *dma.Arena
	mmio MMIO

	name string
	kind Kind

	posted map[uint16]uint64 // in-flight head index -> buffer phys addr

	keyboard Ring
	mouse    Ring
	buttons  atomic.Uint32 // shared button bitmask

	relX, relY atomic.Int32 // accumulated relative motion since last SYN
}

// Factory registers this driver against the hal registry. On
// instantiation it reads the device name, infers the device class, and
// pre-posts the receive buffers.
func Factory(q *virtqueue.VirtQueue, mem *dma.Arena, mmio MMIO) hal.Factory {
	return func(loc hal.BusSlot, bar0 uint32) (hal.Driver, error) {
		d := &Device{loc: loc, q: q, mem: mem, mmio: mmio, posted: make(map[uint16]uint64)}
		d.name = d.readName()
		d.kind = inferKind(d.name)
		if err := d.postBuffers(); err != nil {
			return nil, err
		}
		log.Printf("%q (%s) at bus=%d slot=%d func=%d", d.name, d.kindString(), loc.Bus, loc.Slot, loc.Func)
		return d, nil
	}
}

func (d *Device) Name() string       { return "virtio-input" }
func (d *Device) Key() hal.DeviceKey { return VirtIODeviceKey }

// DeviceName returns the name string read from configuration space.
func (d *Device) DeviceName() string { return d.name }

// Kind returns the inferred device class.
func (d *Device) Kind() Kind { return d.kind }

func (d *Device) kindString() string {
	if d.kind == Keyboard {
		return "keyboard"
	}
	return "pointer"
}

// readName fetches the device-name string one byte at a time.
func (d *Device) readName() string {
	buf := make([]byte, 0, configNameLen)
	for i := uint32(0); i < configNameLen; i++ {
		b := d.mmio.ConfigByte(configNameOffset + i)
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// inferKind guesses keyboard vs pointer from the first letter of the
// device name.
func inferKind(name string) Kind {
	if len(name) > 0 && (name[0] == 'k' || name[0] == 'K') {
		return Keyboard
	}
	return Pointer
}

// postBuffers allocates and publishes the initial receive buffers, one
// evdev event each.
func (d *Device) postBuffers() error {
	for i := 0; i < numPostBuffers; i++ {
		addr, ok := d.mem.Alloc(eventSize, eventSize)
		if !ok {
			return errors.New("input: no DMA memory for event buffers")
		}
		if !d.postOne(addr) {
			return errors.New("input: event queue refused a receive buffer")
		}
	}
	d.mmio.Notify()
	return nil
}

func (d *Device) postOne(addr uint64) bool {
	head, ok := d.q.Push(nil, []virtqueue.Buf{{Addr: addr, Len: eventSize, Write: true}})
	if !ok {
		return false
	}
	d.posted[head] = addr
	return true
}

// DecodeEvent parses one wire-format virtio_input_event.
func DecodeEvent(buf []byte) Event {
	return Event{
		Type:  binary.LittleEndian.Uint16(buf[0:2]),
		Code:  binary.LittleEndian.Uint16(buf[2:4]),
		Value: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

// EncodeEvent is the inverse of DecodeEvent, used by the host input
// backend feeding synthetic events into posted buffers.
func EncodeEvent(e Event) []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Type)
	binary.LittleEndian.PutUint16(buf[2:4], e.Code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Value))
	return buf
}

// HandleIRQ is the interrupt handler: acknowledge the device's
// interrupt-status register, drain the used ring, translate each
// completed event, and re-post its buffer.
func (d *Device) HandleIRQ() {
	if d.mmio.AckInterrupt() == 0 {
		return
	}
	for {
		head, _, ok := d.q.PollUsed()
		if !ok {
			return
		}
		addr, known := d.posted[head]
		if !known {
			continue
		}
		delete(d.posted, head)
		if buf, ok := d.mem.Slice(addr, eventSize); ok {
			d.translate(DecodeEvent(buf))
		}
		if d.postOne(addr) {
			d.mmio.Notify()
		}
	}
}

// translate routes one evdev event to its ring or accumulator.
func (d *Device) translate(e Event) {
	switch e.Type {
	case EvKey:
		switch {
		case e.Code < 0x110:
			d.keyboard.push(e)
		case e.Code == BtnLeft:
			d.setButton(ButtonLeft, e.Value != 0)
		case e.Code == BtnRight:
			d.setButton(ButtonRight, e.Value != 0)
		case e.Code == BtnMiddle:
			d.setButton(ButtonMiddle, e.Value != 0)
		}
	case EvRel:
		switch e.Code {
		case RelX:
			d.relX.Add(e.Value)
		case RelY:
			d.relY.Add(e.Value)
		}
	case EvAbs:
		d.mouse.push(e)
	case EvSyn:
		// frame marker: publish the accumulated relative motion
		dx := d.relX.Swap(0)
		dy := d.relY.Swap(0)
		if dx != 0 {
			d.mouse.push(Event{Type: EvRel, Code: RelX, Value: dx})
		}
		if dy != 0 {
			d.mouse.push(Event{Type: EvRel, Code: RelY, Value: dy})
		}
	}
}

func (d *Device) setButton(bit uint32, pressed bool) {
	for {
		old := d.buttons.Load()
		var next uint32
		if pressed {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if d.buttons.CompareAndSwap(old, next) {
			return
		}
	}
}

// Buttons returns the current button bitmask.
func (d *Device) Buttons() uint32 { return d.buttons.Load() }

// KeyboardRing and MouseRing expose the two bounded event rings the
// compositor drains.
func (d *Device) KeyboardRing() *Ring { return &d.keyboard }
func (d *Device) MouseRing() *Ring    { return &d.mouse }

// ScaleAbsolute converts a raw 0..0xFFFF absolute axis value to a screen
// pixel coordinate.
func ScaleAbsolute(raw uint32, screenExtent uint32) uint32 {
	return uint32((uint64(raw) * uint64(screenExtent)) / 0xFFFF)
}
