package vdev

import (
	"sync"
	"sync/atomic"

	"anyos/internal/dma"
	"anyos/internal/drivers/input"
	"anyos/internal/virtqueue"
)

// InputHost models the host side of a virtio-input device: it holds the
// configuration space (device name), collects the receive buffers the
// driver posts, and fills one per injected event, raising the interrupt
// line afterward.
type InputHost struct {
	q   *virtqueue.VirtQueue
	mem *dma.Arena

	name string

	mu      sync.Mutex
	posted  []postedBuf // receive buffers waiting for events, FIFO
	irqStat atomic.Uint32

	// IRQ, when set, is invoked after an event lands: the simulator's
	// interrupt line into the driver's HandleIRQ.
	IRQ func()
}

type postedBuf struct {
	head uint16
	addr uint64
	len  uint32
}

// NewInputHost builds a model presenting the given device name.
func NewInputHost(q *virtqueue.VirtQueue, mem *dma.Arena, name string) *InputHost {
	return &InputHost{q: q, mem: mem, name: name}
}

// ConfigByte implements input.MMIO: the name string sits at offset 8.
func (h *InputHost) ConfigByte(off uint32) byte {
	const nameOffset = 8
	if off < nameOffset {
		return 0
	}
	i := int(off - nameOffset)
	if i >= len(h.name) {
		return 0
	}
	return h.name[i]
}

// AckInterrupt implements input.MMIO: read-and-clear.
func (h *InputHost) AckInterrupt() uint32 {
	return h.irqStat.Swap(0)
}

// Notify implements input.MMIO: the driver rang the doorbell, so collect
// any freshly posted receive buffers.
func (h *InputHost) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		head, bufs, ok := h.q.DevicePop()
		if !ok {
			return
		}
		for _, b := range bufs {
			if b.Write {
				h.posted = append(h.posted, postedBuf{head: head, addr: b.Addr, len: b.Len})
			}
		}
	}
}

// Inject delivers one event into the next posted buffer and raises the
// interrupt. Returns false when the driver has no buffers available.
func (h *InputHost) Inject(e input.Event) bool {
	h.mu.Lock()
	if len(h.posted) == 0 {
		h.mu.Unlock()
		return false
	}
	pb := h.posted[0]
	h.posted = h.posted[1:]
	h.mu.Unlock()

	buf, ok := h.mem.Slice(pb.addr, pb.len)
	if !ok {
		return false
	}
	copy(buf, input.EncodeEvent(e))
	h.q.DeviceComplete(pb.head, uint32(len(buf)))
	h.irqStat.Store(1)
	if h.IRQ != nil {
		h.IRQ()
	}
	return true
}
