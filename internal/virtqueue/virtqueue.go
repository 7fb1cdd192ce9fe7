// Package virtqueue implements the VirtIO split-ring descriptor engine:
// descriptor table, available ring, and used ring carved out of one
// contiguous region, free descriptors chained through their Next fields,
// and polled (no-interrupt) operation.
//
// On hardware the rings live in kmalloc'd memory reached through raw
// pointers with dsb() barriers between descriptor writes, the avail-ring
// entry, and the avail index bump; here the same layout is carved out of
// a []byte arena with encoding/binary, and single-goroutine program
// order supplies that write ordering.
package virtqueue

import (
	"encoding/binary"
)

// Descriptor flags.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Available-ring flags.
const AvailFNoInterrupt = 1 << 0

const invalidDesc uint16 = 0xFFFF

const descSize = 16 // physical_address(8) + length(4) + flags(2) + next(2)

// VirtQueue is a split-ring virtqueue backed by a flat byte arena
// standing in for guest DMA memory.
type VirtQueue struct {
	size uint16

	arena      []byte
	descOff    int
	availOff   int
	usedOff    int

	freeHead    uint16
	numFree     uint16
	lastUsedIdx uint16

	// lastAvailIdx is device-side state: the next available-ring entry the
	// simulated device will consume via DevicePop.
	lastAvailIdx uint16

	basePhys uint64 // arbitrary base "physical address" for PhysAddrs()
}

// New allocates one physically-contiguous region for a queue of the
// given size (must be a power of two) and carves it into the descriptor
// table (16-byte aligned), available ring (2-byte aligned), and used
// ring (4-byte aligned).
func New(size uint16, basePhys uint64) (*VirtQueue, bool) {
	if size == 0 || size&(size-1) != 0 {
		return nil, false
	}
	descBytes := int(size) * descSize
	availBytes := 2 + 2 + int(size)*2 + 2
	usedBytes := 2 + 2 + int(size)*8 + 2 // used elem = id(4) + len(4)

	descOff := 0
	availOff := align(descOff+descBytes, 2)
	usedOff := align(availOff+availBytes, 4)
	total := usedOff + usedBytes

	q := &VirtQueue{
		size:     size,
		arena:    make([]byte, total),
		descOff:  descOff,
		availOff: availOff,
		usedOff:  usedOff,
		basePhys: basePhys,
	}

	// Link every descriptor into the free list via its Next field.
	for i := uint16(0); i < size-1; i++ {
		q.setDescNext(i, i+1)
	}
	q.setDescNext(size-1, invalidDesc)
	q.freeHead = 0
	q.numFree = size

	// Polled I/O: disable device->driver notifications.
	q.setAvailFlags(AvailFNoInterrupt)
	return q, true
}

func align(n, a int) int { return (n + a - 1) &^ (a - 1) }

// --- descriptor table accessors ---

func (q *VirtQueue) descAt(i uint16) []byte {
	o := q.descOff + int(i)*descSize
	return q.arena[o : o+descSize]
}

func (q *VirtQueue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	d := q.descAt(i)
	binary.LittleEndian.PutUint64(d[0:8], addr)
	binary.LittleEndian.PutUint32(d[8:12], length)
	binary.LittleEndian.PutUint16(d[12:14], flags)
	binary.LittleEndian.PutUint16(d[14:16], next)
}

func (q *VirtQueue) setDescNext(i, next uint16) {
	binary.LittleEndian.PutUint16(q.descAt(i)[14:16], next)
}

func (q *VirtQueue) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.descAt(i)[14:16])
}

func (q *VirtQueue) descFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.descAt(i)[12:14])
}

// --- available ring accessors ---

func (q *VirtQueue) setAvailFlags(f uint16) {
	binary.LittleEndian.PutUint16(q.arena[q.availOff:q.availOff+2], f)
}

func (q *VirtQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.arena[q.availOff+2 : q.availOff+4])
}

func (q *VirtQueue) setAvailIdx(idx uint16) {
	binary.LittleEndian.PutUint16(q.arena[q.availOff+2:q.availOff+4], idx)
}

func (q *VirtQueue) setAvailRing(slot, descIdx uint16) {
	o := q.availOff + 4 + int(slot)*2
	binary.LittleEndian.PutUint16(q.arena[o:o+2], descIdx)
}

func (q *VirtQueue) availRing(slot uint16) uint16 {
	o := q.availOff + 4 + int(slot)*2
	return binary.LittleEndian.Uint16(q.arena[o : o+2])
}

// --- used ring accessors ---

func (q *VirtQueue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.arena[q.usedOff+2 : q.usedOff+4])
}

func (q *VirtQueue) usedElem(slot uint16) (id, length uint32) {
	o := q.usedOff + 4 + int(slot)*8
	return binary.LittleEndian.Uint32(q.arena[o : o+4]), binary.LittleEndian.Uint32(q.arena[o+4 : o+8])
}

// This simulator also plays the device side of the ring: DevicePop and
// DeviceComplete below let a host device model consume published chains
// and report completions exactly as hardware would, in the same write
// order (element, then index); there are no explicit fences.
func (q *VirtQueue) deviceWriteUsed(slot uint16, id, length uint32) {
	o := q.usedOff + 4 + int(slot)*8
	binary.LittleEndian.PutUint32(q.arena[o:o+4], id)
	binary.LittleEndian.PutUint32(q.arena[o+4:o+8], length)
}

func (q *VirtQueue) deviceBumpUsedIdx(idx uint16) {
	binary.LittleEndian.PutUint16(q.arena[q.usedOff+2:q.usedOff+4], idx)
}

// DevicePop consumes the next chain published via the available ring and
// returns its head index plus every buffer in chain order. Returns
// ok=false once the device has caught up with the driver. The dual of
// Push: reading the avail index first, then the ring entry, then the
// descriptors, mirrors the acquire side of the ordering Push's release
// side established.
func (q *VirtQueue) DevicePop() (head uint16, bufs []Buf, ok bool) {
	if q.lastAvailIdx == q.availIdx() {
		return 0, nil, false
	}
	head = q.availRing(q.lastAvailIdx % q.size)
	q.lastAvailIdx++

	cur := head
	for {
		d := q.descAt(cur)
		bufs = append(bufs, Buf{
			Addr:  binary.LittleEndian.Uint64(d[0:8]),
			Len:   binary.LittleEndian.Uint32(d[8:12]),
			Write: binary.LittleEndian.Uint16(d[12:14])&DescFWrite != 0,
		})
		if binary.LittleEndian.Uint16(d[12:14])&DescFNext == 0 {
			break
		}
		cur = q.descNext(cur)
	}
	return head, bufs, true
}

// DeviceComplete reports a consumed chain back to the driver: write the
// used-ring element, then bump the used index. Element before index, the
// device half of the ordering contract.
func (q *VirtQueue) DeviceComplete(head uint16, bytesWritten uint32) {
	q.deviceWriteUsed(q.usedIdx()%q.size, uint32(head), bytesWritten)
	q.deviceBumpUsedIdx(q.usedIdx() + 1)
}

// PhysAddrs returns the (desc, avail, used) physical addresses within the
// arena, for a device-side handle to locate the rings.
func (q *VirtQueue) PhysAddrs() (desc, avail, used uint64) {
	return q.basePhys + uint64(q.descOff), q.basePhys + uint64(q.availOff), q.basePhys + uint64(q.usedOff)
}

// NumFree returns the number of free descriptors.
func (q *VirtQueue) NumFree() uint16 { return q.numFree }

// Buf describes one buffer to chain into a descriptor chain.
type Buf struct {
	Addr  uint64
	Len   uint32
	Write bool // device-writable
}

// Push chains readable buffers then writable buffers in order, publishes
// the chain via the available ring, and returns the head descriptor index.
// Refuses when there are fewer free descriptors than requested.
func (q *VirtQueue) Push(readable, writable []Buf) (uint16, bool) {
	total := len(readable) + len(writable)
	if total == 0 || uint16(total) > q.numFree {
		return invalidDesc, false
	}

	bufs := make([]Buf, 0, total)
	bufs = append(bufs, readable...)
	bufs = append(bufs, writable...)

	head := q.freeHead
	prev := invalidDesc
	cur := q.freeHead
	for i, b := range bufs {
		flags := uint16(0)
		if i >= len(readable) {
			flags |= DescFWrite
		}
		next := q.descNext(cur)
		isLast := i == len(bufs)-1
		if !isLast {
			flags |= DescFNext
		}
		q.setDesc(cur, b.Addr, b.Len, flags, next)
		if prev != invalidDesc {
			// nothing to patch: chain already links forward via next
		}
		prev = cur
		if isLast {
			q.freeHead = next
		}
		cur = next
	}
	q.numFree -= uint16(total)

	// The device must observe (descriptor writes) < (avail ring entry
	// write) < (avail idx bump) in that order; this queue is driven by a
	// single caller goroutine in polled mode, so program order already
	// gives that ordering. The three writes below stay in this sequence
	// rather than being reordered or batched.
	slot := q.availIdx() % q.size
	q.setAvailRing(slot, head)
	q.setAvailIdx(q.availIdx() + 1)

	return head, true
}

// PollUsed checks whether the device has consumed a chain. On success it
// frees the chain's descriptors back to the free list and returns
// (head_idx, bytes_written).
func (q *VirtQueue) PollUsed() (headIdx uint16, bytesWritten uint32, ok bool) {
	// No acquire fence: a plain read, ordered after the device's writes
	// only by single-goroutine program order.
	idx := q.usedIdx()
	if idx == q.lastUsedIdx {
		return 0, 0, false
	}
	slot := q.lastUsedIdx % q.size
	id, length := q.usedElem(slot)
	q.lastUsedIdx++

	head := uint16(id)
	q.freeChain(head)
	return head, length, true
}

// freeChain walks a descriptor chain back onto the free list, tolerating a
// partially built chain (no descriptors dangle).
func (q *VirtQueue) freeChain(head uint16) {
	cur := head
	n := uint16(0)
	last := cur
	for {
		n++
		flags := q.descFlags(cur)
		if flags&DescFNext == 0 {
			last = cur
			break
		}
		last = cur
		cur = q.descNext(cur)
	}
	q.setDescNext(last, q.freeHead)
	q.freeHead = head
	q.numFree += n
}

// NotifyFunc is called after Push to ring the device's notification
// register (typically an MMIO/PCI doorbell write).
type NotifyFunc func()

// ExecuteSync pushes one request, invokes notify, and busy-waits up to a
// bounded iteration count for the device to respond. Timeout yields an
// error, not a hang.
const syncTimeoutIterations = 10_000_000

func (q *VirtQueue) ExecuteSync(readable, writable []Buf, notify NotifyFunc, deviceStep func()) (uint32, bool) {
	head, ok := q.Push(readable, writable)
	if !ok {
		return 0, false
	}
	if notify != nil {
		notify()
	}
	for i := 0; i < syncTimeoutIterations; i++ {
		if deviceStep != nil {
			deviceStep()
		}
		if h, n, ok := q.PollUsed(); ok && h == head {
			return n, true
		} else if ok {
			// a different chain was consumed out of order; that's still
			// forward progress for the queue even if not for this caller
			_ = h
		}
	}
	return 0, false
}
