// Package chanmem implements the compositor's shared-memory client
// channel protocol: a lock-free single-producer/single-consumer event
// ring and command ring, both mapped read/write into the compositor's
// and a client process's address space.
//
// The rings live in anonymous MAP_SHARED mappings, so compositor and
// client observe the same bytes the way two address spaces sharing a
// physical page would; a hosted simulator has no MMU to hand out the
// page twice, the mapping is the page.
package chanmem

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Event is the fixed-size compositor->client event tuple:
// `{ type, arg, x, y, aux }`.
type Event struct {
	Type uint32
	Arg  uint32
	X    int32
	Y    int32
	Aux  uint32
}

// Event type codes.
const (
	EventWindowClose uint32 = iota
	EventMouseDown
	EventMouseUp
	EventMouseMove
	EventMouseScroll
	EventKeyDown
	EventKeyUp
	EventResize
	EventMenuItem
	EventStatusIconClick
)

const ringCapacity = 256 // power of two, for cheap index masking

// EventRing is a lock-free SPSC ring the compositor writes and exactly
// one client reads, backed by an anonymous shared mapping. The
// compositor never blocks waiting on a client; a slow client observes
// dropped events once its queue overflows.
type EventRing struct {
	mem  []byte
	head atomic.Uint32 // consumer-owned (client)
	tail atomic.Uint32 // producer-owned (compositor)
}

// NewEventRing allocates an anonymous MAP_SHARED region big enough to hold
// the ring and returns a handle. In a real deployment the same file
// descriptor backing this mapping (or a second Mmap of it) would be handed
// to the client process; here the Go slice itself stands in for "mapped
// into both address spaces" since compositor and client share one process.
func NewEventRing() (*EventRing, error) {
	size := ringCapacity * eventSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &EventRing{mem: mem}, nil
}

// Close unmaps the ring's shared pages.
func (r *EventRing) Close() error {
	return unix.Munmap(r.mem)
}

const eventSize = 20 // 5 x uint32/int32 fields

// Push writes an event at the current tail and advances it (producer
// side, the compositor). Overflowing the ring advances head to make
// room, so the producer never blocks; the client observes a gap, not a
// stall.
func (r *EventRing) Push(e Event) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= ringCapacity {
		// Ring full: drop the oldest entry to keep the producer non-blocking.
		r.head.Store(head + 1)
	}
	r.encode(tail%ringCapacity, e)
	r.tail.Add(1) // release: event bytes visible before the index bump
}

// Poll returns the next event and advances head, or ok=false if the ring
// is empty (consumer side, the client).
func (r *EventRing) Poll() (Event, bool) {
	head := r.head.Load()
	tail := r.tail.Load() // acquire: paired with Push's release-ordered Add
	if head == tail {
		return Event{}, false
	}
	e := r.decode(head % ringCapacity)
	r.head.Add(1)
	return e, true
}

func (r *EventRing) encode(slot uint32, e Event) {
	b := r.mem[slot*eventSize:]
	putU32(b[0:4], e.Type)
	putU32(b[4:8], e.Arg)
	putU32(b[8:12], uint32(e.X))
	putU32(b[12:16], uint32(e.Y))
	putU32(b[16:20], e.Aux)
}

func (r *EventRing) decode(slot uint32) Event {
	b := r.mem[slot*eventSize:]
	return Event{
		Type: getU32(b[0:4]),
		Arg:  getU32(b[4:8]),
		X:    int32(getU32(b[8:12])),
		Y:    int32(getU32(b[12:16])),
		Aux:  getU32(b[16:20]),
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// CommandOpcode identifies a fixed-size client->compositor command.
type CommandOpcode uint32

const (
	CmdCreateLayer CommandOpcode = iota
	CmdMoveLayer
	CmdResizeLayer
	CmdDestroyLayer
	CmdMarkDirty
	CmdRegisterIcon
	CmdIconClick
)

// Command is the fixed-size slot every command-ring entry uses; large
// payloads (icon pixel blobs, framebuffers) are referenced by a separate
// mapped region rather than carried inline.
type Command struct {
	Op       CommandOpcode
	LayerID  uint32
	A, B     int32
	PayloadRef uint32 // offset into a side region for large payloads, 0 if unused
}

// CommandRing is the command-direction counterpart to EventRing: the
// client is producer, the compositor is consumer. It shares the same
// lock-free SPSC discipline.
type CommandRing struct {
	mem  []byte
	head atomic.Uint32
	tail atomic.Uint32
}

const commandSize = 20

func NewCommandRing() (*CommandRing, error) {
	size := ringCapacity * commandSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &CommandRing{mem: mem}, nil
}

func (r *CommandRing) Close() error { return unix.Munmap(r.mem) }

// Submit is the client-side producer call. Like EventRing.Push, a full
// ring drops the oldest unread command rather than blocking the client.
func (r *CommandRing) Submit(c Command) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= ringCapacity {
		r.head.Store(head + 1)
	}
	b := r.mem[(tail%ringCapacity)*commandSize:]
	putU32(b[0:4], uint32(c.Op))
	putU32(b[4:8], c.LayerID)
	putU32(b[8:12], uint32(c.A))
	putU32(b[12:16], uint32(c.B))
	putU32(b[16:20], c.PayloadRef)
	r.tail.Add(1)
}

// Drain is the compositor-side consumer call: pop every pending command.
func (r *CommandRing) Drain() []Command {
	head := r.head.Load()
	tail := r.tail.Load()
	out := make([]Command, 0, tail-head)
	for ; head != tail; head++ {
		b := r.mem[(head%ringCapacity)*commandSize:]
		out = append(out, Command{
			Op:         CommandOpcode(getU32(b[0:4])),
			LayerID:    getU32(b[4:8]),
			A:          int32(getU32(b[8:12])),
			B:          int32(getU32(b[12:16])),
			PayloadRef: getU32(b[16:20]),
		})
	}
	r.head.Store(tail)
	return out
}
