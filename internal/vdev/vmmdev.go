package vdev

import (
	"encoding/binary"
	"sync"

	"anyos/internal/dma"
	"anyos/internal/drivers/guest"
)

// VMMDevHost models the hypervisor end of the VMMDev request protocol:
// the driver writes a request page's physical address to the doorbell
// port and the host processes the request in place.
type VMMDevHost struct {
	mem *dma.Arena

	mu sync.Mutex

	// HostWantsAbsolute mirrors the host-side mouse integration toggle.
	HostWantsAbsolute bool
	// PointerX/PointerY are the current normalized [0, 0xFFFF] position.
	PointerX int32
	PointerY int32

	guestFeatures uint32
	filterOr      uint32
	filterNot     uint32
	guestReported bool
}

// Host version the model reports.
const (
	vboxMajor    = 7
	vboxMinor    = 0
	vboxBuild    = 12
	vboxRevision = 156414
)

// NewVMMDevHost builds a model over the shared DMA arena.
func NewVMMDevHost(mem *dma.Arena) *VMMDevHost {
	return &VMMDevHost{mem: mem}
}

// SetPointer updates the absolute pointer position the next
// GetMouseStatus reports.
func (h *VMMDevHost) SetPointer(x, y int32) {
	h.mu.Lock()
	h.PointerX, h.PointerY = x, y
	h.mu.Unlock()
}

// GuestReported reports whether ReportGuestInfo arrived, for init-order
// assertions.
func (h *VMMDevHost) GuestReported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestReported
}

// GuestFeatures returns what SetMouseStatus declared.
func (h *VMMDevHost) GuestFeatures() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestFeatures
}

// SubmitRequest implements guest.PortIO: process the request in place.
func (h *VMMDevHost) SubmitRequest(phys uint32) {
	hdr, ok := h.mem.Slice(uint64(phys), 16)
	if !ok {
		return
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	reqType := binary.LittleEndian.Uint32(hdr[8:12])
	page, ok := h.mem.Slice(uint64(phys), size)
	if !ok {
		return
	}
	payload := page[16:]

	h.mu.Lock()
	defer h.mu.Unlock()

	rc := int32(0)
	switch reqType {
	case guest.ReqReportGuestInfo:
		h.guestReported = true

	case guest.ReqGetHostVersion:
		binary.LittleEndian.PutUint16(payload[0:2], vboxMajor)
		binary.LittleEndian.PutUint16(payload[2:4], vboxMinor)
		binary.LittleEndian.PutUint32(payload[4:8], vboxBuild)
		binary.LittleEndian.PutUint32(payload[8:12], vboxRevision)
		binary.LittleEndian.PutUint32(payload[12:16], 0)

	case guest.ReqSetMouseStatus:
		h.guestFeatures = binary.LittleEndian.Uint32(payload[0:4])

	case guest.ReqCtlGuestFilterMask:
		h.filterOr |= binary.LittleEndian.Uint32(payload[0:4])
		h.filterNot |= binary.LittleEndian.Uint32(payload[4:8])

	case guest.ReqGetMouseStatus:
		features := uint32(0)
		if h.HostWantsAbsolute {
			features |= guest.MouseHostWantsAbsolute
		}
		binary.LittleEndian.PutUint32(payload[0:4], features)
		binary.LittleEndian.PutUint32(payload[4:8], uint32(h.PointerX))
		binary.LittleEndian.PutUint32(payload[8:12], uint32(h.PointerY))

	default:
		rc = -1
	}
	binary.LittleEndian.PutUint32(page[12:16], uint32(rc))
}
