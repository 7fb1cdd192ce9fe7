// Package guest implements the VMMDev guest-integration driver:
// request/response exchange with the host hypervisor over a single DMA
// page, primarily for absolute mouse position.
//
// Every request is written into one identity-mapped page behind a fixed
// {size, version, type, rc} header; the driver hands the page's physical
// address to the device's I/O port and the host processes the request in
// place.
package guest

import (
	"encoding/binary"
	"errors"

	"anyos/internal/dma"
	"anyos/internal/hal"
	"anyos/internal/klog"
)

var log = klog.Tag("guest")

// VendorDevice is the PCI identity VirtualBox's VMMDev presents.
var VendorDevice = hal.DeviceKey{VendorID: 0x80EE, DeviceID: 0xCAFE}

const requestVersion = 0x10001

// Request types.
const (
	ReqGetMouseStatus     = 1
	ReqSetMouseStatus     = 2
	ReqGetHostVersion     = 4
	ReqAcknowledgeEvents  = 41
	ReqCtlGuestFilterMask = 42
	ReqReportGuestInfo    = 50
)

// Mouse feature flags.
const (
	MouseGuestCanAbsolute     = 0x01
	MouseHostWantsAbsolute    = 0x04
	MouseGuestNeedsHostCursor = 0x10
	MouseNewProtocol          = 0x20
)

// Host event bits for CtlGuestFilterMask.
const EventMouseCapsChanged = 1 << 0

const headerSize = 16 // size u32, version u32, type u32, rc i32

const (
	guestInterfaceVersion = 0x00010004
	guestOSTypeUnknown    = 0
)

var (
	errHostRejected = errors.New("guest: host returned an error rc")
	errNoDMA        = errors.New("guest: request page fell outside the DMA arena")
)

// PortIO is the device's request doorbell: the driver writes the request
// page's physical address and the host processes the request in place.
type PortIO interface {
	SubmitRequest(phys uint32)
}

// HostVersion is the GetHostVersion response payload.
type HostVersion struct {
	Major    uint16
	Minor    uint16
	Build    uint32
	Revision uint32
	Features uint32
}

// Device is a VMMDev driver instance.
type Device struct {
	loc  hal.BusSlot
	port PortIO
	mem  *dma.Arena

	reqPage uint64

	screenWidth  int32
	screenHeight int32

	hostVersion HostVersion
}

// Factory registers this driver against the hal registry and runs the
// init handshake the moment the device is bound.
func Factory(port PortIO, mem *dma.Arena, screenWidth, screenHeight int32) hal.Factory {
	return func(loc hal.BusSlot, bar0 uint32) (hal.Driver, error) {
		page, ok := mem.Alloc(4096, 4096)
		if !ok {
			return nil, errors.New("guest: no DMA memory for the request page")
		}
		d := &Device{loc: loc, port: port, mem: mem, reqPage: page, screenWidth: screenWidth, screenHeight: screenHeight}
		if err := d.initHandshake(); err != nil {
			return nil, err
		}
		log.Printf("host %d.%d at bus=%d slot=%d func=%d", d.hostVersion.Major, d.hostVersion.Minor, loc.Bus, loc.Slot, loc.Func)
		return d, nil
	}
}

func (d *Device) Name() string       { return "vmmdev" }
func (d *Device) Key() hal.DeviceKey { return VendorDevice }

// submit writes one request into the DMA page, rings the doorbell, and
// returns the in-place response bytes after checking rc.
func (d *Device) submit(reqType uint32, payload []byte) ([]byte, error) {
	total := headerSize + len(payload)
	page, ok := d.mem.Slice(d.reqPage, uint32(total))
	if !ok {
		return nil, errNoDMA
	}
	binary.LittleEndian.PutUint32(page[0:4], uint32(total))
	binary.LittleEndian.PutUint32(page[4:8], requestVersion)
	binary.LittleEndian.PutUint32(page[8:12], reqType)
	binary.LittleEndian.PutUint32(page[12:16], ^uint32(0)) // rc = -1 until the host fills it
	copy(page[headerSize:], payload)

	d.port.SubmitRequest(uint32(d.reqPage))

	if rc := int32(binary.LittleEndian.Uint32(page[12:16])); rc < 0 {
		return nil, errHostRejected
	}
	return page[headerSize:total], nil
}

// initHandshake runs the fixed init order: ReportGuestInfo ->
// GetHostVersion -> SetMouseStatus(CAN_ABSOLUTE | NEW_PROTOCOL) ->
// CtlGuestFilterMask(MOUSE_CAPS_CHANGED).
func (d *Device) initHandshake() error {
	info := make([]byte, 8)
	binary.LittleEndian.PutUint32(info[0:4], guestInterfaceVersion)
	binary.LittleEndian.PutUint32(info[4:8], guestOSTypeUnknown)
	if _, err := d.submit(ReqReportGuestInfo, info); err != nil {
		return err
	}

	resp, err := d.submit(ReqGetHostVersion, make([]byte, 16))
	if err != nil {
		return err
	}
	d.hostVersion = HostVersion{
		Major:    binary.LittleEndian.Uint16(resp[0:2]),
		Minor:    binary.LittleEndian.Uint16(resp[2:4]),
		Build:    binary.LittleEndian.Uint32(resp[4:8]),
		Revision: binary.LittleEndian.Uint32(resp[8:12]),
		Features: binary.LittleEndian.Uint32(resp[12:16]),
	}

	status := make([]byte, 4)
	binary.LittleEndian.PutUint32(status, MouseGuestCanAbsolute|MouseNewProtocol)
	if _, err := d.submit(ReqSetMouseStatus, status); err != nil {
		return err
	}

	filter := make([]byte, 8)
	binary.LittleEndian.PutUint32(filter[0:4], EventMouseCapsChanged) // orMask
	if _, err := d.submit(ReqCtlGuestFilterMask, filter); err != nil {
		return err
	}
	return nil
}

// HostVersionInfo returns what GetHostVersion reported at init.
func (d *Device) HostVersionInfo() HostVersion { return d.hostVersion }

// SetScreenSize updates the scaling target (called by the compositor or
// GPU driver on mode set).
func (d *Device) SetScreenSize(width, height int32) {
	d.screenWidth, d.screenHeight = width, height
}

// PollMouse issues GetMouseStatus and scales the returned normalized
// coordinates to screen pixels. Returns ok=false if the host doesn't
// want absolute mode or the request failed.
func (d *Device) PollMouse() (px, py int32, ok bool) {
	resp, err := d.submit(ReqGetMouseStatus, make([]byte, 12))
	if err != nil {
		return 0, 0, false
	}
	features := binary.LittleEndian.Uint32(resp[0:4])
	if features&MouseHostWantsAbsolute == 0 {
		return 0, 0, false
	}
	rawX := int32(binary.LittleEndian.Uint32(resp[4:8]))
	rawY := int32(binary.LittleEndian.Uint32(resp[8:12]))
	return ScaleAbsolute(rawX, d.screenWidth), ScaleAbsolute(rawY, d.screenHeight), true
}

// ScaleAbsolute converts a raw 0..0xFFFF normalized axis value to a
// screen pixel coordinate: px = raw * screen_extent / 0xFFFF.
func ScaleAbsolute(raw int32, screenExtent int32) int32 {
	return int32(int64(raw) * int64(screenExtent) / 0xFFFF)
}
