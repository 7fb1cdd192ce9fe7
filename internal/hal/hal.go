// Package hal is the hardware abstraction layer: a
// (vendor_id, device_id)-keyed driver registry and a concurrent PCI bus
// probe.
//
// The probe walks bus/slot/func reading each slot's vendor/device ID
// pair; the registry generalizes the usual hardcoded single-device match
// so any number of drivers can register their (vendor, device) pair and
// be bound as the scan finds them.
package hal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"anyos/internal/klog"
)

var log = klog.Tag("hal")

// ErrNotSupported names the failure of an operation a driver's device
// class doesn't implement. Driver declares no such operations, and no
// driver in this tree returns it.
var ErrNotSupported = errors.New("hal: operation not supported by this driver")

// DeviceKey identifies a PCI function by vendor/device ID pair.
type DeviceKey struct {
	VendorID uint16
	DeviceID uint16
}

// BusSlot is a location on the simulated PCI bus.
type BusSlot struct {
	Bus  uint8
	Slot uint8
	Func uint8
}

// ConfigSpace is the minimal PCI config-space view a probe needs. A real
// deployment backs this with ECAM-mapped MMIO per pci_qemu.go; here it is
// an interface so tests can supply a fake bus.
type ConfigSpace interface {
	// Probe returns the (vendor, device) pair at a slot, or ok=false if no
	// function is present (vendor_id == 0xFFFF, per PCI convention).
	Probe(loc BusSlot) (key DeviceKey, bar0 uint32, ok bool)
}

// Driver is the surface every device driver exposes to the registry: its
// name and its vendor/device key. It has no read, write or ioctl
// operations and there is no shared base implementation; each driver's
// device-specific calls are methods on its own concrete type.
type Driver interface {
	Name() string
	Key() DeviceKey
}

// Factory builds a driver instance once a matching device is found at a
// bus location.
type Factory func(loc BusSlot, bar0 uint32) (Driver, error)

// Registry maps device keys to driver factories, the hosted analog of
// pci_qemu.go's hardcoded BOCHS_VENDOR_ID/BOCHS_DEVICE_ID match.
type Registry struct {
	mu        sync.Mutex
	factories map[DeviceKey]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[DeviceKey]Factory)}
}

// Register binds a factory to a vendor/device pair. Re-registering the
// same key replaces the previous factory.
func (r *Registry) Register(key DeviceKey, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

func (r *Registry) lookup(key DeviceKey) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[key]
	return f, ok
}

// maxBus/maxSlot/maxFunc mirror pci_qemu.go's scan bounds (bus 0, 32
// slots, 8 functions).
const (
	maxBus  = 1
	maxSlot = 32
	maxFunc = 8
)

// ProbeBus walks every bus/slot/func location concurrently, matching each
// populated function against the registry and instantiating its driver.
// Locations with no registered factory are skipped, not an error.
func (r *Registry) ProbeBus(ctx context.Context, cfg ConfigSpace) ([]Driver, error) {
	type found struct {
		loc  BusSlot
		key  DeviceKey
		bar0 uint32
	}

	var mu sync.Mutex
	var hits []found

	g, _ := errgroup.WithContext(ctx)
	for bus := uint8(0); bus < maxBus; bus++ {
		for slot := uint8(0); slot < maxSlot; slot++ {
			bus, slot := bus, slot
			g.Go(func() error {
				for fn := uint8(0); fn < maxFunc; fn++ {
					loc := BusSlot{Bus: bus, Slot: slot, Func: fn}
					key, bar0, ok := cfg.Probe(loc)
					if !ok {
						continue
					}
					mu.Lock()
					hits = append(hits, found{loc: loc, key: key, bar0: bar0})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic order: probing is concurrent, driver instantiation is
	// sequential and ordered by bus location.
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i].loc, hits[j].loc
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.Func < b.Func
	})

	var drivers []Driver
	for _, h := range hits {
		factory, ok := r.lookup(h.key)
		if !ok {
			log.Printf("no driver registered for vendor=%#04x device=%#04x at %+v", h.key.VendorID, h.key.DeviceID, h.loc)
			continue
		}
		drv, err := factory(h.loc, h.bar0)
		if err != nil {
			return nil, fmt.Errorf("hal: instantiate driver for %+v: %w", h.loc, err)
		}
		log.Printf("bound %s at bus=%d slot=%d func=%d", drv.Name(), h.loc.Bus, h.loc.Slot, h.loc.Func)
		drivers = append(drivers, drv)
	}
	return drivers, nil
}
