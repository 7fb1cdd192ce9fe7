package hal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	devices map[BusSlot]struct {
		key  DeviceKey
		bar0 uint32
	}
}

func (b *fakeBus) Probe(loc BusSlot) (DeviceKey, uint32, bool) {
	d, ok := b.devices[loc]
	if !ok {
		return DeviceKey{}, 0, false
	}
	return d.key, d.bar0, true
}

type fakeDriver struct {
	name string
	key  DeviceKey
}

func (d *fakeDriver) Name() string    { return d.name }
func (d *fakeDriver) Key() DeviceKey  { return d.key }

func TestProbeBusMatchesRegisteredFactory(t *testing.T) {
	key := DeviceKey{VendorID: 0x1234, DeviceID: 0x1111}
	bus := &fakeBus{devices: map[BusSlot]struct {
		key  DeviceKey
		bar0 uint32
	}{
		{Bus: 0, Slot: 2, Func: 0}: {key: key, bar0: 0xE0000000},
	}}

	r := NewRegistry()
	var gotBAR0 uint32
	r.Register(key, func(loc BusSlot, bar0 uint32) (Driver, error) {
		gotBAR0 = bar0
		return &fakeDriver{name: "bochs-display", key: key}, nil
	})

	drivers, err := r.ProbeBus(context.Background(), bus)
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	require.Equal(t, "bochs-display", drivers[0].Name())
	require.EqualValues(t, 0xE0000000, gotBAR0)
}

func TestProbeBusSkipsUnregisteredDevices(t *testing.T) {
	bus := &fakeBus{devices: map[BusSlot]struct {
		key  DeviceKey
		bar0 uint32
	}{
		{Bus: 0, Slot: 5, Func: 0}: {key: DeviceKey{VendorID: 0xABCD, DeviceID: 0x1}, bar0: 0},
	}}
	r := NewRegistry()
	drivers, err := r.ProbeBus(context.Background(), bus)
	require.NoError(t, err)
	require.Empty(t, drivers)
}

func TestProbeBusFindsMultipleDevicesInDeterministicOrder(t *testing.T) {
	keyA := DeviceKey{VendorID: 0x1af4, DeviceID: 0x1050} // virtio-gpu
	keyB := DeviceKey{VendorID: 0x1af4, DeviceID: 0x1052} // virtio-input
	bus := &fakeBus{devices: map[BusSlot]struct {
		key  DeviceKey
		bar0 uint32
	}{
		{Bus: 0, Slot: 10, Func: 0}: {key: keyB},
		{Bus: 0, Slot: 3, Func: 0}:  {key: keyA},
	}}
	r := NewRegistry()
	r.Register(keyA, func(loc BusSlot, bar0 uint32) (Driver, error) {
		return &fakeDriver{name: "virtio-gpu", key: keyA}, nil
	})
	r.Register(keyB, func(loc BusSlot, bar0 uint32) (Driver, error) {
		return &fakeDriver{name: "virtio-input", key: keyB}, nil
	})

	drivers, err := r.ProbeBus(context.Background(), bus)
	require.NoError(t, err)
	require.Len(t, drivers, 2)
	require.Equal(t, "virtio-gpu", drivers[0].Name())
	require.Equal(t, "virtio-input", drivers[1].Name())
}
