package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/dma"
	"anyos/internal/drivers/audio"
	"anyos/internal/hal"
	"anyos/internal/vdev"
)

type countingSink struct {
	pushed [][]float32
}

func (s *countingSink) Push(samples []float32) { s.pushed = append(s.pushed, samples) }
func (s *countingSink) Start()                 {}
func (s *countingSink) Stop()                  {}
func (s *countingSink) Close()                 {}

func newDevicePair(t *testing.T) (*audio.Device, *vdev.AC97, *countingSink) {
	t.Helper()
	mem, ok := dma.New(0, 1<<20)
	require.True(t, ok)
	t.Cleanup(func() { mem.Close() })

	codec := vdev.NewAC97(mem)
	sink := &countingSink{}
	busMastered := false
	factory := audio.Factory(codec.NAM(), codec.NABM(), mem, sink, func() { busMastered = true })
	drv, err := factory(hal.BusSlot{Slot: 6}, 0)
	require.NoError(t, err)
	require.True(t, busMastered)

	d := drv.(*audio.Device)
	codec.OnBuffer = d.PushToSink
	codec.IRQ = d.HandleIRQ
	return d, codec, sink
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestWritePCMStartsPlaybackAndDeliversSamples(t *testing.T) {
	d, codec, sink := newDevicePair(t)
	require.False(t, d.Playing())

	n, err := d.WritePCM(pcm16(16384, -16384))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, d.Playing())

	codec.DMAStep()
	require.Len(t, sink.pushed, 1)
	require.InDelta(t, 0.5, sink.pushed[0][0], 0.001)
	require.InDelta(t, -0.5, sink.pushed[0][1], 0.001)
}

func TestLastValidBufferCompletionStopsPlayback(t *testing.T) {
	d, codec, _ := newDevicePair(t)
	_, err := d.WritePCM(pcm16(1, 2, 3, 4))
	require.NoError(t, err)

	// one queued buffer: its completion is also LVBCI
	more := codec.DMAStep()
	require.False(t, more)
	require.False(t, d.Playing())
}

func TestMultipleBuffersDrainInOrder(t *testing.T) {
	d, codec, sink := newDevicePair(t)
	_, err := d.WritePCM(pcm16(100))
	require.NoError(t, err)
	_, err = d.WritePCM(pcm16(200))
	require.NoError(t, err)

	require.True(t, codec.DMAStep())
	require.False(t, codec.DMAStep())
	require.Len(t, sink.pushed, 2)
	require.InDelta(t, float32(100)/32768, sink.pushed[0][0], 1e-6)
	require.InDelta(t, float32(200)/32768, sink.pushed[1][0], 1e-6)
}

func TestSetVolumeMapsToAttenuationWithMuteBit(t *testing.T) {
	d, codec, _ := newDevicePair(t)

	d.SetVolume(100) // full volume: attenuation 0 in both channels
	require.EqualValues(t, 0, codec.NAM().In16(0x02))

	d.SetVolume(0) // muted: attenuation 63 duplicated + mute bit 15
	require.EqualValues(t, uint16(1<<15|63<<8|63), codec.NAM().In16(0x02))
	require.EqualValues(t, uint16(1<<15|63<<8|63), codec.NAM().In16(0x18))
}

func TestKeyMatchesIntelAC97(t *testing.T) {
	require.Equal(t, hal.DeviceKey{VendorID: 0x8086, DeviceID: 0x2415}, audio.DeviceKey)
}
