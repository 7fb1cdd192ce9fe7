//go:build !headless

package audio

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/oto/v3"
)

// OtoSink plays decoded AC'97 samples through the host audio device: a
// lock-free atomic.Pointer hot-read path feeding oto's pull-model
// Player, with mutex-guarded setup/control operations.
type OtoSink struct {
	ctx    *oto.Context
	player *oto.Player
	ring   atomic.Pointer[ringBuffer]

	started bool
	mu      sync.Mutex
}

func NewOtoSink(sampleRate int) (*OtoSink, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	})
	if err != nil {
		return nil, err
	}
	<-ready

	s := &OtoSink{ctx: ctx}
	rb := newRingBuffer(4096)
	s.ring.Store(rb)
	s.player = ctx.NewPlayer(s)
	return s, nil
}

// Read implements io.Reader for oto.Player, pulling samples out of the
// lock-free ring one float32 at a time.
func (s *OtoSink) Read(p []byte) (int, error) {
	rb := s.ring.Load()
	if rb == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := len(p) / 4
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = rb.readOne()
	}
	copy(p, (*[1 << 30]byte)(unsafe.Pointer(&samples[0]))[:len(p)])
	return len(p), nil
}

func (s *OtoSink) Push(samples []float32) {
	rb := s.ring.Load()
	if rb != nil {
		rb.push(samples)
	}
}

func (s *OtoSink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.player.Play()
		s.started = true
	}
}

func (s *OtoSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.player.Pause()
		s.started = false
	}
}

func (s *OtoSink) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.player.Close()
}
