//go:build headless

package audio

// HeadlessSink discards every sample: the no-op surface for CI and
// server deployments with no audio device.
type HeadlessSink struct {
	started bool
}

func NewOtoSink(sampleRate int) (*HeadlessSink, error) {
	return &HeadlessSink{}, nil
}

func (s *HeadlessSink) Push(samples []float32) {}
func (s *HeadlessSink) Start()                 { s.started = true }
func (s *HeadlessSink) Stop()                  { s.started = false }
func (s *HeadlessSink) Close()                 { s.started = false }
