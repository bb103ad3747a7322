package tts

import (
	"context"
	"math"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// Synthesize returns a short tone whose length grows with the text.
func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	frames := m.sampleRate / 100 * min(len(req.Text), 100)
	if frames == 0 {
		frames = m.sampleRate / 10
	}
	samples := make([]float32, frames*m.channels)
	for i := range samples {
		samples[i] = float32(0.05 * math.Sin(2*math.Pi*220*float64(i/m.channels)/float64(m.sampleRate)))
	}
	return Audio{PCM: pcm.Encode(samples), SampleRate: m.sampleRate, Channels: m.channels}, nil
}
