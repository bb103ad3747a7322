// Package tts turns text into 16-bit PCM speech.
package tts

import (
	"context"
	"errors"
)

// ErrSynthesis reports a failed or empty synthesis.
var ErrSynthesis = errors.New("tts: synthesis failed")

// Request contains parameters to synthesize speech.
type Request struct {
	Text  string
	Voice string
}

// Audio is raw s16le PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
