// Package pcm converts between float audio samples and the 16-bit signed
// little-endian byte form used on the wire by the live voice session.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the width of one encoded sample.
const BytesPerSample = 2

// ErrDecode reports a malformed audio payload.
var ErrDecode = errors.New("pcm: malformed audio payload")

// Chunk is a decoded, ready-to-play unit of audio. Samples are interleaved
// when Channels > 1.
type Chunk struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Encode maps each sample in [-1,1] to int16 by linear scaling, clamping out
// of range input.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// EncodeBase64 encodes samples and wraps them for JSON transport.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Encode(samples))
}

func quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// DecodeBytes converts 16-bit little-endian samples back to floats in [-1,1].
func DecodeBytes(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrDecode, len(data), BytesPerSample)
	}
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out, nil
}

// DecodeBase64 undoes the transport encoding of an audio payload.
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

// DecodeChunk decodes raw PCM into a Chunk at the given rate and layout.
func DecodeChunk(data []byte, sampleRate, channels int) (Chunk, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Chunk{}, fmt.Errorf("%w: invalid format %d Hz x %d", ErrDecode, sampleRate, channels)
	}
	if len(data)%(BytesPerSample*channels) != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes does not hold whole %d-channel frames", ErrDecode, len(data), channels)
	}
	samples, err := DecodeBytes(data)
	if err != nil {
		return Chunk{}, err
	}
	frames := len(samples) / channels
	return Chunk{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   Duration(frames, sampleRate),
	}, nil
}

// Duration returns the playback length of frames at sampleRate.
func Duration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}
