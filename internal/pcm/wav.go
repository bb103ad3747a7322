package pcm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV wraps raw 16-bit PCM in a WAV container.
func WriteWAV(w io.WriteSeeker, data []byte, sampleRate, channels int) error {
	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("%w: pcm payload not aligned", ErrDecode)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns data as a complete WAV file.
func EncodeWAV(data []byte, sampleRate, channels int) ([]byte, error) {
	buf := &seekBuffer{}
	if err := WriteWAV(buf, data, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("seek: negative position %d", next)
	}
	b.pos = int(next)
	return next, nil
}
