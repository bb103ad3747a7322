// Package capture reads microphone audio in fixed-size frames and forwards
// the encoded frames to a sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/visionvoice/internal/pcm"
)

// ErrDeviceUnavailable is returned when the microphone cannot be opened.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// Frame is one encoded block of microphone audio.
type Frame struct {
	Data     []byte
	MIMEType string
}

// Stream yields mono float samples. ReadFrame fills buf completely or
// returns an error.
type Stream interface {
	ReadFrame(buf []float32) error
	Close() error
}

// Source opens the input device.
type Source interface {
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// Sink receives encoded frames. A non-nil error means the frame was dropped.
type Sink interface {
	SendAudio(Frame) error
}

// FailureReporter is implemented by sinks that want to hear about a device
// that fails after capture started.
type FailureReporter interface {
	CaptureFailed(err error)
}

// MIMEType returns the content type for raw PCM at sampleRate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Loop pumps frames from a Source into a Sink until stopped.
type Loop struct {
	src        Source
	sampleRate int
	frameSize  int
	logger     *slog.Logger

	mu     sync.Mutex
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewLoop(src Source, sampleRate, frameSize int, logger *slog.Logger) *Loop {
	return &Loop{
		src:        src,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		logger:     logger.With(slog.String("component", "capture")),
	}
}

// Start opens the device and begins forwarding frames to sink. Starting a
// running loop is a no-op.
func (l *Loop) Start(ctx context.Context, sink Sink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream != nil {
		return nil
	}

	stream, err := l.src.Open(ctx, l.sampleRate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	l.stream = stream
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, stream, sink, l.done)
	l.logger.Info("microphone capture started", slog.Int("sample_rate", l.sampleRate), slog.Int("frame_size", l.frameSize))
	return nil
}

func (l *Loop) run(ctx context.Context, stream Stream, sink Sink, done chan struct{}) {
	defer close(done)
	mime := MIMEType(l.sampleRate)
	buf := make([]float32, l.frameSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := stream.ReadFrame(buf); err != nil {
			if ctx.Err() == nil {
				l.fail(stream, sink, done, err)
			}
			return
		}
		if err := sink.SendAudio(Frame{Data: pcm.Encode(buf), MIMEType: mime}); err != nil {
			l.dropped.Add(1)
			continue
		}
		l.sent.Add(1)
	}
}

// fail detaches a stream that died on its own so the loop reports stopped,
// then tells the sink. Stop no longer waits on this goroutine once detached.
func (l *Loop) fail(stream Stream, sink Sink, done chan struct{}, err error) {
	l.mu.Lock()
	owned := l.done == done
	var cancel context.CancelFunc
	if owned {
		cancel = l.cancel
		l.stream, l.cancel, l.done = nil, nil, nil
	}
	l.mu.Unlock()
	if !owned {
		return
	}
	cancel()
	_ = stream.Close()

	l.logger.Error("microphone read failed", slog.String("error", err.Error()))
	if r, ok := sink.(FailureReporter); ok {
		r.CaptureFailed(fmt.Errorf("%w: %v", ErrDeviceUnavailable, err))
	}
}

// Stop halts forwarding and releases the device. It is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	stream, cancel, done := l.stream, l.cancel, l.done
	l.stream, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if stream == nil {
		return
	}
	cancel()
	if err := stream.Close(); err != nil {
		l.logger.Warn("failed to release microphone", slog.String("error", err.Error()))
	}
	<-done
	l.logger.Info("microphone capture stopped", slog.Int64("sent", l.sent.Load()), slog.Int64("dropped", l.dropped.Load()))
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream != nil
}

// Stats returns how many frames were forwarded and dropped.
func (l *Loop) Stats() (sent, dropped int64) {
	return l.sent.Load(), l.dropped.Load()
}
