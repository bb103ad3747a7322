package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu     sync.Mutex
	open   bool
	frames []Frame
}

func (r *recordingSink) SendAudio(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return errors.New("closed")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSink) setOpen(v bool) {
	r.mu.Lock()
	r.open = v
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type failingSource struct{}

func (failingSource) Open(context.Context, int) (Stream, error) {
	return nil, errors.New("permission denied")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoopForwardsEncodedFrames(t *testing.T) {
	loop := NewLoop(NewMockSource(), 16000, 160, newLogger())
	sink := &recordingSink{open: true}

	if err := loop.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return sink.count() >= 2 })
	loop.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	frame := sink.frames[0]
	if frame.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected mime type %q", frame.MIMEType)
	}
	if len(frame.Data) != 160*pcm.BytesPerSample {
		t.Fatalf("expected %d bytes, got %d", 160*pcm.BytesPerSample, len(frame.Data))
	}
}

func TestLoopDropsFramesWhileSinkClosed(t *testing.T) {
	loop := NewLoop(NewMockSource(), 16000, 160, newLogger())
	sink := &recordingSink{}

	if err := loop.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		_, dropped := loop.Stats()
		return dropped >= 2
	})
	if sink.count() != 0 {
		t.Fatalf("frames forwarded to a closed sink")
	}
	sink.setOpen(true)
	waitFor(t, func() bool { return sink.count() >= 1 })
	loop.Stop()
}

func TestStartReportsUnavailableDevice(t *testing.T) {
	loop := NewLoop(failingSource{}, 16000, 4096, newLogger())
	err := loop.Start(context.Background(), &recordingSink{})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if loop.Running() {
		t.Fatalf("loop should not be running")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	loop := NewLoop(NewMockSource(), 16000, 160, newLogger())
	loop.Stop()
	if err := loop.Start(context.Background(), &recordingSink{open: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	loop.Stop()
	loop.Stop()
	if loop.Running() {
		t.Fatalf("loop still running after stop")
	}
}

func TestExecSourceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSource("   "); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

// dyingSource yields good frames until the device disappears.
type dyingSource struct {
	goodFrames int
}

type dyingStream struct {
	mu    sync.Mutex
	left  int
	close int
}

func (d dyingSource) Open(context.Context, int) (Stream, error) {
	return &dyingStream{left: d.goodFrames}, nil
}

func (s *dyingStream) ReadFrame(buf []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left == 0 {
		return errors.New("device unplugged")
	}
	s.left--
	return nil
}

func (s *dyingStream) Close() error {
	s.mu.Lock()
	s.close++
	s.mu.Unlock()
	return nil
}

type reportingSink struct {
	recordingSink
	failed chan error
}

func (r *reportingSink) CaptureFailed(err error) {
	r.failed <- err
}

func TestReadFailureStopsLoopAndReports(t *testing.T) {
	loop := NewLoop(dyingSource{goodFrames: 1}, 16000, 160, newLogger())
	sink := &reportingSink{recordingSink: recordingSink{open: true}, failed: make(chan error, 1)}

	if err := loop.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-sink.failed:
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sink was not told about the failed device")
	}
	waitFor(t, func() bool { return !loop.Running() })
	if sink.count() != 1 {
		t.Fatalf("expected the good frame to be forwarded, got %d", sink.count())
	}
	loop.Stop()

	if err := loop.Start(context.Background(), sink); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	loop.Stop()
}
