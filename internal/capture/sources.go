package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// ExecSource runs a recorder that writes s16le mono PCM to stdout, e.g.
// `ffmpeg -f pulse -i default -ac 1 -ar {rate} -f s16le -`. The literal
// {rate} is replaced with the requested sample rate.
type ExecSource struct {
	cmd []string
}

func NewExecSource(command string) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	return &ExecSource{cmd: args}, nil
}

func (e *ExecSource) Open(ctx context.Context, sampleRate int) (Stream, error) {
	rate := strconv.Itoa(sampleRate)
	args := make([]string, len(e.cmd)-1)
	for i, a := range e.cmd[1:] {
		args[i] = strings.ReplaceAll(a, "{rate}", rate)
	}
	cmd := exec.Command(e.cmd[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open recorder stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	return &execStream{cmd: cmd, stdout: stdout}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	raw    []byte
	once   sync.Once
}

func (s *execStream) ReadFrame(buf []float32) error {
	need := len(buf) * pcm.BytesPerSample
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	s.raw = s.raw[:need]
	if _, err := io.ReadFull(s.stdout, s.raw); err != nil {
		return err
	}
	samples, err := pcm.DecodeBytes(s.raw)
	if err != nil {
		return err
	}
	copy(buf, samples)
	return nil
}

func (s *execStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// MockSource produces a quiet tone paced at real time.
type MockSource struct {
	Frequency float64
	Amplitude float64
}

func NewMockSource() *MockSource {
	return &MockSource{Frequency: 440, Amplitude: 0.05}
}

func (m *MockSource) Open(ctx context.Context, sampleRate int) (Stream, error) {
	if sampleRate <= 0 {
		return nil, errors.New("invalid sample rate")
	}
	return &toneStream{
		freq:   m.Frequency,
		amp:    m.Amplitude,
		rate:   sampleRate,
		closed: make(chan struct{}),
	}, nil
}

type toneStream struct {
	freq   float64
	amp    float64
	rate   int
	phase  int64
	closed chan struct{}
	once   sync.Once
}

func (t *toneStream) ReadFrame(buf []float32) error {
	wait := pcm.Duration(len(buf), t.rate)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.closed:
		return io.EOF
	case <-timer.C:
	}
	for i := range buf {
		x := 2 * math.Pi * t.freq * float64(t.phase) / float64(t.rate)
		buf[i] = float32(t.amp * math.Sin(x))
		t.phase++
	}
	return nil
}

func (t *toneStream) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
