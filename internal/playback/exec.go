package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// ExecOutput streams s16le PCM into a long-running player process such as
// `ffplay -nodisp -f s16le -ar 24000 -ac 1 -i pipe:0`.
//
// Chunks are written to the player's stdin at their scheduled start. The
// player buffers what it has been given, so Flush restarts it to drop audio
// already handed over.
type ExecOutput struct {
	cmd    []string
	logger *slog.Logger

	mu     sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser
	origin time.Time
}

func NewExecOutput(command string, logger *slog.Logger) (*ExecOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &ExecOutput{
		cmd:    args,
		logger: logger.With(slog.String("component", "playback-exec")),
		origin: time.Now(),
	}, nil
}

// Start launches the player if it is not already running.
func (e *ExecOutput) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		return nil
	}
	return e.startLocked()
}

func (e *ExecOutput) startLocked() error {
	proc := exec.Command(e.cmd[0], e.cmd[1:]...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("open player stdin: %w", err)
	}
	proc.Stdout = io.Discard
	proc.Stderr = io.Discard
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	e.proc = proc
	e.stdin = stdin
	return nil
}

func (e *ExecOutput) stopLocked() {
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	if e.proc != nil && e.proc.Process != nil {
		_ = e.proc.Process.Kill()
		_ = e.proc.Wait()
	}
	e.proc = nil
	e.stdin = nil
}

func (e *ExecOutput) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

// Flush discards audio already buffered by the player.
func (e *ExecOutput) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return nil
	}
	e.stopLocked()
	return e.startLocked()
}

func (e *ExecOutput) Now() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.origin)
}

func (e *ExecOutput) Play(chunk pcm.Chunk, at time.Duration, onDone func()) (Voice, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}
	data := pcm.Encode(chunk.Samples)
	delay := at - e.Now()
	v := newTimedVoice()
	hook := &startHook{delay: delay, fn: func() {
		if err := e.write(data); err != nil {
			e.logger.Warn("failed to write audio", slog.String("error", err.Error()))
		}
	}}
	go v.run(delay+chunk.Duration, hook, onDone)
	return v, nil
}

func (e *ExecOutput) write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return errors.New("player not running")
	}
	_, err := e.stdin.Write(data)
	return err
}
