// Package live runs one duplex voice session against a remote model: it feeds
// microphone frames out, and dispatches inbound audio, transcripts and turn
// signals to the playback scheduler and the view layer.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/visionvoice/internal/capture"
	"github.com/loqalabs/visionvoice/internal/pcm"
)

var (
	// ErrNotOpen is returned when audio is offered to a session that is not open.
	ErrNotOpen = errors.New("live: session not open")
	// ErrQueueFull is returned when the outbound queue cannot take another frame.
	ErrQueueFull = errors.New("live: outbound queue full")
	// ErrSessionActive is returned when a second session is opened while one is live.
	ErrSessionActive = errors.New("live: a session is already active")
	// ErrRemoteClosed is returned by a Conn when the remote end closed cleanly.
	ErrRemoteClosed = errors.New("live: remote closed the session")
)

// Config describes the session to open.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// Transport dials the remote voice service.
type Transport interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// Conn is an open remote session. Recv blocks until at least one event is
// available.
type Conn interface {
	SendAudio(frame capture.Frame) error
	Recv() ([]Event, error)
	Close() error
}

// Capturer is the microphone side of the session.
type Capturer interface {
	Start(ctx context.Context, sink capture.Sink) error
	Stop()
}

// Player is the speaker side of the session.
type Player interface {
	Schedule(chunk pcm.Chunk) (time.Duration, error)
	Interrupt()
}

// Status is a snapshot handed to the status hook after every change.
type Status struct {
	ID         string
	State      State
	Transcript string
	Err        error
}

type Options struct {
	ID               string
	OutputSampleRate int
	Channels         int
	OutboundQueue    int
	OnStatus         func(Status)
}

// Session is one remote voice session. Exactly one goroutine receives from
// the connection and dispatches events in order.
type Session struct {
	transport Transport
	cfg       Config
	opts      Options
	capturer  Capturer
	player    Player
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	conn  Conn
	err   error

	dispatchMu sync.Mutex
	transcript Transcript

	outbound chan capture.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	release  sync.Once
	wg       sync.WaitGroup

	dropped      atomic.Int64
	decodeErrors atomic.Int64
}

func NewSession(transport Transport, cfg Config, capturer Capturer, player Player, opts Options, logger *slog.Logger) *Session {
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 32
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = 24000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		transport: transport,
		cfg:       cfg,
		opts:      opts,
		capturer:  capturer,
		player:    player,
		logger:    logger.With(slog.String("component", "live-session"), slog.String("session_id", opts.ID)),
		state:     StateConnecting,
		outbound:  make(chan capture.Frame, opts.OutboundQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) ID() string { return s.opts.ID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Errored, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Transcript() string { return s.transcript.String() }

// Dropped returns the number of outbound frames discarded.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Open dials the remote service and, once connected, starts the microphone.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("open session in state %s", state)
	}
	s.mu.Unlock()

	conn, err := s.transport.Dial(ctx, s.cfg)
	if err != nil {
		err = fmt.Errorf("dial live session: %w", err)
		s.terminate(StateErrored, err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Closed while dialing.
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotOpen
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("live session open", slog.String("model", s.cfg.Model), slog.String("voice", s.cfg.Voice))
	s.notify()

	s.wg.Add(2)
	go s.writeLoop(conn)
	go s.readLoop(conn)

	if err := s.capturer.Start(s.ctx, s); err != nil {
		s.terminate(StateErrored, err)
		return err
	}
	return nil
}

// SendAudio queues a microphone frame. Frames offered before the session is
// open, or while the queue is full, are dropped.
func (s *Session) SendAudio(frame capture.Frame) error {
	s.mu.Lock()
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open {
		s.dropped.Add(1)
		return ErrNotOpen
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// CaptureFailed ends the session as Errored when the microphone dies
// mid-session.
func (s *Session) CaptureFailed(err error) {
	_ = s.Dispatch(ErrorEvent{Err: fmt.Errorf("microphone: %w", err)})
}

func (s *Session) writeLoop(conn Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.outbound:
			if err := conn.SendAudio(frame); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				_ = s.Dispatch(ErrorEvent{Err: fmt.Errorf("send audio: %w", err)})
				return
			}
		}
	}
}

func (s *Session) readLoop(conn Conn) {
	defer s.wg.Done()
	for {
		events, err := conn.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrRemoteClosed) {
				_ = s.Dispatch(ClosedEvent{Reason: err.Error()})
			} else {
				_ = s.Dispatch(ErrorEvent{Err: err})
			}
			return
		}
		for _, ev := range events {
			if err := s.Dispatch(ev); err != nil && !errors.Is(err, pcm.ErrDecode) {
				s.logger.Warn("failed to dispatch event", slog.String("error", err.Error()))
			}
		}
	}
}

// Dispatch applies one inbound event. Events are applied one at a time.
func (s *Session) Dispatch(ev Event) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	switch e := ev.(type) {
	case AudioEvent:
		if s.State().Terminal() {
			return ErrNotOpen
		}
		chunk, err := pcm.DecodeChunk(e.Data, s.opts.OutputSampleRate, s.opts.Channels)
		if err != nil {
			s.decodeErrors.Add(1)
			s.logger.Warn("dropping malformed audio chunk", slog.Int("bytes", len(e.Data)), slog.String("error", err.Error()))
			return err
		}
		if chunk.Duration <= 0 {
			return nil
		}
		if _, err := s.player.Schedule(chunk); err != nil {
			return fmt.Errorf("schedule audio: %w", err)
		}
	case TranscriptEvent:
		s.transcript.Append(e.Origin, e.Text)
		s.notify()
	case TurnCompleteEvent:
		s.transcript.Reset()
		s.notify()
	case InterruptedEvent:
		s.player.Interrupt()
	case ErrorEvent:
		s.logger.Error("live session failed", slog.String("error", errString(e.Err)))
		s.terminate(StateErrored, e.Err)
	case ClosedEvent:
		s.logger.Info("live session closed by remote", slog.String("reason", e.Reason))
		s.terminate(StateClosed, nil)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

// Close ends the session from the user side. It always leaves the session
// Closed with capture stopped, and may be called any number of times.
func (s *Session) Close() {
	s.terminate(StateClosed, nil)
	s.mu.Lock()
	changed := s.state != StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Wait blocks until the session's background goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) terminate(state State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	conn := s.conn
	s.mu.Unlock()

	s.release.Do(func() {
		s.cancel()
		s.capturer.Stop()
		s.player.Interrupt()
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				s.logger.Debug("close connection", slog.String("error", cerr.Error()))
			}
		}
	})
	s.logger.Info("live session ended", slog.String("state", state.String()), slog.Int64("dropped_frames", s.dropped.Load()), slog.Int64("decode_errors", s.decodeErrors.Load()))
	s.notify()
}

func (s *Session) notify() {
	if s.opts.OnStatus == nil {
		return
	}
	s.mu.Lock()
	st := Status{ID: s.opts.ID, State: s.state, Err: s.err}
	s.mu.Unlock()
	st.Transcript = s.transcript.String()
	s.opts.OnStatus(st)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
