// Package playback schedules decoded audio chunks back to back on an output
// device and supports cutting everything off at once when the user barges in.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrEmptyChunk is returned when a chunk with no duration is scheduled.
var ErrEmptyChunk = errors.New("playback: chunk has zero duration")

type unit struct {
	voice Voice
	start time.Duration
	end   time.Duration
	done  chan struct{}
}

// Scheduler owns the playback cursor and the set of in-flight chunks.
//
// Chunks start at max(cursor, now) so that consecutive chunks play gaplessly
// and a late arrival never starts in the past.
type Scheduler struct {
	out Output
	log *slog.Logger

	mu         sync.Mutex
	cursor     time.Duration
	active     map[*unit]struct{}
	onSpeaking func(bool)

	meter       metric.Meter
	scheduled   metric.Int64Counter
	interrupts  metric.Int64Counter
	activeGauge metric.Int64ObservableGauge
	reg         metric.Registration
}

func NewScheduler(out Output, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    logger.With(slog.String("component", "playback")),
		active: make(map[*unit]struct{}),
		meter:  otel.Meter("github.com/loqalabs/visionvoice/playback"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// OnSpeaking registers a hook fired when the AI starts or stops speaking.
// The hook runs after the scheduler lock is released.
func (s *Scheduler) OnSpeaking(fn func(bool)) {
	s.mu.Lock()
	s.onSpeaking = fn
	s.mu.Unlock()
}

// Schedule queues chunk to start at max(cursor, now) and returns that start
// time. The cursor advances by the chunk's duration.
func (s *Scheduler) Schedule(chunk pcm.Chunk) (time.Duration, error) {
	u, err := s.schedule(chunk)
	if err != nil {
		return 0, err
	}
	return u.start, nil
}

func (s *Scheduler) schedule(chunk pcm.Chunk) (*unit, error) {
	if chunk.Duration <= 0 {
		return nil, ErrEmptyChunk
	}

	s.mu.Lock()
	start := s.cursor
	if now := s.out.Now(); now > start {
		start = now
	}
	u := &unit{start: start, end: start + chunk.Duration, done: make(chan struct{})}
	voice, err := s.out.Play(chunk, start, func() { s.finish(u) })
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("play chunk: %w", err)
	}
	u.voice = voice
	s.cursor = u.end

	wasIdle := len(s.active) == 0
	s.active[u] = struct{}{}
	hook := s.onSpeaking
	s.mu.Unlock()

	if s.scheduled != nil {
		s.scheduled.Add(context.Background(), 1)
	}
	if wasIdle {
		fire(hook, true)
	}
	return u, nil
}

// finish removes u on natural completion. Units already cleared by an
// interrupt are ignored.
func (s *Scheduler) finish(u *unit) {
	s.mu.Lock()
	if _, ok := s.active[u]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, u)
	close(u.done)
	idle := len(s.active) == 0
	hook := s.onSpeaking
	s.mu.Unlock()

	if idle {
		fire(hook, false)
	}
}

// Interrupt stops every in-flight chunk and pulls the cursor back to the
// current playback position. It is a no-op when nothing is playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	if len(s.active) == 0 {
		s.mu.Unlock()
		return
	}
	for u := range s.active {
		u.voice.Stop()
		close(u.done)
	}
	stopped := len(s.active)
	s.active = make(map[*unit]struct{})
	s.cursor = s.out.Now()

	if f, ok := s.out.(Flusher); ok {
		if err := f.Flush(); err != nil {
			s.log.Warn("failed to flush output", slog.String("error", err.Error()))
		}
	}
	hook := s.onSpeaking
	s.mu.Unlock()

	if s.interrupts != nil {
		s.interrupts.Add(context.Background(), 1)
	}
	s.log.Debug("playback interrupted", slog.Int("stopped", stopped))
	fire(hook, false)
}

// PlayAndWait schedules chunk and blocks until it finishes or is interrupted.
func (s *Scheduler) PlayAndWait(ctx context.Context, chunk pcm.Chunk) error {
	u, err := s.schedule(chunk)
	if err != nil {
		return err
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close unregisters metrics callbacks. It does not touch the output device.
func (s *Scheduler) Close() {
	if s.reg != nil {
		_ = s.reg.Unregister()
	}
}

func fire(hook func(bool), speaking bool) {
	if hook != nil {
		hook(speaking)
	}
}

func (s *Scheduler) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	scheduled, err := s.meter.Int64Counter("visionvoice.playback.chunks", metric.WithDescription("Audio chunks scheduled for playback"))
	if err != nil {
		return err
	}
	interrupts, err := s.meter.Int64Counter("visionvoice.playback.interrupts", metric.WithDescription("Playback interrupts that stopped audio"))
	if err != nil {
		return err
	}
	gauge, err := s.meter.Int64ObservableGauge("visionvoice.playback.active", metric.WithDescription("Chunks currently scheduled or playing"))
	if err != nil {
		return err
	}
	s.scheduled = scheduled
	s.interrupts = interrupts
	s.activeGauge = gauge
	s.reg, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Active()))
		return nil
	}, gauge)
	return err
}
