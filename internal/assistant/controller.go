// Package assistant drives one interaction at a time: analyze an image, speak
// the summary, then hold a live voice conversation about it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/visionvoice/internal/camera"
	"github.com/loqalabs/visionvoice/internal/history"
	"github.com/loqalabs/visionvoice/internal/language"
	"github.com/loqalabs/visionvoice/internal/live"
	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/loqalabs/visionvoice/internal/playback"
	"github.com/loqalabs/visionvoice/internal/protocol"
	"github.com/loqalabs/visionvoice/internal/tts"
	"github.com/loqalabs/visionvoice/internal/vision"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrBusy is returned when an image is submitted while another is being
// processed.
var ErrBusy = errors.New("assistant: an analysis is already in progress")

// ErrUnknownLanguage is returned for unsupported language codes.
var ErrUnknownLanguage = errors.New("assistant: unsupported language")

type State string

const (
	StateIdle      State = "IDLE"
	StateAnalyzing State = "ANALYZING"
	StateSpeaking  State = "SPEAKING"
	StateLiveChat  State = "LIVE_CHAT"
	StateError     State = "ERROR"
)

// Publisher forwards UI events to the view layer.
type Publisher interface {
	Publish(kind string, payload any)
}

type Deps struct {
	Analyzer  vision.Analyzer
	Synth     tts.Synthesizer
	History   *history.Store
	Output    playback.Output
	Scheduler *playback.Scheduler
	Capture   live.Capturer
	Transport live.Transport
	Camera    *camera.Camera
	Publisher Publisher
}

type Options struct {
	LiveModel        string
	OutputSampleRate int
	Channels         int
	OutboundQueue    int
	AutoLive         bool
	DefaultLanguage  language.Code
	RequestTimeout   time.Duration
}

// Snapshot is the controller's state as shown to the view.
type Snapshot struct {
	State        State    `json:"state"`
	Speaking     bool     `json:"ai_speaking"`
	Language     string   `json:"language"`
	RecordID     string   `json:"record_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	SessionState string   `json:"session_state,omitempty"`
	Transcript   string   `json:"transcript"`
	Error        string   `json:"error,omitempty"`
	Languages    []string `json:"languages"`
}

type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	state       State
	lang        language.Language
	busy        bool
	generation  uint64
	recordID    string
	lastErr     string
	outputOpen  bool
	sessions    live.Holder
	analyses    metric.Int64Counter
	failures    metric.Int64Counter
	liveOpened  metric.Int64Counter
	decodeDrops metric.Int64Counter
	latency     metric.Float64Histogram
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Controller, error) {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = language.Default
	}
	lang, ok := language.Lookup(opts.DefaultLanguage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, opts.DefaultLanguage)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = 24000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	c := &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "assistant")),
		tracer: otel.Tracer("github.com/loqalabs/visionvoice/assistant"),
		state:  StateIdle,
		lang:   lang,
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	deps.Scheduler.OnSpeaking(func(speaking bool) {
		c.publish(protocol.KindSpeaking, protocol.SpeakingEvent{Speaking: speaking})
	})
	return c, nil
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/visionvoice/assistant")
	var err error
	if c.analyses, err = meter.Int64Counter("visionvoice.analyses", metric.WithDescription("Images submitted for analysis")); err != nil {
		return err
	}
	if c.failures, err = meter.Int64Counter("visionvoice.analysis.failures", metric.WithDescription("Interactions aborted by an error")); err != nil {
		return err
	}
	if c.liveOpened, err = meter.Int64Counter("visionvoice.live.sessions", metric.WithDescription("Live voice sessions opened")); err != nil {
		return err
	}
	if c.decodeDrops, err = meter.Int64Counter("visionvoice.speech.decode_errors", metric.WithDescription("Synthesized speech payloads that failed to decode")); err != nil {
		return err
	}
	if c.latency, err = meter.Float64Histogram("visionvoice.request.duration", metric.WithDescription("Hosted model request latency"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

func (c *Controller) observe(ctx context.Context, op string, start time.Time) {
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", op)))
	}
}

// Process runs the full interaction for img and returns the stored analysis.
// Failures to open the live session are reported to the view but do not fail
// the call.
func (c *Controller) Process(ctx context.Context, img vision.Image) (history.Record, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return history.Record{}, ErrBusy
	}
	c.busy = true
	c.generation++
	gen := c.generation
	lang := c.lang
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	// A new image replaces whatever conversation was running.
	c.sessions.Close()
	c.deps.Scheduler.Interrupt()

	ctx, span := c.tracer.Start(ctx, "assistant.process", trace.WithAttributes(attribute.String("language", string(lang.Code))))
	defer span.End()
	if c.analyses != nil {
		c.analyses.Add(ctx, 1)
	}

	c.setState(StateAnalyzing, "")
	result, err := c.analyze(ctx, img, lang)
	if err != nil {
		return history.Record{}, c.fail(span, err)
	}

	rec, err := c.deps.History.Add(ctx, history.Record{
		Summary:   result.Summary,
		Details:   result.Details,
		Citations: result.Citations,
		Language:  string(lang.Code),
		Image:     img,
	})
	if err != nil {
		return history.Record{}, c.fail(span, fmt.Errorf("store analysis: %w", err))
	}
	c.mu.Lock()
	c.recordID = rec.ID
	c.mu.Unlock()
	c.publish(protocol.KindAnalysis, analysisEvent(rec))
	if !c.current(gen) {
		return rec, nil
	}

	c.setState(StateSpeaking, "")
	if err := c.acquireOutput(); err != nil {
		return rec, c.fail(span, err)
	}
	if err := c.speak(ctx, rec, lang); err != nil {
		return rec, c.fail(span, err)
	}

	if !c.current(gen) {
		// Interaction closed while the summary was playing.
		return rec, nil
	}
	if !c.opts.AutoLive || c.deps.Transport == nil {
		c.setState(StateIdle, "")
		return rec, nil
	}
	if err := c.startLive(ctx, rec, lang); err != nil {
		c.logger.Warn("failed to open live session", slog.String("error", err.Error()))
		span.RecordError(err)
		c.setState(StateError, err.Error())
		c.publish(protocol.KindError, protocol.ErrorEvent{Message: err.Error()})
	}
	return rec, nil
}

// Scan grabs a camera frame and processes it.
func (c *Controller) Scan(ctx context.Context) (history.Record, error) {
	if c.deps.Camera == nil || !c.deps.Camera.Enabled() {
		return history.Record{}, fmt.Errorf("%w: camera disabled", camera.ErrDeviceUnavailable)
	}
	img, facing, err := c.deps.Camera.Snapshot(ctx)
	if err != nil {
		c.publish(protocol.KindError, protocol.ErrorEvent{Message: err.Error()})
		return history.Record{}, err
	}
	c.logger.Info("camera frame captured", slog.String("facing", string(facing)), slog.Int("bytes", len(img.Data)))
	return c.Process(ctx, img)
}

func (c *Controller) analyze(ctx context.Context, img vision.Image, lang language.Language) (vision.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "assistant.analyze")
	defer span.End()

	start := time.Now()
	result, err := c.deps.Analyzer.Analyze(ctx, img, lang.Name)
	c.observe(ctx, "analyze", start)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, vision.ErrAnalysis) {
			err = fmt.Errorf("%w: %v", vision.ErrAnalysis, err)
		}
		return vision.Result{}, err
	}
	c.logger.Info("image analyzed",
		slog.Int("details", len(result.Details)),
		slog.Int("sources", len(result.Citations)),
		slog.Duration("latency", time.Since(start)))
	return result, nil
}

func (c *Controller) speak(ctx context.Context, rec history.Record, lang language.Language) error {
	synthCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	synthCtx, span := c.tracer.Start(synthCtx, "assistant.synthesize", trace.WithAttributes(attribute.String("voice", lang.Voice)))
	start := time.Now()
	audio, err := c.deps.Synth.Synthesize(synthCtx, tts.Request{Text: rec.Summary, Voice: lang.Voice})
	c.observe(synthCtx, "synthesize", start)
	span.End()
	if err != nil {
		if !errors.Is(err, tts.ErrSynthesis) {
			err = fmt.Errorf("%w: %v", tts.ErrSynthesis, err)
		}
		return err
	}

	rate, channels := audio.SampleRate, audio.Channels
	if rate <= 0 {
		rate = c.opts.OutputSampleRate
	}
	if channels <= 0 {
		channels = c.opts.Channels
	}
	if err := c.deps.History.PutSpeech(ctx, rec.ID, history.Speech{PCM: audio.PCM, SampleRate: rate, Channels: channels}); err != nil {
		c.logger.Warn("failed to keep speech", slog.String("error", err.Error()))
	}

	chunk, err := pcm.DecodeChunk(audio.PCM, rate, channels)
	if err != nil {
		if c.decodeDrops != nil {
			c.decodeDrops.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %v", tts.ErrSynthesis, err)
	}
	if chunk.Duration <= 0 {
		return nil
	}
	if err := c.deps.Scheduler.PlayAndWait(ctx, chunk); err != nil {
		return fmt.Errorf("play summary: %w", err)
	}
	return nil
}

func (c *Controller) startLive(ctx context.Context, rec history.Record, lang language.Language) error {
	ctx, span := c.tracer.Start(ctx, "assistant.live_open")
	defer span.End()

	sessionID := uuid.NewString()
	cfg := live.Config{
		Model:             c.opts.LiveModel,
		Voice:             lang.Voice,
		SystemInstruction: lang.SystemInstruction(rec.Summary, rec.Details),
	}
	session := live.NewSession(c.deps.Transport, cfg, c.deps.Capture, c.deps.Scheduler, live.Options{
		ID:               sessionID,
		OutputSampleRate: c.opts.OutputSampleRate,
		Channels:         c.opts.Channels,
		OutboundQueue:    c.opts.OutboundQueue,
		OnStatus:         c.sessionStatus(rec.ID),
	}, c.logger)

	c.setState(StateLiveChat, "")
	if err := c.sessions.Open(ctx, session); err != nil {
		return fmt.Errorf("open live session: %w", err)
	}
	if c.liveOpened != nil {
		c.liveOpened.Add(ctx, 1)
	}
	return nil
}

// sessionStatus mirrors session changes to the view and the timeline.
func (c *Controller) sessionStatus(recordID string) func(live.Status) {
	var mu sync.Mutex
	var lastState live.State = -1
	var lastTranscript string
	return func(st live.Status) {
		mu.Lock()
		stateChanged := st.State != lastState
		transcriptChanged := st.Transcript != lastTranscript
		lastState, lastTranscript = st.State, st.Transcript
		mu.Unlock()

		ctx := context.Background()
		if transcriptChanged {
			c.publish(protocol.KindTranscript, protocol.TranscriptEvent{SessionID: st.ID, Text: st.Transcript})
			c.timeline(ctx, st.ID, recordID, "transcript", st.Transcript)
		}
		if !stateChanged {
			return
		}
		ev := protocol.SessionEvent{SessionID: st.ID, State: st.State.String()}
		if st.Err != nil {
			ev.Error = st.Err.Error()
		}
		c.publish(protocol.KindSession, ev)
		c.timeline(ctx, st.ID, recordID, "session."+st.State.String(), ev.Error)

		if st.State.Terminal() {
			if cur := c.sessions.Current(); cur != nil && cur.ID() != st.ID {
				return
			}
			c.mu.Lock()
			wasLive := c.state == StateLiveChat
			if wasLive {
				c.state = StateIdle
				if st.State == live.StateErrored {
					c.lastErr = "disconnected"
				}
			}
			c.mu.Unlock()
			if wasLive && st.State == live.StateErrored {
				c.publish(protocol.KindError, protocol.ErrorEvent{Message: "disconnected: " + ev.Error})
			}
			c.publishState()
		}
	}
}

func (c *Controller) timeline(ctx context.Context, sessionID, recordID, typ, payload string) {
	err := c.deps.History.AppendEvent(ctx, history.Event{
		SessionID: sessionID,
		RecordID:  recordID,
		Type:      typ,
		Payload:   []byte(payload),
	})
	if err != nil {
		c.logger.Debug("failed to append timeline event", slog.String("error", err.Error()))
	}
}

// CloseInteraction ends the current conversation: the live session is closed,
// playback stops, the transcript is cleared and the output device released.
func (c *Controller) CloseInteraction() {
	c.mu.Lock()
	c.generation++
	c.recordID = ""
	c.mu.Unlock()

	c.sessions.Close()
	c.deps.Scheduler.Interrupt()
	c.releaseOutput()

	c.mu.Lock()
	c.state = StateIdle
	c.lastErr = ""
	c.mu.Unlock()
	c.publish(protocol.KindTranscript, protocol.TranscriptEvent{})
	c.publish(protocol.KindSpeaking, protocol.SpeakingEvent{Speaking: false})
	c.publishState()
}

func (c *Controller) SetLanguage(code language.Code) (language.Language, error) {
	lang, ok := language.Lookup(code)
	if !ok {
		return language.Language{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, code)
	}
	c.mu.Lock()
	c.lang = lang
	if !c.busy && c.state != StateLiveChat {
		c.state = StateIdle
		c.lastErr = ""
	}
	c.mu.Unlock()
	c.publish(protocol.KindLanguage, protocol.LanguageEvent{Code: string(lang.Code), Name: lang.Name, Flag: lang.Flag})
	c.publishState()
	return lang, nil
}

func (c *Controller) Language() language.Language {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:    c.state,
		Language: string(c.lang.Code),
		RecordID: c.recordID,
		Error:    c.lastErr,
	}
	c.mu.Unlock()

	snap.Speaking = c.deps.Scheduler.Speaking()
	if s := c.sessions.Current(); s != nil {
		snap.SessionID = s.ID()
		snap.SessionState = s.State().String()
		snap.Transcript = s.Transcript()
	}
	for _, l := range language.All() {
		snap.Languages = append(snap.Languages, string(l.Code))
	}
	return snap
}

// Shutdown closes any live session and releases devices.
func (c *Controller) Shutdown() {
	c.sessions.Close()
	c.deps.Scheduler.Interrupt()
	c.releaseOutput()
}

func (c *Controller) acquireOutput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputOpen {
		return nil
	}
	if err := c.deps.Output.Start(); err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	c.outputOpen = true
	return nil
}

func (c *Controller) releaseOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.outputOpen {
		return
	}
	if err := c.deps.Output.Close(); err != nil {
		c.logger.Warn("failed to release output device", slog.String("error", err.Error()))
	}
	c.outputOpen = false
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Controller) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if c.failures != nil {
		c.failures.Add(context.Background(), 1)
	}
	c.logger.Error("interaction failed", slog.String("error", err.Error()))
	c.deps.Scheduler.Interrupt()
	c.releaseOutput()
	c.setState(StateError, err.Error())
	c.publish(protocol.KindError, protocol.ErrorEvent{Message: err.Error()})
	return err
}

func (c *Controller) setState(state State, errMsg string) {
	c.mu.Lock()
	c.state = state
	c.lastErr = errMsg
	c.mu.Unlock()
	c.publishState()
}

func (c *Controller) publishState() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	c.publish(protocol.KindState, protocol.StateEvent{State: string(state)})
}

func (c *Controller) publish(kind string, payload any) {
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(kind, payload)
	}
}

func analysisEvent(rec history.Record) protocol.AnalysisEvent {
	ev := protocol.AnalysisEvent{
		ID:        rec.ID,
		Summary:   rec.Summary,
		Details:   rec.Details,
		Language:  rec.Language,
		ImageURL:  "/api/history/" + rec.ID + "/image",
		Timestamp: rec.CreatedAt,
	}
	for i, cit := range rec.Citations {
		if i == protocol.MaxDisplayedSources {
			break
		}
		ev.Sources = append(ev.Sources, protocol.Source{Title: cit.Title, URI: cit.URI})
	}
	return ev
}
