package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/visionvoice/internal/capture"
	"github.com/loqalabs/visionvoice/internal/config"
	"github.com/loqalabs/visionvoice/internal/history"
	"github.com/loqalabs/visionvoice/internal/language"
	"github.com/loqalabs/visionvoice/internal/live"
	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/loqalabs/visionvoice/internal/playback"
	"github.com/loqalabs/visionvoice/internal/protocol"
	"github.com/loqalabs/visionvoice/internal/tts"
	"github.com/loqalabs/visionvoice/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// instantOutput finishes every chunk right away.
type instantOutput struct {
	mu      sync.Mutex
	started int
	closed  int
	played  int
}

type noopVoice struct{}

func (noopVoice) Stop() {}

func (o *instantOutput) Now() time.Duration { return 0 }

func (o *instantOutput) Play(_ pcm.Chunk, _ time.Duration, onDone func()) (playback.Voice, error) {
	o.mu.Lock()
	o.played++
	o.mu.Unlock()
	go onDone()
	return noopVoice{}, nil
}

func (o *instantOutput) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
	return nil
}

func (o *instantOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

type fakeAnalyzer struct {
	result  vision.Result
	err     error
	gate    chan struct{}
	entered chan struct{}
	lang    string
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, _ vision.Image, languageName string) (vision.Result, error) {
	a.lang = languageName
	if a.entered != nil {
		close(a.entered)
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return vision.Result{}, ctx.Err()
		}
	}
	return a.result, a.err
}

type fakeSynth struct {
	mu    sync.Mutex
	voice string
	err   error
}

func (s *fakeSynth) Synthesize(_ context.Context, req tts.Request) (tts.Audio, error) {
	s.mu.Lock()
	s.voice = req.Voice
	s.mu.Unlock()
	if s.err != nil {
		return tts.Audio{}, s.err
	}
	return tts.Audio{PCM: pcm.Encode(make([]float32, 240)), SampleRate: 24000, Channels: 1}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Envelope
}

func (r *recorder) Publish(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, protocol.Envelope{Type: kind, Data: payload})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last(kind string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == kind {
			return r.events[i].Data, true
		}
	}
	return nil, false
}

type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *blockingConn) SendAudio(capture.Frame) error { return nil }

func (c *blockingConn) Recv() ([]live.Event, error) {
	<-c.closed
	return nil, errors.New("connection closed")
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu   sync.Mutex
	cfg  live.Config
	conn *blockingConn
	err  error
}

func (t *fakeTransport) Dial(_ context.Context, cfg live.Config) (live.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	if t.err != nil {
		return nil, t.err
	}
	t.conn = &blockingConn{closed: make(chan struct{})}
	return t.conn, nil
}

type fakeCapturer struct {
	mu   sync.Mutex
	sink capture.Sink
}

func (f *fakeCapturer) Start(_ context.Context, sink capture.Sink) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	return nil
}

func (f *fakeCapturer) Stop() {}

// unplug simulates the microphone dying mid-session.
func (f *fakeCapturer) unplug() {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink.(capture.FailureReporter).CaptureFailed(capture.ErrDeviceUnavailable)
}

type harness struct {
	ctrl      *Controller
	out       *instantOutput
	analyzer  *fakeAnalyzer
	synth     *fakeSynth
	store     *history.Store
	pub       *recorder
	transport *fakeTransport
	capturer  *fakeCapturer
}

func newHarness(t *testing.T, autoLive bool, withTransport bool) *harness {
	t.Helper()
	store, err := history.Open(context.Background(), config.HistoryConfig{MaxRecords: 10, KeepSpeech: true}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		out: &instantOutput{},
		analyzer: &fakeAnalyzer{result: vision.Result{
			Summary:   "A lighthouse at dusk.",
			Details:   []string{"white tower", "rocky coast"},
			Citations: []vision.Citation{{Title: "a", URI: "https://a"}, {Title: "b", URI: "https://b"}, {Title: "c", URI: "https://c"}, {Title: "d", URI: "https://d"}},
		}},
		synth:    &fakeSynth{},
		store:    store,
		pub:      &recorder{},
		capturer: &fakeCapturer{},
	}
	var transport live.Transport
	if withTransport {
		h.transport = &fakeTransport{}
		transport = h.transport
	}
	sched := playback.NewScheduler(h.out, newLogger())
	t.Cleanup(sched.Close)

	ctrl, err := New(Deps{
		Analyzer:  h.analyzer,
		Synth:     h.synth,
		History:   store,
		Output:    h.out,
		Scheduler: sched,
		Capture:   h.capturer,
		Transport: transport,
		Publisher: h.pub,
	}, Options{
		LiveModel:        "live-model",
		OutputSampleRate: 24000,
		Channels:         1,
		AutoLive:         autoLive,
		RequestTimeout:   time.Second,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(ctrl.Shutdown)
	h.ctrl = ctrl
	return h
}

func testImage() vision.Image {
	return vision.Image{MIMEType: vision.DefaultMIMEType, Data: []byte{0xff, 0xd8, 0xff}}
}

func TestProcessStoresAndSpeaksSummary(t *testing.T) {
	h := newHarness(t, false, false)

	rec, err := h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, string(language.Default), rec.Language)
	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)

	stored, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "A lighthouse at dusk.", stored.Summary)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, stored.Image.Data)

	sp, err := h.store.Speech(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 24000, sp.SampleRate)

	assert.Equal(t, 1, h.out.played)
	dflt, ok := language.Lookup(language.Default)
	require.True(t, ok)
	assert.Equal(t, dflt.Voice, h.synth.voice)
	assert.Equal(t, dflt.Name, h.analyzer.lang)

	data, ok := h.pub.last(protocol.KindAnalysis)
	require.True(t, ok)
	ev := data.(protocol.AnalysisEvent)
	assert.Len(t, ev.Sources, protocol.MaxDisplayedSources)
	assert.Equal(t, "/api/history/"+rec.ID+"/image", ev.ImageURL)

	kinds := strings.Join(h.pub.kinds(), ",")
	assert.Contains(t, kinds, "speaking")
	assert.Contains(t, kinds, "analysis")
}

func TestProcessAnalysisFailureSetsError(t *testing.T) {
	h := newHarness(t, true, true)
	h.analyzer.err = errors.New("quota exceeded")

	_, err := h.ctrl.Process(context.Background(), testImage())
	require.ErrorIs(t, err, vision.ErrAnalysis)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.Error, "quota exceeded")
	_, ok := h.pub.last(protocol.KindError)
	assert.True(t, ok)

	records, err := h.store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Nil(t, h.transport.conn, "live session must not open after a failed analysis")
}

func TestProcessSynthesisFailureSetsError(t *testing.T) {
	h := newHarness(t, false, false)
	h.synth.err = errors.New("tts down")

	_, err := h.ctrl.Process(context.Background(), testImage())
	require.ErrorIs(t, err, tts.ErrSynthesis)
	assert.Equal(t, StateError, h.ctrl.Snapshot().State)
}

func TestProcessRejectsConcurrentImage(t *testing.T) {
	h := newHarness(t, false, false)
	h.analyzer.gate = make(chan struct{})
	h.analyzer.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Process(context.Background(), testImage())
		done <- err
	}()
	<-h.analyzer.entered
	assert.Equal(t, StateAnalyzing, h.ctrl.Snapshot().State)

	_, err := h.ctrl.Process(context.Background(), testImage())
	require.ErrorIs(t, err, ErrBusy)

	close(h.analyzer.gate)
	require.NoError(t, <-done)
}

func TestProcessOpensLiveSession(t *testing.T) {
	h := newHarness(t, true, true)

	rec, err := h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateLiveChat, snap.State)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, live.StateOpen.String(), snap.SessionState)

	h.transport.mu.Lock()
	cfg := h.transport.cfg
	h.transport.mu.Unlock()
	assert.Equal(t, "live-model", cfg.Model)
	assert.Contains(t, cfg.SystemInstruction, rec.Summary)
	assert.Contains(t, cfg.SystemInstruction, "white tower, rocky coast")

	h.ctrl.CloseInteraction()
	snap = h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.SessionID)
	select {
	case <-h.transport.conn.closed:
	case <-time.After(time.Second):
		t.Fatal("live connection not closed")
	}
	assert.Equal(t, 1, h.out.closed)
}

func TestLiveOpenFailureDoesNotFailProcess(t *testing.T) {
	h := newHarness(t, true, true)
	h.transport.err = errors.New("handshake refused")

	rec, err := h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StateError, h.ctrl.Snapshot().State)

	data, ok := h.pub.last(protocol.KindError)
	require.True(t, ok)
	assert.Contains(t, data.(protocol.ErrorEvent).Message, "handshake refused")
}

func TestNewImageReplacesLiveSession(t *testing.T) {
	h := newHarness(t, true, true)

	_, err := h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	first := h.transport.conn

	_, err = h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("previous live connection not closed")
	}
	assert.Equal(t, StateLiveChat, h.ctrl.Snapshot().State)
}

func TestSetLanguage(t *testing.T) {
	h := newHarness(t, false, false)

	_, err := h.ctrl.SetLanguage("xx-XX")
	require.ErrorIs(t, err, ErrUnknownLanguage)

	lang, err := h.ctrl.SetLanguage(language.German)
	require.NoError(t, err)
	assert.Equal(t, language.German, h.ctrl.Language().Code)

	data, ok := h.pub.last(protocol.KindLanguage)
	require.True(t, ok)
	assert.Equal(t, lang.Flag, data.(protocol.LanguageEvent).Flag)

	_, err = h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, lang.Voice, h.synth.voice)
	assert.Equal(t, "Deutsch", h.analyzer.lang)
}

func TestScanWithoutCamera(t *testing.T) {
	h := newHarness(t, false, false)
	_, err := h.ctrl.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
}

func TestMicrophoneFailureEndsLiveChat(t *testing.T) {
	h := newHarness(t, true, true)

	_, err := h.ctrl.Process(context.Background(), testImage())
	require.NoError(t, err)
	require.Equal(t, StateLiveChat, h.ctrl.Snapshot().State)

	h.capturer.unplug()

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "disconnected", snap.Error)
	assert.Equal(t, live.StateErrored.String(), snap.SessionState)

	data, ok := h.pub.last(protocol.KindError)
	require.True(t, ok)
	assert.Contains(t, data.(protocol.ErrorEvent).Message, "disconnected")
	assert.Contains(t, data.(protocol.ErrorEvent).Message, capture.ErrDeviceUnavailable.Error())
}
