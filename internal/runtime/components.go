package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/visionvoice/internal/assistant"
	"github.com/loqalabs/visionvoice/internal/bus"
	"github.com/loqalabs/visionvoice/internal/camera"
	"github.com/loqalabs/visionvoice/internal/capture"
	"github.com/loqalabs/visionvoice/internal/config"
	"github.com/loqalabs/visionvoice/internal/history"
	"github.com/loqalabs/visionvoice/internal/language"
	"github.com/loqalabs/visionvoice/internal/live"
	"github.com/loqalabs/visionvoice/internal/playback"
	"github.com/loqalabs/visionvoice/internal/tts"
	"github.com/loqalabs/visionvoice/internal/vision"
	"google.golang.org/genai"
)

func (r *Runtime) buildAssistant(ctx context.Context) error {
	cfg := r.cfg

	store, err := history.Open(ctx, cfg.History, r.logger)
	if err != nil {
		return err
	}
	r.store = store

	client, err := newGeminiClient(ctx, cfg.Gemini)
	if err != nil {
		return err
	}

	analyzer, err := newAnalyzer(cfg, client)
	if err != nil {
		return err
	}
	synth, err := newSynthesizer(cfg, client)
	if err != nil {
		return err
	}
	output, err := newOutput(cfg.Playback, r.logger)
	if err != nil {
		return err
	}
	source, err := newSource(cfg.Capture)
	if err != nil {
		return err
	}
	cam, err := newCamera(cfg.Camera, r.logger)
	if err != nil {
		return err
	}

	var transport live.Transport
	if client != nil {
		transport = live.NewGeminiTransport(client)
	} else {
		r.logger.Warn("gemini api key not set; live voice sessions disabled")
	}

	r.scheduler = playback.NewScheduler(output, r.logger)
	ctrl, err := assistant.New(assistant.Deps{
		Analyzer:  analyzer,
		Synth:     synth,
		History:   store,
		Output:    output,
		Scheduler: r.scheduler,
		Capture:   capture.NewLoop(source, cfg.Audio.InputSampleRate, cfg.Audio.FrameSize, r.logger),
		Transport: transport,
		Camera:    cam,
		Publisher: bus.NewPublisher(r.bus, r.logger),
	}, assistant.Options{
		LiveModel:        cfg.Gemini.LiveModel,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		Channels:         cfg.Audio.Channels,
		OutboundQueue:    cfg.Audio.OutboundQueue,
		AutoLive:         cfg.Assistant.AutoLive,
		DefaultLanguage:  language.Code(cfg.Assistant.DefaultLanguage),
		RequestTimeout:   time.Duration(cfg.Gemini.TimeoutMS) * time.Millisecond,
	}, r.logger)
	if err != nil {
		return err
	}
	r.ctrl = ctrl
	return nil
}

// newGeminiClient returns nil when no API key is configured.
func newGeminiClient(ctx context.Context, cfg config.GeminiConfig) (*genai.Client, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func newAnalyzer(cfg config.Config, client *genai.Client) (vision.Analyzer, error) {
	switch cfg.Vision.Mode {
	case "mock":
		return vision.NewMockAnalyzer(), nil
	case "gemini":
		if client == nil {
			return nil, fmt.Errorf("vision.mode=gemini requires gemini.api_key")
		}
		return vision.NewGeminiAnalyzer(client, cfg.Gemini.AnalysisModel), nil
	default:
		return nil, fmt.Errorf("unsupported vision mode %q", cfg.Vision.Mode)
	}
}

func newSynthesizer(cfg config.Config, client *genai.Client) (tts.Synthesizer, error) {
	switch cfg.TTS.Mode {
	case "mock":
		return tts.NewMockSynth(cfg.Audio.OutputSampleRate, cfg.Audio.Channels), nil
	case "exec":
		return tts.NewExecSynth(cfg.TTS.Command, cfg.Audio.OutputSampleRate, cfg.Audio.Channels)
	case "gemini":
		if client == nil {
			return nil, fmt.Errorf("tts.mode=gemini requires gemini.api_key")
		}
		return tts.NewGeminiSynth(client, cfg.Gemini.SpeechModel, cfg.Audio.OutputSampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.TTS.Mode)
	}
}

func newOutput(cfg config.PlaybackConfig, logger *slog.Logger) (playback.Output, error) {
	if cfg.Mode == "exec" {
		return playback.NewExecOutput(cfg.Command, logger)
	}
	return playback.NewMockOutput(), nil
}

func newSource(cfg config.CaptureConfig) (capture.Source, error) {
	if cfg.Mode == "exec" {
		return capture.NewExecSource(cfg.Command)
	}
	return capture.NewMockSource(), nil
}

func newCamera(cfg config.CameraConfig, logger *slog.Logger) (*camera.Camera, error) {
	devices := make(map[camera.Facing]camera.Device)
	if cfg.Mode == "exec" {
		for facing, command := range map[camera.Facing]string{
			camera.FacingEnvironment: cfg.EnvironmentCommand,
			camera.FacingUser:        cfg.UserCommand,
		} {
			if command == "" {
				continue
			}
			dev, err := camera.NewExecDevice(command)
			if err != nil {
				return nil, fmt.Errorf("camera %s: %w", facing, err)
			}
			devices[facing] = dev
		}
	}
	return camera.New(devices, cfg.MIMEType, logger), nil
}
