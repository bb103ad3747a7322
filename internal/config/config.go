package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	TraceStderr      bool    `yaml:"trace_stderr"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Gemini      GeminiConfig    `yaml:"gemini"`
	Audio       AudioConfig     `yaml:"audio"`
	Capture     CaptureConfig   `yaml:"capture"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Camera      CameraConfig    `yaml:"camera"`
	TTS         TTSConfig       `yaml:"tts"`
	Vision      VisionConfig    `yaml:"vision"`
	History     HistoryConfig   `yaml:"history"`
	Assistant   AssistantConfig `yaml:"assistant"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type GeminiConfig struct {
	APIKey        string `yaml:"api_key"`
	AnalysisModel string `yaml:"analysis_model"`
	SpeechModel   string `yaml:"speech_model"`
	LiveModel     string `yaml:"live_model"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// AudioConfig holds the fixed transport formats of the voice pipeline.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	Channels         int `yaml:"channels"`
	FrameSize        int `yaml:"frame_size"`
	OutboundQueue    int `yaml:"outbound_queue"`
}

type CaptureConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
}

type PlaybackConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
}

type CameraConfig struct {
	Mode               string `yaml:"mode"` // disabled, exec
	EnvironmentCommand string `yaml:"environment_command"`
	UserCommand        string `yaml:"user_command"`
	MIMEType           string `yaml:"mime_type"`
}

type TTSConfig struct {
	Mode    string `yaml:"mode"` // gemini, exec, mock
	Command string `yaml:"command"`
}

type VisionConfig struct {
	Mode string `yaml:"mode"` // gemini, mock
}

type HistoryConfig struct {
	MaxRecords  int  `yaml:"max_records"`
	KeepSpeech  bool `yaml:"keep_speech"`
	TimelineCap int  `yaml:"timeline_cap"`
}

type AssistantConfig struct {
	DefaultLanguage string `yaml:"default_language"`
	AutoLive        bool   `yaml:"auto_live"`
}

func Default() Config {
	return Config{
		RuntimeName: "visionvoice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "visionvoice",
		},
		Gemini: GeminiConfig{
			AnalysisModel: "gemini-3-flash-preview",
			SpeechModel:   "gemini-2.5-flash-preview-tts",
			LiveModel:     "gemini-2.5-flash-native-audio-preview-09-2025",
			TimeoutMS:     60000,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			Channels:         1,
			FrameSize:        4096,
			OutboundQueue:    32,
		},
		Capture: CaptureConfig{
			Mode: "mock",
		},
		Playback: PlaybackConfig{
			Mode: "mock",
		},
		Camera: CameraConfig{
			Mode:     "disabled",
			MIMEType: "image/jpeg",
		},
		TTS: TTSConfig{
			Mode: "gemini",
		},
		Vision: VisionConfig{
			Mode: "gemini",
		},
		History: HistoryConfig{
			MaxRecords:  50,
			KeepSpeech:  true,
			TimelineCap: 1000,
		},
		Assistant: AssistantConfig{
			DefaultLanguage: "tr-TR",
			AutoLive:        true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VISIONVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VISIONVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VISIONVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VISIONVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VISIONVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VISIONVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VISIONVOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VISIONVOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "VISIONVOICE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Telemetry.TraceStderr, "VISIONVOICE_TELEMETRY_TRACE_STDERR")
	overrideBool(&cfg.Bus.Embedded, "VISIONVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VISIONVOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VISIONVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VISIONVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VISIONVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VISIONVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VISIONVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VISIONVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "VISIONVOICE_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Gemini.APIKey, "VISIONVOICE_GEMINI_API_KEY")
	overrideString(&cfg.Gemini.AnalysisModel, "VISIONVOICE_GEMINI_ANALYSIS_MODEL")
	overrideString(&cfg.Gemini.SpeechModel, "VISIONVOICE_GEMINI_SPEECH_MODEL")
	overrideString(&cfg.Gemini.LiveModel, "VISIONVOICE_GEMINI_LIVE_MODEL")
	overrideInt(&cfg.Gemini.TimeoutMS, "VISIONVOICE_GEMINI_TIMEOUT_MS")
	overrideInt(&cfg.Audio.InputSampleRate, "VISIONVOICE_AUDIO_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Audio.OutputSampleRate, "VISIONVOICE_AUDIO_OUTPUT_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VISIONVOICE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameSize, "VISIONVOICE_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.OutboundQueue, "VISIONVOICE_AUDIO_OUTBOUND_QUEUE")
	overrideString(&cfg.Capture.Mode, "VISIONVOICE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "VISIONVOICE_CAPTURE_COMMAND")
	overrideString(&cfg.Playback.Mode, "VISIONVOICE_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "VISIONVOICE_PLAYBACK_COMMAND")
	overrideString(&cfg.Camera.Mode, "VISIONVOICE_CAMERA_MODE")
	overrideString(&cfg.Camera.EnvironmentCommand, "VISIONVOICE_CAMERA_ENVIRONMENT_COMMAND")
	overrideString(&cfg.Camera.UserCommand, "VISIONVOICE_CAMERA_USER_COMMAND")
	overrideString(&cfg.Camera.MIMEType, "VISIONVOICE_CAMERA_MIME_TYPE")
	overrideString(&cfg.TTS.Mode, "VISIONVOICE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VISIONVOICE_TTS_COMMAND")
	overrideString(&cfg.Vision.Mode, "VISIONVOICE_VISION_MODE")
	overrideInt(&cfg.History.MaxRecords, "VISIONVOICE_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.KeepSpeech, "VISIONVOICE_HISTORY_KEEP_SPEECH")
	overrideInt(&cfg.History.TimelineCap, "VISIONVOICE_HISTORY_TIMELINE_CAP")
	overrideString(&cfg.Assistant.DefaultLanguage, "VISIONVOICE_ASSISTANT_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Assistant.AutoLive, "VISIONVOICE_ASSISTANT_AUTO_LIVE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.SubjectPrefix == "" {
		return errors.New("bus.subject_prefix must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Audio.InputSampleRate <= 0 || cfg.Audio.OutputSampleRate <= 0 {
		return errors.New("audio sample rates must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.OutboundQueue <= 0 {
		return errors.New("audio.outbound_queue must be >= 1")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec":
	default:
		return errors.New("playback.mode must be one of mock|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	switch cfg.Camera.Mode {
	case "disabled":
	case "exec":
		if cfg.Camera.EnvironmentCommand == "" && cfg.Camera.UserCommand == "" {
			return errors.New("camera needs environment_command or user_command when mode=exec")
		}
	default:
		return errors.New("camera.mode must be one of disabled|exec")
	}
	switch cfg.TTS.Mode {
	case "gemini", "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of gemini|exec|mock")
	}
	switch cfg.Vision.Mode {
	case "gemini", "mock":
	default:
		return errors.New("vision.mode must be one of gemini|mock")
	}
	if (cfg.TTS.Mode == "gemini" || cfg.Vision.Mode == "gemini") && cfg.Gemini.APIKey == "" {
		return errors.New("gemini.api_key (or GEMINI_API_KEY) must be set when a gemini backend is enabled")
	}
	if cfg.History.MaxRecords < 0 {
		return errors.New("history.max_records must be >= 0")
	}
	if cfg.Assistant.DefaultLanguage == "" {
		return errors.New("assistant.default_language must not be empty")
	}
	return nil
}
