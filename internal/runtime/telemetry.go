package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	rtdebug "runtime/debug"
	"strings"

	"github.com/loqalabs/visionvoice/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Bucket bounds in seconds for hosted model calls. Image analysis and speech
// synthesis take between a fraction of a second and the request timeout.
var requestBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}

// telemetry owns the process-wide trace and metric providers.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	t, err := newTelemetry(context.Background(), cfg, promclient.NewRegistry(), os.Stderr, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.metrics)
	return t.shutdown, t.handler, nil
}

func newTelemetry(ctx context.Context, cfg config.Config, reg *promclient.Registry, traceOut io.Writer, logger *slog.Logger) (*telemetry, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	traces, err := newTraceProvider(ctx, cfg.Telemetry, res, traceOut, logger)
	if err != nil {
		return nil, err
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		_ = traces.Shutdown(ctx)
		return nil, err
	}
	metrics := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(metricViews()...),
	)
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return &telemetry{traces: traces, metrics: metrics, handler: handler}, nil
}

// newResource describes this process: which runtime, which build and which
// hosted models it talks to.
func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(buildVersion()),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			attribute.String("visionvoice.vision.mode", cfg.Vision.Mode),
			attribute.String("visionvoice.tts.mode", cfg.TTS.Mode),
			attribute.String("visionvoice.model.analysis", cfg.Gemini.AnalysisModel),
			attribute.String("visionvoice.model.speech", cfg.Gemini.SpeechModel),
			attribute.String("visionvoice.model.live", cfg.Gemini.LiveModel),
			attribute.Int("visionvoice.audio.input_rate", cfg.Audio.InputSampleRate),
			attribute.Int("visionvoice.audio.output_rate", cfg.Audio.OutputSampleRate),
		),
		resource.WithHost(),
	)
}

func newTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, out io.Writer, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	}
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint), slog.Float64("sample_ratio", cfg.TraceSampleRatio))
	case cfg.TraceStderr:
		// stdout carries the JSON log stream.
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))
		logger.Info("tracing enabled", slog.String("exporter", "stderr"), slog.Float64("sample_ratio", cfg.TraceSampleRatio))
	default:
		logger.Debug("tracing spans are not exported")
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// metricViews buckets model latency in seconds and drops per-call attributes
// other than the operation so the histogram stays small.
func metricViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "visionvoice.request.duration"},
			sdkmetric.Stream{
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: requestBuckets},
				AttributeFilter: func(kv attribute.KeyValue) bool {
					return kv.Key == "operation"
				},
			},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "visionvoice.playback.active"},
			sdkmetric.Stream{Name: "visionvoice.playback.active_chunks"},
		),
	}
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.traces.Shutdown(ctx))
}

func buildVersion() string {
	if info, ok := rtdebug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}
