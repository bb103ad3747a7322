package runtime

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/visionvoice/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestTelemetryExportsModelLatencyAndResource(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceStderr = true
	var spans bytes.Buffer

	tel, err := newTelemetry(context.Background(), cfg, promclient.NewRegistry(), &spans, newLogger())
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.shutdown(context.Background()) })

	meter := tel.metrics.Meter("telemetry-test")
	latency, err := meter.Float64Histogram("visionvoice.request.duration", metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	latency.Record(context.Background(), 0.3, metric.WithAttributes(
		attribute.String("operation", "analyze"),
		attribute.String("record_id", "dropped-by-view"),
	))
	gauge, err := meter.Int64ObservableGauge("visionvoice.playback.active")
	if err != nil {
		t.Fatalf("gauge: %v", err)
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, 2)
		return nil
	}, gauge); err != nil {
		t.Fatalf("callback: %v", err)
	}

	_, span := tel.traces.Tracer("telemetry-test").Start(context.Background(), "assistant.analyze")
	span.End()

	rec := httptest.NewRecorder()
	tel.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"visionvoice_request_duration",
		`le="0.25"`,
		`operation="analyze"`,
		"visionvoice_playback_active_chunks",
		"visionvoice_model_live",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, "dropped-by-view") {
		t.Fatalf("expected record_id attribute to be filtered")
	}
	if !strings.Contains(spans.String(), "assistant.analyze") {
		t.Fatalf("expected span written to trace writer, got %q", spans.String())
	}
}

func TestTelemetryQuietWithoutExporter(t *testing.T) {
	cfg := config.Default()
	var spans bytes.Buffer

	tel, err := newTelemetry(context.Background(), cfg, promclient.NewRegistry(), &spans, newLogger())
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	_, span := tel.traces.Tracer("telemetry-test").Start(context.Background(), "assistant.analyze")
	span.End()
	if err := tel.shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if spans.Len() != 0 {
		t.Fatalf("expected no span output without an exporter, got %q", spans.String())
	}
}
