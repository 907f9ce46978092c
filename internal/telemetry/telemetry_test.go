package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(domain.LoggingConfig{Level: "info", Format: "json"}, &buf)
		logger.Debug("hidden")
		logger.Info("model trained", "model_id", "m-1")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
		}
		if entry["msg"] != "model trained" || entry["model_id"] != "m-1" {
			t.Errorf("unexpected entry: %v", entry)
		}
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf)
		logger.Debug("batch scored", "alerts", 3)
		if !strings.Contains(buf.String(), "alerts=3") {
			t.Errorf("expected text output, got %q", buf.String())
		}
	})
}

func TestSetupTracing(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := SetupTracing(domain.TracingConfig{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("SetupTracing failed: %v", err)
		}
		if err := shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})

	t.Run("GeneratesTraceIDs", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		t.Cleanup(func() { otel.SetTracerProvider(prev) })

		var buf bytes.Buffer
		shutdown, err := SetupTracing(domain.TracingConfig{Enabled: true, ServiceName: "kestrel-test", Exporter: "stdout"}, &buf)
		if err != nil {
			t.Fatalf("SetupTracing failed: %v", err)
		}

		_, span := otel.Tracer("test").Start(ctx, "score")
		if !span.SpanContext().TraceID().IsValid() {
			t.Error("expected a valid trace id from the SDK provider")
		}
		span.End()

		if err := shutdown(ctx); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
		if !strings.Contains(buf.String(), `"Name":"score"`) {
			t.Errorf("expected exported span, got %q", buf.String())
		}
	})

	t.Run("UnknownExporter", func(t *testing.T) {
		if _, err := SetupTracing(domain.TracingConfig{Enabled: true, Exporter: "jaeger"}, nil); err == nil {
			t.Error("expected error for unknown exporter")
		}
	})
}
