package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestTracingMiddleware(t *testing.T) {
	router := chi.NewRouter()
	router.Use(TracingMiddleware)
	var seenTrace, seenRequest string
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		seenTrace = GetTraceID(r.Context())
		seenRequest = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("RequestIDFallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if seenRequest != "req-123" || seenTrace != "req-123" {
			t.Errorf("expected request ID reused as trace ID, got request=%q trace=%q", seenRequest, seenTrace)
		}
		if rr.Header().Get(TraceIDHeader) != "req-123" {
			t.Errorf("expected trace header req-123, got %q", rr.Header().Get(TraceIDHeader))
		}
	})

	t.Run("GeneratedRequestID", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/8", nil))
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected a generated request ID")
		}
	})

	t.Run("ContinuesTraceparent", func(t *testing.T) {
		prev := otel.GetTextMapPropagator()
		otel.SetTextMapPropagator(propagation.TraceContext{})
		t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

		req := httptest.NewRequest(http.MethodGet, "/items/9", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if seenTrace != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("expected incoming trace ID, got %q", seenTrace)
		}
	})
}

func TestRecoverMiddleware(t *testing.T) {
	router := chi.NewRouter()
	router.Use(RecoverMiddleware)
	router.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Errorf("expected JSON error body, got %s", rr.Body.String())
	}
}
