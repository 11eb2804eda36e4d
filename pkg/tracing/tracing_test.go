package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewProvider(tp, "test"), rec
}

func TestDisabledTracer(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, span := p.StartSpan(context.Background(), "noop")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestSetError(t *testing.T) {
	p, rec := recordingProvider()

	ctx, span := p.StartSpan(context.Background(), "download")
	SetError(ctx, errors.New("file missing"))
	AddEvent(ctx, "retry")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status())
	}
	if len(spans[0].Events()) != 2 {
		t.Errorf("Expected exception and retry events, got %d", len(spans[0].Events()))
	}
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := recordingProvider()

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/stats", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /stats" {
		t.Errorf("Unexpected span name %q", spans[0].Name())
	}

	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "http.status_code" && attr.Value.AsInt64() == http.StatusTeapot {
			found = true
		}
	}
	if !found {
		t.Error("Status code attribute missing")
	}
}
