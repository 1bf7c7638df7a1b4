package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter_WriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	sw.WriteHeader(http.StatusNotFound)

	if sw.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", sw.status)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("underlying code = %d, want 404", rec.Code)
	}
}

func TestStatusWriter_Write_DefaultsTo200(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}

	if _, err := sw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", sw.status)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/-/listeners", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/listeners", http.NoBody))

	s := findSample(t, m.reg, "ops_http_requests_total", map[string]string{"route": "/-/listeners"})
	labels := labelsOf(s)
	if labels["method"] != http.MethodGet || labels["status"] != "200" {
		t.Fatalf("labels = %v", labels)
	}
	if h := findSample(t, m.reg, "ops_http_request_duration_seconds", map[string]string{"route": "/-/listeners"}).GetHistogram(); h.GetSampleCount() != 1 {
		t.Fatalf("duration count = %d, want 1", h.GetSampleCount())
	}
}

func TestMiddleware_FallsBackToUnmatched(t *testing.T) {
	m := New()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/custom/path", http.NoBody))

	s := findSample(t, m.reg, "ops_http_requests_total", map[string]string{"route": "unmatched"})
	if labelsOf(s)["status"] != "418" {
		t.Fatalf("status label = %q, want 418", labelsOf(s)["status"])
	}
}

func TestMiddleware_NoWriteDefaultsTo200(t *testing.T) {
	m := New()

	handler := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	findSample(t, m.reg, "ops_http_requests_total", map[string]string{"status": "200"})
}

func TestMiddleware_InflightGauge(t *testing.T) {
	m := New()

	var during float64
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gatherMetric(t, m.reg, "ops_http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if after := gatherMetric(t, m.reg, "ops_http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); after != 0 {
		t.Fatalf("inflight after request = %v, want 0", after)
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")

	tests := []struct {
		name string
		ctx  context.Context
		want bool
	}{
		{"no trace", context.Background(), false},
		{"not sampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID, SpanID: spanID,
		})), false},
		{"sampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
		})), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := traceExemplar(tt.ctx)
			if (got != nil) != tt.want {
				t.Fatalf("traceExemplar = %v, want present=%v", got, tt.want)
			}
			if tt.want && got["trace_id"] != traceID.String() {
				t.Fatalf("trace_id = %q", got["trace_id"])
			}
		})
	}
}
