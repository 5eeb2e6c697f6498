package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/tasks/:id", func(c echo.Context) error {
		return apiError(errors.New("boom"))
	})

	for _, path := range []string{"/health", "/api/v1/tasks/a", "/api/v1/tasks/b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := collect(t, reader)

	requests, ok := got["shipline.http.requests_total"]
	if !ok {
		t.Fatal("requests counter not found")
	}
	sum, ok := requests.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected requests data %T", requests.Data)
	}
	byEndpoint := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		if endpoint.AsString() == "/api/v1/tasks/:id" && status.AsInt64() != http.StatusInternalServerError {
			t.Errorf("expected failed requests to record 500, got %d", status.AsInt64())
		}
		byEndpoint[endpoint.AsString()] += dp.Value
	}
	if byEndpoint["/health"] != 1 || byEndpoint["/api/v1/tasks/:id"] != 2 {
		t.Errorf("unexpected request counts %v", byEndpoint)
	}

	if dur, ok := got["shipline.http.request_duration_seconds"]; !ok {
		t.Error("duration histogram not found")
	} else if hist, ok := dur.Data.(metricdata.Histogram[float64]); ok {
		total := uint64(0)
		for _, dp := range hist.DataPoints {
			total += dp.Count
		}
		if total != 3 {
			t.Errorf("expected 3 duration recordings, got %d", total)
		}
	}
	if _, ok := got["shipline.http.response_size_bytes"]; !ok {
		t.Error("response size histogram not found")
	}
}

func TestHTTPMetrics_Streams(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), nil)
	ctx := context.Background()

	done := m.streamOpened(ctx, "task")
	m.eventStreamed(ctx, "log")
	m.eventStreamed(ctx, "error")

	got := collect(t, reader)
	open := got["shipline.http.event_streams"].Data.(metricdata.Sum[int64])
	if len(open.DataPoints) != 1 || open.DataPoints[0].Value != 1 {
		t.Errorf("expected one open stream, got %+v", open.DataPoints)
	}
	streamed := got["shipline.http.events_streamed"].Data.(metricdata.Sum[int64])
	if len(streamed.DataPoints) != 2 {
		t.Errorf("expected two event kinds, got %d", len(streamed.DataPoints))
	}

	done()
	got = collect(t, reader)
	open = got["shipline.http.event_streams"].Data.(metricdata.Sum[int64])
	if open.DataPoints[0].Value != 0 {
		t.Errorf("expected stream to be closed, got %d", open.DataPoints[0].Value)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/tasks/:id", "/api/v1/tasks/:id"},
		{"/api/v1/gates/:id/resolve", "/api/v1/gates/:id/resolve"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
