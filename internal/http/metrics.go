package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/shipline/internal/http"

// HTTPMetrics holds the OpenTelemetry instruments of the HTTP API.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
	openStreams    metric.Int64UpDownCounter
	streamedEvents metric.Int64Counter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"shipline.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, route and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"shipline.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds; event streams are measured until the client disconnects"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 60.0, 600.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"shipline.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		m.logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"shipline.http.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	m.openStreams, err = m.meter.Int64UpDownCounter(
		"shipline.http.event_streams",
		metric.WithDescription("Number of open server-sent event streams"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		m.logger.Warn("failed to create event stream gauge", zap.Error(err))
	}

	m.streamedEvents, err = m.meter.Int64Counter(
		"shipline.http.events_streamed",
		metric.WithDescription("Events written to server-sent event streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create streamed events counter", zap.Error(err))
	}
}

// MetricsMiddleware returns an echo middleware that records request metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}

func (m *HTTPMetrics) streamOpened(ctx context.Context, kind string) func() {
	attrs := metric.WithAttributes(attribute.String("scope", kind))
	if m.openStreams != nil {
		m.openStreams.Add(ctx, 1, attrs)
	}
	return func() {
		if m.openStreams != nil {
			m.openStreams.Add(ctx, -1, attrs)
		}
	}
}

func (m *HTTPMetrics) eventStreamed(ctx context.Context, kind string) {
	if m.streamedEvents != nil {
		m.streamedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind)))
	}
}

// normalizePath returns the route template echo matched, such as
// /api/v1/tasks/:id, so task and gate IDs never become label values.
// Unmatched requests report "/".
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
