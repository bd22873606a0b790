package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/http"

// unmatchedRoute labels requests that hit no registered route, so probing
// for random paths cannot mint new series.
const unmatchedRoute = "unmatched"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// requestMetrics records one set of instruments per API request, labelled
// by the route template rather than the concrete path.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	bytes    metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("creating http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &requestMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("flowlearn.http.requests_total",
		metric.WithDescription("API requests by method, route template and status."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)
	m.duration, err = meter.Float64Histogram("flowlearn.http.request_duration_seconds",
		metric.WithDescription("API request latency by route template."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	warn("request_duration_seconds", err)
	m.bytes, err = meter.Int64Histogram("flowlearn.http.response_size_bytes",
		metric.WithDescription("Response body size by route template."),
		metric.WithUnit("By"))
	warn("response_size_bytes", err)
	m.inFlight, err = meter.Int64UpDownCounter("flowlearn.http.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// middleware records every request once its handler returns.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			// Render errors first so the status label matches the response.
			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.bytes != nil {
				m.bytes.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}

// routeLabel returns the route template echo matched, such as
// /api/v1/patterns/:id.
func routeLabel(route string) string {
	if route == "" {
		return unmatchedRoute
	}
	return route
}
