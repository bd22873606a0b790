package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

func newTestMetrics() (*Metrics, *metric.ManualReader) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()
	return m, reader
}

// sums collects every int64 sum, keyed by metric name.
func sums(t *testing.T, reader *metric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				out[m.Name] = 0
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_RecordInvocation(t *testing.T) {
	m, reader := newTestMetrics()
	ctx := context.Background()

	m.RecordInvocation(ctx, "component_suggest", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "component_suggest", 50*time.Millisecond, errInvalidArgument)

	got := sums(t, reader)
	assert.Equal(t, int64(2), got["flowlearn.mcp.tool.invocations_total"])
	assert.Equal(t, int64(1), got["flowlearn.mcp.tool.errors_total"])
	assert.Contains(t, got, "flowlearn.mcp.tool.duration_seconds")
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m, reader := newTestMetrics()
	ctx := context.Background()

	m.IncrementActive(ctx, "feedback_submit")
	m.IncrementActive(ctx, "feedback_submit")
	m.DecrementActive(ctx, "feedback_submit")

	assert.Equal(t, int64(1), sums(t, reader)["flowlearn.mcp.tool.active_requests"])
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"wrapped not found", fmt.Errorf("loading: %w", patterns.ErrPatternNotFound), "not_found"},
		{"invalid argument", fmt.Errorf("%w: k", errInvalidArgument), "validation_error"},
		{"invalid weight", training.ErrInvalidWeight, "validation_error"},
		{"not eligible", training.ErrNotEligible, "conflict"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
