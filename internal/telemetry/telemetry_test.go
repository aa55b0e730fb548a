package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDecision(ctx, "acme", "execute", false, 2*time.Millisecond)
	m.RecordDecision(ctx, "acme", "hold", true, time.Millisecond)
	m.RecordAuditFailure(ctx, "acme")
	m.AddAuditPending(ctx, 3)
	m.AddAuditPending(ctx, -1)
	m.RecordTransition(ctx, "acme", "BLOCK", "HOLD")
	m.RecordCycle(ctx, "acme", "ok")
	m.RecordCycle(ctx, "acme", "missed")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["trustgate.decisions"]))
	assert.Equal(t, int64(1), sumOf(t, got["trustgate.audit.failures"]))
	assert.Equal(t, int64(2), sumOf(t, got["trustgate.audit.pending"]))
	assert.Equal(t, int64(1), sumOf(t, got["trustgate.gate.transitions"]))
	assert.Equal(t, int64(2), sumOf(t, got["trustgate.cycles"]))

	hist, ok := got["trustgate.decision.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision(context.Background(), "acme", "block", false, time.Millisecond)
		m.RecordAuditFailure(context.Background(), "acme")
		m.AddAuditPending(context.Background(), 1)
		m.RecordTransition(context.Background(), "acme", "PASS", "BLOCK")
		m.RecordCycle(context.Background(), "acme", "ok")
	})
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, p.Metrics)
	assert.NoError(t, p.Shutdown(context.Background()))
}
