package workflow

import (
	"context"
	"testing"

	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestExecutor_OTelInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	g := graphSpec{
		nodes: []*Node{fnNode("a", "ok"), fnNode("b", "bad"), fnNode("c", "ok")},
		edges: []edgeSpec{edge("a", "b"), edge("b", "c")},
	}.build(t)
	e := newTestExecutor(ExecutorConfig{MaxParallel: 2}, map[string]Function{
		"ok":  constant(1),
		"bad": failing(types.NewInvalidRequestError("bad input")),
	}, WithMeter(mp.Meter("test")))

	wc, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, wc.Status)

	got := collectMetrics(t, reader)
	assert.Equal(t, map[string]int64{"failed": 1}, sumByAttr(t, got["flowrun.workflow.executions"], "status"))
	assert.Equal(t, map[string]int64{"succeeded": 1, "failed": 1, "skipped": 1},
		sumByAttr(t, got["flowrun.node.completions"], "status"))
	assert.Equal(t, map[string]int64{"": 0}, sumByAttr(t, got["flowrun.workflow.running"], "workflow"))

	hist, ok := got["flowrun.node.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(2), n, "skipped nodes have no duration")
}
