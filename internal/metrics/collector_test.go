package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_Workflow(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveExecution("triage", workflow.ExecutionStatusSucceeded, 2*time.Second)
	c.ObserveExecution("triage", workflow.ExecutionStatusSucceeded, time.Second)
	c.ObserveExecution("triage", workflow.ExecutionStatusFailed, time.Second)
	c.ObserveNode(workflow.NodeTypeAgent, workflow.NodeStatusSucceeded, 300*time.Millisecond)
	c.ObserveNode(workflow.NodeTypeAgent, workflow.NodeStatusSkipped, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("triage", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("triage", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("agent", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.nodeDuration), "skipped nodes have no duration sample")
}

func TestCollector_Provider(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveAttempt("openai", "completion", types.ErrNetwork, 100*time.Millisecond)
	c.ObserveAttempt("openai", "completion", "", 200*time.Millisecond)
	c.ObserveRetry("openai", "completion")
	c.ObserveRejected("openai")
	c.ObserveBreakerState("openai", circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("openai", "completion", "NETWORK_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("openai", "completion", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("openai", "completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejectedTotal.WithLabelValues("openai")))
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(c.breakerState.WithLabelValues("openai")))

	c.ObserveBreakerState("openai", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("openai")))
}

func TestCollector_Batch(t *testing.T) {
	tests := []struct {
		name                     string
		items, succeeded, failed int
		outcome                  string
	}{
		{"all succeeded", 4, 4, 0, "success"},
		{"partial", 5, 4, 1, "partial"},
		{"all failed", 3, 0, 3, "failed"},
		{"timed out", 5, 2, 1, "incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			c.ObserveBatch(tt.items, tt.succeeded, tt.failed, time.Second)
			assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesTotal.WithLabelValues(tt.outcome)))
			assert.Equal(t, float64(tt.succeeded), testutil.ToFloat64(c.batchItems.WithLabelValues("succeeded")))
			assert.Equal(t, float64(tt.failed), testutil.ToFloat64(c.batchItems.WithLabelValues("failed")))
		})
	}
}

func TestCollector_HTTPAndDatabase(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)
	c.RecordHTTPRequest("POST", "/v1/executions", 503, 50*time.Millisecond)
	c.RecordDBConnections("history", 4, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/executions", "5xx")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("history")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("history")))

	expected := `
# HELP test_http_requests_total Total number of HTTP requests
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/health",status="2xx"} 1
test_http_requests_total{method="POST",path="/v1/executions",status="5xx"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {204, "2xx"}, {301, "3xx"}, {404, "4xx"}, {500, "5xx"}, {599, "5xx"}, {0, "unknown"}, {700, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("dup", reg, nil)
	assert.Panics(t, func() { NewCollector("dup", reg, nil) })
}
