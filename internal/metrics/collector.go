package metrics

import (
	"strconv"
	"time"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/batch"
	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	_ llm.Observer      = (*Collector)(nil)
	_ batch.Observer    = (*Collector)(nil)
	_ workflow.Observer = (*Collector)(nil)
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 workflow、llm 与 batch 的 Observer
type Collector struct {
	// 工作流指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodesTotal        *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec

	// Provider 调用指标
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	// 批处理指标
	batchesTotal  *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	batchDuration prometheus.Histogram

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the metrics on reg. A nil reg means the default
// registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.executionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		},
		[]string{"workflow", "status"},
	)
	c.executionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow"},
	)
	c.nodesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_nodes_total",
			Help:      "Total number of nodes reaching a terminal status",
		},
		[]string{"node_type", "status"},
	)
	c.nodeDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_node_duration_seconds",
			Help:      "Node run time in seconds, skipped nodes excluded",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_type"},
	)

	c.attemptsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total number of provider call attempts by outcome",
		},
		[]string{"client", "operation", "code"},
	)
	c.attemptDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Provider call attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"client", "operation"},
	)
	c.retriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of provider call retries",
		},
		[]string{"client", "operation"},
	)
	c.rejectedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_rejected_total",
			Help:      "Calls rejected by an open circuit breaker",
		},
		[]string{"client"},
	)
	c.breakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"client"},
	)

	c.batchesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches by outcome",
		},
		[]string{"outcome"},
	)
	c.batchItems = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items by result",
		},
		[]string{"result"},
	)
	c.batchDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Batch duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🔀 工作流
// =============================================================================

// ObserveExecution implements workflow.Observer.
func (c *Collector) ObserveExecution(name string, status workflow.ExecutionStatus, d time.Duration) {
	c.executionsTotal.WithLabelValues(name, string(status)).Inc()
	c.executionDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveNode implements workflow.Observer.
func (c *Collector) ObserveNode(nodeType workflow.NodeType, status workflow.NodeStatus, d time.Duration) {
	c.nodesTotal.WithLabelValues(string(nodeType), string(status)).Inc()
	if status != workflow.NodeStatusSkipped {
		c.nodeDuration.WithLabelValues(string(nodeType)).Observe(d.Seconds())
	}
}

// =============================================================================
// 🤖 Provider 调用
// =============================================================================

// ObserveAttempt implements llm.Observer. Successful attempts carry an empty code.
func (c *Collector) ObserveAttempt(client, operation string, code types.ErrorCode, d time.Duration) {
	label := string(code)
	if label == "" {
		label = "OK"
	}
	c.attemptsTotal.WithLabelValues(client, operation, label).Inc()
	c.attemptDuration.WithLabelValues(client, operation).Observe(d.Seconds())
}

func (c *Collector) ObserveRetry(client, operation string) {
	c.retriesTotal.WithLabelValues(client, operation).Inc()
}

func (c *Collector) ObserveRejected(client string) {
	c.rejectedTotal.WithLabelValues(client).Inc()
}

func (c *Collector) ObserveBreakerState(client string, state circuitbreaker.State) {
	c.breakerState.WithLabelValues(client).Set(float64(state))
	if state == circuitbreaker.StateOpen {
		c.logger.Warn("circuit breaker opened", zap.String("client", client))
	}
}

// =============================================================================
// 📦 批处理
// =============================================================================

// ObserveBatch implements batch.Observer.
func (c *Collector) ObserveBatch(items, succeeded, failed int, d time.Duration) {
	outcome := "success"
	switch {
	case succeeded == 0:
		outcome = "failed"
	case succeeded+failed < items:
		outcome = "incomplete"
	case failed > 0:
		outcome = "partial"
	}
	c.batchesTotal.WithLabelValues(outcome).Inc()
	c.batchItems.WithLabelValues("succeeded").Add(float64(succeeded))
	c.batchItems.WithLabelValues("failed").Add(float64(failed))
	c.batchDuration.Observe(d.Seconds())
}

// =============================================================================
// 🌐 HTTP / 🗄️ 数据库
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusClass 将 HTTP 状态码归类为 2xx/3xx/4xx/5xx
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
