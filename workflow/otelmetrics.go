package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// executorInstruments 通过 otel meter 导出调度指标
type executorInstruments struct {
	executions   metric.Int64Counter
	execDuration metric.Float64Histogram
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
	running      metric.Int64UpDownCounter
}

func newExecutorInstruments(meter metric.Meter) (*executorInstruments, error) {
	var (
		ei   executorInstruments
		err  error
		errs []error
	)
	ei.executions, err = meter.Int64Counter("flowrun.workflow.executions",
		metric.WithDescription("Finished workflow executions by status"),
		metric.WithUnit("{execution}"))
	errs = append(errs, err)

	ei.execDuration, err = meter.Float64Histogram("flowrun.workflow.duration",
		metric.WithDescription("Workflow execution wall time"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	ei.nodes, err = meter.Int64Counter("flowrun.node.completions",
		metric.WithDescription("Nodes reaching a terminal state"),
		metric.WithUnit("{node}"))
	errs = append(errs, err)

	ei.nodeDuration, err = meter.Float64Histogram("flowrun.node.duration",
		metric.WithDescription("Node run time, retries included"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	ei.running, err = meter.Int64UpDownCounter("flowrun.workflow.running",
		metric.WithDescription("Executions in progress"),
		metric.WithUnit("{execution}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &ei, nil
}

func noopExecutorInstruments() *executorInstruments {
	ei, _ := newExecutorInstruments(noop.NewMeterProvider().Meter(tracerName))
	return ei
}

func (ei *executorInstruments) started(ctx context.Context) {
	ei.running.Add(ctx, 1)
}

func (ei *executorInstruments) finished(ctx context.Context, workflow string, status ExecutionStatus, d time.Duration) {
	ei.running.Add(ctx, -1)
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", string(status)),
	)
	ei.executions.Add(ctx, 1, attrs)
	ei.execDuration.Record(ctx, d.Seconds(), attrs)
}

func (ei *executorInstruments) node(ctx context.Context, nodeType NodeType, status NodeStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(nodeType)),
		attribute.String("status", string(status)),
	)
	ei.nodes.Add(ctx, 1, attrs)
	if status != NodeStatusSkipped {
		ei.nodeDuration.Record(ctx, d.Seconds(), attrs)
	}
}
