package llm

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// clientInstruments 通过 otel meter 导出客户端指标（OTLP 管道由 internal/telemetry 安装）
type clientInstruments struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
	retries  metric.Int64Counter
	rejected metric.Int64Counter
	breaker  metric.Int64ObservableGauge
}

// newClientInstruments registers the client's instruments on meter. The
// breaker gauge is read from b at collection time.
func newClientInstruments(meter metric.Meter, client string, b func() circuitbreaker.State) (*clientInstruments, error) {
	var (
		ci   clientInstruments
		err  error
		errs []error
	)
	ci.attempts, err = meter.Int64Counter("flowrun.client.attempts",
		metric.WithDescription("Provider call attempts by outcome code"),
		metric.WithUnit("{attempt}"))
	errs = append(errs, err)

	ci.duration, err = meter.Float64Histogram("flowrun.client.attempt.duration",
		metric.WithDescription("Provider call attempt latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180))
	errs = append(errs, err)

	ci.retries, err = meter.Int64Counter("flowrun.client.retries",
		metric.WithDescription("Retries scheduled after a retryable failure"),
		metric.WithUnit("{retry}"))
	errs = append(errs, err)

	ci.rejected, err = meter.Int64Counter("flowrun.client.rejected",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	clientAttr := metric.WithAttributes(attribute.String("client", client))
	ci.breaker, err = meter.Int64ObservableGauge("flowrun.client.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 open, 2 half-open)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b()), clientAttr)
			return nil
		}))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &ci, nil
}

// noopClientInstruments is used when the meter rejects an instrument.
func noopClientInstruments() *clientInstruments {
	ci, _ := newClientInstruments(noop.NewMeterProvider().Meter(tracerName), "", func() circuitbreaker.State { return 0 })
	return ci
}

func (ci *clientInstruments) attempt(ctx context.Context, client, operation string, code types.ErrorCode, d time.Duration) {
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("operation", operation),
		attribute.String("code", string(code)),
	)
	ci.attempts.Add(ctx, 1, attrs)
	ci.duration.Record(ctx, d.Seconds(), attrs)
}

func (ci *clientInstruments) retry(ctx context.Context, client, operation string) {
	ci.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("operation", operation),
	))
}

func (ci *clientInstruments) reject(ctx context.Context, client string) {
	ci.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("client", client)))
}
