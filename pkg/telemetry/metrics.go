package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dsp.pipeline"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	operationCounter     metric.Int64Counter
	operationLatency     metric.Float64Histogram
	xrunCounter          metric.Int64Counter
	xrunBytesCounter     metric.Int64Counter
	copyCounter          metric.Int64Counter
	copyFailureCounter   metric.Int64Counter
	copyLatencyHistogram metric.Float64Histogram
)

// OperationMetrics captures a host-issued pipeline operation.
type OperationMetrics struct {
	PipelineID uint32
	Operation  string
	Outcome    string
	Duration   time.Duration
}

// XrunMetrics captures one reported under/overrun.
type XrunMetrics struct {
	PipelineID uint32
	CompID     uint32
	Bytes      int64
}

// CopyMetrics captures one scheduled copy pass.
type CopyMetrics struct {
	PipelineID uint32
	Duration   time.Duration
	Failed     bool
}

// RecordOperation emits the counter and latency of a pipeline operation.
func RecordOperation(ctx context.Context, m OperationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int64("pipeline.id", int64(m.PipelineID)),
		attribute.String("pipeline.operation", m.Operation),
		attribute.String("pipeline.outcome", m.Outcome),
	)
	operationCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		operationLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordXrun counts an XRUN and its size.
func RecordXrun(ctx context.Context, m XrunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int64("pipeline.id", int64(m.PipelineID)),
		attribute.Int64("component.id", int64(m.CompID)),
	)
	xrunCounter.Add(ctx, 1, attrs)
	if m.Bytes > 0 {
		xrunBytesCounter.Add(ctx, m.Bytes, attrs)
	}
}

// RecordCopy records the duration of a copy pass.
func RecordCopy(ctx context.Context, m CopyMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int64("pipeline.id", int64(m.PipelineID)))
	copyCounter.Add(ctx, 1, attrs)
	if m.Failed {
		copyFailureCounter.Add(ctx, 1, attrs)
	}
	copyLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Microsecond), attrs)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		operationCounter, metricsInitErr = meter.Int64Counter(
			"dsp.pipeline.operations_total",
			metric.WithDescription("Pipeline operations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		operationLatency, metricsInitErr = meter.Float64Histogram(
			"dsp.pipeline.operation.duration_ms",
			metric.WithDescription("Observed pipeline operation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		xrunCounter, metricsInitErr = meter.Int64Counter(
			"dsp.pipeline.xruns_total",
			metric.WithDescription("Buffer under/overruns reported to the host"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		xrunBytesCounter, metricsInitErr = meter.Int64Counter(
			"dsp.pipeline.xrun_bytes_total",
			metric.WithDescription("Bytes lost to under/overruns"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		copyCounter, metricsInitErr = meter.Int64Counter(
			"dsp.pipeline.copies_total",
			metric.WithDescription("Scheduled copy passes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		copyFailureCounter, metricsInitErr = meter.Int64Counter(
			"dsp.pipeline.copy_failures_total",
			metric.WithDescription("Copy passes aborted by a component error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		copyLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dsp.pipeline.copy.duration_us",
			metric.WithDescription("Time spent in one copy pass"),
			metric.WithUnit("us"),
		)
	})

	return metricsInitErr
}
