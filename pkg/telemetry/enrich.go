package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PipelineEvent describes the pipeline state after a host command.
type PipelineEvent struct {
	PipelineID uint32
	Command    string
	Status     string
	XrunBytes  int32
}

// RecordPipelineEvent annotates span with the resulting pipeline state.
func RecordPipelineEvent(span trace.Span, ev PipelineEvent) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("pipeline.id", int64(ev.PipelineID)),
		attribute.String("pipeline.status", ev.Status),
	}
	if ev.Command != "" {
		attrs = append(attrs, attribute.String("pipeline.command", ev.Command))
	}
	if ev.XrunBytes != 0 {
		attrs = append(attrs, attribute.Int64("pipeline.xrun.bytes", int64(ev.XrunBytes)))
	}

	span.AddEvent("pipeline.state", trace.WithAttributes(attrs...))
}
