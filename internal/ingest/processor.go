package ingest

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mcpbench/mcpbench/internal/telemetry"
)

// Processor adapts the ingestor to an OpenTelemetry SDK span processor so
// in-process tracer providers can feed the same pipeline the OTLP endpoint
// does. Registered with sdktrace.WithSpanProcessor.
type Processor struct {
	ingestor *Ingestor
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

func NewProcessor(in *Ingestor) *Processor {
	return &Processor{ingestor: in}
}

func (p *Processor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {}

func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	span := telemetry.Span{
		TraceID:       sc.TraceID().String(),
		SpanID:        sc.SpanID().String(),
		Name:          s.Name(),
		Kind:          s.SpanKind(),
		Attributes:    make(map[string]any, len(s.Attributes())),
		StatusCode:    s.Status().Code,
		StatusMessage: s.Status().Description,
	}
	for _, kv := range s.Attributes() {
		span.Attributes[string(kv.Key)] = attrValue(kv.Value)
	}
	// Errors are already logged inside Ingest; OnEnd cannot fail.
	_ = p.ingestor.Ingest(span)
}

func (p *Processor) Shutdown(ctx context.Context) error   { return nil }
func (p *Processor) ForceFlush(ctx context.Context) error { return nil }

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.Emit()
	}
}
