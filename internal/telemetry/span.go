// Package telemetry receives completed spans over OTLP/HTTP and presents
// them to the ingest pipeline in a transport-neutral shape.
package telemetry

import (
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Attribute keys the ingest pipeline reads. Everything else is ignored.
const (
	AttrRPCSystem         = "rpc.system"
	AttrRPCService        = "rpc.service"
	AttrRPCMethod         = "rpc.method"
	AttrTaskID            = "mcp.task_id"
	AttrRequest           = "mcp.request"
	AttrResponse          = "mcp.response"
	AttrResponseSizeBytes = "mcp.response_size_bytes"
	AttrDurationMs        = "mcp.duration_ms"
	AttrSource            = "mcp.source"
	AttrTimeoutMs         = "mcp.timeout_ms"
)

// Span is one completed span in the shape the ingestor consumes, whether it
// arrived over OTLP or from an in-process SDK pipeline.
type Span struct {
	// TraceID and SpanID identify the span across exporter retries. OTLP
	// clients re-send whole batches on timeout, so the same span can arrive
	// more than once.
	TraceID       string
	SpanID        string
	Name          string
	Kind          trace.SpanKind
	Attributes    map[string]any
	StatusCode    codes.Code
	StatusMessage string
}

// StringAttr returns a string attribute. Integer attributes are not coerced.
func (s *Span) StringAttr(key string) (string, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// IntAttr returns an integer attribute, coercing the numeric encodings OTLP
// may deliver.
func (s *Span) IntAttr(key string) (int64, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// FromProto converts an OTLP span into the internal shape.
func FromProto(span *tracepb.Span) Span {
	out := Span{
		TraceID:    hex.EncodeToString(span.GetTraceId()),
		SpanID:     hex.EncodeToString(span.GetSpanId()),
		Name:       span.GetName(),
		Kind:       protoKind(span.GetKind()),
		Attributes: make(map[string]any, len(span.GetAttributes())),
	}
	for _, kv := range span.GetAttributes() {
		out.Attributes[kv.GetKey()] = anyValue(kv.GetValue())
	}
	switch span.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_ERROR:
		out.StatusCode = codes.Error
		out.StatusMessage = span.GetStatus().GetMessage()
	case tracepb.Status_STATUS_CODE_OK:
		out.StatusCode = codes.Ok
	default:
		out.StatusCode = codes.Unset
	}
	return out
}

func protoKind(kind tracepb.Span_SpanKind) trace.SpanKind {
	switch kind {
	case tracepb.Span_SPAN_KIND_CLIENT:
		return trace.SpanKindClient
	case tracepb.Span_SPAN_KIND_SERVER:
		return trace.SpanKindServer
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return trace.SpanKindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return trace.SpanKindConsumer
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return trace.SpanKindInternal
	default:
		return trace.SpanKindUnspecified
	}
}

func anyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	default:
		return fmt.Sprintf("%v", v.GetValue())
	}
}
