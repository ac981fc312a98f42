package ingest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/taskctx"
	"github.com/mcpbench/mcpbench/internal/telemetry"
)

func newTestIngestor(t *testing.T, cfg Config) (*Ingestor, *store.Memory, *taskctx.Registry, int64, int64) {
	t.Helper()
	m := store.NewMemory()
	reg := taskctx.NewRegistry()

	ctx := context.Background()
	runID, err := m.CreateRun(ctx, store.RunSpec{Model: "test-model", Concurrency: 1})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	taskID, err := m.CreateTask(ctx, runID, "go", "two-fer")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	reg.Register("agent-1", taskID)
	reg.SetContext(taskID, taskctx.Context{
		TaskID:     taskID,
		RunID:      runID,
		McpServer:  "context7",
		UserIntent: "solve two-fer",
	})

	if cfg.AllowedServers == nil {
		cfg.AllowedServers = []string{"context7", "memory"}
	}
	return NewIngestor(cfg, m, reg, logger.NewNop()), m, reg, runID, taskID
}

func mcpSpan(server string, extra map[string]any) telemetry.Span {
	attrs := map[string]any{
		telemetry.AttrRPCSystem:  "mcp",
		telemetry.AttrRPCService: server,
		telemetry.AttrRPCMethod:  "tools/call",
		telemetry.AttrTaskID:     "agent-1",
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return telemetry.Span{
		Name:       "mcp.client " + server,
		Kind:       trace.SpanKindClient,
		Attributes: attrs,
	}
}

func TestIngestFilters(t *testing.T) {
	in, m, _, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	// Wrong kind.
	s := mcpSpan("context7", nil)
	s.Kind = trace.SpanKindInternal
	if err := in.Ingest(s); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	// Wrong system.
	s = mcpSpan("context7", map[string]any{telemetry.AttrRPCSystem: "grpc"})
	if err := in.Ingest(s); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	// Server not on the allow-list.
	if err := in.Ingest(mcpSpan("filesystem", nil)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	// Unknown agent task id.
	s = mcpSpan("context7", map[string]any{telemetry.AttrTaskID: "agent-unknown"})
	if err := in.Ingest(s); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if _, err := m.GetBenchmark(ctx, runID, taskID); err == nil {
		t.Fatal("filtered spans must not create a benchmark")
	}

	// A kept span persists a step.
	if err := in.Ingest(mcpSpan("context7", nil)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	bench, err := m.GetBenchmark(ctx, runID, taskID)
	if err != nil {
		t.Fatalf("GetBenchmark failed: %v", err)
	}
	steps, _ := m.ListSteps(ctx, bench.ID)
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
}

func TestIngestLazyBenchmarkAndSequencing(t *testing.T) {
	in, m, reg, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := in.Ingest(mcpSpan("context7", map[string]any{
			telemetry.AttrRequest:    `{"q":"docs"}`,
			telemetry.AttrResponse:   `{"a":"text"}`,
			telemetry.AttrDurationMs: int64(25),
		}))
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	bench, err := m.GetBenchmark(ctx, runID, taskID)
	if err != nil {
		t.Fatalf("benchmark not created lazily: %v", err)
	}
	if bench.McpServerName != "context7" || bench.UserIntent != "solve two-fer" {
		t.Errorf("benchmark header not taken from task context: %+v", bench)
	}

	steps, _ := m.ListSteps(ctx, bench.ID)
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, step.StepNumber)
		}
		if step.DurationMs != 25 {
			t.Errorf("duration not projected: %d", step.DurationMs)
		}
	}

	tc, _ := reg.GetContext(taskID)
	if tc.BenchmarkID != bench.ID {
		t.Errorf("benchmark id not stashed in context: %d != %d", tc.BenchmarkID, bench.ID)
	}
}

func TestIngestDuplicateSpanReplay(t *testing.T) {
	in, m, _, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	// Exporters re-send whole batches on timeout; the identical span must
	// persist exactly one row and consume exactly one step number.
	s := mcpSpan("context7", map[string]any{telemetry.AttrRequest: `{"q":"docs"}`})
	s.TraceID = "0af7651916cd43dd8448eb211c80319c"
	s.SpanID = "b7ad6b7169203331"
	for i := 0; i < 2; i++ {
		if err := in.Ingest(s); err != nil {
			t.Fatalf("Ingest #%d failed: %v", i+1, err)
		}
	}

	bench, err := m.GetBenchmark(ctx, runID, taskID)
	if err != nil {
		t.Fatalf("GetBenchmark failed: %v", err)
	}
	steps, _ := m.ListSteps(ctx, bench.ID)
	if len(steps) != 1 {
		t.Fatalf("same span ingested twice produced %d rows", len(steps))
	}

	// A distinct span keeps the numbering dense.
	next := mcpSpan("context7", nil)
	next.TraceID = s.TraceID
	next.SpanID = "00f067aa0ba902b7"
	if err := in.Ingest(next); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	steps, _ = m.ListSteps(ctx, bench.ID)
	if len(steps) != 2 || steps[1].StepNumber != 2 {
		t.Fatalf("replay disturbed step numbering: %+v", steps)
	}
}

func TestIngestUncorrelatedSpanWarns(t *testing.T) {
	core, observed := observer.New(zapcore.WarnLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	in := NewIngestor(Config{AllowedServers: []string{"context7"}},
		store.NewMemory(), taskctx.NewRegistry(), log)

	s := mcpSpan("context7", map[string]any{telemetry.AttrTaskID: "agent-unknown"})
	if err := in.Ingest(s); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if got := observed.FilterMessage("dropping uncorrelated MCP span").Len(); got != 1 {
		t.Errorf("expected one warning for the uncorrelatable span, got %d", got)
	}
}

func TestIngestErrorSpan(t *testing.T) {
	in, m, reg, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	s := mcpSpan("context7", nil)
	s.StatusCode = codes.Error
	s.StatusMessage = "connection refused"
	if err := in.Ingest(s); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	tc, _ := reg.GetContext(taskID)
	if tc.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", tc.ErrorCount)
	}

	bench, _ := m.GetBenchmark(ctx, runID, taskID)
	steps, _ := m.ListSteps(ctx, bench.ID)
	if steps[0].ErrorMessage != "connection refused" {
		t.Errorf("error message not projected: %q", steps[0].ErrorMessage)
	}
}

func TestIngestNonJSONPayloadQuoted(t *testing.T) {
	in, m, _, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	err := in.Ingest(mcpSpan("context7", map[string]any{
		telemetry.AttrResponse: "plain text, not json",
	}))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	bench, _ := m.GetBenchmark(ctx, runID, taskID)
	steps, _ := m.ListSteps(ctx, bench.ID)
	if string(steps[0].Response) != `"plain text, not json"` {
		t.Errorf("non-JSON payload not quoted: %s", steps[0].Response)
	}
	if steps[0].ResponseSizeBytes == 0 {
		t.Error("response size not derived from payload")
	}
}

func TestHistoryRing(t *testing.T) {
	in, _, _, _, taskID := newTestIngestor(t, Config{HistorySize: 3})

	for i := 0; i < 5; i++ {
		if err := in.Ingest(mcpSpan("context7", nil)); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}
	if got := len(in.History(taskID)); got != 3 {
		t.Errorf("expected ring of 3, got %d", got)
	}

	in.Evict(taskID)
	if got := len(in.History(taskID)); got != 0 {
		t.Errorf("expected empty history after evict, got %d", got)
	}
}

func TestIngestAfterDropIsNoop(t *testing.T) {
	in, m, reg, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	if err := in.Ingest(mcpSpan("context7", nil)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	reg.Drop(taskID)

	if err := in.Ingest(mcpSpan("context7", nil)); err != nil {
		t.Fatalf("late span must be dropped cleanly: %v", err)
	}

	bench, _ := m.GetBenchmark(ctx, runID, taskID)
	steps, _ := m.ListSteps(ctx, bench.ID)
	if len(steps) != 1 {
		t.Errorf("late span persisted a step: %d", len(steps))
	}
}

func TestProcessorFeedsIngestor(t *testing.T) {
	in, m, _, runID, taskID := newTestIngestor(t, Config{})
	ctx := context.Background()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewProcessor(in)))
	defer tp.Shutdown(ctx)

	tracer := tp.Tracer("test")
	_, span := tracer.Start(ctx, "mcp.client context7",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(telemetry.AttrRPCSystem, "mcp"),
			attribute.String(telemetry.AttrRPCService, "context7"),
			attribute.String(telemetry.AttrRPCMethod, "tools/call"),
			attribute.String(telemetry.AttrTaskID, "agent-1"),
			attribute.String(telemetry.AttrRequest, `{"q":"docs"}`),
			attribute.Int64(telemetry.AttrDurationMs, 12),
		))
	span.End()

	bench, err := m.GetBenchmark(ctx, runID, taskID)
	if err != nil {
		t.Fatalf("SDK span did not reach the store: %v", err)
	}
	steps, _ := m.ListSteps(ctx, bench.ID)
	if len(steps) != 1 || steps[0].DurationMs != 12 {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}
