// Package ingest turns exported MCP spans into persisted benchmark steps.
// The pipeline is filter, correlate, sequence, project, persist.
package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/taskctx"
	"github.com/mcpbench/mcpbench/internal/telemetry"
)

// Config tunes the ingestor.
type Config struct {
	// AllowedServers is the MCP server allow-list. Spans naming any other
	// server are dropped.
	AllowedServers []string
	// HistorySize bounds the per-task span ring kept for diagnostics.
	HistorySize int
	// CreateEmptyBenchmark selects eager benchmark creation at handshake.
	// When false the benchmark row is created here, on the first kept span.
	CreateEmptyBenchmark bool
}

// Ingestor consumes spans and writes benchmark steps. Safe for concurrent
// use; spans for different tasks never contend past the registry lookup.
type Ingestor struct {
	cfg      Config
	allowed  map[string]struct{}
	store    store.Store
	registry *taskctx.Registry
	logger   *logger.Logger

	histMu  sync.Mutex
	history map[int64][]telemetry.Span
}

func NewIngestor(cfg Config, st store.Store, reg *taskctx.Registry, log *logger.Logger) *Ingestor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedServers))
	for _, name := range cfg.AllowedServers {
		allowed[name] = struct{}{}
	}
	return &Ingestor{
		cfg:      cfg,
		allowed:  allowed,
		store:    st,
		registry: reg,
		logger:   log,
		history:  make(map[int64][]telemetry.Span),
	}
}

// Ingest processes one completed span. Spans that are not MCP client calls
// for an allowed server, or that cannot be correlated to a live task, are
// dropped without error. A replayed span or step number is treated as
// success.
func (in *Ingestor) Ingest(span telemetry.Span) error {
	if !in.keep(&span) {
		return nil
	}

	taskID, ok := in.correlate(&span)
	if !ok {
		in.logger.Warn("dropping uncorrelated MCP span", zap.String("span", span.Name))
		return nil
	}

	if !in.remember(taskID, span) {
		in.logger.Debug("span replay ignored",
			zap.Int64("task_id", taskID),
			zap.String("span_id", span.SpanID))
		return nil
	}

	ctx := context.Background()
	benchID, err := in.benchmarkFor(ctx, taskID)
	if err != nil {
		return err
	}

	stepNumber, ok := in.registry.NextStep(taskID)
	if !ok {
		// Task finished between correlate and sequence. Late spans after
		// teardown are dropped.
		return nil
	}

	step := in.project(&span, benchID, stepNumber)
	if span.StatusCode == codes.Error {
		in.registry.Update(taskID, func(c *taskctx.Context) { c.ErrorCount++ })
	}

	if err := in.store.AppendStep(ctx, step); err != nil {
		if apperrors.IsDuplicate(err) {
			in.logger.Debug("step replay ignored",
				zap.Int64("benchmark_id", benchID),
				zap.Int("step", stepNumber))
			return nil
		}
		return err
	}
	return nil
}

// History returns a copy of the retained spans for a task, newest last.
func (in *Ingestor) History(taskID int64) []telemetry.Span {
	in.histMu.Lock()
	defer in.histMu.Unlock()
	ring := in.history[taskID]
	out := make([]telemetry.Span, len(ring))
	copy(out, ring)
	return out
}

// Evict discards the span history for a finished task.
func (in *Ingestor) Evict(taskID int64) {
	in.histMu.Lock()
	delete(in.history, taskID)
	in.histMu.Unlock()
}

// keep decides whether the span is an MCP client call for an allowed server.
func (in *Ingestor) keep(span *telemetry.Span) bool {
	if span.Kind != trace.SpanKindClient {
		return false
	}
	if system, _ := span.StringAttr(telemetry.AttrRPCSystem); system != "mcp" {
		return false
	}
	server, ok := span.StringAttr(telemetry.AttrRPCService)
	if !ok {
		return false
	}
	_, ok = in.allowed[server]
	return ok
}

// correlate maps the span's task attribute, either the agent's string id or
// an already-numeric id, to the store's task id.
func (in *Ingestor) correlate(span *telemetry.Span) (int64, bool) {
	if agentID, ok := span.StringAttr(telemetry.AttrTaskID); ok {
		return in.registry.Resolve(agentID)
	}
	if id, ok := span.IntAttr(telemetry.AttrTaskID); ok {
		if _, live := in.registry.GetContext(id); live {
			return id, true
		}
	}
	return 0, false
}

// benchmarkFor returns the task's benchmark id, creating the row on first
// use when eager creation is disabled. A concurrent create races to a
// DUPLICATE, which resolves to the existing row.
func (in *Ingestor) benchmarkFor(ctx context.Context, taskID int64) (int64, error) {
	tc, ok := in.registry.GetContext(taskID)
	if !ok {
		return 0, apperrors.NotFound("task context", taskID)
	}
	if tc.BenchmarkID != 0 {
		return tc.BenchmarkID, nil
	}

	benchID, err := in.store.CreateBenchmark(ctx, tc.RunID, taskID, tc.McpServer, tc.UserIntent)
	if apperrors.IsDuplicate(err) {
		bench, getErr := in.store.GetBenchmark(ctx, tc.RunID, taskID)
		if getErr != nil {
			return 0, getErr
		}
		benchID = bench.ID
	} else if err != nil {
		return 0, err
	}

	in.registry.Update(taskID, func(c *taskctx.Context) {
		if c.BenchmarkID == 0 {
			c.BenchmarkID = benchID
		}
		benchID = c.BenchmarkID
	})
	return benchID, nil
}

func (in *Ingestor) project(span *telemetry.Span, benchID int64, stepNumber int) *store.Step {
	step := &store.Step{
		BenchmarkID: benchID,
		StepNumber:  stepNumber,
	}
	if req, ok := span.StringAttr(telemetry.AttrRequest); ok {
		step.Request = toJSON(req)
	}
	if resp, ok := span.StringAttr(telemetry.AttrResponse); ok {
		step.Response = toJSON(resp)
	}
	if size, ok := span.IntAttr(telemetry.AttrResponseSizeBytes); ok {
		step.ResponseSizeBytes = size
	} else if step.Response != nil {
		step.ResponseSizeBytes = int64(len(step.Response))
	}
	if dur, ok := span.IntAttr(telemetry.AttrDurationMs); ok {
		step.DurationMs = dur
	}
	if source, ok := span.StringAttr(telemetry.AttrSource); ok {
		step.Source = source
	}
	if timeout, ok := span.IntAttr(telemetry.AttrTimeoutMs); ok {
		step.TimeoutMs = &timeout
	}
	if span.StatusCode == codes.Error {
		step.ErrorMessage = span.StatusMessage
		if step.ErrorMessage == "" {
			step.ErrorMessage = "unknown error"
		}
	}
	return step
}

// remember appends the span to the task's bounded history ring. It reports
// false when the span identity is already present, which marks an exporter
// batch replay; replays must not consume a step number.
func (in *Ingestor) remember(taskID int64, span telemetry.Span) bool {
	in.histMu.Lock()
	defer in.histMu.Unlock()
	ring := in.history[taskID]
	if span.SpanID != "" {
		for i := range ring {
			if ring[i].SpanID == span.SpanID && ring[i].TraceID == span.TraceID {
				return false
			}
		}
	}
	ring = append(ring, span)
	if len(ring) > in.cfg.HistorySize {
		ring = ring[len(ring)-in.cfg.HistorySize:]
	}
	in.history[taskID] = ring
	return true
}

// toJSON passes valid JSON through and quotes anything else so the stored
// columns always hold well-formed documents.
func toJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
