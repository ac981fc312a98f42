package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/telemetry"
)

type dropSink struct{}

func (dropSink) Ingest(telemetry.Span) error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Memory, int64, int64) {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()

	runID, err := m.CreateRun(ctx, store.RunSpec{Model: "test-model", Concurrency: 1})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	taskID, err := m.CreateTask(ctx, runID, "go", "two-fer")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	receiver := telemetry.NewReceiver(dropSink{}, logger.NewNop())
	srv := New(Config{}, m, receiver, nil, logger.NewNop())
	return srv, m, runID, taskID
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := get(t, srv, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	srv, _, runID, _ := newTestServer(t)

	rec := get(t, srv, fmt.Sprintf("/api/v1/runs/%d", runID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var run store.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if run.ID != runID || run.Model != "test-model" {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	if rec := get(t, srv, "/api/v1/runs/999"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetRunBadID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	if rec := get(t, srv, "/api/v1/runs/abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	srv, _, runID, _ := newTestServer(t)

	rec := get(t, srv, fmt.Sprintf("/api/v1/runs/%d/tasks", runID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("expected 1 task, got %d", body.Count)
	}
}

func TestGetBenchmark(t *testing.T) {
	srv, m, runID, taskID := newTestServer(t)
	ctx := context.Background()

	benchID, err := m.CreateBenchmark(ctx, runID, taskID, "context7", "solve two-fer")
	if err != nil {
		t.Fatalf("CreateBenchmark failed: %v", err)
	}
	if err := m.AppendStep(ctx, &store.Step{BenchmarkID: benchID, StepNumber: 1}); err != nil {
		t.Fatalf("AppendStep failed: %v", err)
	}

	rec := get(t, srv, fmt.Sprintf("/api/v1/runs/%d/tasks/%d/benchmark", runID, taskID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Benchmark store.Benchmark `json:"benchmark"`
		Steps     []store.Step    `json:"steps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Benchmark.McpServerName != "context7" || len(body.Steps) != 1 {
		t.Errorf("unexpected body %+v", body)
	}
}
