// Package store provides typed persistence for runs, tasks, metrics,
// benchmarks, steps, and tool errors.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// RunSpec describes a run to be created.
type RunSpec struct {
	Model       string
	Description string
	Concurrency int
	SocketPath  string
	Settings    json.RawMessage
}

// Run is one evaluation batch.
type Run struct {
	ID          int64
	Model       string
	Description string
	Concurrency int
	SocketPath  string
	Settings    json.RawMessage
	Passed      int
	Failed      int
	// MetricsID references the aggregated metrics row written at finalize.
	MetricsID *int64
	CreatedAt time.Time
}

// Task is one (language, exercise) attempt within a run.
// Passed is tri-state: nil while running, then the test verdict.
type Task struct {
	ID         int64
	RunID      int64
	Language   string
	Exercise   string
	Passed     *bool
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// ToolStat counts attempts and failures for one tool.
type ToolStat struct {
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`
}

// TaskMetrics aggregates token, cache, cost, and tool usage for a task, and
// for the whole run once finalized.
type TaskMetrics struct {
	TokensIn      int64               `json:"tokensIn"`
	TokensOut     int64               `json:"tokensOut"`
	TokensContext int64               `json:"tokensContext"`
	CacheReads    int64               `json:"cacheReads"`
	CacheWrites   int64               `json:"cacheWrites"`
	Cost          float64             `json:"cost"`
	DurationMs    int64               `json:"durationMs"`
	ToolUsage     map[string]ToolStat `json:"toolUsage,omitempty"`
}

// Add accumulates other into m. ToolUsage maps are merged key-wise.
func (m *TaskMetrics) Add(other *TaskMetrics) {
	if other == nil {
		return
	}
	m.TokensIn += other.TokensIn
	m.TokensOut += other.TokensOut
	m.TokensContext += other.TokensContext
	m.CacheReads += other.CacheReads
	m.CacheWrites += other.CacheWrites
	m.Cost += other.Cost
	m.DurationMs += other.DurationMs
	for name, stat := range other.ToolUsage {
		if m.ToolUsage == nil {
			m.ToolUsage = make(map[string]ToolStat)
		}
		s := m.ToolUsage[name]
		s.Attempts += stat.Attempts
		s.Failures += stat.Failures
		m.ToolUsage[name] = s
	}
}

// Benchmark is the per-task MCP benchmark header.
type Benchmark struct {
	ID                   int64
	RunID                int64
	TaskID               int64
	McpServerName        string
	UserIntent           string
	TotalSteps           int
	CodeExecutionSuccess bool
	ErrorCount           int
	CreatedAt            time.Time
}

// Step is a single MCP call captured from a span.
type Step struct {
	BenchmarkID       int64
	StepNumber        int
	Request           json.RawMessage
	Response          json.RawMessage
	ResponseSizeBytes int64
	DurationMs        int64
	ErrorMessage      string
	Source            string
	TimeoutMs         *int64
	CreatedAt         time.Time
}

// ToolError is an append-only record of an agent-side tool failure.
type ToolError struct {
	RunID     int64
	TaskID    int64
	ToolName  string
	Error     string
	CreatedAt time.Time
}

// RunAggregate is the result of finalizing a run.
type RunAggregate struct {
	Passed  int
	Failed  int
	Metrics TaskMetrics
}

// Store is the thread-safe persistence handle. All multi-row mutations that
// touch related entities happen inside a single transaction. Uniqueness
// violations surface with the DUPLICATE error code so re-attempting callers
// can treat them as idempotent success.
type Store interface {
	CreateRun(ctx context.Context, spec RunSpec) (int64, error)
	GetRun(ctx context.Context, runID int64) (*Run, error)
	// ListExistingRun returns the run and its outstanding (unfinished) tasks,
	// used to resume a pre-created run.
	ListExistingRun(ctx context.Context, runID int64) (*Run, []*Task, error)
	// FinalizeRun recounts pass/fail from tasks, sums task metrics into an
	// aggregate row, and attaches it to the run. Idempotent.
	FinalizeRun(ctx context.Context, runID int64) (*RunAggregate, error)

	CreateTask(ctx context.Context, runID int64, language, exercise string) (int64, error)
	StartTask(ctx context.Context, taskID int64) error
	// FinishTask sets the verdict and timestamps, attaches metrics, and bumps
	// the run tallies in the same transaction. Finishing an already-finished
	// task is a no-op.
	FinishTask(ctx context.Context, taskID int64, passed bool, metrics *TaskMetrics) error
	ListTasks(ctx context.Context, runID int64) ([]*Task, error)

	CreateBenchmark(ctx context.Context, runID, taskID int64, mcpServerName, userIntent string) (int64, error)
	// AppendStep fails with DUPLICATE on a (benchmarkID, stepNumber) replay.
	AppendStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, benchmarkID int64) ([]*Step, error)
	FinishBenchmark(ctx context.Context, benchmarkID int64, totalSteps int, codeExecutionSuccess bool, errorCount int) error
	GetBenchmark(ctx context.Context, runID, taskID int64) (*Benchmark, error)

	RecordToolError(ctx context.Context, runID, taskID int64, toolName, errMsg string) error

	Close() error
}
