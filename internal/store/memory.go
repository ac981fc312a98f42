package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
)

// Memory is an in-memory Store used by tests and offline runs. Semantics
// mirror the Postgres backend, including DUPLICATE errors and idempotent
// finish operations.
type Memory struct {
	mu sync.Mutex

	nextRunID       int64
	nextTaskID      int64
	nextBenchmarkID int64
	nextMetricsID   int64

	runs        map[int64]*Run
	runMetrics  map[int64]*TaskMetrics // by metrics id
	tasks       map[int64]*Task
	taskMetrics map[int64]*TaskMetrics // by task id
	taskKeys    map[string]int64       // runID/language/exercise -> taskID
	benchmarks  map[int64]*Benchmark
	benchKeys   map[string]int64 // runID/taskID -> benchmarkID
	steps       map[int64]map[int]*Step
	toolErrors  []*ToolError
}

// Ensure Memory implements Store.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[int64]*Run),
		runMetrics:  make(map[int64]*TaskMetrics),
		tasks:       make(map[int64]*Task),
		taskMetrics: make(map[int64]*TaskMetrics),
		taskKeys:    make(map[string]int64),
		benchmarks:  make(map[int64]*Benchmark),
		benchKeys:   make(map[string]int64),
		steps:       make(map[int64]map[int]*Step),
	}
}

func taskKey(runID int64, language, exercise string) string {
	return fmt.Sprintf("%d/%s/%s", runID, language, exercise)
}

func benchKey(runID, taskID int64) string {
	return fmt.Sprintf("%d/%d", runID, taskID)
}

// CreateRun creates a run row and returns its id.
func (m *Memory) CreateRun(ctx context.Context, spec RunSpec) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	run := &Run{
		ID:          m.nextRunID,
		Model:       spec.Model,
		Description: spec.Description,
		Concurrency: spec.Concurrency,
		SocketPath:  spec.SocketPath,
		Settings:    spec.Settings,
		CreatedAt:   time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run.ID, nil
}

// GetRun returns a copy of the run.
func (m *Memory) GetRun(ctx context.Context, runID int64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	cp := *run
	return &cp, nil
}

// ListExistingRun returns the run and its unfinished tasks.
func (m *Memory) ListExistingRun(ctx context.Context, runID int64) (*Run, []*Task, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var outstanding []*Task
	for _, task := range m.tasks {
		if task.RunID == runID && task.Passed == nil {
			cp := *task
			outstanding = append(outstanding, &cp)
		}
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].ID < outstanding[j].ID })
	return run, outstanding, nil
}

// FinalizeRun recounts tallies and sums metrics into an aggregate.
func (m *Memory) FinalizeRun(ctx context.Context, runID int64) (*RunAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}

	agg := &RunAggregate{}
	for _, task := range m.tasks {
		if task.RunID != runID || task.Passed == nil {
			continue
		}
		if *task.Passed {
			agg.Passed++
		} else {
			agg.Failed++
		}
		agg.Metrics.Add(m.taskMetrics[task.ID])
	}

	run.Passed = agg.Passed
	run.Failed = agg.Failed

	m.nextMetricsID++
	metricsID := m.nextMetricsID
	metrics := agg.Metrics
	m.runMetrics[metricsID] = &metrics
	run.MetricsID = &metricsID

	return agg, nil
}

// CreateTask creates a task; (runID, language, exercise) must be unique.
func (m *Memory) CreateTask(ctx context.Context, runID int64, language, exercise string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return 0, apperrors.NotFound("run", runID)
	}
	key := taskKey(runID, language, exercise)
	if _, exists := m.taskKeys[key]; exists {
		return 0, apperrors.Duplicate("task", key)
	}

	m.nextTaskID++
	task := &Task{
		ID:        m.nextTaskID,
		RunID:     runID,
		Language:  language,
		Exercise:  exercise,
		CreatedAt: time.Now().UTC(),
	}
	m.tasks[task.ID] = task
	m.taskKeys[key] = task.ID
	return task.ID, nil
}

// StartTask stamps the task start time.
func (m *Memory) StartTask(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if task.StartedAt == nil {
		now := time.Now().UTC()
		task.StartedAt = &now
	}
	return nil
}

// FinishTask sets the verdict and bumps run tallies. No-op when already
// finished, so teardown replays are safe.
func (m *Memory) FinishTask(ctx context.Context, taskID int64, passed bool, metrics *TaskMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if task.Passed != nil {
		return nil
	}

	now := time.Now().UTC()
	task.Passed = &passed
	task.FinishedAt = &now
	if metrics != nil {
		cp := *metrics
		m.taskMetrics[taskID] = &cp
	}

	run := m.runs[task.RunID]
	if run != nil {
		if passed {
			run.Passed++
		} else {
			run.Failed++
		}
	}
	return nil
}

// ListTasks returns copies of all tasks for a run, in id order.
func (m *Memory) ListTasks(ctx context.Context, runID int64) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Task
	for _, task := range m.tasks {
		if task.RunID == runID {
			cp := *task
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CreateBenchmark creates the per-task benchmark header; one per (run, task).
func (m *Memory) CreateBenchmark(ctx context.Context, runID, taskID int64, mcpServerName, userIntent string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return 0, apperrors.NotFound("task", taskID)
	}
	key := benchKey(runID, taskID)
	if _, exists := m.benchKeys[key]; exists {
		return 0, apperrors.Duplicate("benchmark", key)
	}

	m.nextBenchmarkID++
	b := &Benchmark{
		ID:            m.nextBenchmarkID,
		RunID:         runID,
		TaskID:        taskID,
		McpServerName: mcpServerName,
		UserIntent:    userIntent,
		CreatedAt:     time.Now().UTC(),
	}
	m.benchmarks[b.ID] = b
	m.benchKeys[key] = b.ID
	m.steps[b.ID] = make(map[int]*Step)
	return b.ID, nil
}

// AppendStep persists one step; a (benchmarkID, stepNumber) replay fails with
// DUPLICATE.
func (m *Memory) AppendStep(ctx context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps, ok := m.steps[step.BenchmarkID]
	if !ok {
		return apperrors.NotFound("benchmark", step.BenchmarkID)
	}
	if _, exists := steps[step.StepNumber]; exists {
		return apperrors.Duplicate("step", fmt.Sprintf("%d/%d", step.BenchmarkID, step.StepNumber))
	}

	cp := *step
	cp.CreatedAt = time.Now().UTC()
	steps[step.StepNumber] = &cp
	return nil
}

// ListSteps returns copies of a benchmark's steps ordered by step number.
func (m *Memory) ListSteps(ctx context.Context, benchmarkID int64) ([]*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps, ok := m.steps[benchmarkID]
	if !ok {
		return nil, apperrors.NotFound("benchmark", benchmarkID)
	}
	result := make([]*Step, 0, len(steps))
	for _, s := range steps {
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StepNumber < result[j].StepNumber })
	return result, nil
}

// FinishBenchmark finalizes the benchmark header.
func (m *Memory) FinishBenchmark(ctx context.Context, benchmarkID int64, totalSteps int, codeExecutionSuccess bool, errorCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.benchmarks[benchmarkID]
	if !ok {
		return apperrors.NotFound("benchmark", benchmarkID)
	}
	b.TotalSteps = totalSteps
	b.CodeExecutionSuccess = codeExecutionSuccess
	b.ErrorCount = errorCount
	return nil
}

// GetBenchmark returns a copy of the benchmark for (runID, taskID).
func (m *Memory) GetBenchmark(ctx context.Context, runID, taskID int64) (*Benchmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.benchKeys[benchKey(runID, taskID)]
	if !ok {
		return nil, apperrors.NotFound("benchmark", benchKey(runID, taskID))
	}
	cp := *m.benchmarks[id]
	return &cp, nil
}

// RecordToolError appends a tool error record.
func (m *Memory) RecordToolError(ctx context.Context, runID, taskID int64, toolName, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.toolErrors = append(m.toolErrors, &ToolError{
		RunID:     runID,
		TaskID:    taskID,
		ToolName:  toolName,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// ToolErrors returns copies of all recorded tool errors for a run.
func (m *Memory) ToolErrors(runID int64) []*ToolError {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*ToolError
	for _, te := range m.toolErrors {
		if te.RunID == runID {
			cp := *te
			result = append(result, &cp)
		}
	}
	return result
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
