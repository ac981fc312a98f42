package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
)

const (
	pgCodeUniqueViolation = "23505"
	pgCodeSerialization   = "40001"
	pgCodeDeadlock        = "40P01"

	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// Postgres implements Store backed by PostgreSQL via pgxpool. The pool is
// owned by the store and closed with it. Transient connectivity errors and
// deadlocks are retried internally with bounded backoff; callers only see
// success or a terminal error.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// Ensure Postgres implements Store.
var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and initializes the schema.
func NewPostgres(ctx context.Context, url string, log *logger.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s := &Postgres{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the benchmark tables if they don't exist. All statements
// are idempotent.
func (s *Postgres) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_metrics (
			id BIGSERIAL PRIMARY KEY,
			tokens_in BIGINT NOT NULL DEFAULT 0,
			tokens_out BIGINT NOT NULL DEFAULT 0,
			tokens_context BIGINT NOT NULL DEFAULT 0,
			cache_reads BIGINT NOT NULL DEFAULT 0,
			cache_writes BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			tool_usage JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id BIGSERIAL PRIMARY KEY,
			model TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			concurrency INT NOT NULL,
			socket_path TEXT NOT NULL DEFAULT '',
			settings JSONB,
			passed INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			task_metrics_id BIGINT REFERENCES task_metrics(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			language TEXT NOT NULL,
			exercise TEXT NOT NULL,
			passed BOOLEAN,
			task_metrics_id BIGINT REFERENCES task_metrics(id),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (run_id, language, exercise)
		)`,

		`CREATE TABLE IF NOT EXISTS tool_errors (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS mcp_retrieval_benchmarks (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			mcp_server_name TEXT NOT NULL,
			user_intent TEXT NOT NULL DEFAULT '',
			total_steps INT NOT NULL DEFAULT 0,
			code_execution_success BOOLEAN NOT NULL DEFAULT FALSE,
			error_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (run_id, task_id)
		)`,

		`CREATE TABLE IF NOT EXISTS mcp_retrieval_calls (
			id BIGSERIAL PRIMARY KEY,
			benchmark_id BIGINT NOT NULL REFERENCES mcp_retrieval_benchmarks(id) ON DELETE CASCADE,
			step_number INT NOT NULL,
			request JSONB,
			response JSONB,
			response_size_bytes BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			timeout_ms BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (benchmark_id, step_number)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_errors_task_id ON tool_errors(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_benchmark_id ON mcp_retrieval_calls(benchmark_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// translateErr maps driver errors onto the harness error taxonomy.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation {
		return apperrors.Duplicate("row", pgErr.ConstraintName)
	}
	return err
}

// retryable reports whether the error is transient: connectivity trouble,
// serialization failure, or deadlock.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgCodeSerialization || pgErr.Code == pgCodeDeadlock {
			return true
		}
		// Class 08 — connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// withRetry runs fn, retrying transient failures with bounded backoff.
func (s *Postgres) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retryBackoff
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return translateErr(err)
		}
		s.logger.Warn("transient store error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return translateErr(err)
}

// CreateRun creates a run row and returns its id.
func (s *Postgres) CreateRun(ctx context.Context, spec RunSpec) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "create_run", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO runs (model, description, concurrency, socket_path, settings)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, spec.Model, spec.Description, spec.Concurrency, spec.SocketPath, nullableJSON(spec.Settings)).Scan(&id)
	})
	return id, err
}

// GetRun retrieves a run by id.
func (s *Postgres) GetRun(ctx context.Context, runID int64) (*Run, error) {
	run := &Run{}
	var settings []byte
	err := s.withRetry(ctx, "get_run", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT id, model, description, concurrency, socket_path, settings, passed, failed, task_metrics_id, created_at
			FROM runs WHERE id = $1
		`, runID).Scan(&run.ID, &run.Model, &run.Description, &run.Concurrency, &run.SocketPath,
			&settings, &run.Passed, &run.Failed, &run.MetricsID, &run.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	run.Settings = settings
	return run, nil
}

// ListExistingRun returns the run and its outstanding tasks.
func (s *Postgres) ListExistingRun(ctx context.Context, runID int64) (*Run, []*Task, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	var outstanding []*Task
	err = s.withRetry(ctx, "list_existing_run", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, run_id, language, exercise, passed, started_at, finished_at, created_at
			FROM tasks WHERE run_id = $1 AND passed IS NULL ORDER BY id
		`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		outstanding, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return run, outstanding, nil
}

// FinalizeRun recounts tallies from tasks and attaches the summed metrics,
// all in one transaction.
func (s *Postgres) FinalizeRun(ctx context.Context, runID int64) (*RunAggregate, error) {
	agg := &RunAggregate{}
	err := s.withRetry(ctx, "finalize_run", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		agg.Passed, agg.Failed = 0, 0
		agg.Metrics = TaskMetrics{}

		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE passed), COUNT(*) FILTER (WHERE NOT passed)
			FROM tasks WHERE run_id = $1 AND passed IS NOT NULL
		`, runID).Scan(&agg.Passed, &agg.Failed); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT m.tokens_in, m.tokens_out, m.tokens_context, m.cache_reads, m.cache_writes, m.cost, m.duration_ms, m.tool_usage
			FROM tasks t JOIN task_metrics m ON m.id = t.task_metrics_id
			WHERE t.run_id = $1
		`, runID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var tm TaskMetrics
			var toolUsage []byte
			if err := rows.Scan(&tm.TokensIn, &tm.TokensOut, &tm.TokensContext, &tm.CacheReads,
				&tm.CacheWrites, &tm.Cost, &tm.DurationMs, &toolUsage); err != nil {
				rows.Close()
				return err
			}
			_ = json.Unmarshal(toolUsage, &tm.ToolUsage)
			agg.Metrics.Add(&tm)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		metricsID, err := insertMetrics(ctx, tx, &agg.Metrics)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE runs SET passed = $2, failed = $3, task_metrics_id = $4 WHERE id = $1
		`, runID, agg.Passed, agg.Failed, metricsID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("run", runID)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// CreateTask creates a task; (runID, language, exercise) must be unique.
func (s *Postgres) CreateTask(ctx context.Context, runID int64, language, exercise string) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "create_task", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO tasks (run_id, language, exercise) VALUES ($1, $2, $3) RETURNING id
		`, runID, language, exercise).Scan(&id)
	})
	return id, err
}

// StartTask stamps the task start time once.
func (s *Postgres) StartTask(ctx context.Context, taskID int64) error {
	return s.withRetry(ctx, "start_task", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE tasks SET started_at = now() WHERE id = $1 AND started_at IS NULL
		`, taskID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.ensureTaskExists(ctx, taskID)
		}
		return nil
	})
}

// FinishTask sets the verdict, attaches metrics, and bumps run tallies in one
// transaction. Already-finished tasks are left untouched.
func (s *Postgres) FinishTask(ctx context.Context, taskID int64, passed bool, metrics *TaskMetrics) error {
	return s.withRetry(ctx, "finish_task", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var metricsID *int64
		if metrics != nil {
			id, err := insertMetrics(ctx, tx, metrics)
			if err != nil {
				return err
			}
			metricsID = &id
		}

		var runID int64
		err = tx.QueryRow(ctx, `
			UPDATE tasks SET passed = $2, finished_at = now(), task_metrics_id = COALESCE($3, task_metrics_id)
			WHERE id = $1 AND passed IS NULL
			RETURNING run_id
		`, taskID, passed, metricsID).Scan(&runID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already finished (teardown replay) or missing.
			if err := s.ensureTaskExists(ctx, taskID); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		column := "failed"
		if passed {
			column = "passed"
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE runs SET %s = %s + 1 WHERE id = $1`, column, column), runID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// ListTasks returns all tasks for a run in id order.
func (s *Postgres) ListTasks(ctx context.Context, runID int64) ([]*Task, error) {
	var tasks []*Task
	err := s.withRetry(ctx, "list_tasks", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, run_id, language, exercise, passed, started_at, finished_at, created_at
			FROM tasks WHERE run_id = $1 ORDER BY id
		`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = scanTasks(rows)
		return err
	})
	return tasks, err
}

// CreateBenchmark creates the per-task benchmark header.
func (s *Postgres) CreateBenchmark(ctx context.Context, runID, taskID int64, mcpServerName, userIntent string) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "create_benchmark", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO mcp_retrieval_benchmarks (run_id, task_id, mcp_server_name, user_intent)
			VALUES ($1, $2, $3, $4) RETURNING id
		`, runID, taskID, mcpServerName, userIntent).Scan(&id)
	})
	return id, err
}

// AppendStep persists one step row; duplicates fail with DUPLICATE.
func (s *Postgres) AppendStep(ctx context.Context, step *Step) error {
	return s.withRetry(ctx, "append_step", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO mcp_retrieval_calls
				(benchmark_id, step_number, request, response, response_size_bytes, duration_ms, error_message, source, timeout_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, step.BenchmarkID, step.StepNumber, nullableJSON(step.Request), nullableJSON(step.Response),
			step.ResponseSizeBytes, step.DurationMs, step.ErrorMessage, step.Source, step.TimeoutMs)
		return err
	})
}

// ListSteps returns a benchmark's steps ordered by step number.
func (s *Postgres) ListSteps(ctx context.Context, benchmarkID int64) ([]*Step, error) {
	var steps []*Step
	err := s.withRetry(ctx, "list_steps", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT benchmark_id, step_number, request, response, response_size_bytes, duration_ms, error_message, source, timeout_ms, created_at
			FROM mcp_retrieval_calls WHERE benchmark_id = $1 ORDER BY step_number
		`, benchmarkID)
		if err != nil {
			return err
		}
		defer rows.Close()

		steps = steps[:0]
		for rows.Next() {
			step := &Step{}
			var request, response []byte
			if err := rows.Scan(&step.BenchmarkID, &step.StepNumber, &request, &response,
				&step.ResponseSizeBytes, &step.DurationMs, &step.ErrorMessage, &step.Source,
				&step.TimeoutMs, &step.CreatedAt); err != nil {
				return err
			}
			step.Request = request
			step.Response = response
			steps = append(steps, step)
		}
		return rows.Err()
	})
	return steps, err
}

// FinishBenchmark finalizes the benchmark header.
func (s *Postgres) FinishBenchmark(ctx context.Context, benchmarkID int64, totalSteps int, codeExecutionSuccess bool, errorCount int) error {
	return s.withRetry(ctx, "finish_benchmark", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE mcp_retrieval_benchmarks
			SET total_steps = $2, code_execution_success = $3, error_count = $4
			WHERE id = $1
		`, benchmarkID, totalSteps, codeExecutionSuccess, errorCount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("benchmark", benchmarkID)
		}
		return nil
	})
}

// GetBenchmark returns the benchmark for (runID, taskID).
func (s *Postgres) GetBenchmark(ctx context.Context, runID, taskID int64) (*Benchmark, error) {
	b := &Benchmark{}
	err := s.withRetry(ctx, "get_benchmark", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT id, run_id, task_id, mcp_server_name, user_intent, total_steps, code_execution_success, error_count, created_at
			FROM mcp_retrieval_benchmarks WHERE run_id = $1 AND task_id = $2
		`, runID, taskID).Scan(&b.ID, &b.RunID, &b.TaskID, &b.McpServerName, &b.UserIntent,
			&b.TotalSteps, &b.CodeExecutionSuccess, &b.ErrorCount, &b.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("benchmark", fmt.Sprintf("%d/%d", runID, taskID))
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RecordToolError appends a tool error record.
func (s *Postgres) RecordToolError(ctx context.Context, runID, taskID int64, toolName, errMsg string) error {
	return s.withRetry(ctx, "record_tool_error", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO tool_errors (run_id, task_id, tool_name, error) VALUES ($1, $2, $3, $4)
		`, runID, taskID, toolName, errMsg)
		return err
	})
}

func (s *Postgres) ensureTaskExists(ctx context.Context, taskID int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperrors.NotFound("task", taskID)
	}
	return nil
}

func insertMetrics(ctx context.Context, tx pgx.Tx, m *TaskMetrics) (int64, error) {
	toolUsage, err := json.Marshal(m.ToolUsage)
	if err != nil {
		toolUsage = []byte("{}")
	}
	if m.ToolUsage == nil {
		toolUsage = []byte("{}")
	}
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO task_metrics (tokens_in, tokens_out, tokens_context, cache_reads, cache_writes, cost, duration_ms, tool_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
	`, m.TokensIn, m.TokensOut, m.TokensContext, m.CacheReads, m.CacheWrites, m.Cost, m.DurationMs, toolUsage).Scan(&id)
	return id, err
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var result []*Task
	for rows.Next() {
		task := &Task{}
		if err := rows.Scan(&task.ID, &task.RunID, &task.Language, &task.Exercise,
			&task.Passed, &task.StartedAt, &task.FinishedAt, &task.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// nullableJSON maps empty raw JSON to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
