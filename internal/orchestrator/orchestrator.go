// Package orchestrator builds the task matrix for a run, schedules the
// session drivers, and finalizes the result.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/driver"
	"github.com/mcpbench/mcpbench/internal/events"
	"github.com/mcpbench/mcpbench/internal/runner"
	"github.com/mcpbench/mcpbench/internal/scheduler"
	"github.com/mcpbench/mcpbench/internal/store"
)

// Config selects what a run executes.
type Config struct {
	// RunID resumes a pre-created run instead of creating one.
	RunID       int64
	Model       string
	Description string
	Concurrency int
	// InterStartDelay staggers agent launches during the cold ramp.
	InterStartDelay time.Duration
	// Include and Exclude filter languages; Include empty means all
	// supported languages.
	Include []string
	Exclude []string
	// Exercises narrows the matrix to specific exercise names. Empty means
	// every exercise present in the workspace.
	Exercises  []string
	SocketPath string
	Settings   json.RawMessage
	McpServer  string
}

// RunWorkspace is the checkout surface the orchestrator drives.
type RunWorkspace interface {
	Root() string
	ExerciseDir(language, exercise string) string
	ExerciseExists(language, exercise string) bool
	Prepare(ctx context.Context, runID int64) (string, error)
	Commit(ctx context.Context, runID int64) error
}

// TaskDriver runs one task to a terminal outcome.
type TaskDriver interface {
	Run(ctx context.Context) driver.Outcome
}

// DriverFactory builds the driver for one task.
type DriverFactory func(task *driver.TaskSpec) TaskDriver

// Orchestrator executes one run end to end.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	workspace RunWorkspace
	factory   DriverFactory
	bus       events.Bus
	logger    *logger.Logger
}

func New(cfg Config, st store.Store, ws RunWorkspace, factory DriverFactory, bus events.Bus, log *logger.Logger) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		workspace: ws,
		factory:   factory,
		bus:       bus,
		logger:    log,
	}
}

// Execute creates or resumes the run, schedules every task, and finalizes.
// Per-task failures never fail the run; only an unusable store or workspace
// does.
func (o *Orchestrator) Execute(ctx context.Context) (int64, *store.RunAggregate, error) {
	runID, tasks, err := o.resolveTasks(ctx)
	if err != nil {
		return 0, nil, err
	}
	o.logger.Info("run resolved",
		zap.Int64("run_id", runID),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", o.cfg.Concurrency))
	o.publish(events.SubjectRunStarted, runID, map[string]int{"tasks": len(tasks)})

	if _, err := o.workspace.Prepare(ctx, runID); err != nil {
		return runID, nil, fmt.Errorf("preparing workspace: %w", err)
	}

	runnable := o.preflight(ctx, runID, tasks)

	jobs := make([]scheduler.Task, 0, len(runnable))
	for _, task := range runnable {
		spec := &driver.TaskSpec{
			TaskID:    task.ID,
			RunID:     runID,
			Language:  task.Language,
			Exercise:  task.Exercise,
			Dir:       o.workspace.ExerciseDir(task.Language, task.Exercise),
			Prompt:    o.prompt(task.Language, task.Exercise),
			McpServer: o.cfg.McpServer,
		}
		d := o.factory(spec)
		jobs = append(jobs, func(taskCtx context.Context) {
			d.Run(taskCtx)
		})
	}

	sched := scheduler.New(o.cfg.Concurrency, o.cfg.InterStartDelay, o.logger)
	schedErr := sched.Run(ctx, jobs)
	if schedErr != nil {
		o.logger.Warn("run cancelled, finalizing partial results", zap.Error(schedErr))
	}

	// Finalization happens even after cancellation so partial results are
	// kept. Use a fresh context; the run context may already be dead.
	finCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := o.workspace.Commit(finCtx, runID); err != nil {
		o.logger.Warn("committing run results failed", zap.Error(err))
	}

	agg, err := o.store.FinalizeRun(finCtx, runID)
	if err != nil {
		return runID, nil, fmt.Errorf("finalizing run: %w", err)
	}
	o.publish(events.SubjectRunFinalized, runID, agg)

	o.logger.Info("run finalized",
		zap.Int64("run_id", runID),
		zap.Int("passed", agg.Passed),
		zap.Int("failed", agg.Failed))
	return runID, agg, schedErr
}

// resolveTasks either loads the outstanding tasks of an existing run or
// creates the run with the full (language, exercise) matrix.
func (o *Orchestrator) resolveTasks(ctx context.Context) (int64, []*store.Task, error) {
	if o.cfg.RunID > 0 {
		run, outstanding, err := o.store.ListExistingRun(ctx, o.cfg.RunID)
		if err != nil {
			return 0, nil, fmt.Errorf("resuming run %d: %w", o.cfg.RunID, err)
		}
		o.logger.Info("resuming run",
			zap.Int64("run_id", run.ID),
			zap.Int("outstanding", len(outstanding)))
		return run.ID, outstanding, nil
	}

	runID, err := o.store.CreateRun(ctx, store.RunSpec{
		Model:       o.cfg.Model,
		Description: o.cfg.Description,
		Concurrency: o.cfg.Concurrency,
		SocketPath:  o.cfg.SocketPath,
		Settings:    o.cfg.Settings,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("creating run: %w", err)
	}

	tasks := make([]*store.Task, 0)
	for _, language := range o.languages() {
		for _, exercise := range o.exercises(language) {
			taskID, err := o.store.CreateTask(ctx, runID, language, exercise)
			if err != nil {
				return 0, nil, fmt.Errorf("creating task (%s, %s): %w", language, exercise, err)
			}
			tasks = append(tasks, &store.Task{
				ID:       taskID,
				RunID:    runID,
				Language: language,
				Exercise: exercise,
			})
		}
	}
	return runID, tasks, nil
}

// preflight fails tasks that can never run, before any agent is launched.
func (o *Orchestrator) preflight(ctx context.Context, runID int64, tasks []*store.Task) []*store.Task {
	runnable := make([]*store.Task, 0, len(tasks))
	for _, task := range tasks {
		var reason string
		switch {
		case !runner.Supported(task.Language):
			reason = "unknown language"
		case !o.workspace.ExerciseExists(task.Language, task.Exercise):
			reason = "exercise directory missing"
		}
		if reason == "" {
			runnable = append(runnable, task)
			continue
		}

		o.logger.Warn("task failed preflight",
			zap.Int64("task_id", task.ID),
			zap.String("language", task.Language),
			zap.String("exercise", task.Exercise),
			zap.String("reason", reason))
		if err := o.store.FinishTask(ctx, task.ID, false, nil); err != nil {
			o.logger.Error("recording preflight failure", zap.Error(err))
		}
	}
	return runnable
}

// languages applies the include/exclude filters to the supported set.
func (o *Orchestrator) languages() []string {
	selected := runner.Languages()
	if len(o.cfg.Include) > 0 {
		selected = o.cfg.Include
	}

	excluded := make(map[string]struct{}, len(o.cfg.Exclude))
	for _, name := range o.cfg.Exclude {
		excluded[name] = struct{}{}
	}

	out := make([]string, 0, len(selected))
	for _, name := range selected {
		if _, skip := excluded[name]; !skip {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// exercises lists the exercise directories for a language, narrowed by the
// --exercise filter when given.
func (o *Orchestrator) exercises(language string) []string {
	if len(o.cfg.Exercises) > 0 {
		return o.cfg.Exercises
	}

	entries, err := os.ReadDir(o.workspace.ExerciseDir(language, ""))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out
}

// prompt builds the exercise instruction, honoring a per-exercise system
// prompt override when one is checked in.
func (o *Orchestrator) prompt(language, exercise string) string {
	base := fmt.Sprintf("Solve the %q exercise in %s. The sources and tests are in the current directory; make the tests pass.", exercise, language)

	override, err := os.ReadFile(o.workspace.ExerciseDir(language, exercise) + "/.roo/system-prompt-code")
	if err == nil && len(override) > 0 {
		return string(override) + "\n\n" + base
	}
	return base
}

func (o *Orchestrator) publish(subject string, runID int64, payload any) {
	if o.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.bus.Publish(ctx, events.New(subject, runID, 0, payload)); err != nil {
		o.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
