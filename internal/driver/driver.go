// Package driver owns one task's lifetime, from agent spawn through the
// IPC handshake and event stream to the test verdict and teardown.
package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/events"
	"github.com/mcpbench/mcpbench/internal/runner"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/taskctx"
	"github.com/mcpbench/mcpbench/pkg/ipc"
	"github.com/mcpbench/mcpbench/pkg/ipc/protocol"
)

// State is the driver's position in the task lifecycle.
type State int32

const (
	StateNew State = iota
	StateAwaitingConn
	StateHandshake
	StateRunning
	StateCancelling
	StateTesting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAwaitingConn:
		return "AWAITING_CONN"
	case StateHandshake:
		return "HANDSHAKE"
	case StateRunning:
		return "RUNNING"
	case StateCancelling:
		return "CANCELLING"
	case StateTesting:
		return "TESTING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AgentProcess is the spawned agent as the driver sees it.
type AgentProcess interface {
	Done() <-chan struct{}
	Terminate(grace time.Duration)
	ExitCause() string
}

// Launcher spawns the agent for a task. The agent is expected to connect
// back on the harness socket.
type Launcher func(task *TaskSpec) (AgentProcess, error)

// Acceptor yields the next inbound agent session.
type Acceptor interface {
	Accept(ctx context.Context) (*ipc.Session, error)
}

// TestRunner decides the task verdict once the agent reports completion.
type TestRunner interface {
	Run(ctx context.Context, language, dir string) (*runner.Result, error)
}

// SpanHistory is the ingestor surface the driver needs at teardown.
type SpanHistory interface {
	Evict(taskID int64)
}

// TaskSpec identifies the work one driver performs.
type TaskSpec struct {
	TaskID    int64
	RunID     int64
	Language  string
	Exercise  string
	Dir       string
	Prompt    string
	McpServer string
}

// Config carries the driver timeouts and policies.
type Config struct {
	HandshakeTimeout time.Duration
	TaskTimeout      time.Duration
	CancelGrace      time.Duration
	// CreateEmptyBenchmark creates the benchmark row at handshake so a task
	// that never calls an MCP tool still has one.
	CreateEmptyBenchmark bool
	OtlpEndpoint         string
	// AgentConfiguration is forwarded verbatim in StartNewTask.
	AgentConfiguration json.RawMessage
}

// Outcome is the driver's terminal report.
type Outcome struct {
	State         State
	Passed        bool
	FailureReason string
	TestOutput    string
}

// Driver runs one task to completion.
type Driver struct {
	task     *TaskSpec
	cfg      Config
	launch   Launcher
	acceptor Acceptor
	tests    TestRunner
	store    store.Store
	registry *taskctx.Registry
	history  SpanHistory
	bus      events.Bus
	logger   *logger.Logger

	state State

	session *ipc.Session
	agent   AgentProcess
	metrics store.TaskMetrics
	started time.Time

	tornDown bool
}

func New(task *TaskSpec, cfg Config, launch Launcher, acceptor Acceptor, tests TestRunner,
	st store.Store, reg *taskctx.Registry, history SpanHistory, bus events.Bus, log *logger.Logger) *Driver {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Driver{
		task:     task,
		cfg:      cfg,
		launch:   launch,
		acceptor: acceptor,
		tests:    tests,
		store:    st,
		registry: reg,
		history:  history,
		bus:      bus,
		logger: log.WithFields(
			zap.Int64("task_id", task.TaskID),
			zap.String("language", task.Language),
			zap.String("exercise", task.Exercise)),
	}
}

// Run drives the task to a terminal state. It never panics outward and
// always tears down the session, agent, and registry entry.
func (d *Driver) Run(ctx context.Context) Outcome {
	d.started = time.Now()

	outcome := d.run(ctx)
	d.state = outcome.State
	d.teardown(outcome)

	d.logger.Info("task finished",
		zap.String("state", outcome.State.String()),
		zap.Bool("passed", outcome.Passed),
		zap.String("failure_reason", outcome.FailureReason))
	return outcome
}

func (d *Driver) run(ctx context.Context) Outcome {
	agentTaskID := uuid.NewString()

	// AWAITING_CONN: spawn the agent and wait for it to dial back.
	d.state = StateAwaitingConn
	proc, err := d.launch(d.task)
	if err != nil {
		return d.fail("agent spawn failed: " + err.Error())
	}
	d.agent = proc

	acceptCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	session, err := d.acceptor.Accept(acceptCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return d.cancelled()
		}
		return d.fail("no agent connection within handshake timeout")
	}
	d.session = session

	if err := d.store.StartTask(ctx, d.task.TaskID); err != nil {
		return d.fail("marking task started: " + err.Error())
	}

	// HANDSHAKE: identity first, then wait for the confirmation.
	d.state = StateHandshake
	err = session.Send(protocol.NewSetTaskContext(protocol.SetTaskContextData{
		TaskID:       d.task.TaskID,
		AgentTaskID:  agentTaskID,
		RunID:        d.task.RunID,
		McpServer:    d.task.McpServer,
		UserIntent:   d.task.Prompt,
		OtlpEndpoint: d.cfg.OtlpEndpoint,
	}))
	if err != nil {
		return d.fail("sending task context: " + err.Error())
	}

	if reason, ok := d.awaitConfirmation(ctx); !ok {
		if ctx.Err() != nil {
			return d.cancelled()
		}
		return d.fail(reason)
	}

	d.registry.Register(agentTaskID, d.task.TaskID)
	d.registry.SetContext(d.task.TaskID, taskctx.Context{
		TaskID:     d.task.TaskID,
		RunID:      d.task.RunID,
		McpServer:  d.task.McpServer,
		UserIntent: d.task.Prompt,
		StartTime:  d.started,
	})
	if d.cfg.CreateEmptyBenchmark {
		if err := d.createBenchmark(ctx); err != nil {
			return d.fail("creating benchmark: " + err.Error())
		}
	}

	// RUNNING: hand over the prompt and consume the event stream.
	d.state = StateRunning
	err = session.Send(protocol.NewStartNewTask(protocol.StartNewTaskData{
		Configuration: d.cfg.AgentConfiguration,
		Text:          d.task.Prompt,
	}))
	if err != nil {
		return d.fail("sending start command: " + err.Error())
	}
	d.publish(events.SubjectTaskStarted, nil)

	return d.eventLoop(ctx)
}

// awaitConfirmation waits for TaskContextConfirmation, tolerating unrelated
// events that arrive first.
func (d *Driver) awaitConfirmation(ctx context.Context) (string, bool) {
	timer := time.NewTimer(d.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "cancelled during handshake", false
		case <-timer.C:
			return "no handshake confirmation within timeout", false
		case <-d.agent.Done():
			return "agent exited during handshake: " + d.agent.ExitCause(), false
		case msg, ok := <-d.session.Receive():
			if !ok {
				return d.sessionLost("session closed during handshake"), false
			}
			if msg.Name != protocol.EventTaskContextConfirmation {
				continue
			}
			conf, err := msg.DecodeConfirmation()
			if err != nil {
				return "malformed confirmation: " + err.Error(), false
			}
			if !conf.Success {
				reason := conf.Error
				if reason == "" {
					reason = "agent rejected task context"
				}
				return reason, false
			}
			return "", true
		}
	}
}

// eventLoop consumes agent events until a terminal signal. Whichever signal
// arrives first wins; later conflicting signals are discarded with the
// session.
func (d *Driver) eventLoop(ctx context.Context) Outcome {
	timer := time.NewTimer(d.cfg.TaskTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.cancelled()
		case <-timer.C:
			d.agent.Terminate(d.cfg.CancelGrace)
			return d.fail("task timeout")
		case <-d.agent.Done():
			return d.fail("agent exited: " + d.agent.ExitCause())
		case msg, ok := <-d.session.Receive():
			if !ok {
				return d.fail(d.sessionLost("session closed"))
			}
			if outcome, terminal := d.handleEvent(ctx, msg); terminal {
				return outcome
			}
		}
	}
}

// handleEvent processes one agent event. The bool reports a terminal
// transition.
func (d *Driver) handleEvent(ctx context.Context, msg *protocol.Message) (Outcome, bool) {
	switch msg.Name {
	case protocol.EventTaskStarted:
		// The agent may announce its own internal id; alias it so spans
		// tagged with either id correlate.
		if data, err := msg.DecodeTaskStarted(); err == nil && data.AgentTaskID != "" {
			d.registry.Register(data.AgentTaskID, d.task.TaskID)
		}

	case protocol.EventTaskTokenUsageUpdated:
		data, err := msg.DecodeTokenUsage()
		if err != nil {
			d.logger.Warn("malformed token usage event", zap.Error(err))
			return Outcome{}, false
		}
		// Counters are cumulative; the latest report replaces earlier ones.
		d.metrics.TokensIn = data.TokensIn
		d.metrics.TokensOut = data.TokensOut
		d.metrics.TokensContext = data.TokensContext
		d.metrics.CacheReads = data.CacheReads
		d.metrics.CacheWrites = data.CacheWrites
		d.metrics.Cost = data.Cost
		d.publish(events.SubjectTokenUsage, data)

	case protocol.EventTaskToolFailed:
		data, err := msg.DecodeToolFailed()
		if err != nil {
			d.logger.Warn("malformed tool failure event", zap.Error(err))
			return Outcome{}, false
		}
		if err := d.store.RecordToolError(ctx, d.task.RunID, d.task.TaskID, data.ToolName, data.Error); err != nil {
			d.logger.Warn("recording tool error failed", zap.Error(err))
		}
		if d.metrics.ToolUsage == nil {
			d.metrics.ToolUsage = make(map[string]store.ToolStat)
		}
		stat := d.metrics.ToolUsage[data.ToolName]
		stat.Attempts++
		stat.Failures++
		d.metrics.ToolUsage[data.ToolName] = stat
		d.registry.Update(d.task.TaskID, func(c *taskctx.Context) { c.ErrorCount++ })
		d.publish(events.SubjectToolError, data)

	case protocol.EventTaskAborted:
		reason := "agent aborted the task"
		if data, err := msg.DecodeTaskAborted(); err == nil && data.Reason != "" {
			reason = "agent aborted: " + data.Reason
		}
		return d.fail(reason), true

	case protocol.EventTaskCompleted:
		return d.test(ctx), true

	case protocol.EventEvalPass, protocol.EventEvalFail:
		// The agent's own verdict is advisory; the test runner decides.
		d.logger.Debug("agent self-evaluation", zap.String("event", msg.Name))

	default:
		// Unknown events are tolerated for forward compatibility.
		d.logger.Debug("ignoring unknown event", zap.String("event", msg.Name))
	}
	return Outcome{}, false
}

// test runs the language test suite and produces the verdict.
func (d *Driver) test(ctx context.Context) Outcome {
	d.state = StateTesting
	d.logger.Info("agent reported completion, running tests")

	res, err := d.tests.Run(ctx, d.task.Language, d.task.Dir)
	if err != nil {
		return Outcome{State: StateFailed, FailureReason: "test runner error: " + err.Error()}
	}
	if !res.Passed {
		reason := "tests failed"
		if res.TimedOut {
			reason = "tests timed out"
		}
		return Outcome{State: StateFailed, FailureReason: reason, TestOutput: res.Output}
	}
	return Outcome{State: StateDone, Passed: true, TestOutput: res.Output}
}

// cancelled performs cooperative cancellation: CancelTask, a grace period for
// the agent to exit on its own, then signals.
func (d *Driver) cancelled() Outcome {
	d.state = StateCancelling
	if d.session != nil {
		_ = d.session.Send(protocol.NewCancelTask())
	}
	if d.agent != nil {
		select {
		case <-d.agent.Done():
		case <-time.After(d.cfg.CancelGrace):
			d.agent.Terminate(d.cfg.CancelGrace)
		}
	}
	return Outcome{State: StateFailed, FailureReason: "cancelled"}
}

func (d *Driver) fail(reason string) Outcome {
	return Outcome{State: StateFailed, FailureReason: reason}
}

// sessionLost folds a protocol error into the failure reason when one is
// recorded on the session.
func (d *Driver) sessionLost(base string) string {
	if err := d.session.Err(); err != nil {
		return base + ": " + err.Error()
	}
	return base
}

func (d *Driver) createBenchmark(ctx context.Context) error {
	benchID, err := d.store.CreateBenchmark(ctx, d.task.RunID, d.task.TaskID, d.task.McpServer, d.task.Prompt)
	if err != nil {
		return err
	}
	d.registry.Update(d.task.TaskID, func(c *taskctx.Context) { c.BenchmarkID = benchID })
	return nil
}

// teardown is the terminal-state cleanup. Every step tolerates being
// replayed or arriving with partial state.
func (d *Driver) teardown(outcome Outcome) {
	if d.tornDown {
		return
	}
	d.tornDown = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.metrics.DurationMs = time.Since(d.started).Milliseconds()

	if tc, ok := d.registry.GetContext(d.task.TaskID); ok && tc.BenchmarkID != 0 {
		err := d.store.FinishBenchmark(ctx, tc.BenchmarkID, tc.TotalSteps, outcome.Passed, tc.ErrorCount)
		if err != nil {
			d.logger.Warn("finishing benchmark failed", zap.Error(err))
		}
		d.registry.ResetSteps(d.task.TaskID)
	}

	if err := d.store.FinishTask(ctx, d.task.TaskID, outcome.Passed, &d.metrics); err != nil {
		d.logger.Warn("finishing task failed", zap.Error(err))
	}

	d.registry.Drop(d.task.TaskID)
	if d.history != nil {
		d.history.Evict(d.task.TaskID)
	}

	if d.session != nil {
		_ = d.session.Send(protocol.NewCloseTask())
		_ = d.session.Close()
	}
	if d.agent != nil {
		d.agent.Terminate(d.cfg.CancelGrace)
	}

	d.publish(events.SubjectTaskFinished, map[string]any{
		"passed": outcome.Passed,
		"state":  outcome.State.String(),
		"reason": outcome.FailureReason,
	})
}

func (d *Driver) publish(subject string, payload any) {
	if d.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.bus.Publish(ctx, events.New(subject, d.task.RunID, d.task.TaskID, payload)); err != nil {
		d.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
