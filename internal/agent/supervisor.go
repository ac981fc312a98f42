// Package agent spawns and supervises external coding-agent processes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// Placeholders substituted into the configured agent command.
const (
	PlaceholderSocket = "{socket}"
	PlaceholderOTLP   = "{otlp}"
)

// ExpandCommand splits the configured command template and substitutes the
// socket path and OTLP endpoint placeholders.
func ExpandCommand(template, socketPath, otlpEndpoint string) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, apperrors.Config("agent command template is empty")
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, PlaceholderSocket, socketPath)
		f = strings.ReplaceAll(f, PlaceholderOTLP, otlpEndpoint)
		out[i] = f
	}
	return out, nil
}

// Spec describes one agent process launch.
type Spec struct {
	Command []string
	Dir     string
	// Env entries are appended to the parent environment.
	Env []string
}

// Process is a running agent. The whole process group is killed on
// termination so agent children (shells, node workers) never outlive it.
type Process struct {
	cmd    *exec.Cmd
	logger *logger.Logger

	done     chan struct{}
	waitOnce sync.Once
	termOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

// Start launches the agent in its own process group.
func Start(spec Spec, log *logger.Logger) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, apperrors.Config("empty agent command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.InternalError(fmt.Sprintf("starting agent %q", spec.Command[0]), err)
	}
	log.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", spec.Command[0]))

	p := &Process{cmd: cmd, logger: log, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the agent's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done closes when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until exit or context cancellation.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.exitError()
	case <-ctx.Done():
		return apperrors.Timeout("agent process exit")
	}
}

// Terminate sends SIGTERM to the process group, waits out the grace period,
// then SIGKILLs whatever is left. Safe to call more than once and after the
// process has already exited.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		pgid := p.cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		p.logger.Debug("sent SIGTERM to agent process group", zap.Int("pgid", pgid))

		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}

		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		p.logger.Warn("agent ignored SIGTERM, killed process group", zap.Int("pgid", pgid))
		<-p.done
	})
}

// ExitCause classifies how the process ended for logs and failure reasons.
func (p *Process) ExitCause() string {
	err := p.exitError()
	if err == nil {
		return "exit:0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return "signal:" + status.Signal().String()
		}
		return fmt.Sprintf("exit:%d", exitErr.ExitCode())
	}
	return "error:" + err.Error()
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
