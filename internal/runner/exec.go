package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// ExecResult is the outcome of one command.
type ExecResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Executor runs a command in an exercise directory. Implementations exist
// for the host and for a docker sandbox; the runner does not care which.
type Executor interface {
	Run(ctx context.Context, dir string, command []string) (*ExecResult, error)
}

// LocalExecutor runs commands directly on the host.
type LocalExecutor struct {
	logger *logger.Logger
}

func NewLocalExecutor(log *logger.Logger) *LocalExecutor {
	return &LocalExecutor{logger: log}
}

func (e *LocalExecutor) Run(ctx context.Context, dir string, command []string) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	// Own process group so a timeout kills test children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", command[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case <-ctx.Done():
		timedOut = true
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	case err := <-done:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return nil, err
		}
	}

	res := &ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   buf.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}

// DockerExecutor runs commands inside a throwaway container with the
// exercise directory bind-mounted at /workspace.
type DockerExecutor struct {
	cli    *client.Client
	image  string
	logger *logger.Logger
}

func NewDockerExecutor(host, image string, log *logger.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, image: image, logger: log}, nil
}

func (e *DockerExecutor) Run(ctx context.Context, dir string, command []string) (*ExecResult, error) {
	name := "mcpbench-test-" + uuid.NewString()[:8]

	containerCfg := &container.Config{
		Image:      e.image,
		Cmd:        command,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"mcpbench.role": "test-runner"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: "/workspace",
		}},
		NetworkMode: "none",
	}

	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	exitCode, timedOut, err := e.wait(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	output, err := e.collectLogs(resp.ID)
	if err != nil {
		e.logger.Warn("failed to collect container logs",
			zap.String("container_id", resp.ID), zap.Error(err))
	}

	res := &ExecResult{
		ExitCode: exitCode,
		Output:   output,
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}

func (e *DockerExecutor) wait(ctx context.Context, containerID string) (int, bool, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, false, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return -1, false, nil
	case status := <-statusCh:
		return int(status.StatusCode), false, nil
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.cli.ContainerKill(killCtx, containerID, "SIGKILL")
		return -1, true, nil
	}
}

func (e *DockerExecutor) collectLogs(containerID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	// Docker multiplexes stdout and stderr into one stream.
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}
