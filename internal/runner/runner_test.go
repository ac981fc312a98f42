package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// scriptedExecutor returns canned results in order.
type scriptedExecutor struct {
	results []*ExecResult
	calls   [][]string
}

func (s *scriptedExecutor) Run(ctx context.Context, dir string, command []string) (*ExecResult, error) {
	s.calls = append(s.calls, command)
	res := s.results[len(s.calls)-1]
	return res, nil
}

func TestRunPassAllCommands(t *testing.T) {
	exec := &scriptedExecutor{results: []*ExecResult{
		{ExitCode: 0, Output: "install ok\n"},
		{ExitCode: 0, Output: "Tests: 4 passed\n"},
	}}
	r := NewRunner(exec, time.Minute, logger.NewNop())

	res, err := r.Run(context.Background(), "javascript", "/tmp/x")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected pass: %+v", res)
	}
	if len(exec.calls) != 2 {
		t.Errorf("expected 2 commands, got %d", len(exec.calls))
	}
	if exec.calls[0][0] != "pnpm" || exec.calls[0][1] != "install" {
		t.Errorf("unexpected first command %v", exec.calls[0])
	}
}

func TestRunShortCircuitsOnFailure(t *testing.T) {
	exec := &scriptedExecutor{results: []*ExecResult{
		{ExitCode: 1, Output: "install exploded\n"},
		{ExitCode: 0, Output: "never reached\n"},
	}}
	r := NewRunner(exec, time.Minute, logger.NewNop())

	res, err := r.Run(context.Background(), "javascript", "/tmp/x")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Passed {
		t.Error("expected failure")
	}
	if len(exec.calls) != 1 {
		t.Errorf("failure did not short-circuit: %d commands ran", len(exec.calls))
	}
	if !strings.HasPrefix(res.FailedCommand, "pnpm install") {
		t.Errorf("unexpected failed command %q", res.FailedCommand)
	}
}

func TestRunNonZeroExitNeverPasses(t *testing.T) {
	// Output looks successful but the exit code wins.
	exec := &scriptedExecutor{results: []*ExecResult{
		{ExitCode: 2, Output: "ok  \tmodule\t0.01s\nPASS\n"},
	}}
	r := NewRunner(exec, time.Minute, logger.NewNop())

	res, err := r.Run(context.Background(), "go", "/tmp/x")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Passed {
		t.Error("non-zero exit was flipped to pass")
	}
}

func TestRunOutputHeuristicDowngradesPass(t *testing.T) {
	exec := &scriptedExecutor{results: []*ExecResult{
		{ExitCode: 0, Output: "--- FAIL: TestTwoFer (0.00s)\nFAIL\n"},
	}}
	r := NewRunner(exec, time.Minute, logger.NewNop())

	res, err := r.Run(context.Background(), "go", "/tmp/x")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Passed {
		t.Error("failure output with zero exit was not downgraded")
	}
}

func TestRunTimeout(t *testing.T) {
	exec := &scriptedExecutor{results: []*ExecResult{
		{ExitCode: -1, Output: "", TimedOut: true},
	}}
	r := NewRunner(exec, time.Minute, logger.NewNop())

	res, err := r.Run(context.Background(), "rust", "/tmp/x")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Passed || !res.TimedOut {
		t.Errorf("expected timed-out failure: %+v", res)
	}
}

func TestRunUnsupportedLanguage(t *testing.T) {
	r := NewRunner(&scriptedExecutor{}, time.Minute, logger.NewNop())
	if _, err := r.Run(context.Background(), "cobol", "/tmp/x"); !apperrors.IsConfig(err) {
		t.Errorf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestLanguages(t *testing.T) {
	langs := Languages()
	if len(langs) != 5 {
		t.Fatalf("expected 5 languages, got %v", langs)
	}
	for _, name := range []string{"go", "javascript", "python", "rust", "java"} {
		if !Supported(name) {
			t.Errorf("%s should be supported", name)
		}
	}
	if Supported("cobol") {
		t.Error("cobol should not be supported")
	}
}

func TestPythonCollectionScopedToTestSuffix(t *testing.T) {
	joined := strings.Join(languageCommands["python"][0], " ")
	if !strings.Contains(joined, "python_files=*_test.py") {
		t.Errorf("pytest collection not pinned to *_test.py: %s", joined)
	}
	if !strings.Contains(joined, "markers=task") {
		t.Errorf("task marker registration missing: %s", joined)
	}
}

func TestTruncateTail(t *testing.T) {
	long := strings.Repeat("x", outputCap+100) + "END"
	got := truncateTail(long, outputCap)
	if !strings.HasSuffix(got, "END") {
		t.Error("truncation dropped the tail")
	}
	if !strings.HasPrefix(got, "...[truncated]...") {
		t.Error("truncation marker missing")
	}
}

func TestLocalExecutor(t *testing.T) {
	exec := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()

	res, err := exec.Run(ctx, t.TempDir(), []string{"sh", "-c", "echo hello; exit 0"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output, "hello") {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = exec.Run(ctx, t.TempDir(), []string{"sh", "-c", "echo boom >&2; exit 4"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 4 || !strings.Contains(res.Output, "boom") {
		t.Errorf("stderr or exit code lost: %+v", res)
	}
}

func TestLocalExecutorTimeout(t *testing.T) {
	exec := NewLocalExecutor(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := exec.Run(ctx, t.TempDir(), []string{"sleep", "30"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut || res.ExitCode == 0 {
		t.Errorf("expected timed-out result, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}
