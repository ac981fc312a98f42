// Package runner executes an exercise's test suite and decides the verdict.
package runner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// outputCap bounds the stored test output; the tail is what matters.
const outputCap = 64 * 1024

// languageCommands maps a language to the command sequence run in the
// exercise directory. Every command must exit 0 for the suite to pass.
var languageCommands = map[string][][]string{
	"go": {
		{"go", "test", "./..."},
	},
	"javascript": {
		{"pnpm", "install", "--ignore-workspace"},
		{"pnpm", "test"},
	},
	"python": {
		// Collection is pinned to *_test.py so checked-in example tests
		// (test_*.py) are never picked up.
		{"uv", "run", "python", "-m", "pytest", "-o", "markers=task", "-o", "python_files=*_test.py", "."},
	},
	"rust": {
		{"cargo", "test"},
	},
	"java": {
		{"./gradlew", "test"},
	},
}

// failurePatterns downgrade a zero-exit run whose output still reports
// failures. They are never used in the other direction; a non-zero exit is
// always a failure no matter what the output says.
var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^--- FAIL`),
	regexp.MustCompile(`(?m)^FAIL\b`),
	regexp.MustCompile(`\b[1-9]\d* failed\b`),
	regexp.MustCompile(`\bTests:.*\bfailed\b`),
	regexp.MustCompile(`(?m)^BUILD FAILED`),
	regexp.MustCompile(`error\[E\d+\]`),
}

// Languages returns the supported language names, sorted.
func Languages() []string {
	out := make([]string, 0, len(languageCommands))
	for name := range languageCommands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether the language has a command table.
func Supported(language string) bool {
	_, ok := languageCommands[language]
	return ok
}

// Result is the verdict for one exercise's test run.
type Result struct {
	Passed   bool
	Output   string
	Duration time.Duration
	TimedOut bool
	// FailedCommand is the command that decided a failure, empty on pass.
	FailedCommand string
}

// Runner executes language test suites through an Executor.
type Runner struct {
	exec    Executor
	timeout time.Duration
	logger  *logger.Logger
}

// NewRunner builds a runner. timeout applies to each command separately.
func NewRunner(exec Executor, timeout time.Duration, log *logger.Logger) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{exec: exec, timeout: timeout, logger: log}
}

// Run executes the language's command sequence in dir and returns the
// verdict. The first failing command short-circuits the rest.
func (r *Runner) Run(ctx context.Context, language, dir string) (*Result, error) {
	commands, ok := languageCommands[language]
	if !ok {
		return nil, apperrors.Config(fmt.Sprintf("unsupported language %q", language))
	}

	result := &Result{Passed: true}
	var output strings.Builder
	for _, command := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.exec.Run(cmdCtx, dir, command)
		cancel()
		if err != nil {
			return nil, err
		}

		output.WriteString(res.Output)
		result.Duration += res.Duration
		r.logger.Debug("test command finished",
			zap.String("language", language),
			zap.Strings("command", command),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut))

		if res.TimedOut {
			result.Passed = false
			result.TimedOut = true
			result.FailedCommand = strings.Join(command, " ")
			break
		}
		if res.ExitCode != 0 {
			result.Passed = false
			result.FailedCommand = strings.Join(command, " ")
			break
		}
		if looksFailed(res.Output) {
			result.Passed = false
			result.FailedCommand = strings.Join(command, " ")
			break
		}
	}

	result.Output = truncateTail(output.String(), outputCap)
	return result, nil
}

func looksFailed(output string) bool {
	for _, pat := range failurePatterns {
		if pat.MatchString(output) {
			return true
		}
	}
	return false
}

func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "...[truncated]...\n" + s[len(s)-limit:]
}
