// Package workspace manages the exercises checkout the agents work in.
// Each run gets a fresh branch off the base ref; results are committed at
// the end so a run's diffs stay inspectable.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// Workspace is a git checkout holding exercises as
// {root}/{language}/{exercise}/.
type Workspace struct {
	root    string
	baseRef string
	logger  *logger.Logger
}

func New(root, baseRef string, log *logger.Logger) *Workspace {
	if baseRef == "" {
		baseRef = "main"
	}
	return &Workspace{root: root, baseRef: baseRef, logger: log}
}

// Root returns the checkout root.
func (w *Workspace) Root() string { return w.root }

// ExerciseDir returns the directory for one (language, exercise) pair.
func (w *Workspace) ExerciseDir(language, exercise string) string {
	return filepath.Join(w.root, language, exercise)
}

// ExerciseExists reports whether the exercise directory is present.
func (w *Workspace) ExerciseExists(language, exercise string) bool {
	info, err := os.Stat(w.ExerciseDir(language, exercise))
	return err == nil && info.IsDir()
}

// Prepare resets the checkout to the base ref and creates the run branch
// runs/{runID}-{suffix}. Any leftover state from a previous run is discarded.
func (w *Workspace) Prepare(ctx context.Context, runID int64) (string, error) {
	if err := w.ensureIdentity(ctx); err != nil {
		return "", err
	}

	if _, err := w.git(ctx, "checkout", "--force", w.baseRef); err != nil {
		return "", fmt.Errorf("checking out %s: %w", w.baseRef, err)
	}
	if _, err := w.git(ctx, "clean", "-fd"); err != nil {
		return "", fmt.Errorf("cleaning workspace: %w", err)
	}

	branch := fmt.Sprintf("runs/%d-%s", runID, uuid.NewString()[:8])
	if _, err := w.git(ctx, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", branch, err)
	}

	w.logger.Info("workspace prepared",
		zap.Int64("run_id", runID),
		zap.String("branch", branch))
	return branch, nil
}

// Commit records everything the run produced. A run where no agent changed
// a file commits nothing and is not an error.
func (w *Workspace) Commit(ctx context.Context, runID int64) error {
	if _, err := w.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("staging results: %w", err)
	}

	out, err := w.git(ctx, "commit", "-m", fmt.Sprintf("Run #%d", runID))
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			w.logger.Info("no changes to commit", zap.Int64("run_id", runID))
			return nil
		}
		return fmt.Errorf("committing results: %w", err)
	}
	return nil
}

// ensureIdentity sets a repo-local committer identity when none is
// configured, so Commit never fails on a bare CI host.
func (w *Workspace) ensureIdentity(ctx context.Context) error {
	if _, err := w.git(ctx, "config", "user.email"); err != nil {
		if _, err := w.git(ctx, "config", "user.email", "harness@mcpbench.local"); err != nil {
			return fmt.Errorf("setting committer email: %w", err)
		}
	}
	if _, err := w.git(ctx, "config", "user.name"); err != nil {
		if _, err := w.git(ctx, "config", "user.name", "mcpbench harness"); err != nil {
			return fmt.Errorf("setting committer name: %w", err)
		}
	}
	return nil
}

func (w *Workspace) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apperrors.InternalError(
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out))), err)
	}
	return string(out), nil
}
