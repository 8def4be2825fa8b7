// Package gitsrc materializes a source tree for a build by shelling out to
// git. The tree is consumed by the build stage, never modified.
package gitsrc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
)

// Checkouter fetches a source ref into a local working tree.
type Checkouter struct {
	baseDir string
	logger  *slog.Logger
}

// NewCheckouter creates a checkouter that places working trees under baseDir.
func NewCheckouter(baseDir string, logger *slog.Logger) *Checkouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkouter{baseDir: baseDir, logger: logger}
}

// Checkout clones repoURL at ref into a run-scoped directory and returns the
// working tree path. An existing directory for the run is replaced.
func (c *Checkouter) Checkout(ctx context.Context, repoURL, ref, runID string) (string, error) {
	workdir := filepath.Join(c.baseDir, runID)
	if err := os.RemoveAll(workdir); err != nil {
		return "", pipeline.NewStageError(pipeline.StageCheckout,
			fmt.Sprintf("failed to clear workdir %s: %v", workdir, err), pipeline.ErrCheckoutFailed)
	}
	if err := os.MkdirAll(c.baseDir, 0755); err != nil {
		return "", pipeline.NewStageError(pipeline.StageCheckout,
			fmt.Sprintf("failed to create base dir %s: %v", c.baseDir, err), pipeline.ErrCheckoutFailed)
	}

	c.logger.Info("checking out source", "repo", repoURL, "ref", ref, "workdir", workdir)

	if err := c.git(ctx, "", "clone", "--depth", "1", "--branch", ref, repoURL, workdir); err != nil {
		// A commit hash is not clonable with --branch; fall back to a full
		// clone plus checkout.
		if err := c.git(ctx, "", "clone", repoURL, workdir); err != nil {
			return "", err
		}
		if err := c.git(ctx, workdir, "checkout", ref); err != nil {
			return "", err
		}
	}

	return workdir, nil
}

// Cleanup removes the run's working tree.
func (c *Checkouter) Cleanup(runID string) {
	workdir := filepath.Join(c.baseDir, runID)
	if err := os.RemoveAll(workdir); err != nil {
		c.logger.Warn("failed to remove workdir", "workdir", workdir, "error", err)
	}
}

func (c *Checkouter) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return pipeline.NewStageError(pipeline.StageCheckout,
			fmt.Sprintf("git %s: %s", args[0], detail), pipeline.ErrCheckoutFailed)
	}
	return nil
}
