// Package builder produces a locally tagged container image from a checked
// out source tree.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/docker"
)

// Builder builds images through the container runtime.
type Builder struct {
	docker docker.Client
	logger *slog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(dockerClient docker.Client, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{docker: dockerClient, logger: logger}
}

// Build builds the image described by spec from the checkout at workdir and
// tags it with ref. A failed build is fatal to the run; it is never retried
// and never pushed.
func (b *Builder) Build(ctx context.Context, spec release.BuildSpec, workdir string, ref release.ImageRef) error {
	contextDir := filepath.Join(workdir, spec.ContextDir)
	if info, err := os.Stat(contextDir); err != nil || !info.IsDir() {
		return pipeline.NewStageError(pipeline.StageBuild,
			fmt.Sprintf("build context %s is not a directory", contextDir), pipeline.ErrBuildFailed)
	}
	if _, err := os.Stat(filepath.Join(contextDir, spec.DockerfileName())); err != nil {
		return pipeline.NewStageError(pipeline.StageBuild,
			fmt.Sprintf("dockerfile %s not found in build context", spec.DockerfileName()), pipeline.ErrBuildFailed)
	}

	b.logger.Info("building image",
		"image", ref.String(),
		"context", contextDir,
		"dockerfile", spec.DockerfileName(),
	)

	err := b.docker.BuildImage(ctx, contextDir, docker.BuildOptions{
		Tag:        ref.String(),
		Dockerfile: spec.DockerfileName(),
		Labels: map[string]string{
			docker.LabelManaged:   "true",
			docker.LabelSourceRef: spec.Ref,
		},
	})
	if err != nil {
		return pipeline.NewStageError(pipeline.StageBuild, err.Error(), pipeline.ErrBuildFailed)
	}

	b.logger.Info("image built", "image", ref.String())
	return nil
}
