// Package release holds the pure artifact types flowing through a deployment
// run: the build specification, image references, and the in-memory secret
// bundle injected at container launch.
package release

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidBuildSpec = errors.New("invalid build specification")
	ErrInvalidImageRef  = errors.New("invalid image reference")
)

// =============================================================================
// Build Specification
// =============================================================================

// BuildSpec identifies the source location, build context and resulting image
// name for one run. It is immutable once the run starts.
type BuildSpec struct {
	RepoURL    string
	Ref        string
	ContextDir string // relative path inside the checkout, "." for root
	Dockerfile string // relative to ContextDir, default "Dockerfile"
	ImageName  string
}

// Validate checks the spec before any stage consumes it.
func (s BuildSpec) Validate() error {
	if s.RepoURL == "" {
		return fmt.Errorf("%w: repo url is required", ErrInvalidBuildSpec)
	}
	if s.ImageName == "" {
		return fmt.Errorf("%w: image name is required", ErrInvalidBuildSpec)
	}
	return nil
}

// DockerfileName returns the configured Dockerfile or the default.
func (s BuildSpec) DockerfileName() string {
	if s.Dockerfile == "" {
		return "Dockerfile"
	}
	return s.Dockerfile
}

// =============================================================================
// Image Reference
// =============================================================================

// ImageRef is a (registry, repository, tag) triple uniquely identifying a
// built artifact. An empty Registry denotes a local-only image.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
}

// String renders the fully qualified reference.
func (r ImageRef) String() string {
	name := r.Repository
	if r.Registry != "" {
		name = r.Registry + "/" + r.Repository
	}
	if r.Tag == "" {
		return name
	}
	return name + ":" + r.Tag
}

// InRegistry returns the same repository and tag re-homed into a registry
// namespace, used when retagging a local build for push.
func (r ImageRef) InRegistry(registry, repository string) ImageRef {
	if repository == "" {
		repository = r.Repository
	}
	return ImageRef{Registry: registry, Repository: repository, Tag: r.Tag}
}

// Validate checks the reference can be pushed.
func (r ImageRef) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidImageRef)
	}
	if r.Tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidImageRef)
	}
	if strings.ContainsAny(r.Tag, " /:") {
		return fmt.Errorf("%w: tag %q contains invalid characters", ErrInvalidImageRef, r.Tag)
	}
	return nil
}

// LocalRef builds the local image reference for a run. Tags are generated per
// run and never reused for a different artifact.
func LocalRef(imageName, runShortID string) ImageRef {
	return ImageRef{
		Repository: imageName,
		Tag:        fmt.Sprintf("run-%s", runShortID),
	}
}
