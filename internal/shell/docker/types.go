// Package docker wraps the Docker SDK behind a small client interface for
// image build/publish and container lifecycle operations.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the container runtime surface the pipeline depends on. The
// concrete implementation talks to a Docker daemon; tests substitute fakes.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Image operations
	BuildImage(ctx context.Context, contextDir string, opts BuildOptions) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, registryAuth string) error

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string // KEY=value pairs, injected at launch only
	Labels        map[string]string
	Ports         []PortBinding
	RestartPolicy string // "no", "always", "on-failure", "unless-stopped"
}

// PortBinding defines a host-to-container port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" or "udp", default "tcp"
}

// RemoveOptions controls container removal.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions controls container listing.
type ListOptions struct {
	All     bool
	Filters map[string]string
}

// ContainerInfo describes an existing container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string
	CreatedAt time.Time
	Ports     []PortBinding
	Labels    map[string]string
}

// ContainerStateRunning is the daemon's state string for a running container.
const ContainerStateRunning = "running"

// =============================================================================
// Image Types
// =============================================================================

// BuildOptions controls an image build.
type BuildOptions struct {
	Tag        string // full local reference to tag the result with
	Dockerfile string // path relative to the build context
	Labels     map[string]string
	NoCache    bool
}
