// Package lifecycle enforces at-most-one running container per host port:
// discovery of the current holder, retiring it, and launching a replacement.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/docker"
)

// =============================================================================
// State Machine
// =============================================================================

// State is the deployment target's container state.
type State string

const (
	// StateIdle: no container bound to the target port.
	StateIdle State = "idle"
	// StateRunning: exactly one container bound to the port.
	StateRunning State = "running"
	// StateDraining: the old container is being stopped and removed.
	StateDraining State = "draining"
	// StateDegraded: terminal failure — the old container is gone (or stuck)
	// and no replacement is running. Manual intervention required; there is
	// no rollback to a removed artifact.
	StateDegraded State = "degraded"
)

// Handle identifies a container bound to the target port.
type Handle struct {
	ID    string
	Name  string
	Image string
	Port  int
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns discovery and mutation of container handles for one target
// port. Handles are not persisted beyond a run.
type Manager struct {
	docker      docker.Client
	logger      *slog.Logger
	stopTimeout time.Duration

	mu    sync.Mutex
	state State
}

// NewManager creates a lifecycle manager.
func NewManager(dockerClient docker.Client, stopTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &Manager{
		docker:      dockerClient,
		logger:      logger,
		stopTimeout: stopTimeout,
		state:       StateIdle,
	}
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Discover returns the zero-or-one running container publishing port. Zero is
// not an error: it is the first deployment to this target.
func (m *Manager) Discover(ctx context.Context, port int) (*Handle, error) {
	containers, err := m.docker.ListContainers(ctx, docker.ListOptions{
		Filters: map[string]string{
			"publish": fmt.Sprintf("%d", port),
		},
	})
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.StageRetireOld,
			fmt.Sprintf("failed to discover container on port %d: %v", port, err), pipeline.ErrRetireFailed)
	}

	for _, c := range containers {
		for _, p := range c.Ports {
			if p.HostPort == port {
				m.setState(StateRunning)
				m.logger.Info("discovered container on port",
					"port", port,
					"container_id", shortID(c.ID),
					"image", c.Image,
				)
				return &Handle{ID: c.ID, Name: c.Name, Image: c.Image, Port: port}, nil
			}
		}
	}

	m.setState(StateIdle)
	m.logger.Info("no container bound to port", "port", port)
	return nil, nil
}

// Retire stops and removes the container behind handle. Either step failing
// aborts the run before any replacement starts, preserving port-binding
// uniqueness at the cost of a deploy outage window. The container may be left
// in a stopped intermediate state needing operator cleanup.
func (m *Manager) Retire(ctx context.Context, handle *Handle) error {
	m.setState(StateDraining)
	m.logger.Info("retiring container", "container_id", shortID(handle.ID), "port", handle.Port)

	timeout := m.stopTimeout
	if err := m.docker.StopContainer(ctx, handle.ID, &timeout); err != nil {
		m.setState(StateDegraded)
		return pipeline.NewStageError(pipeline.StageRetireOld,
			fmt.Sprintf("failed to stop container %s: %v", shortID(handle.ID), err), pipeline.ErrRetireFailed)
	}

	if err := m.docker.RemoveContainer(ctx, handle.ID, docker.RemoveOptions{Force: true}); err != nil {
		m.setState(StateDegraded)
		return pipeline.NewStageError(pipeline.StageRetireOld,
			fmt.Sprintf("failed to remove container %s: %v", shortID(handle.ID), err), pipeline.ErrRetireFailed)
	}

	m.setState(StateIdle)
	m.logger.Info("container retired", "container_id", shortID(handle.ID))
	return nil
}

// Launch starts a replacement container from ref on port, with every bundle
// entry exposed as a runtime environment variable. Failure here is the most
// severe class: the previous container is already gone and the port sits
// empty until an operator intervenes.
func (m *Manager) Launch(ctx context.Context, ref release.ImageRef, bundle *release.SecretBundle, port int, name, runID string) (*Handle, error) {
	spec := docker.ContainerSpec{
		Name:  name,
		Image: ref.String(),
		Env:   bundle.Env(),
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRunID:   runID,
		},
		Ports: []docker.PortBinding{
			{ContainerPort: port, HostPort: port, Protocol: "tcp"},
		},
		RestartPolicy: "unless-stopped",
	}

	containerID, err := m.docker.CreateContainer(ctx, spec)
	if err != nil {
		m.setState(StateDegraded)
		return nil, pipeline.NewStageError(pipeline.StageLaunchNew,
			fmt.Sprintf("failed to create container from %s: %v", ref.String(), err), pipeline.ErrLaunchFailed)
	}

	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		// Leave no half-created replacement behind the degraded port.
		_ = m.docker.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true})
		m.setState(StateDegraded)
		return nil, pipeline.NewStageError(pipeline.StageLaunchNew,
			fmt.Sprintf("failed to start container %s: %v", shortID(containerID), err), pipeline.ErrLaunchFailed)
	}

	info, err := m.docker.InspectContainer(ctx, containerID)
	if err != nil {
		m.setState(StateDegraded)
		return nil, pipeline.NewStageError(pipeline.StageLaunchNew,
			fmt.Sprintf("failed to inspect launched container %s: %v", shortID(containerID), err), pipeline.ErrLaunchFailed)
	}
	if info.State != docker.ContainerStateRunning {
		m.setState(StateDegraded)
		return nil, pipeline.NewStageError(pipeline.StageLaunchNew,
			fmt.Sprintf("container %s is %s, expected running", shortID(containerID), info.State), pipeline.ErrLaunchFailed)
	}

	m.setState(StateRunning)
	m.logger.Info("launched container",
		"container_id", shortID(containerID),
		"image", ref.String(),
		"port", port,
	)
	return &Handle{ID: containerID, Name: name, Image: ref.String(), Port: port}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
