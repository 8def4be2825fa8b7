// Package runner sequences the deployment pipeline: checkout, secrets,
// authenticate, build, tag, push, retire-old, launch-new, notify. It owns the
// run record and the per-port mutual exclusion between runs.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/lifecycle"
	"github.com/ledgerscan/deployer/internal/shell/registry"
	"github.com/ledgerscan/deployer/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Checkouter materializes source trees.
type Checkouter interface {
	Checkout(ctx context.Context, repoURL, ref, runID string) (string, error)
	Cleanup(runID string)
}

// SecretProvisioner assembles the run's secret bundle.
type SecretProvisioner interface {
	Provision(ctx context.Context) (*release.SecretBundle, error)
}

// Publisher authenticates to the registry and publishes images.
type Publisher interface {
	Authenticate(ctx context.Context) (registry.Session, error)
	Tag(ctx context.Context, local release.ImageRef, session registry.Session) (release.ImageRef, error)
	Push(ctx context.Context, remote release.ImageRef, session registry.Session) error
}

// ImageBuilder builds a locally tagged image from a source tree.
type ImageBuilder interface {
	Build(ctx context.Context, spec release.BuildSpec, workdir string, ref release.ImageRef) error
}

// Lifecycle replaces the container bound to the target port.
type Lifecycle interface {
	Discover(ctx context.Context, port int) (*lifecycle.Handle, error)
	Retire(ctx context.Context, handle *lifecycle.Handle) error
	Launch(ctx context.Context, ref release.ImageRef, bundle *release.SecretBundle, port int, name, runID string) (*lifecycle.Handle, error)
	State() lifecycle.State
}

// Notifier delivers the terminal run result.
type Notifier interface {
	Notify(ctx context.Context, run *pipeline.Run) error
}

// =============================================================================
// Controller
// =============================================================================

// Timeouts bounds each stage. A stage exceeding its timeout fails; it is
// never left as a silent hang.
type Timeouts struct {
	Checkout time.Duration
	Secrets  time.Duration
	Auth     time.Duration
	Build    time.Duration
	Push     time.Duration
	Retire   time.Duration
	Launch   time.Duration
	Notify   time.Duration
}

// Config holds controller configuration.
type Config struct {
	Build         release.BuildSpec
	Port          int
	ContainerName string
	Timeouts      Timeouts
}

// Controller drives one pipeline run at a time per target port. All
// collaborators are injected at construction; stages read no ambient state.
type Controller struct {
	cfg       Config
	checkout  Checkouter
	secrets   SecretProvisioner
	publisher Publisher
	builder   ImageBuilder
	lifecycle Lifecycle
	notifier  Notifier
	history   store.RunStore // nil disables run history
	logger    *slog.Logger

	mu        sync.Mutex
	portLocks map[int]*sync.Mutex
}

// NewController creates a pipeline controller. history may be nil.
func NewController(
	cfg Config,
	checkout Checkouter,
	secrets SecretProvisioner,
	publisher Publisher,
	builder ImageBuilder,
	lc Lifecycle,
	notifier Notifier,
	history store.RunStore,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		checkout:  checkout,
		secrets:   secrets,
		publisher: publisher,
		builder:   builder,
		lifecycle: lc,
		notifier:  notifier,
		history:   history,
		logger:    logger,
		portLocks: make(map[int]*sync.Mutex),
	}
}

// Deploy executes the full pipeline for the given source ref. The returned
// run always carries the complete stage record; the error is the first stage
// failure, or nil when every required stage succeeded. A second run arriving
// while one holds the target port is rejected, not queued: the caller is a CI
// trigger that can retry.
func (c *Controller) Deploy(ctx context.Context, ref string) (*pipeline.Run, error) {
	lock := c.portLock(c.cfg.Port)
	if !lock.TryLock() {
		return nil, fmt.Errorf("port %d: %w", c.cfg.Port, pipeline.ErrDeployInFlight)
	}
	defer lock.Unlock()

	run := pipeline.NewRun(ref)
	c.logger.Info("pipeline run started", "run_id", run.ID, "ref", ref, "port", c.cfg.Port)

	var bundle *release.SecretBundle
	defer func() {
		// Secrets never outlive the run, on any exit path.
		if bundle != nil {
			bundle.Zero()
		}
	}()
	defer c.checkout.Cleanup(run.ID)

	err := c.execute(ctx, run, &bundle)
	if err != nil {
		run.SkipRemaining()
	}

	c.deliverNotification(run)
	run.Finish()
	c.persist(run)

	if err != nil {
		stage, _ := run.FailedStage()
		c.logger.Error("pipeline run failed",
			"run_id", run.ID,
			"stage", stage,
			"error", err,
			"duration", run.Duration(),
		)
		return run, err
	}

	c.logger.Info("pipeline run succeeded",
		"run_id", run.ID,
		"image", run.Image,
		"duration", run.Duration(),
	)
	return run, nil
}

// execute runs the stages before notify, stopping at the first failure.
func (c *Controller) execute(ctx context.Context, run *pipeline.Run, bundle **release.SecretBundle) error {
	spec := c.cfg.Build
	spec.Ref = run.Ref

	// checkout
	var workdir string
	err := c.stage(ctx, run, pipeline.StageCheckout, c.cfg.Timeouts.Checkout, func(sctx context.Context) (string, error) {
		wd, err := c.checkout.Checkout(sctx, spec.RepoURL, spec.Ref, run.ID)
		workdir = wd
		return wd, err
	})
	if err != nil {
		return err
	}

	// secrets
	err = c.stage(ctx, run, pipeline.StageSecrets, c.cfg.Timeouts.Secrets, func(sctx context.Context) (string, error) {
		b, err := c.secrets.Provision(sctx)
		if err != nil {
			return "", err
		}
		*bundle = b
		return fmt.Sprintf("%d secrets provisioned", b.Len()), nil
	})
	if err != nil {
		return err
	}

	// authenticate
	var session registry.Session
	err = c.stage(ctx, run, pipeline.StageAuthenticate, c.cfg.Timeouts.Auth, func(sctx context.Context) (string, error) {
		s, err := c.publisher.Authenticate(sctx)
		if err != nil {
			return "", err
		}
		session = s
		return s.Registry, nil
	})
	if err != nil {
		return err
	}

	// build
	local := release.LocalRef(spec.ImageName, run.ShortID())
	err = c.stage(ctx, run, pipeline.StageBuild, c.cfg.Timeouts.Build, func(sctx context.Context) (string, error) {
		if err := spec.Validate(); err != nil {
			return "", pipeline.NewStageError(pipeline.StageBuild, err.Error(), pipeline.ErrBuildFailed)
		}
		return local.String(), c.builder.Build(sctx, spec, workdir, local)
	})
	if err != nil {
		return err
	}

	// tag
	var remote release.ImageRef
	err = c.stage(ctx, run, pipeline.StageTag, c.cfg.Timeouts.Push, func(sctx context.Context) (string, error) {
		r, err := c.publisher.Tag(sctx, local, session)
		if err != nil {
			return "", err
		}
		remote = r
		run.Image = r.String()
		return r.String(), nil
	})
	if err != nil {
		return err
	}

	// push
	err = c.stage(ctx, run, pipeline.StagePush, c.cfg.Timeouts.Push, func(sctx context.Context) (string, error) {
		return remote.String(), c.publisher.Push(sctx, remote, session)
	})
	if err != nil {
		return err
	}

	// retire-old
	err = c.stage(ctx, run, pipeline.StageRetireOld, c.cfg.Timeouts.Retire, func(sctx context.Context) (string, error) {
		handle, err := c.lifecycle.Discover(sctx, c.cfg.Port)
		if err != nil {
			return "", err
		}
		if handle == nil {
			return fmt.Sprintf("no container bound to port %d", c.cfg.Port), nil
		}
		if err := c.lifecycle.Retire(sctx, handle); err != nil {
			return "", err
		}
		return fmt.Sprintf("retired %s", handle.ID), nil
	})
	if err != nil {
		return err
	}

	// launch-new
	return c.stage(ctx, run, pipeline.StageLaunchNew, c.cfg.Timeouts.Launch, func(sctx context.Context) (string, error) {
		handle, err := c.lifecycle.Launch(sctx, remote, *bundle, c.cfg.Port, c.cfg.ContainerName, run.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("launched %s on port %d", handle.ID, handle.Port), nil
	})
}

// stage runs one stage with its bounded timeout and records the result.
// Cancellation is honored between stages, never inside one: a running stage
// completes or times out.
func (c *Controller) stage(ctx context.Context, run *pipeline.Run, stage pipeline.Stage, timeout time.Duration, fn func(context.Context) (string, error)) error {
	if err := ctx.Err(); err != nil {
		abort := pipeline.NewStageError(stage, "run aborted", err)
		run.Record(stage, pipeline.StatusFailure, abort.Error())
		return abort
	}

	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.logger.Debug("stage started", "run_id", run.ID, "stage", stage)
	detail, err := fn(sctx)
	if err != nil {
		run.Record(stage, pipeline.StatusFailure, err.Error())
		return err
	}
	run.Record(stage, pipeline.StatusSuccess, detail)
	c.logger.Debug("stage completed", "run_id", run.ID, "stage", stage, "detail", detail)
	return nil
}

// deliverNotification sends the terminal result. Delivery failure is recorded
// and logged but never escalated: it cannot mask or overwrite the pipeline's
// actual outcome.
func (c *Controller) deliverNotification(run *pipeline.Run) {
	ctx := context.Background()
	timeout := c.cfg.Timeouts.Notify
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.notifier.Notify(nctx, run); err != nil {
		run.Record(pipeline.StageNotify, pipeline.StatusFailure, err.Error())
		c.logger.Warn("notification delivery failed", "run_id", run.ID, "error", err)
		return
	}
	run.Record(pipeline.StageNotify, pipeline.StatusSuccess, "")
}

// persist saves run history best-effort when a store is configured.
func (c *Controller) persist(run *pipeline.Run) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.history.SaveRun(ctx, run); err != nil {
		c.logger.Warn("failed to persist run history", "run_id", run.ID, "error", err)
	}
}

func (c *Controller) portLock(port int) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.portLocks[port]
	if !ok {
		lock = &sync.Mutex{}
		c.portLocks[port] = lock
	}
	return lock
}
