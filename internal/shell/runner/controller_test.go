package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/lifecycle"
	"github.com/ledgerscan/deployer/internal/shell/registry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeCheckout struct {
	calls        int
	cleanupCalls int
	err          error
}

func (f *fakeCheckout) Checkout(ctx context.Context, repoURL, ref, runID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "/tmp/checkout", nil
}

func (f *fakeCheckout) Cleanup(runID string) { f.cleanupCalls++ }

type fakeSecrets struct {
	bundle *release.SecretBundle
	err    error
}

func (f *fakeSecrets) Provision(ctx context.Context) (*release.SecretBundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

type fakePublisher struct {
	authErr   error
	tagErr    error
	pushErr   error
	pushCalls int
	pushedRef release.ImageRef
}

func (f *fakePublisher) Authenticate(ctx context.Context) (registry.Session, error) {
	if f.authErr != nil {
		return registry.Session{}, f.authErr
	}
	return registry.Session{Registry: "123.dkr.ecr.eu-west-1.amazonaws.com"}, nil
}

func (f *fakePublisher) Tag(ctx context.Context, local release.ImageRef, session registry.Session) (release.ImageRef, error) {
	if f.tagErr != nil {
		return release.ImageRef{}, f.tagErr
	}
	return local.InRegistry(session.Registry, "ledgerscan"), nil
}

func (f *fakePublisher) Push(ctx context.Context, remote release.ImageRef, session registry.Session) error {
	f.pushCalls++
	f.pushedRef = remote
	return f.pushErr
}

type fakeBuilder struct {
	calls    int
	builtRef release.ImageRef
	err      error
}

func (f *fakeBuilder) Build(ctx context.Context, spec release.BuildSpec, workdir string, ref release.ImageRef) error {
	f.calls++
	f.builtRef = ref
	return f.err
}

type fakeLifecycle struct {
	existing    *lifecycle.Handle
	discoverErr error
	retireErr   error
	launchErr   error

	retireCalls int
	launchCalls int
	launched    *lifecycle.Handle
	state       lifecycle.State
}

func (f *fakeLifecycle) Discover(ctx context.Context, port int) (*lifecycle.Handle, error) {
	return f.existing, f.discoverErr
}

func (f *fakeLifecycle) Retire(ctx context.Context, handle *lifecycle.Handle) error {
	f.retireCalls++
	if f.retireErr != nil {
		f.state = lifecycle.StateDegraded
		return f.retireErr
	}
	f.existing = nil
	return nil
}

func (f *fakeLifecycle) Launch(ctx context.Context, ref release.ImageRef, bundle *release.SecretBundle, port int, name, runID string) (*lifecycle.Handle, error) {
	f.launchCalls++
	if f.launchErr != nil {
		f.state = lifecycle.StateDegraded
		return nil, f.launchErr
	}
	f.launched = &lifecycle.Handle{ID: "new-id", Name: name, Image: ref.String(), Port: port}
	f.state = lifecycle.StateRunning
	return f.launched, nil
}

func (f *fakeLifecycle) State() lifecycle.State { return f.state }

type fakeNotifier struct {
	calls int
	last  *pipeline.Run
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, run *pipeline.Run) error {
	f.calls++
	f.last = run
	return f.err
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	checkout  *fakeCheckout
	secrets   *fakeSecrets
	publisher *fakePublisher
	builder   *fakeBuilder
	lifecycle *fakeLifecycle
	notifier  *fakeNotifier
	ctrl      *Controller
}

func newHarness() *harness {
	bundle := release.NewSecretBundle()
	for _, k := range release.RequiredSecretKeys() {
		bundle.Set(k, "value")
	}

	h := &harness{
		checkout:  &fakeCheckout{},
		secrets:   &fakeSecrets{bundle: bundle},
		publisher: &fakePublisher{},
		builder:   &fakeBuilder{},
		lifecycle: &fakeLifecycle{state: lifecycle.StateIdle},
		notifier:  &fakeNotifier{},
	}

	cfg := Config{
		Build: release.BuildSpec{
			RepoURL:   "git@example.com:ledgerscan/app.git",
			ImageName: "ledgerscan",
		},
		Port:          8001,
		ContainerName: "ledgerscan-app",
		Timeouts: Timeouts{
			Checkout: time.Second,
			Secrets:  time.Second,
			Auth:     time.Second,
			Build:    time.Second,
			Push:     time.Second,
			Retire:   time.Second,
			Launch:   time.Second,
			Notify:   time.Second,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ctrl = NewController(cfg, h.checkout, h.secrets, h.publisher, h.builder, h.lifecycle, h.notifier, nil, logger)
	return h
}

// =============================================================================
// Tests
// =============================================================================

func TestDeploy_FullSuccess(t *testing.T) {
	h := newHarness()
	h.lifecycle.existing = &lifecycle.Handle{ID: "old-id", Image: "stale", Port: 8001}

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Succeeded())

	// Every stage recorded success, in pipeline order.
	require.Len(t, run.Results, len(pipeline.Stages()))
	for i, s := range pipeline.Stages() {
		assert.Equal(t, s, run.Results[i].Stage)
		assert.Equal(t, pipeline.StatusSuccess, run.Results[i].Status)
	}

	// The launched container runs exactly the image pushed this run.
	assert.Equal(t, 1, h.publisher.pushCalls)
	require.NotNil(t, h.lifecycle.launched)
	assert.Equal(t, h.publisher.pushedRef.String(), h.lifecycle.launched.Image)
	assert.Equal(t, run.Image, h.lifecycle.launched.Image)

	assert.Equal(t, 1, h.lifecycle.retireCalls)
	assert.Equal(t, 1, h.lifecycle.launchCalls)
	assert.Equal(t, 1, h.notifier.calls)
	assert.Equal(t, 1, h.checkout.cleanupCalls)
}

func TestDeploy_FirstDeploymentSkipsRetire(t *testing.T) {
	h := newHarness() // no existing container on the port

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.NoError(t, err)
	assert.True(t, run.Succeeded())

	assert.Equal(t, 0, h.lifecycle.retireCalls)
	assert.Equal(t, 1, h.lifecycle.launchCalls)

	res, ok := run.Result(pipeline.StageRetireOld)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Contains(t, res.Detail, "no container bound")
}

func TestDeploy_BuildFailureSkipsRemainingAndNotifies(t *testing.T) {
	h := newHarness()
	h.builder.err = pipeline.NewStageError(pipeline.StageBuild, "dockerfile syntax error", pipeline.ErrBuildFailed)

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassBuild, pipeline.Class(err))
	assert.False(t, run.Succeeded())

	stage, failed := run.FailedStage()
	require.True(t, failed)
	assert.Equal(t, pipeline.StageBuild, stage)

	for _, s := range []pipeline.Stage{pipeline.StageTag, pipeline.StagePush, pipeline.StageRetireOld, pipeline.StageLaunchNew} {
		res, ok := run.Result(s)
		require.True(t, ok)
		assert.Equal(t, pipeline.StatusSkipped, res.Status, "stage %s", s)
	}

	// notify(failure, stage=build) is the terminal action.
	assert.Equal(t, 1, h.notifier.calls)
	notifiedStage, _ := h.notifier.last.FailedStage()
	assert.Equal(t, pipeline.StageBuild, notifiedStage)
	assert.Equal(t, 0, h.publisher.pushCalls)
	assert.Equal(t, 0, h.lifecycle.launchCalls)
}

func TestDeploy_RetireFailureNeverLaunches(t *testing.T) {
	h := newHarness()
	h.lifecycle.existing = &lifecycle.Handle{ID: "old-id", Port: 8001}
	h.lifecycle.retireErr = pipeline.NewStageError(pipeline.StageRetireOld, "stop timed out", pipeline.ErrRetireFailed)

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassRetire, pipeline.Class(err))

	assert.Equal(t, 1, h.lifecycle.retireCalls)
	assert.Equal(t, 0, h.lifecycle.launchCalls, "launch-new must never run after a failed retire")
	assert.False(t, run.Succeeded())
	assert.Equal(t, 1, h.notifier.calls)
}

func TestDeploy_LaunchFailureIsDegraded(t *testing.T) {
	h := newHarness()
	h.lifecycle.existing = &lifecycle.Handle{ID: "old-id", Port: 8001}
	h.lifecycle.launchErr = pipeline.NewStageError(pipeline.StageLaunchNew, "image will not start", pipeline.ErrLaunchFailed)

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassLaunch, pipeline.Class(err))

	// Distinguishable from success: run failed at launch-new and the
	// lifecycle is degraded with nothing on the port.
	assert.False(t, run.Succeeded())
	stage, _ := run.FailedStage()
	assert.Equal(t, pipeline.StageLaunchNew, stage)
	assert.Equal(t, lifecycle.StateDegraded, h.lifecycle.State())
	assert.Nil(t, h.lifecycle.existing)
}

func TestDeploy_MissingSecretsShortCircuit(t *testing.T) {
	h := newHarness()
	h.secrets.err = &pipeline.MissingSecretError{Keys: []string{"S3_BUCKET_NAME", "OPENAI_API_KEY"}}

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassSecrets, pipeline.Class(err))
	assert.Contains(t, err.Error(), "S3_BUCKET_NAME")
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	assert.Equal(t, 0, h.builder.calls)
	assert.Equal(t, 1, h.notifier.calls)
	assert.False(t, run.Succeeded())
}

func TestDeploy_NotifyFailureDoesNotMaskSuccess(t *testing.T) {
	h := newHarness()
	h.notifier.err = pipeline.NewStageError(pipeline.StageNotify, "webhook 500", pipeline.ErrNotifyFailed)

	run, err := h.ctrl.Deploy(context.Background(), "main")
	require.NoError(t, err, "notification failure must not change the run outcome")
	assert.True(t, run.Succeeded())

	res, ok := run.Result(pipeline.StageNotify)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusFailure, res.Status)
}

func TestDeploy_SecretsZeroedAfterRun(t *testing.T) {
	h := newHarness()
	bundle := h.secrets.bundle

	_, err := h.ctrl.Deploy(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, 0, bundle.Len(), "secrets must not outlive the run")
}

func TestDeploy_SecretsZeroedOnFailureToo(t *testing.T) {
	h := newHarness()
	bundle := h.secrets.bundle
	h.lifecycle.launchErr = pipeline.NewStageError(pipeline.StageLaunchNew, "boom", pipeline.ErrLaunchFailed)

	_, err := h.ctrl.Deploy(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, 0, bundle.Len())
}

func TestDeploy_RejectsConcurrentRunOnSamePort(t *testing.T) {
	h := newHarness()

	h.ctrl.portLock(8001).Lock()
	defer h.ctrl.portLock(8001).Unlock()

	run, err := h.ctrl.Deploy(context.Background(), "main")
	assert.Nil(t, run)
	assert.ErrorIs(t, err, pipeline.ErrDeployInFlight)
	assert.Equal(t, 0, h.checkout.calls)
	assert.Equal(t, 0, h.notifier.calls)
}

func TestDeploy_CancelledContextSkipsStagesButNotifies(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.ctrl.Deploy(ctx, "main")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// The abort is reported like any failure: remaining stages skipped and
	// the failure notification still delivered.
	assert.False(t, run.Succeeded())
	assert.Equal(t, 1, h.notifier.calls)
	assert.Equal(t, 0, h.builder.calls)
}
