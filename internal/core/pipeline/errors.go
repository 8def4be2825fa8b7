package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

var (
	// ErrCheckoutFailed means the source tree could not be materialized.
	ErrCheckoutFailed = errors.New("source checkout failed")

	// ErrAuthFailed means registry authentication was rejected. Fatal; a retry
	// without fresh credentials cannot succeed.
	ErrAuthFailed = errors.New("registry authentication failed")

	// ErrBuildFailed means the image build exited non-zero or the build context
	// was invalid. Fatal; a failed build is never pushed.
	ErrBuildFailed = errors.New("image build failed")

	// ErrPushFailed means the push did not succeed after bounded retries.
	ErrPushFailed = errors.New("image push failed")

	// ErrRetireFailed means the previous container could not be stopped or
	// removed. The run aborts before any replacement starts.
	ErrRetireFailed = errors.New("container retire failed")

	// ErrLaunchFailed means the replacement container did not start after the
	// previous one was already removed. The service is down.
	ErrLaunchFailed = errors.New("container launch failed")

	// ErrNotifyFailed means the terminal notification could not be delivered.
	// Best-effort: it never changes the run's recorded outcome.
	ErrNotifyFailed = errors.New("notification delivery failed")

	// ErrDeployInFlight means another run already holds the target port.
	ErrDeployInFlight = errors.New("deployment already in flight for port")
)

// MissingSecretError reports every required secret absent from the secure
// source, not just the first, so operators can fix all of them at once.
type MissingSecretError struct {
	Keys []string
}

func (e *MissingSecretError) Error() string {
	keys := append([]string(nil), e.Keys...)
	sort.Strings(keys)
	return fmt.Sprintf("missing required secrets: %s", strings.Join(keys, ", "))
}

// StageError wraps a component failure with the stage it occurred in.
type StageError struct {
	Stage  Stage
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Detail, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a StageError.
func NewStageError(stage Stage, detail string, err error) *StageError {
	return &StageError{Stage: stage, Detail: detail, Err: err}
}

// =============================================================================
// Failure Classes
// =============================================================================

// FailureClass groups pipeline failures for operator triage and process exit
// codes. LaunchFailure is the most severe class: the previous container is
// already gone, so the service is down until someone intervenes.
type FailureClass int

const (
	ClassNone FailureClass = iota
	ClassCheckout
	ClassSecrets
	ClassAuth
	ClassBuild
	ClassPush
	ClassRetire
	ClassLaunch
	ClassNotify
	ClassInFlight
	ClassUnknown
)

// Class maps an error from any pipeline component to its failure class.
func Class(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	var missing *MissingSecretError
	switch {
	case errors.As(err, &missing):
		return ClassSecrets
	case errors.Is(err, ErrCheckoutFailed):
		return ClassCheckout
	case errors.Is(err, ErrAuthFailed):
		return ClassAuth
	case errors.Is(err, ErrBuildFailed):
		return ClassBuild
	case errors.Is(err, ErrPushFailed):
		return ClassPush
	case errors.Is(err, ErrRetireFailed):
		return ClassRetire
	case errors.Is(err, ErrLaunchFailed):
		return ClassLaunch
	case errors.Is(err, ErrNotifyFailed):
		return ClassNotify
	case errors.Is(err, ErrDeployInFlight):
		return ClassInFlight
	default:
		return ClassUnknown
	}
}
