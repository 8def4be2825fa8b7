package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingSecretError_ListsAllKeys(t *testing.T) {
	err := &MissingSecretError{Keys: []string{"S3_BUCKET_NAME", "OPENAI_API_KEY"}}

	// Both keys are named, in stable order.
	assert.Equal(t, "missing required secrets: OPENAI_API_KEY, S3_BUCKET_NAME", err.Error())
}

func TestStageError_WrapsSentinel(t *testing.T) {
	err := NewStageError(StagePush, "connection reset", ErrPushFailed)

	assert.ErrorIs(t, err, ErrPushFailed)
	assert.Contains(t, err.Error(), "push")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestClass(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class FailureClass
	}{
		{"nil", nil, ClassNone},
		{"checkout", NewStageError(StageCheckout, "", ErrCheckoutFailed), ClassCheckout},
		{"missing secrets", &MissingSecretError{Keys: []string{"K"}}, ClassSecrets},
		{"auth", ErrAuthFailed, ClassAuth},
		{"build", fmt.Errorf("wrapped: %w", ErrBuildFailed), ClassBuild},
		{"push", NewStageError(StagePush, "", ErrPushFailed), ClassPush},
		{"retire", NewStageError(StageRetireOld, "", ErrRetireFailed), ClassRetire},
		{"launch", NewStageError(StageLaunchNew, "", ErrLaunchFailed), ClassLaunch},
		{"notify", ErrNotifyFailed, ClassNotify},
		{"in flight", fmt.Errorf("port 8001: %w", ErrDeployInFlight), ClassInFlight},
		{"unknown", errors.New("boom"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Class(tt.err))
		})
	}
}
