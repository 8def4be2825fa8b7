package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRun(t *testing.T) {
	run := NewRun("main")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "main", run.Ref)
	assert.False(t, run.StartedAt.IsZero())
	assert.Empty(t, run.Results)
	assert.NotEmpty(t, run.ShortID())
	assert.Less(t, len(run.ShortID()), len(run.ID))
}

func TestRun_RecordAndSucceeded(t *testing.T) {
	run := NewRun("main")

	for _, s := range Stages() {
		run.Record(s, StatusSuccess, "")
	}

	assert.True(t, run.Succeeded())
	_, failed := run.FailedStage()
	assert.False(t, failed)
}

func TestRun_EmptyRunIsNotSuccess(t *testing.T) {
	run := NewRun("main")
	assert.False(t, run.Succeeded())
}

func TestRun_SkipRemaining(t *testing.T) {
	run := NewRun("main")
	run.Record(StageCheckout, StatusSuccess, "")
	run.Record(StageSecrets, StatusSuccess, "")
	run.Record(StageAuthenticate, StatusSuccess, "")
	run.Record(StageBuild, StatusFailure, "dockerfile syntax error")

	run.SkipRemaining()
	run.Record(StageNotify, StatusSuccess, "")

	// Everything after the failure is recorded skipped, notify excepted.
	for _, s := range []Stage{StageTag, StagePush, StageRetireOld, StageLaunchNew} {
		res, ok := run.Result(s)
		require.True(t, ok, "stage %s should be recorded", s)
		assert.Equal(t, StatusSkipped, res.Status)
	}

	assert.False(t, run.Succeeded())
	stage, failed := run.FailedStage()
	require.True(t, failed)
	assert.Equal(t, StageBuild, stage)
}

func TestRun_NotifyFailureDoesNotChangeOutcome(t *testing.T) {
	run := NewRun("main")
	for _, s := range Stages() {
		if s == StageNotify {
			continue
		}
		run.Record(s, StatusSuccess, "")
	}
	run.Record(StageNotify, StatusFailure, "webhook returned status 500")

	assert.True(t, run.Succeeded())
}

func TestRun_Finish(t *testing.T) {
	run := NewRun("main")
	require.True(t, run.FinishedAt.IsZero())

	run.Finish()
	assert.False(t, run.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, run.Duration().Nanoseconds(), int64(0))
}

func TestStages_OrderAndNotifyLast(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 9)
	assert.Equal(t, StageCheckout, stages[0])
	assert.Equal(t, StageNotify, stages[len(stages)-1])
}
