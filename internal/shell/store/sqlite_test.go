package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(ref string) *pipeline.Run {
	run := pipeline.NewRun(ref)
	run.Image = "123.dkr.ecr.eu-west-1.amazonaws.com/ledgerscan:run-" + run.ShortID()
	for _, s := range pipeline.Stages() {
		run.Record(s, pipeline.StatusSuccess, "")
	}
	run.Finish()
	return run
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("main")
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "main", got.Ref)
	assert.Equal(t, run.Image, got.Image)
	assert.True(t, got.Succeeded())
	assert.WithinDuration(t, run.StartedAt, got.StartedAt, time.Second)
	assert.WithinDuration(t, run.FinishedAt, got.FinishedAt, time.Second)

	require.Len(t, got.Results, len(pipeline.Stages()))
	for i, s := range pipeline.Stages() {
		assert.Equal(t, s, got.Results[i].Stage)
		assert.Equal(t, pipeline.StatusSuccess, got.Results[i].Status)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRun_PreservesFailureRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun("feature/broken")
	run.Record(pipeline.StageCheckout, pipeline.StatusSuccess, "")
	run.Record(pipeline.StageSecrets, pipeline.StatusSuccess, "4 secrets provisioned")
	run.Record(pipeline.StageAuthenticate, pipeline.StatusSuccess, "")
	run.Record(pipeline.StageBuild, pipeline.StatusFailure, "dockerfile syntax error")
	run.SkipRemaining()
	run.Record(pipeline.StageNotify, pipeline.StatusSuccess, "")
	run.Finish()

	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Succeeded())

	stage, failed := got.FailedStage()
	require.True(t, failed)
	assert.Equal(t, pipeline.StageBuild, stage)

	res, ok := got.Result(pipeline.StagePush)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusSkipped, res.Status)
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := sampleRun("v1.0.0")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := sampleRun("v1.0.1")

	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)
}

func TestListRuns_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := sampleRun("main")
		run.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestSaveRun_DuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("main")
	require.NoError(t, s.SaveRun(ctx, run))

	err := s.SaveRun(ctx, run)
	require.Error(t, err)
}
