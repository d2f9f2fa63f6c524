package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/metrics"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RunStarted(ctx, Run{ID: "r1", StartedAt: start, State: "running", Architecture: "pooled-mlp/v1"}))
	for epoch, kappa := range []float64{0.2, 0.5, 0.4} {
		require.NoError(t, s.EpochFinished(ctx, metrics.EpochRecord{
			RunID: "r1", Epoch: epoch + 1, TrainLoss: 1.0 / float64(epoch+1), ValKappa: kappa,
			TrainSamples: 10, ValSamples: 4, Time: start.Add(time.Duration(epoch+1) * time.Minute),
		}))
	}
	require.NoError(t, s.RunFinished(ctx, "r1", "converged", "/ckpt/final.ckpt", nil, start.Add(time.Hour)))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, "converged", r.State)
	assert.Equal(t, 3, r.Epochs)
	require.NotNil(t, r.BestKappa)
	assert.Equal(t, 0.5, *r.BestKappa)
	assert.Equal(t, "/ckpt/final.ckpt", r.Checkpoint)
	assert.Empty(t, r.Error)
	require.NotNil(t, r.FinishedAt)
	assert.True(t, r.FinishedAt.Equal(start.Add(time.Hour)))

	epochs, err := s.Epochs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{epochs[0].Epoch, epochs[1].Epoch, epochs[2].Epoch})
	assert.Equal(t, 0.4, epochs[2].ValKappa)
}

func TestBestKappaTracksNegativeAndUnvalidatedRuns(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	start := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RunStarted(ctx, Run{ID: "neg", StartedAt: start, State: "running"}))
	require.NoError(t, s.RunStarted(ctx, Run{ID: "noval", StartedAt: start.Add(time.Minute), State: "running"}))

	for epoch, kappa := range []float64{-0.3, -0.1, -0.2} {
		require.NoError(t, s.EpochFinished(ctx, metrics.EpochRecord{
			RunID: "neg", Epoch: epoch + 1, ValKappa: kappa, ValSamples: 4, Time: start,
		}))
	}
	require.NoError(t, s.EpochFinished(ctx, metrics.EpochRecord{RunID: "noval", Epoch: 1, TrainSamples: 8, Time: start}))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "noval", runs[0].ID)
	assert.Nil(t, runs[0].BestKappa)
	assert.Equal(t, 1, runs[0].Epochs)
	assert.Equal(t, "neg", runs[1].ID)
	require.NotNil(t, runs[1].BestKappa)
	assert.Equal(t, -0.1, *runs[1].BestKappa)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.RunStarted(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour), State: "running"}))
	}
	require.NoError(t, s.RunFinished(ctx, "mid", "failed", "", errors.New("loss diverged"), base.Add(2*time.Hour)))

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "mid", runs[1].ID)
	assert.Equal(t, "loss diverged", runs[1].Error)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.Error(t, s.EpochFinished(ctx, metrics.EpochRecord{RunID: "ghost", Epoch: 1, Time: time.Now()}))
	require.Error(t, s.RunFinished(ctx, "ghost", "stopped", "", nil, time.Now()))

	epochs, err := s.Epochs(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, epochs)

	run := Run{ID: "dup", StartedAt: time.Now(), State: "running"}
	require.NoError(t, s.RunStarted(ctx, run))
	require.Error(t, s.RunStarted(ctx, run))
}
