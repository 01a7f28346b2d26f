package history

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/leafnet/training"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// deterministic, strictly increasing clock
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	id, err := store.StartRun(ctx, RunInfo{Name: "plant-pathology", Fold: 2, Config: `{"lr":0.0001}`})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 2, run.Fold)
	assert.Equal(t, `{"lr":0.0001}`, run.Config)
	assert.Equal(t, 0, run.Epochs)
	assert.True(t, math.IsNaN(run.BestLoss))
	assert.True(t, run.FinishedAt.IsZero())

	for i, loss := range []float64{0.9, 0.5, math.Inf(1)} {
		require.NoError(t, store.RecordEpoch(ctx, id, training.EpochResult{
			Epoch:            i + 1,
			TrainLoss:        1.0 - float64(i)/10,
			ValidLoss:        loss,
			ValidEpochMetric: 0.6 + float64(i)/10,
			LearningRate:     1e-4,
			SkippedSteps:     int64(i),
			Duration:         1500 * time.Millisecond,
		}))
	}
	require.NoError(t, store.FinishRun(ctx, id, StatusStopped, nil))

	run, err = store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, run.Status)
	assert.Equal(t, 3, run.Epochs)
	assert.InDelta(t, 0.5, run.BestLoss, 1e-12)
	assert.True(t, run.FinishedAt.After(run.StartedAt))
	assert.Empty(t, run.Error)

	epochs, err := store.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, 1, epochs[0].Epoch)
	assert.InDelta(t, 0.9, epochs[0].ValidLoss, 1e-12)
	assert.Equal(t, int64(2), epochs[2].SkippedSteps)
	assert.Equal(t, 1500*time.Millisecond, epochs[2].Duration)
	assert.True(t, math.IsNaN(epochs[2].ValidLoss), "non-finite losses come back as NaN")
}

func TestRecordEpochReplaces(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id, err := store.StartRun(ctx, RunInfo{Name: "run"})
	require.NoError(t, err)

	require.NoError(t, store.RecordEpoch(ctx, id, training.EpochResult{Epoch: 1, ValidLoss: 0.8}))
	require.NoError(t, store.RecordEpoch(ctx, id, training.EpochResult{Epoch: 1, ValidLoss: 0.4}))

	epochs, err := store.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.InDelta(t, 0.4, epochs[0].ValidLoss, 1e-12)
}

func TestFailedRunKeepsError(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id, err := store.StartRun(ctx, RunInfo{Name: "run"})
	require.NoError(t, err)

	require.NoError(t, store.FinishRun(ctx, id, StatusFailed, errors.New("epoch 3: forward: out of memory")))
	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "epoch 3: forward: out of memory", run.Error)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	var ids []string
	for fold := 0; fold < 3; fold++ {
		id, err := store.StartRun(ctx, RunInfo{Name: "run", Fold: fold})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	runs, err = store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Fold)
	assert.Equal(t, 1, runs[1].Fold)
}

func TestGetRunByPrefix(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id, err := store.StartRun(ctx, RunInfo{Name: "run"})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, id[:8])
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)

	_, err = store.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	err := store.RecordEpoch(ctx, "missing", training.EpochResult{Epoch: 1})
	assert.ErrorIs(t, err, ErrRunNotFound)
	err = store.FinishRun(ctx, "missing", StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.Epochs(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	id, err := store.StartRun(ctx, RunInfo{Name: "run"})
	require.NoError(t, err)
	require.NoError(t, store.RecordEpoch(ctx, id, training.EpochResult{Epoch: 1, ValidLoss: 0.3}))
	require.NoError(t, store.Close())

	_, err = store.ListRuns(ctx, 0)
	assert.ErrorIs(t, err, ErrClosed)

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Epochs)
}
