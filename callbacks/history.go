package callbacks

import (
	"context"
	"fmt"

	"github.com/tsawler/leafnet/training"
)

// EpochRecorder persists epoch results; history.Store implements it
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, runID string, r training.EpochResult) error
}

// HistoryRecorder appends every finished epoch to a run history
type HistoryRecorder struct {
	ctx   context.Context
	store EpochRecorder
	runID string
}

// NewHistoryRecorder records epochs of runID into store. ctx bounds every
// write.
func NewHistoryRecorder(ctx context.Context, store EpochRecorder, runID string) *HistoryRecorder {
	return &HistoryRecorder{ctx: ctx, store: store, runID: runID}
}

func (hr *HistoryRecorder) OnEpochEnd(t *training.Tesseract, _ float64) error {
	last, ok := t.History().Last()
	if !ok {
		return nil
	}
	if err := hr.store.RecordEpoch(hr.ctx, hr.runID, last); err != nil {
		return fmt.Errorf("failed to record epoch: %w", err)
	}
	return nil
}
