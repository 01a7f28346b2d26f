// Package callbacks contains the epoch-end hooks plugged into
// training.Tesseract: early stopping, periodic checkpoints, resource
// sampling and run history recording.
package callbacks

import (
	"fmt"
	"math"
	"strconv"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/training"
)

// EarlyStopping saves the model whenever the monitored validation loss
// improves by more than Delta and stops training after Patience epochs
// without improvement
type EarlyStopping struct {
	ModelPath string
	Patience  int
	Mode      string // "min" or "max"
	Delta     float64
	RunID     string // stamped into saved checkpoints

	counter   int
	bestScore float64
	hasBest   bool
	valScore  float64
	saves     int
}

// NewEarlyStopping returns a callback writing to modelPath. Mode must be
// "min" (lower loss is better) or "max".
func NewEarlyStopping(modelPath string, patience int, mode string, delta float64) (*EarlyStopping, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("early stopping needs a model path")
	}
	if patience <= 0 {
		return nil, fmt.Errorf("patience must be positive, got %d", patience)
	}
	es := &EarlyStopping{ModelPath: modelPath, Patience: patience, Mode: mode, Delta: delta}
	switch mode {
	case "min":
		es.valScore = math.Inf(1)
	case "max":
		es.valScore = math.Inf(-1)
	default:
		return nil, fmt.Errorf("unknown early stopping mode %q (want min or max)", mode)
	}
	return es, nil
}

// Counter is the number of consecutive epochs without improvement
func (es *EarlyStopping) Counter() int { return es.counter }

// BestScore is the best score seen so far (the negated loss in min mode)
func (es *EarlyStopping) BestScore() (float64, bool) { return es.bestScore, es.hasBest }

// ValScore is the validation loss recorded by the last save attempt
func (es *EarlyStopping) ValScore() float64 { return es.valScore }

// Saves counts the checkpoints written
func (es *EarlyStopping) Saves() int { return es.saves }

func (es *EarlyStopping) OnEpochEnd(t *training.Tesseract, validLoss float64) error {
	score := validLoss
	if es.Mode == "min" {
		score = -validLoss
	}

	switch {
	case !es.hasBest:
		es.bestScore = score
		es.hasBest = true
		return es.saveCheckpoint(t, validLoss)
	case score < es.bestScore+es.Delta:
		es.counter++
		t.Logger().Infof("EarlyStopping counter: %d out of %d", es.counter, es.Patience)
		if es.counter >= es.Patience {
			t.Stop()
		}
		return nil
	default:
		es.bestScore = score
		es.counter = 0
		return es.saveCheckpoint(t, validLoss)
	}
}

func (es *EarlyStopping) saveCheckpoint(t *training.Tesseract, validLoss float64) error {
	defer func() { es.valScore = validLoss }()
	if math.IsNaN(validLoss) || math.IsInf(validLoss, 0) {
		return nil
	}

	t.Logger().Infof("Validation score improved (%s --> %s). Saving model!", pyFloat(es.valScore), pyFloat(validLoss))
	ckpt := t.Checkpoint()
	ckpt.Metadata.RunID = es.RunID
	ckpt.Metadata.Description = "best validation loss"
	if err := checkpoints.Save(ckpt, es.ModelPath); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	es.saves++
	return nil
}

// pyFloat prints infinities the way the training logs always have
func pyFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
