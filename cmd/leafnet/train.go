package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/tsawler/leafnet/callbacks"
	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/history"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/models"
	"github.com/tsawler/leafnet/training"
	"github.com/tsawler/leafnet/vision/dataset"
	"github.com/tsawler/leafnet/vision/preprocessing"
)

func newTrainCmd(a *app) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the model on all folds but one",
		Long: `Train on every fold except data.fold, validate on data.fold after each
epoch and save the model to output.model_path whenever the validation loss
improves. Training stops early after early_stopping.patience epochs without
improvement.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.runTrain(ctx, resume)
		},
	}
	cmd.Flags().Int("fold", 0, "validation fold (default data.fold)")
	cmd.Flags().Int("epochs", 0, "number of epochs (default train.epochs)")
	cmd.Flags().Bool("fp16", true, "train with mixed precision (default train.fp16)")
	cmd.Flags().String("optimizer", "", "adam or sgd (default train.optimizer)")
	cmd.Flags().String("pretrained", "", "backbone weights to start from (default model.pretrained)")
	cmd.Flags().StringVar(&resume, "resume", "", `checkpoint to resume from, or "latest" in output.checkpoint_dir`)
	return cmd
}

// transforms is CenterCrop plus ImageNet normalisation; the train split
// also gets the configured flips
func (c Config) transforms(train bool) preprocessing.Compose {
	var t preprocessing.Compose
	if c.Augment.Crop > 0 {
		t = append(t, preprocessing.CenterCrop{Height: c.Augment.Crop, Width: c.Augment.Crop})
	}
	if train && c.Augment.HFlip > 0 {
		t = append(t, preprocessing.HorizontalFlip{P: c.Augment.HFlip})
	}
	if train && c.Augment.VFlip > 0 {
		t = append(t, preprocessing.VerticalFlip{P: c.Augment.VFlip})
	}
	return append(t, preprocessing.NewImageNetNormalize())
}

func (c Config) dataset(frame *dataset.Frame, train bool) (*dataset.ClassificationDataset, error) {
	return dataset.FromFrame(frame, c.Data.ImageDir, c.Data.ImageExt, dataset.ClassificationConfig{
		ResizeWidth:   c.Augment.Resize,
		ResizeHeight:  c.Augment.Resize,
		Augmentations: c.transforms(train),
		Seed:          c.Train.Seed,
	})
}

func (a *app) runTrain(ctx context.Context, resume string) (err error) {
	cfg := a.cfg
	frame, err := dataset.ReadFrame(cfg.Data.TrainCSV, dataset.DefaultTargetColumns)
	if err != nil {
		return err
	}
	if !frame.HasTargets() {
		return fmt.Errorf("%s has no target columns", cfg.Data.TrainCSV)
	}
	trainFrame, validFrame, err := dataset.SplitByFold(frame, cfg.Data.Fold)
	if err != nil {
		if errors.Is(err, dataset.ErrEmptySplit) {
			return fmt.Errorf("%w (run \"leafnet folds\" first?)", err)
		}
		return err
	}
	trainDS, err := cfg.dataset(trainFrame, true)
	if err != nil {
		return err
	}
	validDS, err := cfg.dataset(validFrame, false)
	if err != nil {
		return err
	}
	a.logger.Info("Data", "train", trainDS.Len(), "valid", validDS.Len(), "fold", cfg.Data.Fold)

	layers.SetRandomSeed(cfg.Train.Seed)
	model, err := models.NewPlantModel(cfg.plantConfig())
	if err != nil {
		return err
	}
	if a.logger.GetLevel() <= log.DebugLevel {
		training.PrintArchitecture(a.stderr, "PlantModel", model)
	}

	tess := training.NewTesseract(model)
	if resume != "" {
		if err := a.restore(tess, resume); err != nil {
			return err
		}
	}
	epochs := cfg.Train.Epochs - tess.Epoch()
	if epochs <= 0 {
		a.logger.Info("Nothing to do", "trained_epochs", tess.Epoch(), "epochs", cfg.Train.Epochs)
		return nil
	}

	var runID string
	var cbs []training.Callback
	if cfg.Output.HistoryDB != "" {
		store, openErr := history.Open(cfg.Output.HistoryDB)
		if openErr != nil {
			return fmt.Errorf("failed to open run history: %w", openErr)
		}
		defer store.Close()

		settings, jsonErr := json.Marshal(cfg)
		if jsonErr != nil {
			return fmt.Errorf("failed to encode run config: %w", jsonErr)
		}
		if runID, err = store.StartRun(ctx, history.RunInfo{Name: "plant-pathology", Fold: cfg.Data.Fold, Config: string(settings)}); err != nil {
			return err
		}
		defer func() {
			status := history.StatusCompleted
			switch {
			case err != nil:
				status = history.StatusFailed
			case tess.Stopped():
				status = history.StatusStopped
			}
			// the run context may already be cancelled
			if ferr := store.FinishRun(context.Background(), runID, status, err); ferr != nil {
				a.logger.Warn("Failed to finish run", "run", runID, "err", ferr)
			}
		}()
		cbs = append(cbs, callbacks.NewHistoryRecorder(ctx, store, runID))
		a.logger.Info("Recording run", "run", runID, "db", cfg.Output.HistoryDB)
	}

	es, err := callbacks.NewEarlyStopping(cfg.Output.ModelPath, cfg.EarlyStopping.Patience, cfg.EarlyStopping.Mode, cfg.EarlyStopping.Delta)
	if err != nil {
		return err
	}
	es.RunID = runID
	cbs = append(cbs, es, callbacks.NewResourceMonitor())

	if cfg.Output.CheckpointDir != "" {
		ckptCfg := callbacks.DefaultCheckpointConfig()
		ckptCfg.SaveDirectory = cfg.Output.CheckpointDir
		ckptCfg.MaxCheckpoints = cfg.Output.MaxCheckpoints
		ckptCfg.RunID = runID
		cbs = append(cbs, callbacks.NewModelCheckpoint(ckptCfg))
	}

	result, err := tess.Fit(ctx, trainDS, validDS, training.FitConfig{
		TrainBatchSize: cfg.Train.TrainBatchSize,
		ValidBatchSize: cfg.Train.ValidBatchSize,
		Epochs:         epochs,
		Callbacks:      cbs,
		FP16:           cfg.Train.FP16,
		Device:         cfg.Train.Device,
		Workers:        cfg.Train.Workers,
		Seed:           cfg.Train.Seed,
		CacheSize:      cfg.Train.CacheSize,
		Progress:       a.progress(),
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	if best, ok := result.Best(); ok {
		a.logger.Info("Training finished",
			"epochs", len(result),
			"best_epoch", best.Epoch,
			"best_valid_loss", fmt.Sprintf("%.4f", best.ValidLoss),
			"best_valid_auc", fmt.Sprintf("%.4f", best.ValidEpochMetric),
			"model", cfg.Output.ModelPath)
	}
	return nil
}

func (a *app) restore(tess *training.Tesseract, resume string) error {
	path := resume
	if resume == "latest" {
		if a.cfg.Output.CheckpointDir == "" {
			return fmt.Errorf("--resume latest needs output.checkpoint_dir")
		}
		latest, err := callbacks.LatestCheckpoint(a.cfg.Output.CheckpointDir)
		if err != nil {
			return err
		}
		path = latest
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := tess.Restore(ckpt); err != nil {
		return fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	a.logger.Info("Resumed", "checkpoint", path, "epoch", tess.Epoch(), "step", tess.Step())
	return nil
}
