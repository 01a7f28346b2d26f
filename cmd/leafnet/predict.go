package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/models"
	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/training"
	"github.com/tsawler/leafnet/vision/dataset"
)

func newPredictCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score the test images with a trained model",
		Long: `Load the model saved by "leafnet train", score every image listed in
data.test_csv and write one row of class probabilities per image. When the
CSV carries labels the micro ROC-AUC is logged as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.runPredict(ctx)
		},
	}
	cmd.Flags().String("model", "", "trained weights (default output.model_path)")
	cmd.Flags().String("input", "", "CSV of images to score (default data.test_csv)")
	cmd.Flags().String("output", "", "submission CSV (default output.submission)")
	return cmd
}

func (a *app) runPredict(ctx context.Context) error {
	cfg := a.cfg
	frame, err := dataset.ReadFrame(cfg.Data.TestCSV, dataset.DefaultTargetColumns)
	if err != nil {
		return err
	}
	ds, err := cfg.dataset(frame, false)
	if err != nil {
		return err
	}

	plantCfg := cfg.plantConfig()
	plantCfg.Pretrained = ""
	model, err := models.NewPlantModel(plantCfg)
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(cfg.Output.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if _, err := checkpoints.LoadStateDict(model, ckpt.Weights, checkpoints.LoadOptions{Strict: true}); err != nil {
		return fmt.Errorf("%s does not fit the configured model: %w", cfg.Output.ModelPath, err)
	}
	a.logger.Info("Loaded model", "path", cfg.Output.ModelPath,
		"epoch", ckpt.TrainingState.Epoch, "valid_loss", fmt.Sprintf("%.4f", ckpt.TrainingState.ValidLoss))

	tess := training.NewTesseract(model)
	tess.SetLogger(a.logger)
	tess.SetProgress(a.progress())
	logits, err := tess.Predict(ctx, ds, cfg.Train.ValidBatchSize, cfg.Train.Workers)
	if err != nil {
		return err
	}

	scores := training.Sigmoid(logits)
	if cfg.Model.Loss == "dense_ce" {
		if scores, err = training.Softmax(logits); err != nil {
			return err
		}
	}

	if err := dataset.WriteSubmissionFile(cfg.Output.Submission, frame.ImageIDs(), classColumns(cfg.Model.NumClass), scores); err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}
	a.logger.Info("Wrote submission", "path", cfg.Output.Submission, "images", frame.Len())

	if frame.HasTargets() && cfg.Model.NumClass == len(frame.TargetColumns) {
		return a.score(scores, frame)
	}
	return nil
}

// score logs the micro AUC, accuracy, macro F1 and confusion matrix of
// scores against the labels of frame
func (a *app) score(scores *tensor.Tensor, frame *dataset.Frame) error {
	targets, err := targetTensor(frame)
	if err != nil {
		return err
	}
	cm := training.NewConfusionMatrix(len(frame.TargetColumns))
	if err := cm.Update(scores, targets); err != nil {
		return err
	}
	acc, err := training.Accuracy(scores, targets)
	if err != nil {
		return err
	}

	auc, err := training.MicroROCAUC(scores, targets)
	if err != nil {
		a.logger.Warn("Micro AUC undefined", "err", err)
		auc = math.NaN()
	}
	a.logger.Info("Scored predictions",
		"micro_auc", fmt.Sprintf("%.4f", auc),
		"accuracy", fmt.Sprintf("%.4f", acc),
		"macro_f1", fmt.Sprintf("%.4f", cm.MacroF1()))
	a.logger.Info("Confusion matrix (rows are labels)", "matrix", cm.Format(frame.TargetColumns))
	return nil
}

// classColumns names the submission columns after the Plant Pathology
// classes when the model has four outputs
func classColumns(numClass int) []string {
	if numClass == len(dataset.DefaultTargetColumns) {
		return dataset.DefaultTargetColumns
	}
	cols := make([]string, numClass)
	for i := range cols {
		cols[i] = fmt.Sprintf("class_%d", i)
	}
	return cols
}

func targetTensor(frame *dataset.Frame) (*tensor.Tensor, error) {
	k := len(frame.TargetColumns)
	data := make([]float32, 0, frame.Len()*k)
	for _, row := range frame.Targets() {
		data = append(data, row...)
	}
	return tensor.NewTensor([]int{frame.Len(), k}, data)
}
