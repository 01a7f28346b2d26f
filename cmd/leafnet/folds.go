package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/leafnet/vision/dataset"
)

func newFoldsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folds",
		Short: "Assign stratified kfold ids to the training labels",
		Long: `Read the raw label CSV, assign every row a stratified fold id and write
the result, which is what "leafnet train" reads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFolds()
		},
	}
	cmd.Flags().String("input", "", "label CSV without folds (default data.raw_csv)")
	cmd.Flags().String("output", "", "CSV to write (default data.train_csv)")
	cmd.Flags().Int("num-folds", 0, "number of folds (default data.num_folds)")
	return cmd
}

func (a *app) runFolds() error {
	cfg := a.cfg
	frame, err := dataset.ReadFrame(cfg.Data.RawCSV, dataset.DefaultTargetColumns)
	if err != nil {
		return err
	}
	if !frame.HasTargets() {
		return fmt.Errorf("%s has no target columns", cfg.Data.RawCSV)
	}

	folded, err := dataset.StratifiedKFold(frame, cfg.Data.NumFolds, cfg.Train.Seed)
	if err != nil {
		return err
	}
	if err := dataset.WriteFrame(cfg.Data.TrainCSV, folded); err != nil {
		return fmt.Errorf("failed to write folds: %w", err)
	}

	for k := 0; k < cfg.Data.NumFolds; k++ {
		_, valid, err := dataset.SplitByFold(folded, k)
		if err != nil {
			return err
		}
		a.logger.Info("Fold", "fold", k, "rows", valid.Len(), "classes", valid.ClassDistribution())
	}
	a.logger.Info("Wrote folds", "path", cfg.Data.TrainCSV, "rows", folded.Len(), "folds", cfg.Data.NumFolds)
	return nil
}
