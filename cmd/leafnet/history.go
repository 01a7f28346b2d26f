package main

import (
	"fmt"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/leafnet/history"
	"github.com/tsawler/leafnet/training"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List training runs or show the epochs of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Output.HistoryDB == "" {
				return fmt.Errorf("run history is disabled (output.history_db is empty)")
			}
			store, err := history.Open(a.cfg.Output.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				epochs, err := store.Epochs(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				fmt.Fprint(a.stdout, formatEpochs(run, epochs))
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, "No runs found")
				return nil
			}
			fmt.Fprint(a.stdout, formatRuns(runs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list, 0 for all")
	return cmd
}

func formatRuns(runs []history.Run) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFOLD\tSTATUS\tEPOCHS\tBEST LOSS\tSTARTED")
	fmt.Fprintln(w, "--\t----\t------\t------\t---------\t-------")
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
			id, r.Fold, r.Status, r.Epochs, formatLoss(r.BestLoss), r.StartedAt.Local().Format(time.DateTime))
	}
	w.Flush()
	return sb.String()
}

func formatEpochs(run history.Run, epochs []training.EpochResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s (%s, fold %d) %s\n", run.ID, run.Name, run.Fold, run.Status)
	if run.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", run.Error)
	}
	sb.WriteString("\n")

	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tTRAIN LOSS\tVALID LOSS\tVALID AUC\tLR\tTOOK")
	fmt.Fprintln(w, "-----\t----------\t----------\t---------\t--\t----")
	for _, e := range epochs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2e\t%s\n",
			e.Epoch, formatLoss(e.TrainLoss), formatLoss(e.ValidLoss), formatLoss(e.ValidEpochMetric),
			e.LearningRate, e.Duration.Round(time.Millisecond))
	}
	w.Flush()
	return sb.String()
}

func formatLoss(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
