package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/netra/internal/calibration"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/trainer"
)

func newEvaluateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report verification quality of a checkpoint at a threshold",
		Long: `Sample labelled pairs from a corpus and report accuracy, precision,
recall, F1 and ROC AUC at the calibrated threshold of the checkpoint, or at
an explicit --threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEvaluate(cmd)
		},
	}

	cmd.Flags().String("checkpoint", "", "checkpoint to evaluate (default <checkpoint_dir>/best.ckpt)")
	cmd.Flags().String("data-dir", "", "evaluation corpus (default data.val_dir)")
	cmd.Flags().Int("pairs", 0, "number of pairs to sample (default data.validation_pairs)")
	cmd.Flags().String("threshold-file", "", "calibrated threshold (default calibration.threshold_path)")
	cmd.Flags().Float64("threshold", 0, "explicit threshold; overrides --threshold-file")
	cmd.Flags().Uint64("seed", 0, "random seed; 0 uses training.seed or the clock")
	cmd.Flags().Bool("json", false, "print the metrics as JSON")
	return cmd
}

func (a *app) runEvaluate(cmd *cobra.Command) error {
	cfg := a.cfg
	checkpoint := stringFlag(cmd, "checkpoint", filepath.Join(cfg.Training.CheckpointDir, trainer.BestCheckpoint))

	set, err := a.samplePairs(cmd, checkpoint,
		stringFlag(cmd, "data-dir", cfg.Data.ValDir),
		intFlag(cmd, "pairs", cfg.Data.ValidationPairs),
	)
	if err != nil {
		return err
	}

	var threshold float64
	if cmd.Flags().Changed("threshold") {
		threshold = mustGetFloat64(cmd, "threshold")
		if !(threshold >= 0) {
			return domain.ErrInvalidInput.WithDetails(map[string]any{"field": "threshold", "value": fmt.Sprint(threshold)})
		}
	} else {
		path := stringFlag(cmd, "threshold-file", cfg.Calibration.ThresholdPath)
		th, err := calibration.LoadThreshold(path)
		if err != nil {
			return err
		}
		if th.CheckpointID != set.meta.ID {
			return domain.ErrThresholdMismatch.WithDetails(map[string]any{
				"checkpoint_id":           set.meta.ID,
				"threshold_checkpoint_id": th.CheckpointID,
				"path":                    path,
			})
		}
		threshold = th.Value
	}

	m, err := calibration.Evaluate(set.distances, set.labels, threshold)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if mustGetBool(cmd, "json") {
		return outputJSON(out, struct {
			CheckpointID string `json:"checkpoint_id"`
			calibration.Metrics
		}{set.meta.ID, m})
	}
	fmt.Fprintf(out, "Checkpoint: %s (%s, epoch %d)\n", checkpoint, set.meta.ID, set.meta.Epoch)
	printMetrics(out, m)
	return nil
}
