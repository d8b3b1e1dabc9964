package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/netra/internal/calibration"
	"github.com/saturnino-fabrica-de-software/netra/internal/dataset"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/preprocess"
	"github.com/saturnino-fabrica-de-software/netra/internal/trainer"
)

// pairSet is a labelled pair sample with its distances under one checkpoint.
type pairSet struct {
	meta      model.Metadata
	distances []float64
	labels    []domain.Label
}

func newCalibrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Choose the distance threshold of a checkpoint",
		Long: `Sample labelled pairs from a held-out corpus, embed them with the
checkpoint and sweep candidate thresholds for the highest accuracy. The
threshold is written as JSON, bound to the checkpoint ID.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCalibrate(cmd)
		},
	}

	cmd.Flags().String("checkpoint", "", "checkpoint to calibrate (default <checkpoint_dir>/best.ckpt)")
	cmd.Flags().String("val-dir", "", "held-out corpus (default data.val_dir)")
	cmd.Flags().Int("pairs", 0, "number of pairs to sample (default data.validation_pairs)")
	cmd.Flags().Int("steps", 0, "candidate thresholds (default calibration.steps)")
	cmd.Flags().String("range", "", "sweep range: observed or theoretical (default calibration.range)")
	cmd.Flags().String("out", "", "threshold file (default calibration.threshold_path)")
	cmd.Flags().Uint64("seed", 0, "random seed; 0 uses training.seed or the clock")
	cmd.Flags().Bool("json", false, "print the calibration result as JSON")
	return cmd
}

func (a *app) runCalibrate(cmd *cobra.Command) error {
	cfg := a.cfg
	checkpoint := stringFlag(cmd, "checkpoint", filepath.Join(cfg.Training.CheckpointDir, trainer.BestCheckpoint))
	outPath := stringFlag(cmd, "out", cfg.Calibration.ThresholdPath)

	cal, err := calibration.New(
		intFlag(cmd, "steps", cfg.Calibration.Steps),
		stringFlag(cmd, "range", cfg.Calibration.Range),
	)
	if err != nil {
		return err
	}

	set, err := a.samplePairs(cmd, checkpoint,
		stringFlag(cmd, "val-dir", cfg.Data.ValDir),
		intFlag(cmd, "pairs", cfg.Data.ValidationPairs),
	)
	if err != nil {
		return err
	}

	res, err := cal.Calibrate(set.distances, set.labels)
	if err != nil {
		return err
	}
	th := res.Threshold(set.meta.ID)
	if err := calibration.SaveThreshold(outPath, th); err != nil {
		return err
	}
	a.logger.Info("threshold calibrated",
		slog.String("checkpoint_id", set.meta.ID),
		slog.Float64("threshold", th.Value),
		slog.Float64("accuracy", th.Accuracy),
		slog.String("path", outPath),
	)

	out := cmd.OutOrStdout()
	if mustGetBool(cmd, "json") {
		return outputJSON(out, struct {
			CheckpointID string `json:"checkpoint_id"`
			Path         string `json:"path"`
			*calibration.Result
		}{set.meta.ID, outPath, res})
	}

	fmt.Fprintf(out, "Checkpoint: %s (%s, epoch %d)\n", checkpoint, set.meta.ID, set.meta.Epoch)
	fmt.Fprintf(out, "Sweep:      %d steps, %s range, candidate %.4f\n", cal.Steps, cal.Range, res.Candidate)
	fmt.Fprintf(out, "Gap:        [%.4f, %.4f]\n", res.GapLow, res.GapHigh)
	printMetrics(out, res.Metrics)
	fmt.Fprintf(out, "\nThreshold written to %s\n", outPath)
	return nil
}

// samplePairs loads the checkpoint, draws n labelled pairs from dir and
// returns their embedding distances.
func (a *app) samplePairs(cmd *cobra.Command, checkpoint, dir string, n int) (*pairSet, error) {
	m, md, err := model.Load(checkpoint)
	if err != nil {
		return nil, err
	}
	pre, err := preprocess.New(md.InputSize, a.cfg.Model.Mean, a.cfg.Model.Std)
	if err != nil {
		return nil, err
	}

	seed := a.cfg.Training.Seed
	if s := mustGetUint64(cmd, "seed"); s != 0 {
		seed = s
	}
	rng, seed := newRNG(seed)

	ids, err := dataset.ScanDir(dir)
	if err != nil {
		return nil, err
	}
	sampler, err := dataset.NewPairSampler(ids, dataset.SamplerOptions{
		PairsPerEpoch:   n,
		NegativeRetries: a.cfg.Data.NegativeRetries,
	}, rng, a.logger)
	if err != nil {
		return nil, fmt.Errorf("corpus %s: %w", dir, err)
	}
	pairs := dataset.Collect(sampler.Epoch())

	loader := dataset.NewImageLoader(pre, a.exec.Workers)
	distances, labels, err := calibration.Distances(cmd.Context(), m, pairs, loader, a.exec.Workers)
	if err != nil {
		return nil, err
	}
	same, different := labelCounts(labels)
	a.logger.Info("pairs embedded",
		slog.String("checkpoint_id", md.ID),
		slog.Uint64("seed", seed),
		slog.Int("same", same),
		slog.Int("different", different),
	)
	return &pairSet{meta: md, distances: distances, labels: labels}, nil
}
