package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/netra/internal/dataset"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/preprocess"
	"github.com/saturnino-fabrica-de-software/netra/internal/trainer"
)

func newTrainCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an embedding model on a folder-per-identity corpus",
		Long: `Train the twin-branch embedding network with a contrastive loss.

The training and validation directories hold one sub-directory per identity.
Checkpoints are written to the checkpoint directory: best.ckpt whenever
validation accuracy improves, a periodic epoch-NNNN.ckpt, and last.ckpt when
the run ends. SIGINT stops training after the current epoch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTrain(cmd)
		},
	}

	cmd.Flags().String("train-dir", "", "training corpus (default data.train_dir)")
	cmd.Flags().String("val-dir", "", "validation corpus (default data.val_dir)")
	cmd.Flags().Int("epochs", 0, "epoch budget (default training.epochs)")
	cmd.Flags().String("checkpoint-dir", "", "checkpoint directory (default training.checkpoint_dir)")
	cmd.Flags().Uint64("seed", 0, "random seed; 0 uses training.seed or the clock")
	cmd.Flags().Bool("no-progress", false, "disable the batch progress bar")
	cmd.Flags().Bool("json", false, "print the training result as JSON")
	return cmd
}

func (a *app) runTrain(cmd *cobra.Command) error {
	cfg := a.cfg
	jsonOutput := mustGetBool(cmd, "json")
	showProgress := !jsonOutput && !mustGetBool(cmd, "no-progress")

	trainDir := stringFlag(cmd, "train-dir", cfg.Data.TrainDir)
	valDir := stringFlag(cmd, "val-dir", cfg.Data.ValDir)
	tcfg := trainer.Config{
		Epochs:          intFlag(cmd, "epochs", cfg.Training.Epochs),
		BatchSize:       cfg.Training.BatchSize,
		LearningRate:    cfg.Training.LearningRate,
		WeightDecay:     cfg.Training.WeightDecay,
		Margin:          cfg.Training.Margin,
		LRFactor:        cfg.Training.LRFactor,
		LRPatience:      cfg.Training.LRPatience,
		StopPatience:    cfg.Training.StopPatience,
		CheckpointEvery: cfg.Training.CheckpointEvery,
		CheckpointDir:   stringFlag(cmd, "checkpoint-dir", cfg.Training.CheckpointDir),
		Workers:         a.exec.Workers,
	}

	seed := cfg.Training.Seed
	if s := mustGetUint64(cmd, "seed"); s != 0 {
		seed = s
	}
	rng, seed := newRNG(seed)
	a.logger.Info("training seed", slog.Uint64("seed", seed))

	trainIDs, err := dataset.ScanDir(trainDir)
	if err != nil {
		return err
	}
	valIDs, err := dataset.ScanDir(valDir)
	if err != nil {
		return err
	}
	trainSampler, err := dataset.NewPairSampler(trainIDs, dataset.SamplerOptions{
		PairsPerEpoch:   cfg.Data.PairsPerEpoch,
		NegativeRetries: cfg.Data.NegativeRetries,
	}, rng, a.logger.With("split", "train"))
	if err != nil {
		return fmt.Errorf("training corpus %s: %w", trainDir, err)
	}
	valSampler, err := dataset.NewPairSampler(valIDs, dataset.SamplerOptions{
		PairsPerEpoch:   cfg.Data.ValidationPairs,
		NegativeRetries: cfg.Data.NegativeRetries,
	}, rng, a.logger.With("split", "validation"))
	if err != nil {
		return fmt.Errorf("validation corpus %s: %w", valDir, err)
	}

	m, err := model.New(cfg.ModelSpec(), rng)
	if err != nil {
		return err
	}
	pre, err := preprocess.New(cfg.Model.InputSize, cfg.Model.Mean, cfg.Model.Std)
	if err != nil {
		return err
	}

	deps := trainer.Deps{
		Model:      m,
		Train:      trainSampler,
		Validation: valSampler,
		Images:     dataset.NewImageLoader(pre, a.exec.Workers),
		RNG:        rng,
		Logger:     a.logger,
	}
	if cfg.Training.Augment {
		deps.Augmenter = pre
		deps.Augmentation = preprocess.DefaultAugmentation()
	}

	out := cmd.OutOrStdout()
	var bar *progressbar.ProgressBar
	if showProgress {
		deps.Hooks.OnBatch = func(s trainer.BatchStats) {
			if s.Batch == 1 {
				bar = progressbar.NewOptions(s.Batches,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", s.Epoch)),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("batches"),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetPredictTime(true),
					progressbar.OptionFullWidth(),
				)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
	if !jsonOutput {
		deps.Hooks.OnEpoch = func(s trainer.EpochStats) {
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
				bar = nil
			}
			marker := ""
			if s.Improved {
				marker = " *"
			}
			fmt.Fprintf(out, "epoch %3d  train_loss=%.4f  val_loss=%.4f  val_acc=%.4f  lr=%.2e  %s%s\n",
				s.Epoch, s.TrainLoss, s.ValLoss, s.ValAccuracy, s.LearningRate, s.Duration.Round(time.Millisecond), marker)
		}
	}

	t, err := trainer.New(tcfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := t.Run(ctx)
	if res == nil {
		return runErr
	}

	if jsonOutput {
		if err := outputJSON(out, res); err != nil {
			return err
		}
		return runErr
	}

	fmt.Fprintf(out, "\nRun:             %s\n", res.RunID)
	fmt.Fprintf(out, "Seed:            %d\n", seed)
	fmt.Fprintf(out, "State:           %s\n", res.FinalState)
	fmt.Fprintf(out, "Epochs:          %d\n", res.Epochs)
	if res.BestEpoch > 0 {
		fmt.Fprintf(out, "Best epoch:      %d (val_acc=%.4f)\n", res.BestEpoch, res.BestAccuracy)
		fmt.Fprintf(out, "Best checkpoint: %s\n", res.BestCheckpoint)
	}
	if res.LastCheckpoint != "" {
		fmt.Fprintf(out, "Last checkpoint: %s\n", res.LastCheckpoint)
	}
	if runErr != nil && !isCancelled(runErr) {
		return runErr
	}
	return nil
}

// isCancelled reports an interrupted run; the checkpoints it left are valid.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
