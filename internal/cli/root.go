// Package cli implements the netra command: training, calibration and
// evaluation of face verification checkpoints.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/netra/internal/config"
)

// app is shared by every subcommand; it is filled in by the root
// PersistentPreRunE before any RunE runs.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	exec   config.ExecContext
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "netra",
		Short: "Train, calibrate and evaluate face verification models",
		Long: `Netra trains a twin-branch embedding network with a contrastive loss on a
folder-per-identity face corpus, calibrates the distance threshold of a
checkpoint on held-out pairs and reports verification quality.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("NETRA_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override app.log_level")

	root.AddCommand(
		newTrainCommand(a),
		newCalibrateCommand(a),
		newEvaluateCommand(a),
		newVersionCommand(),
	)
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.App.LogLevel = a.logLevel
	}
	exec, err := config.ResolveDevice(cfg.App)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.exec = exec
	a.logger = config.NewLoggerTo(cmd.ErrOrStderr(), cfg.App.Environment, cfg.App.LogLevel)
	a.logger.Debug("execution context",
		slog.String("device", exec.Device),
		slog.Int("workers", exec.Workers),
		slog.Any("cpu_features", exec.Features),
	)
	return nil
}
