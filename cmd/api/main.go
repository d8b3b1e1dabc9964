package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saturnino-fabrica-de-software/netra/internal/api"
	"github.com/saturnino-fabrica-de-software/netra/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/netra/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/netra/internal/config"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/preprocess"
	"github.com/saturnino-fabrica-de-software/netra/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("NETRA_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := config.NewLogger(cfg.App.Environment, cfg.App.LogLevel)
	slog.SetDefault(logger)

	exec, err := config.ResolveDevice(cfg.App)
	if err != nil {
		return err
	}

	logger.Info("starting Netra API",
		slog.String("environment", cfg.App.Environment),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("device", exec.Device),
		slog.Any("cpu_features", exec.Features),
	)

	pre, err := preprocess.New(cfg.Model.InputSize, cfg.Model.Mean, cfg.Model.Std)
	if err != nil {
		return err
	}
	svc, err := service.New(model.Expect{Spec: cfg.ModelSpec(), Margin: cfg.Training.Margin}, pre, logger)
	if err != nil {
		return err
	}

	// a missing model is not fatal: /ready reports it until a reload succeeds
	if _, err := svc.Reload(cfg.Server.CheckpointPath, cfg.Server.ThresholdPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("no checkpoint yet, serving unready", slog.String("path", cfg.Server.CheckpointPath))
		} else {
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}

	router := api.NewRouter(logger, &api.Dependencies{
		Service:   svc,
		Readiness: svc,
		Paths: handler.ModelPaths{
			Checkpoint: cfg.Server.CheckpointPath,
			Threshold:  cfg.Server.ThresholdPath,
		},
		RateLimit: middleware.RateLimiterConfig{
			RPS:   cfg.Server.RateLimitRPS,
			Burst: cfg.Server.RateLimitBurst,
		},
		BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024,
		Version:   config.Version,
	})
	router.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.WatchInterval > 0 {
		watcher := service.NewWatcher(svc, cfg.Server.CheckpointPath, cfg.Server.ThresholdPath, logger, cfg.Server.WatchInterval)
		go watcher.Run(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("server listening", slog.String("addr", addr))
		if err := router.Listen(addr); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	done := make(chan error, 1)
	go func() { done <- router.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Error("shutdown timed out")
	}

	logger.Info("server stopped")
	return nil
}
