package service

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Reloader is satisfied by *VerificationService.
type Reloader interface {
	Reload(checkpointPath, thresholdPath string) (Status, error)
}

// Watcher polls the checkpoint and threshold files and reloads the service
// whenever either modification time changes.
type Watcher struct {
	reloader       Reloader
	checkpointPath string
	thresholdPath  string
	logger         *slog.Logger
	interval       time.Duration

	lastCheckpoint time.Time
	lastThreshold  time.Time
}

func NewWatcher(reloader Reloader, checkpointPath, thresholdPath string, logger *slog.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		reloader:       reloader,
		checkpointPath: checkpointPath,
		thresholdPath:  thresholdPath,
		logger:         logger,
		interval:       interval,
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// files present at startup were loaded by the caller
	w.lastCheckpoint = modTime(w.checkpointPath)
	w.lastThreshold = modTime(w.thresholdPath)
	w.logger.Info("checkpoint watcher started", "path", w.checkpointPath, "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("checkpoint watcher stopped")
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads once if either file changed since the last check. It
// reports whether a reload was attempted.
func (w *Watcher) Check() bool {
	ckpt := modTime(w.checkpointPath)
	th := modTime(w.thresholdPath)
	if ckpt.IsZero() || (ckpt.Equal(w.lastCheckpoint) && th.Equal(w.lastThreshold)) {
		return false
	}
	w.lastCheckpoint, w.lastThreshold = ckpt, th

	st, err := w.reloader.Reload(w.checkpointPath, w.thresholdPath)
	if err != nil {
		w.logger.Error("checkpoint reload failed", "path", w.checkpointPath, "error", err)
		return true
	}
	w.logger.Info("checkpoint reloaded", "checkpoint_id", st.CheckpointID, "threshold_set", st.Threshold != nil)
	return true
}

func modTime(path string) time.Time {
	if path == "" {
		return time.Time{}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
