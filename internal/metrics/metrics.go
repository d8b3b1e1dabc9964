// Package metrics holds the process-wide Prometheus collectors. Collectors
// are registered on the default registry at init and exposed by the HTTP
// server under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Training
// =============================================================================

var (
	// TrainingEpoch is the last completed epoch of the running training job
	TrainingEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netra_training_epoch",
			Help: "Last completed training epoch",
		},
	)

	// TrainingLoss is the mean contrastive loss of the last epoch
	TrainingLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netra_training_loss",
			Help: "Mean contrastive loss of the last epoch",
		},
		[]string{"split"}, // "train", "validation"
	)

	TrainingValidationAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netra_training_validation_accuracy",
			Help: "Validation accuracy at the monitoring threshold",
		},
	)

	TrainingLearningRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netra_training_learning_rate",
			Help: "Current optimiser learning rate",
		},
	)

	TrainingBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netra_training_batch_duration_seconds",
			Help:    "Wall time of one forward/backward/update step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	CheckpointsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netra_checkpoints_written_total",
			Help: "Checkpoints written by the trainer",
		},
		[]string{"kind"}, // "best", "periodic", "final"
	)

	NonFiniteLossTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netra_training_non_finite_loss_total",
			Help: "Training runs halted by a NaN or infinite loss",
		},
	)

	// NegativePairDuplicatesTotal counts negatives accepted after the redraw budget ran out
	NegativePairDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netra_sampler_negative_duplicates_total",
			Help: "Duplicate negative pairs accepted after exhausting retries",
		},
	)
)

// =============================================================================
// Verification service
// =============================================================================

var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netra_verifications_total",
			Help: "Verification decisions",
		},
		[]string{"result"}, // "match", "no_match", "error"
	)

	EmbedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netra_embed_duration_seconds",
			Help:    "Latency of a single embedding forward pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	ModelReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netra_model_reloads_total",
			Help: "Checkpoint installs on the verification service",
		},
		[]string{"status"}, // "success", "mismatch", "error"
	)

	ModelLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netra_model_loaded",
			Help: "1 when a checkpoint is active",
		},
	)

	OperatingThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netra_operating_threshold",
			Help: "Calibrated distance threshold of the active checkpoint, 0 when unset",
		},
	)
)

// =============================================================================
// HTTP
// =============================================================================

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netra_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netra_rate_limit_requests_total",
			Help: "Rate limiter decisions",
		},
		[]string{"result"}, // "allowed", "throttled"
	)
)
