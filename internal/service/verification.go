// Package service answers embedding, comparison and verification requests
// against the active checkpoint and its calibrated threshold.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saturnino-fabrica-de-software/netra/internal/calibration"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/metrics"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
	"github.com/saturnino-fabrica-de-software/netra/internal/preprocess"
)

// snapshot is immutable once published.
type snapshot struct {
	model     *model.Model
	meta      model.Metadata
	threshold *domain.Threshold
}

// Status describes the active snapshot.
type Status struct {
	Loaded       bool      `json:"loaded"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Backbone     string    `json:"backbone,omitempty"`
	EmbeddingDim int       `json:"embedding_dim,omitempty"`
	Epoch        int       `json:"epoch,omitempty"`
	Threshold    *float64  `json:"threshold,omitempty"`
	LoadedAt     time.Time `json:"loaded_at,omitzero"`
}

type VerificationService struct {
	expect model.Expect
	pre    *preprocess.Preprocessor
	logger *slog.Logger

	active   atomic.Pointer[snapshot]
	loadedAt atomic.Int64

	// writers are serialised; readers never lock
	mu sync.Mutex
}

// New creates a service with no checkpoint loaded. A nil preprocessor
// defaults to the standard normalisation at the expected input size.
func New(expect model.Expect, pre *preprocess.Preprocessor, logger *slog.Logger) (*VerificationService, error) {
	if err := expect.Spec.Validate(); err != nil {
		return nil, err
	}
	if pre == nil {
		pre = preprocess.Default(expect.Spec.InputSize)
	}
	if pre.Size != expect.Spec.InputSize {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{
			"field":    "preprocess.size",
			"value":    pre.Size,
			"expected": expect.Spec.InputSize,
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.ModelLoaded.Set(0)
	return &VerificationService{expect: expect, pre: pre, logger: logger}, nil
}

// LoadCheckpoint reads path and installs it. On any failure the previous
// snapshot stays active.
func (s *VerificationService) LoadCheckpoint(path string) (model.Metadata, error) {
	m, md, err := model.LoadExpect(path, s.expect)
	if err != nil {
		s.rejected(path, err)
		return model.Metadata{}, err
	}
	if err := s.Install(m, md); err != nil {
		return model.Metadata{}, err
	}
	s.logger.Info("checkpoint loaded",
		"path", path,
		"checkpoint_id", md.ID,
		"epoch", md.Epoch,
		"val_accuracy", md.ValAccuracy,
	)
	return md, nil
}

// Install publishes m as the active model. A threshold calibrated for the
// same checkpoint ID survives the swap; any other is dropped.
func (s *VerificationService) Install(m *model.Model, md model.Metadata) error {
	if m == nil {
		return domain.ErrInvalidInput.WithDetails(map[string]any{"field": "model"})
	}
	if err := s.expect.Check(md); err != nil {
		s.rejected("", err)
		return err
	}
	if got := m.Spec(); got.Backbone != md.Backbone || got.EmbeddingDim != md.EmbeddingDim ||
		got.HiddenDim != md.HiddenDim || got.InputSize != md.InputSize {
		err := domain.ErrCheckpointMismatch.WithDetails(map[string]any{
			"checkpoint_id": md.ID,
			"field":         "model",
		})
		s.rejected("", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{model: m, meta: md}
	if prev := s.active.Load(); prev != nil && prev.threshold != nil {
		if prev.threshold.CheckpointID == md.ID {
			next.threshold = prev.threshold
		} else {
			s.logger.Warn("threshold dropped, calibrated for another checkpoint",
				"threshold_checkpoint_id", prev.threshold.CheckpointID,
				"checkpoint_id", md.ID,
			)
		}
	}
	s.active.Store(next)
	s.loadedAt.Store(time.Now().UnixNano())

	metrics.ModelReloadsTotal.WithLabelValues("success").Inc()
	metrics.ModelLoaded.Set(1)
	s.publishThreshold(next.threshold)
	return nil
}

func (s *VerificationService) rejected(path string, err error) {
	status := "error"
	if errors.Is(err, domain.ErrCheckpointMismatch) {
		status = "mismatch"
	}
	metrics.ModelReloadsTotal.WithLabelValues(status).Inc()
	s.logger.Error("checkpoint rejected", "path", path, "error", err)
}

// SetThreshold installs th as the operating threshold of the active
// checkpoint.
func (s *VerificationService) SetThreshold(th domain.Threshold) error {
	if math.IsNaN(th.Value) || math.IsInf(th.Value, 0) || th.Value < 0 {
		return domain.ErrInvalidInput.WithDetails(map[string]any{"field": "threshold", "value": fmt.Sprint(th.Value)})
	}
	if th.Metric != "" && th.Metric != domain.MetricEuclidean {
		return domain.ErrInvalidInput.WithDetails(map[string]any{"field": "metric", "value": th.Metric})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.active.Load()
	if cur == nil {
		return domain.ErrModelNotLoaded
	}
	if th.CheckpointID != cur.meta.ID {
		return domain.ErrThresholdMismatch.WithDetails(map[string]any{
			"checkpoint_id":           cur.meta.ID,
			"threshold_checkpoint_id": th.CheckpointID,
		})
	}

	next := *cur
	next.threshold = &th
	s.active.Store(&next)
	s.publishThreshold(next.threshold)
	s.logger.Info("threshold installed", "checkpoint_id", th.CheckpointID, "value", th.Value)
	return nil
}

func (s *VerificationService) LoadThreshold(path string) (domain.Threshold, error) {
	th, err := calibration.LoadThreshold(path)
	if err != nil {
		return domain.Threshold{}, err
	}
	if err := s.SetThreshold(th); err != nil {
		return domain.Threshold{}, err
	}
	return th, nil
}

func (s *VerificationService) publishThreshold(th *domain.Threshold) {
	if th == nil {
		metrics.OperatingThreshold.Set(math.NaN())
		return
	}
	metrics.OperatingThreshold.Set(th.Value)
}

// Reload loads the checkpoint and, when thresholdPath is set, its threshold.
// Only a checkpoint failure is returned; a missing or stale threshold leaves
// the service serving without a calibrated threshold.
func (s *VerificationService) Reload(checkpointPath, thresholdPath string) (Status, error) {
	if _, err := s.LoadCheckpoint(checkpointPath); err != nil {
		return s.Status(), err
	}
	if thresholdPath == "" {
		return s.Status(), nil
	}
	if _, err := s.LoadThreshold(thresholdPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("no threshold file, verification requires an explicit threshold", "path", thresholdPath)
		} else {
			s.logger.Warn("threshold not installed", "path", thresholdPath, "error", err)
		}
	}
	return s.Status(), nil
}

func (s *VerificationService) Status() Status {
	cur := s.active.Load()
	if cur == nil {
		return Status{}
	}
	st := Status{
		Loaded:       true,
		CheckpointID: cur.meta.ID,
		Backbone:     cur.meta.Backbone,
		EmbeddingDim: cur.meta.EmbeddingDim,
		Epoch:        cur.meta.Epoch,
		LoadedAt:     time.Unix(0, s.loadedAt.Load()).UTC(),
	}
	if cur.threshold != nil {
		v := cur.threshold.Value
		st.Threshold = &v
	}
	return st
}

func (s *VerificationService) Ready() bool {
	return s.active.Load() != nil
}

// Decode turns an uploaded image into a model input tensor.
func (s *VerificationService) Decode(data []byte) (*nn.Tensor, error) {
	return s.pre.DecodeBytes(data)
}

func (s *VerificationService) Embed(ctx context.Context, x *nn.Tensor) (domain.Embedding, error) {
	cur := s.active.Load()
	if cur == nil {
		return nil, domain.ErrModelNotLoaded
	}
	return s.embed(ctx, cur, x)
}

func (s *VerificationService) embed(ctx context.Context, cur *snapshot, x *nn.Tensor) (domain.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	e, err := cur.model.Embed(x)
	if err != nil {
		return nil, err
	}
	metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	return e, nil
}

// Compare is symmetric in its arguments. Inputs are rescaled to unit norm
// before the cosine is taken.
func (s *VerificationService) Compare(a, b domain.Embedding) (domain.Comparison, error) {
	return Compare(a, b)
}

func Compare(a, b domain.Embedding) (domain.Comparison, error) {
	if len(a) == 0 || len(a) != len(b) {
		return domain.Comparison{}, domain.ErrInvalidInput.WithDetails(map[string]any{
			"field":    "embedding",
			"reason":   "embedding dimensions differ or are empty",
			"expected": len(a),
			"actual":   len(b),
		})
	}
	na, nb := nn.Norm(a), nn.Norm(b)
	if !finitePositive(na) || !finitePositive(nb) {
		return domain.Comparison{}, domain.ErrInvalidInput.WithDetails(map[string]any{
			"field":  "embedding",
			"reason": "embedding has a zero or non-finite norm",
		})
	}
	cos := nn.Dot(a, b) / (na * nb)
	cos = max(-1, min(1, cos))
	return domain.Comparison{
		CosineSimilarity:     cos,
		EuclideanDistance:    math.Sqrt(max(0, 2-2*cos)),
		NormalizedSimilarity: (cos + 1) / 2,
	}, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Verify decides whether a and b show the same person. A non-nil override
// takes precedence over the calibrated threshold.
func (s *VerificationService) Verify(ctx context.Context, a, b *nn.Tensor, override *float64) (domain.Verification, error) {
	v, err := s.verify(ctx, a, b, override)
	switch {
	case err != nil:
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
	case v.IsMatch:
		metrics.VerificationsTotal.WithLabelValues("match").Inc()
	default:
		metrics.VerificationsTotal.WithLabelValues("no_match").Inc()
	}
	return v, err
}

func (s *VerificationService) verify(ctx context.Context, a, b *nn.Tensor, override *float64) (domain.Verification, error) {
	if override != nil && (math.IsNaN(*override) || math.IsInf(*override, 0) || *override < 0) {
		return domain.Verification{}, domain.ErrInvalidInput.WithDetails(map[string]any{
			"field": "threshold",
			"value": fmt.Sprint(*override),
		})
	}
	cur := s.active.Load()
	if cur == nil {
		return domain.Verification{}, domain.ErrModelNotLoaded
	}

	var threshold float64
	switch {
	case override != nil:
		threshold = *override
	case cur.threshold != nil:
		threshold = cur.threshold.Value
	default:
		return domain.Verification{}, domain.ErrThresholdNotCalibrated.WithDetails(map[string]any{
			"checkpoint_id": cur.meta.ID,
		})
	}

	ea, err := s.embed(ctx, cur, a)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("first image: %w", err)
	}
	eb, err := s.embed(ctx, cur, b)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("second image: %w", err)
	}
	cmp, err := Compare(ea, eb)
	if err != nil {
		return domain.Verification{}, err
	}
	return domain.Verification{
		IsMatch:          cmp.EuclideanDistance <= threshold,
		Distance:         cmp.EuclideanDistance,
		CosineSimilarity: cmp.CosineSimilarity,
		Threshold:        threshold,
		CheckpointID:     cur.meta.ID,
	}, nil
}
