// Package trainer runs contrastive training of the embedding model: epochs
// of balanced pairs, validation against a fixed pair set, learning-rate
// scheduling, early stopping and checkpointing.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/saturnino-fabrica-de-software/netra/internal/dataset"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/loss"
	"github.com/saturnino-fabrica-de-software/netra/internal/metrics"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
	"github.com/saturnino-fabrica-de-software/netra/internal/preprocess"
)

const (
	BestCheckpoint = "best.ckpt"
	LastCheckpoint = "last.ckpt"
)

type Config struct {
	Epochs          int
	BatchSize       int
	LearningRate    float64
	WeightDecay     float64
	Margin          float64
	LRFactor        float64
	LRPatience      int
	StopPatience    int
	CheckpointEvery int
	CheckpointDir   string
	Workers         int
	RunID           string
}

func DefaultConfig() Config {
	return Config{
		Epochs:          100,
		BatchSize:       32,
		LearningRate:    1e-3,
		WeightDecay:     1e-4,
		Margin:          1.0,
		LRFactor:        0.5,
		LRPatience:      10,
		StopPatience:    20,
		CheckpointEvery: 10,
		CheckpointDir:   "checkpoints",
	}
}

// Augmenter applies a drawn jitter; *preprocess.Preprocessor implements it.
type Augmenter interface {
	Apply(t *nn.Tensor, j preprocess.Jitter) *nn.Tensor
}

type BatchStats struct {
	Epoch   int
	Batch   int
	Batches int
	Loss    float64
}

type EpochStats struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValLoss      float64       `json:"val_loss"`
	ValAccuracy  float64       `json:"val_accuracy"`
	LearningRate float64       `json:"learning_rate"`
	Improved     bool          `json:"improved"`
	Duration     time.Duration `json:"duration"`
}

// Hooks are called synchronously from Run.
type Hooks struct {
	OnStateChange func(Status)
	OnBatch       func(BatchStats)
	OnEpoch       func(EpochStats)
}

type Deps struct {
	Model *model.Model
	Train *dataset.PairSampler
	// Validation is drained once, before the first epoch.
	Validation *dataset.PairSampler
	Images     dataset.ImageSource

	// Augmenter and Augmentation are optional; augmentation only ever
	// touches training pairs.
	Augmenter    Augmenter
	Augmentation preprocess.Augmentation

	RNG    *rand.Rand
	Logger *slog.Logger
	Hooks  Hooks
}

type Result struct {
	RunID          string       `json:"run_id"`
	State          State        `json:"-"`
	FinalState     string       `json:"final_state"`
	Epochs         int          `json:"epochs"`
	BestEpoch      int          `json:"best_epoch"`
	BestAccuracy   float64      `json:"best_accuracy"`
	BestCheckpoint string       `json:"best_checkpoint,omitempty"`
	LastCheckpoint string       `json:"last_checkpoint,omitempty"`
	History        []EpochStats `json:"history"`
}

type Trainer struct {
	cfg        Config
	model      *model.Model
	objective  *loss.Contrastive
	opt        *nn.Adam
	plateau    *Plateau
	train      *dataset.PairSampler
	validation []domain.Pair
	images     dataset.ImageSource
	augmenter  Augmenter
	augment    preprocess.Augmentation
	rng        *rand.Rand
	logger     *slog.Logger
	hooks      Hooks

	mu     sync.Mutex
	status Status

	lastGood string
}

func New(cfg Config, deps Deps) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Model == nil || deps.Train == nil || deps.Validation == nil || deps.Images == nil || deps.RNG == nil {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"reason": "trainer dependencies incomplete"})
	}
	if n := sharedImages(deps.Train, deps.Validation); n > 0 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{
			"reason":  "training and validation corpora share images",
			"overlap": n,
		})
	}
	objective, err := loss.NewContrastive(cfg.Margin)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Trainer{
		cfg:        cfg,
		model:      deps.Model,
		objective:  objective,
		opt:        nn.NewAdam(deps.Model.Params(), cfg.LearningRate, cfg.WeightDecay),
		plateau:    NewPlateau(cfg.LRFactor, cfg.LRPatience, cfg.StopPatience),
		train:      deps.Train,
		validation: dataset.Collect(deps.Validation.Epoch()),
		images:     deps.Images,
		augmenter:  deps.Augmenter,
		augment:    deps.Augmentation,
		rng:        deps.RNG,
		logger:     logger.With("run_id", cfg.RunID),
		hooks:      deps.Hooks,
	}
	return t, nil
}

// sharedImages counts validation images that the training sampler can also
// draw.
func sharedImages(train, validation *dataset.PairSampler) int {
	seen := make(map[domain.ImageRef]struct{})
	for ref := range train.Images() {
		seen[ref] = struct{}{}
	}
	n := 0
	for ref := range validation.Images() {
		if _, ok := seen[ref]; ok {
			n++
		}
	}
	return n
}

func (c Config) validate() error {
	invalid := func(field string, value any) error {
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": field, "value": value})
	}
	switch {
	case c.Epochs <= 0:
		return invalid("epochs", c.Epochs)
	case c.BatchSize <= 0:
		return invalid("batch_size", c.BatchSize)
	case c.LearningRate <= 0:
		return invalid("learning_rate", c.LearningRate)
	case c.WeightDecay < 0:
		return invalid("weight_decay", c.WeightDecay)
	case c.LRFactor <= 0 || c.LRFactor >= 1:
		return invalid("lr_factor", c.LRFactor)
	case c.LRPatience <= 0:
		return invalid("lr_patience", c.LRPatience)
	case c.StopPatience <= 0:
		return invalid("stop_patience", c.StopPatience)
	case c.CheckpointEvery < 0:
		return invalid("checkpoint_every", c.CheckpointEvery)
	case c.CheckpointDir == "":
		return invalid("checkpoint_dir", c.CheckpointDir)
	}
	return nil
}

func (t *Trainer) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trainer) RunID() string {
	return t.cfg.RunID
}

// ValidationPairs returns the fixed validation set.
func (t *Trainer) ValidationPairs() []domain.Pair {
	return t.validation
}

func (t *Trainer) setState(s State, epoch int) {
	t.mu.Lock()
	t.status = Status{State: s, Epoch: epoch}
	t.mu.Unlock()

	t.logger.Debug("trainer state", "state", s.String(), "epoch", epoch)
	if t.hooks.OnStateChange != nil {
		t.hooks.OnStateChange(Status{State: s, Epoch: epoch})
	}
}

// Run trains until convergence, the epoch budget or cancellation. ctx is
// only consulted between epochs: an epoch that has started always
// finishes. The returned Result is valid even when err is non-nil.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if s := t.State(); s.State != StateInitialized {
		return nil, fmt.Errorf("trainer already ran: %s", s)
	}

	res := &Result{RunID: t.cfg.RunID, BestAccuracy: -1}
	epochCtx := context.WithoutCancel(ctx)

	t.logger.Info("training started",
		"epochs", t.cfg.Epochs,
		"batch_size", t.cfg.BatchSize,
		"pairs_per_epoch", t.train.PairsPerEpoch(),
		"validation_pairs", len(t.validation),
		"workers", t.cfg.Workers,
		"parameters", t.model.Params().Count(),
	)

	finalState := StateConverged
	var runErr error
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			finalState = StateStopped
			runErr = fmt.Errorf("training cancelled before epoch %d: %w", epoch, err)
			break
		}

		stats, stop, err := t.runEpoch(epochCtx, epoch, res)
		if err != nil {
			t.setState(StateStopped, epoch)
			res.State = StateStopped
			res.FinalState = StateStopped.String()
			if errors.Is(err, domain.ErrNonFiniteLoss) {
				metrics.NonFiniteLossTotal.Inc()
			}
			t.logger.Error("training halted", "epoch", epoch, "error", err)
			return res, err
		}
		res.History = append(res.History, stats)
		res.Epochs = epoch
		if stop {
			t.logger.Info("validation loss stopped improving",
				"epoch", epoch,
				"epochs_without_improvement", t.plateau.EpochsWithoutImprovement(),
			)
			break
		}
	}

	var lastStats EpochStats
	if len(res.History) > 0 {
		lastStats = res.History[len(res.History)-1]
	}
	last := filepath.Join(t.cfg.CheckpointDir, LastCheckpoint)
	if err := t.checkpoint(last, model.KindFinal, res.Epochs, lastStats); err != nil {
		t.setState(StateStopped, res.Epochs)
		res.State = StateStopped
		res.FinalState = StateStopped.String()
		return res, err
	}
	res.LastCheckpoint = last

	t.setState(finalState, res.Epochs)
	res.State = finalState
	res.FinalState = finalState.String()
	t.logger.Info("training finished",
		"state", finalState.String(),
		"epochs", res.Epochs,
		"best_epoch", res.BestEpoch,
		"best_accuracy", res.BestAccuracy,
		"best_checkpoint", res.BestCheckpoint,
	)
	return res, runErr
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, res *Result) (EpochStats, bool, error) {
	started := time.Now()
	stats := EpochStats{Epoch: epoch, LearningRate: t.opt.LearningRate}

	t.setState(StateTraining, epoch)
	seq := t.train.Epoch()
	batches := (seq.Len() + t.cfg.BatchSize - 1) / t.cfg.BatchSize
	sum, n := 0.0, 0
	for b := 1; ; b++ {
		pairs := seq.Batch(t.cfg.BatchSize)
		if len(pairs) == 0 {
			break
		}
		batchLoss, err := t.trainBatch(ctx, pairs)
		if err != nil {
			return stats, false, t.nonFinite(err, epoch, b)
		}
		sum += batchLoss * float64(len(pairs))
		n += len(pairs)
		if t.hooks.OnBatch != nil {
			t.hooks.OnBatch(BatchStats{Epoch: epoch, Batch: b, Batches: batches, Loss: batchLoss})
		}
	}
	if d := seq.Duplicates(); d > 0 {
		metrics.NegativePairDuplicatesTotal.Add(float64(d))
		t.logger.Debug("duplicate negatives accepted", "epoch", epoch, "count", d)
	}
	stats.TrainLoss = sum / float64(max(n, 1))

	t.setState(StateValidating, epoch)
	valLoss, valAcc, err := t.validate(ctx)
	if err != nil {
		return stats, false, t.nonFinite(err, epoch, 0)
	}
	stats.ValLoss = valLoss
	stats.ValAccuracy = valAcc

	decision := t.plateau.Step(valLoss)
	if decision.ReduceLR {
		t.opt.LearningRate *= t.plateau.Factor
		t.logger.Info("learning rate reduced", "epoch", epoch, "learning_rate", t.opt.LearningRate)
	}

	if valAcc > res.BestAccuracy {
		stats.Improved = true
		best := filepath.Join(t.cfg.CheckpointDir, BestCheckpoint)
		if err := t.checkpoint(best, model.KindBest, epoch, stats); err != nil {
			return stats, false, err
		}
		res.BestAccuracy = valAcc
		res.BestEpoch = epoch
		res.BestCheckpoint = best
	}
	if t.cfg.CheckpointEvery > 0 && epoch%t.cfg.CheckpointEvery == 0 {
		path := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("epoch-%04d.ckpt", epoch))
		if err := t.checkpoint(path, model.KindPeriodic, epoch, stats); err != nil {
			return stats, false, err
		}
	}

	stats.Duration = time.Since(started)
	metrics.TrainingEpoch.Set(float64(epoch))
	metrics.TrainingLoss.WithLabelValues("train").Set(stats.TrainLoss)
	metrics.TrainingLoss.WithLabelValues("validation").Set(valLoss)
	metrics.TrainingValidationAccuracy.Set(valAcc)
	metrics.TrainingLearningRate.Set(t.opt.LearningRate)

	t.logger.Info("epoch complete",
		"epoch", epoch,
		"train_loss", stats.TrainLoss,
		"val_loss", valLoss,
		"val_accuracy", valAcc,
		"learning_rate", stats.LearningRate,
		"duration", stats.Duration,
	)
	if t.hooks.OnEpoch != nil {
		t.hooks.OnEpoch(stats)
	}
	return stats, decision.Stop, nil
}

// nonFinite attaches the halt position to a NON_FINITE_LOSS error.
func (t *Trainer) nonFinite(err error, epoch, batch int) error {
	var appErr *domain.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, domain.ErrNonFiniteLoss) {
		return err
	}
	details := map[string]any{"epoch": epoch, "last_checkpoint": t.lastGood}
	if batch > 0 {
		details["batch"] = batch
	} else {
		details["phase"] = "validation"
	}
	return appErr.WithDetails(details)
}

type sample struct {
	pair         dataset.PairTensors
	maskA, maskB []float64
}

// trainBatch performs one optimiser step. All randomness is drawn here, in
// order, before any work is handed to the workers.
func (t *Trainer) trainBatch(ctx context.Context, pairs []domain.Pair) (float64, error) {
	started := time.Now()
	loaded, err := dataset.LoadPairs(ctx, t.images, pairs, t.cfg.Workers)
	if err != nil {
		return 0, err
	}

	samples := make([]sample, len(loaded))
	for i, p := range loaded {
		if t.augmenter != nil {
			p.A = t.augmenter.Apply(p.A, t.augment.Draw(t.rng))
			p.B = t.augmenter.Apply(p.B, t.augment.Draw(t.rng))
		}
		samples[i] = sample{
			pair:  p,
			maskA: t.model.DropoutMask(t.rng),
			maskB: t.model.DropoutMask(t.rng),
		}
	}

	chunks := min(t.cfg.Workers, len(samples))
	grads := make([]nn.Grads, chunks)
	losses := make([]float64, chunks)
	g, _ := errgroup.WithContext(ctx)
	for c := range chunks {
		lo, hi := c*len(samples)/chunks, (c+1)*len(samples)/chunks
		g.Go(func() error {
			grads[c] = t.model.Params().NewGrads()
			for _, s := range samples[lo:hi] {
				l, err := t.accumulate(s, grads[c])
				if err != nil {
					return err
				}
				losses[c] += l
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := grads[0]
	batchLoss := losses[0]
	for c := 1; c < chunks; c++ {
		total.Add(grads[c])
		batchLoss += losses[c]
	}
	batchLoss /= float64(len(samples))
	if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) || !total.Finite() {
		return batchLoss, domain.ErrNonFiniteLoss.WithDetails(map[string]any{"loss": fmt.Sprint(batchLoss)})
	}

	total.Scale(1 / float64(len(samples)))
	t.opt.Step(total)
	metrics.TrainingBatchDuration.Observe(time.Since(started).Seconds())
	return batchLoss, nil
}

// accumulate runs both branches through the same model and adds both
// backward passes into g.
func (t *Trainer) accumulate(s sample, g nn.Grads) (float64, error) {
	pa, err := t.model.Forward(s.pair.A, s.maskA)
	if err != nil {
		return 0, err
	}
	pb, err := t.model.Forward(s.pair.B, s.maskB)
	if err != nil {
		return 0, err
	}
	l, ga, gb := t.objective.Gradient(pa.Embedding, pb.Embedding, s.pair.Label)
	t.model.Backward(pa, ga, g)
	t.model.Backward(pb, gb, g)
	return l, nil
}

// validate returns the mean validation loss and the accuracy at the
// monitoring threshold margin/2. That threshold is never persisted.
func (t *Trainer) validate(ctx context.Context) (float64, float64, error) {
	monitor := t.cfg.Margin / 2
	sum := 0.0
	correct := 0
	for lo := 0; lo < len(t.validation); lo += t.cfg.BatchSize {
		batch := t.validation[lo:min(lo+t.cfg.BatchSize, len(t.validation))]
		loaded, err := dataset.LoadPairs(ctx, t.images, batch, t.cfg.Workers)
		if err != nil {
			return 0, 0, err
		}

		losses := make([]float64, len(loaded))
		matched := make([]bool, len(loaded))
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(t.cfg.Workers)
		for i, p := range loaded {
			g.Go(func() error {
				a, err := t.model.Embed(p.A)
				if err != nil {
					return err
				}
				b, err := t.model.Embed(p.B)
				if err != nil {
					return err
				}
				losses[i] = t.objective.Loss(a, b, p.Label)
				matched[i] = nn.EuclideanDistance(a, b) < monitor
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, 0, err
		}
		for i, p := range loaded {
			sum += losses[i]
			if matched[i] == (p.Label == domain.LabelSame) {
				correct++
			}
		}
	}

	n := float64(len(t.validation))
	mean := sum / n
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return mean, 0, domain.ErrNonFiniteLoss.WithDetails(map[string]any{"loss": fmt.Sprint(mean)})
	}
	return mean, float64(correct) / n, nil
}

func (t *Trainer) checkpoint(path, kind string, epoch int, stats EpochStats) error {
	md := model.Metadata{
		RunID:       t.cfg.RunID,
		Margin:      t.cfg.Margin,
		Epoch:       epoch,
		Kind:        kind,
		ValLoss:     stats.ValLoss,
		ValAccuracy: stats.ValAccuracy,
	}
	saved, err := model.Save(path, t.model, md)
	if err != nil {
		return err
	}
	t.lastGood = path
	metrics.CheckpointsWrittenTotal.WithLabelValues(kind).Inc()
	t.logger.Info("checkpoint written", "path", path, "kind", kind, "epoch", epoch, "checkpoint_id", saved.ID)
	return nil
}
