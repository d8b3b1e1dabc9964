// Package calibration chooses the operating distance threshold of a trained
// checkpoint from held-out pairs and reports verification quality.
package calibration

import (
	"math"
	"slices"
	"time"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

const (
	RangeObserved    = "observed"
	RangeTheoretical = "theoretical"

	DefaultSteps = 1000

	// maxDistance bounds the distance between two unit vectors.
	maxDistance = 2.0
)

// Calibrator sweeps Steps evenly spaced candidate thresholds. A pair is a
// match when distance <= threshold.
type Calibrator struct {
	Steps int
	Range string
}

func New(steps int, rangeMode string) (*Calibrator, error) {
	if steps == 0 {
		steps = DefaultSteps
	}
	if rangeMode == "" {
		rangeMode = RangeObserved
	}
	if steps < 2 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "steps", "value": steps})
	}
	if rangeMode != RangeObserved && rangeMode != RangeTheoretical {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "range", "value": rangeMode})
	}
	return &Calibrator{Steps: steps, Range: rangeMode}, nil
}

// Result is the outcome of a sweep. Candidate is the smallest grid point
// reaching the best accuracy. The reported Threshold is not Candidate but
// the midpoint of [GapLow, GapHigh], the gap between the largest matched
// and the smallest unmatched distance at Candidate. Both classify every
// calibration pair identically; Threshold is larger than Candidate whenever
// the grid point sits below the middle of its gap, so unseen pairs just
// above the closest matched distance are accepted. Callers that need the
// grid value itself read Candidate.
type Result struct {
	Metrics
	Candidate float64 `json:"candidate"`
	GapLow    float64 `json:"gap_low"`
	GapHigh   float64 `json:"gap_high"`
}

// Threshold binds the result to the checkpoint it was computed for.
func (r *Result) Threshold(checkpointID string) domain.Threshold {
	return domain.Threshold{
		Value:        r.Metrics.Threshold,
		Metric:       domain.MetricEuclidean,
		CheckpointID: checkpointID,
		Accuracy:     r.Accuracy,
		Confusion:    r.Confusion,
		CalibratedAt: time.Now().UTC(),
	}
}

type scored struct {
	distance float64
	same     bool
}

// Calibrate picks the candidate with the highest accuracy; among equally
// accurate candidates the smallest wins.
func (c *Calibrator) Calibrate(distances []float64, labels []domain.Label) (*Result, error) {
	items, positives, err := prepare(distances, labels)
	if err != nil {
		return nil, err
	}
	n := len(items)
	if positives == 0 || positives == n {
		return nil, domain.ErrCalibrationDegenerate.WithDetails(map[string]any{
			"pairs":     n,
			"positives": positives,
			"negatives": n - positives,
		})
	}

	lo, hi := 0.0, maxDistance
	if c.Range == RangeObserved {
		lo, hi = items[0].distance, items[n-1].distance
	}

	var (
		bestAcc   = -1.0
		bestCand  float64
		bestCount int
		k         int
		tp        int
	)
	for step := range c.Steps {
		cand := lo + (hi-lo)*float64(step)/float64(c.Steps-1)
		for k < n && items[k].distance <= cand {
			if items[k].same {
				tp++
			}
			k++
		}
		// matches are items[:k]; TN are negatives beyond it
		tn := (n - k) - (positives - tp)
		acc := float64(tp+tn) / float64(n)
		if acc > bestAcc {
			bestAcc, bestCand, bestCount = acc, cand, k
		}
	}

	gapLow, gapHigh := lo, hi
	if bestCount > 0 {
		gapLow = items[bestCount-1].distance
	}
	if bestCount < n {
		gapHigh = items[bestCount].distance
	}
	m, err := Evaluate(distances, labels, (gapLow+gapHigh)/2)
	if err != nil {
		return nil, err
	}
	return &Result{Metrics: m, Candidate: bestCand, GapLow: gapLow, GapHigh: gapHigh}, nil
}

// prepare validates the inputs and returns them sorted by distance.
func prepare(distances []float64, labels []domain.Label) ([]scored, int, error) {
	if len(distances) != len(labels) {
		return nil, 0, domain.ErrInvalidInput.WithDetails(map[string]any{
			"distances": len(distances),
			"labels":    len(labels),
		})
	}
	if len(distances) == 0 {
		return nil, 0, domain.ErrCalibrationDegenerate.WithDetails(map[string]any{"pairs": 0})
	}

	items := make([]scored, len(distances))
	positives := 0
	for i, d := range distances {
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return nil, 0, domain.ErrInvalidInput.WithDetails(map[string]any{"index": i, "distance": d})
		}
		items[i] = scored{distance: d, same: labels[i] == domain.LabelSame}
		if items[i].same {
			positives++
		}
	}
	slices.SortStableFunc(items, func(a, b scored) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		}
		return 0
	})
	return items, positives, nil
}
