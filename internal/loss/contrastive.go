// Package loss implements the contrastive objective used to train the
// twin-branch model.
package loss

import (
	"fmt"
	"math"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

// MaxMargin is the largest useful margin: unit-norm embeddings are never
// further apart than 2.
const MaxMargin = 2.0

const distanceEpsilon = 1e-12

// Contrastive pulls same-identity pairs together and pushes different
// identities at least Margin apart.
type Contrastive struct {
	Margin float64
}

func NewContrastive(margin float64) (*Contrastive, error) {
	if !(margin > 0 && margin <= MaxMargin) {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{
			"field": "margin",
			"value": margin,
			"range": "(0, 2]",
		})
	}
	return &Contrastive{Margin: margin}, nil
}

// Loss is d² for same pairs and max(0, margin-d)² for different pairs.
func (c *Contrastive) Loss(a, b []float64, label domain.Label) float64 {
	d := nn.EuclideanDistance(a, b)
	if label == domain.LabelSame {
		return d * d
	}
	h := math.Max(0, c.Margin-d)
	return h * h
}

// Gradient returns the loss with its gradients with respect to a and b.
// Different pairs at or beyond the margin contribute nothing.
func (c *Contrastive) Gradient(a, b []float64, label domain.Label) (float64, []float64, []float64) {
	ga := make([]float64, len(a))
	gb := make([]float64, len(b))
	d := nn.EuclideanDistance(a, b)

	var loss, scale float64
	if label == domain.LabelSame {
		loss = d * d
		scale = 2
	} else {
		h := c.Margin - d
		if h <= 0 {
			return 0, ga, gb
		}
		loss = h * h
		scale = -2 * h / math.Max(d, distanceEpsilon)
	}

	for i := range a {
		diff := scale * (a[i] - b[i])
		ga[i] = diff
		gb[i] = -diff
	}
	return loss, ga, gb
}

// BatchLoss is the mean loss over aligned slices.
func (c *Contrastive) BatchLoss(as, bs [][]float64, labels []domain.Label) (float64, error) {
	if len(as) != len(bs) || len(as) != len(labels) {
		return 0, domain.ErrInvalidInput.WithDetails(map[string]any{
			"reason": fmt.Sprintf("batch lengths differ: %d, %d, %d", len(as), len(bs), len(labels)),
		})
	}
	if len(as) == 0 {
		return 0, nil
	}
	sum := 0.0
	for i := range as {
		sum += c.Loss(as[i], bs[i], labels[i])
	}
	return sum / float64(len(as)), nil
}
