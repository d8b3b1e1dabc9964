package calibration

import (
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

// Metrics describes verification quality at one threshold. Same-identity
// pairs are the positive class.
type Metrics struct {
	Threshold float64                `json:"threshold"`
	Samples   int                    `json:"samples"`
	Confusion domain.ConfusionCounts `json:"confusion"`
	Accuracy  float64                `json:"accuracy"`
	Precision float64                `json:"precision"`
	Recall    float64                `json:"recall"`
	F1        float64                `json:"f1"`
	AUC       float64                `json:"auc"`
}

// Evaluate scores a fixed threshold. Precision, recall and AUC are 0 when
// undefined.
func Evaluate(distances []float64, labels []domain.Label, threshold float64) (Metrics, error) {
	items, _, err := prepare(distances, labels)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{Threshold: threshold, Samples: len(items)}
	for _, it := range items {
		match := it.distance <= threshold
		switch {
		case match && it.same:
			m.Confusion.TruePositives++
		case match && !it.same:
			m.Confusion.FalsePositives++
		case !match && it.same:
			m.Confusion.FalseNegatives++
		default:
			m.Confusion.TrueNegatives++
		}
	}

	c := m.Confusion
	m.Accuracy = float64(c.TruePositives+c.TrueNegatives) / float64(c.Total())
	m.Precision = ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
	m.Recall = ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.AUC, _ = auc(items)
	return m, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// AUC is the area under the ROC curve with -distance as the score.
func AUC(distances []float64, labels []domain.Label) (float64, error) {
	items, _, err := prepare(distances, labels)
	if err != nil {
		return 0, err
	}
	v, ok := auc(items)
	if !ok {
		return 0, domain.ErrCalibrationDegenerate.WithDetails(map[string]any{"reason": "single-class set"})
	}
	return v, nil
}

// auc computes the Mann-Whitney statistic over items sorted by ascending
// distance: the probability that a random positive lies closer than a
// random negative, ties counting half.
func auc(items []scored) (float64, bool) {
	var positives, negatives int
	for _, it := range items {
		if it.same {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0, false
	}

	// negatives strictly farther than each tie group of positives
	var wins float64
	negAfter := negatives
	for i := 0; i < len(items); {
		j := i
		pos, neg := 0, 0
		for j < len(items) && items[j].distance == items[i].distance {
			if items[j].same {
				pos++
			} else {
				neg++
			}
			j++
		}
		negAfter -= neg
		wins += float64(pos)*float64(negAfter) + 0.5*float64(pos)*float64(neg)
		i = j
	}
	return wins / (float64(positives) * float64(negatives)), true
}
