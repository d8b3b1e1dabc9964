package domain

import (
	"time"
)

// ImageRef points at one face image of the training or validation corpus.
type ImageRef string

// Identity is a person known only by its key and the images filed under it.
type Identity struct {
	Key    string     `json:"key"`
	Images []ImageRef `json:"images"`
}

type Label int

const (
	LabelDifferent Label = 0
	LabelSame      Label = 1
)

func (l Label) String() string {
	if l == LabelSame {
		return "same"
	}
	return "different"
}

// Pair is a labelled image pair drawn for one training or validation pass.
type Pair struct {
	A     ImageRef `json:"a"`
	B     ImageRef `json:"b"`
	Label Label    `json:"label"`
}

// Embedding is a unit-norm identity vector produced by the model.
type Embedding []float64

// Comparison holds both similarity views of two embeddings.
type Comparison struct {
	CosineSimilarity     float64 `json:"cosine_similarity"`
	EuclideanDistance    float64 `json:"euclidean_distance"`
	NormalizedSimilarity float64 `json:"normalized_similarity"`
}

// Verification is the decision rendered for one image pair.
type Verification struct {
	IsMatch          bool    `json:"is_match"`
	Distance         float64 `json:"distance"`
	CosineSimilarity float64 `json:"cosine_similarity"`
	Threshold        float64 `json:"threshold"`
	CheckpointID     string  `json:"checkpoint_id"`
}

// ConfusionCounts treats "same identity" as the positive class.
type ConfusionCounts struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

func (c ConfusionCounts) Total() int {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

const MetricEuclidean = "euclidean"

// Threshold is a calibrated decision boundary, valid only for the checkpoint
// it was calibrated against.
type Threshold struct {
	Value        float64         `json:"value"`
	Metric       string          `json:"metric"`
	CheckpointID string          `json:"checkpoint_id"`
	Accuracy     float64         `json:"accuracy"`
	Confusion    ConfusionCounts `json:"confusion"`
	CalibratedAt time.Time       `json:"calibrated_at"`
}
