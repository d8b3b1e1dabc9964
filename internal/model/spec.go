package model

import (
	"slices"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

const (
	BackboneLight = "light"
	BackboneHeavy = "heavy"
)

type stage struct {
	channels int
	stride   int
}

// The light backbone trades capacity for latency; the heavy one doubles the
// depth and ends with four times the feature width.
var backbones = map[string][]stage{
	BackboneLight: {{16, 2}, {32, 2}},
	BackboneHeavy: {{16, 2}, {32, 2}, {64, 2}, {128, 2}},
}

// Backbones lists the supported backbone identifiers.
func Backbones() []string {
	names := make([]string, 0, len(backbones))
	for name := range backbones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Spec fixes the architecture of an embedding model.
type Spec struct {
	Backbone     string  `json:"backbone"`
	EmbeddingDim int     `json:"embedding_dim"`
	HiddenDim    int     `json:"hidden_dim"`
	InputSize    int     `json:"input_size"`
	Dropout      float64 `json:"dropout"`
}

func DefaultSpec() Spec {
	return Spec{
		Backbone:     BackboneLight,
		EmbeddingDim: 128,
		HiddenDim:    256,
		InputSize:    160,
		Dropout:      0.5,
	}
}

func (s Spec) Validate() error {
	if _, ok := backbones[s.Backbone]; !ok {
		return domain.ErrInvalidConfig.WithDetails(map[string]any{
			"field":     "backbone",
			"value":     s.Backbone,
			"supported": Backbones(),
		})
	}
	invalid := func(field string, value any) error {
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": field, "value": value})
	}
	if s.EmbeddingDim <= 0 {
		return invalid("embedding_dim", s.EmbeddingDim)
	}
	if s.HiddenDim <= 0 {
		return invalid("hidden_dim", s.HiddenDim)
	}
	if s.InputSize < 4 {
		return invalid("input_size", s.InputSize)
	}
	if s.Dropout < 0 || s.Dropout >= 1 {
		return invalid("dropout", s.Dropout)
	}
	return nil
}
