// Package model implements the twin-branch embedding network. Both branches
// of a pair run through the same Model value: there is exactly one parameter
// set, and the gradients of both branches accumulate into the same buffers.
package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

type Model struct {
	spec   Spec
	params *nn.ParamSet
	convs  []*nn.Conv2D
	hidden *nn.Dense
	proj   *nn.Dense
}

// New builds a freshly initialised model.
func New(spec Spec, rng *rand.Rand) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m := &Model{spec: spec, params: nn.NewParamSet()}
	inC := 3
	for i, st := range backbones[spec.Backbone] {
		m.convs = append(m.convs, nn.NewConv2D(m.params, fmt.Sprintf("backbone.%d", i), inC, st.channels, st.stride, rng))
		inC = st.channels
	}
	m.hidden = nn.NewDense(m.params, "head.hidden", inC, spec.HiddenDim, rng)
	m.proj = nn.NewDense(m.params, "head.projection", spec.HiddenDim, spec.EmbeddingDim, rng)
	nn.XavierNormal(m.proj.Weight, spec.HiddenDim, spec.EmbeddingDim, rng)
	return m, nil
}

func (m *Model) Spec() Spec {
	return m.spec
}

func (m *Model) Params() *nn.ParamSet {
	return m.params
}

func (m *Model) InputShape() nn.Shape {
	return nn.Shape{C: 3, H: m.spec.InputSize, W: m.spec.InputSize}
}

// Pass keeps the activations of one forward pass for Backward.
type Pass struct {
	Embedding domain.Embedding

	input       *nn.Tensor
	activations []*nn.Tensor
	pooled      []float64
	hiddenAct   []float64
	hidden      []float64
	mask        []float64
	norm        float64
}

func (m *Model) checkInput(x *nn.Tensor) error {
	want := m.InputShape()
	if x == nil {
		return domain.ErrInvalidInput.WithDetails(map[string]any{
			"reason":   "input tensor does not match the model input shape",
			"expected": want.String(),
			"actual":   "nil",
		})
	}
	if x.Shape != want || !x.Valid() {
		return domain.ErrInvalidInput.WithDetails(map[string]any{
			"reason":      "input tensor does not match the model input shape",
			"expected":    want.String(),
			"actual":      x.Shape.String(),
			"data_length": len(x.Data),
		})
	}
	return nil
}

// Forward runs one branch. A nil mask means evaluation mode; a mask from
// DropoutMask applies training-time dropout in the head.
func (m *Model) Forward(x *nn.Tensor, mask []float64) (*Pass, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}

	p := &Pass{input: x, mask: mask}
	act := x
	for _, conv := range m.convs {
		act = conv.Forward(act)
		nn.ReLU(act.Data)
		p.activations = append(p.activations, act)
	}
	p.pooled = nn.GlobalAvgPool(act)

	p.hiddenAct = m.hidden.Forward(p.pooled)
	nn.ReLU(p.hiddenAct)
	p.hidden = p.hiddenAct
	if mask != nil {
		p.hidden = make([]float64, len(p.hiddenAct))
		for i, v := range p.hiddenAct {
			p.hidden[i] = v * mask[i]
		}
	}

	raw := m.proj.Forward(p.hidden)
	out, norm := nn.L2Normalize(raw)
	p.Embedding = out
	p.norm = norm
	return p, nil
}

// Backward accumulates into g the parameter gradients for dL/dEmbedding.
func (m *Model) Backward(p *Pass, grad []float64, g nn.Grads) {
	gRaw := nn.L2NormalizeBackward(p.Embedding, p.norm, grad)
	gHidden := m.proj.Backward(p.hidden, gRaw, g)
	if p.mask != nil {
		for i := range gHidden {
			gHidden[i] *= p.mask[i]
		}
	}
	nn.ReLUBackward(p.hiddenAct, gHidden)
	gPooled := m.hidden.Backward(p.pooled, gHidden, g)

	last := p.activations[len(p.activations)-1]
	gAct := nn.GlobalAvgPoolBackward(last.Shape, gPooled)
	for i := len(m.convs) - 1; i >= 0; i-- {
		nn.ReLUBackward(p.activations[i].Data, gAct.Data)
		in := p.input
		if i > 0 {
			in = p.activations[i-1]
		}
		gAct = m.convs[i].Backward(in, gAct, g, i > 0)
	}
}

// DropoutMask draws a head dropout mask, or nil when dropout is disabled.
func (m *Model) DropoutMask(rng *rand.Rand) []float64 {
	if m.spec.Dropout == 0 {
		return nil
	}
	return nn.DropoutMask(m.spec.HiddenDim, m.spec.Dropout, rng)
}

// Embed maps one preprocessed face tensor to its unit-norm embedding.
func (m *Model) Embed(x *nn.Tensor) (domain.Embedding, error) {
	p, err := m.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	return p.Embedding, nil
}

// EmbedBatch embeds each tensor independently; results do not depend on
// the batch composition.
func (m *Model) EmbedBatch(xs []*nn.Tensor) ([]domain.Embedding, error) {
	out := make([]domain.Embedding, len(xs))
	for i, x := range xs {
		e, err := m.Embed(x)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}
