package model

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

func testSpec() Spec {
	return Spec{
		Backbone:     BackboneLight,
		EmbeddingDim: 8,
		HiddenDim:    16,
		InputSize:    12,
		Dropout:      0,
	}
}

func newTestModel(t *testing.T, spec Spec) *Model {
	t.Helper()
	m, err := New(spec, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	return m
}

func randomInput(size int, seed uint64) *nn.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := nn.NewTensor(3, size, size)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Spec)
		field string
	}{
		{"unknown backbone", func(s *Spec) { s.Backbone = "resnet50" }, "backbone"},
		{"zero embedding dim", func(s *Spec) { s.EmbeddingDim = 0 }, "embedding_dim"},
		{"zero hidden dim", func(s *Spec) { s.HiddenDim = 0 }, "hidden_dim"},
		{"tiny input", func(s *Spec) { s.InputSize = 2 }, "input_size"},
		{"dropout one", func(s *Spec) { s.Dropout = 1 }, "dropout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			tt.mod(&spec)
			_, err := New(spec, rand.New(rand.NewPCG(1, 2)))
			require.ErrorIs(t, err, domain.ErrInvalidConfig)

			var appErr *domain.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Details["field"])
		})
	}
}

func TestHeavyBackboneHasMoreCapacity(t *testing.T) {
	light := newTestModel(t, testSpec())
	heavySpec := testSpec()
	heavySpec.Backbone = BackboneHeavy
	heavy := newTestModel(t, heavySpec)

	assert.Greater(t, heavy.Params().Count(), light.Params().Count())
	assert.Equal(t, []string{BackboneHeavy, BackboneLight}, Backbones())
}

func TestEmbed_UnitNorm(t *testing.T) {
	for _, backbone := range Backbones() {
		t.Run(backbone, func(t *testing.T) {
			spec := testSpec()
			spec.Backbone = backbone
			m := newTestModel(t, spec)

			for seed := uint64(0); seed < 5; seed++ {
				e, err := m.Embed(randomInput(spec.InputSize, seed))
				require.NoError(t, err)
				assert.Len(t, e, spec.EmbeddingDim)
				assert.InDelta(t, 1.0, nn.Norm(e), 1e-5)
			}
		})
	}
}

func TestEmbed_UnitNormForBlankInput(t *testing.T) {
	for _, backbone := range Backbones() {
		t.Run(backbone, func(t *testing.T) {
			spec := testSpec()
			spec.Backbone = backbone
			m := newTestModel(t, spec)

			// zero biases at initialisation send a blank image to a zero projection
			e, err := m.Embed(nn.NewTensor(3, spec.InputSize, spec.InputSize))
			require.NoError(t, err)
			assert.Len(t, e, spec.EmbeddingDim)
			assert.InDelta(t, 1.0, nn.Norm(e), 1e-12)
		})
	}
}

func TestEmbed_ShapeMismatch(t *testing.T) {
	m := newTestModel(t, testSpec())

	_, err := m.Embed(randomInput(10, 1))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	var appErr *domain.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "input tensor does not match the model input shape", appErr.Details["reason"])
	assert.Equal(t, "3x12x12", appErr.Details["expected"])
	assert.Equal(t, "3x10x10", appErr.Details["actual"])

	_, err = m.Embed(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	broken := &nn.Tensor{Shape: nn.Shape{C: 3, H: 12, W: 12}, Data: make([]float64, 5)}
	_, err = m.Embed(broken)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEmbed_DeterministicInEvaluationMode(t *testing.T) {
	spec := testSpec()
	spec.Dropout = 0.5
	m := newTestModel(t, spec)
	x := randomInput(spec.InputSize, 3)

	a, err := m.Embed(x)
	require.NoError(t, err)
	b, err := m.Embed(x.Clone())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, nn.Dot(a, b), 0.999)
	assert.Equal(t, a, b)
}

func TestEmbedBatch_IndependentOfComposition(t *testing.T) {
	m := newTestModel(t, testSpec())
	x1 := randomInput(12, 1)
	x2 := randomInput(12, 2)
	x3 := randomInput(12, 3)

	solo, err := m.Embed(x2)
	require.NoError(t, err)

	batchA, err := m.EmbedBatch([]*nn.Tensor{x1, x2})
	require.NoError(t, err)
	batchB, err := m.EmbedBatch([]*nn.Tensor{x3, x2, x1})
	require.NoError(t, err)

	assert.Equal(t, solo, batchA[1])
	assert.Equal(t, solo, batchB[1])

	_, err = m.EmbedBatch([]*nn.Tensor{x1, randomInput(5, 1)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBackward_MatchesNumericGradient(t *testing.T) {
	m := newTestModel(t, testSpec())
	x := randomInput(12, 9)
	weights := randomInput(2, 4).Data[:8]

	objective := func() float64 {
		e, err := m.Embed(x)
		require.NoError(t, err)
		return nn.Dot(e, weights)
	}

	pass, err := m.Forward(x, nil)
	require.NoError(t, err)
	grads := m.Params().NewGrads()
	m.Backward(pass, weights, grads)

	const eps = 1e-6
	for _, name := range []string{"head.projection.weight", "head.hidden.weight", "backbone.1.weight", "backbone.0.weight", "backbone.0.bias"} {
		p, ok := m.Params().Get(name)
		require.True(t, ok, name)
		for _, i := range []int{0, p.Len() / 3, p.Len() - 1} {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := objective()
			p.Value[i] = orig - eps
			minus := objective()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grads.For(p)[i], 1e-5, "%s[%d]", name, i)
		}
	}
}

func TestForward_DropoutMaskOnlyInTraining(t *testing.T) {
	spec := testSpec()
	spec.Dropout = 0.5
	m := newTestModel(t, spec)
	rng := rand.New(rand.NewPCG(5, 5))

	mask := m.DropoutMask(rng)
	require.Len(t, mask, spec.HiddenDim)

	x := randomInput(spec.InputSize, 1)
	train, err := m.Forward(x, mask)
	require.NoError(t, err)
	eval, err := m.Forward(x, nil)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, nn.Norm(train.Embedding), 1e-9)
	assert.NotEqual(t, train.Embedding, eval.Embedding)

	spec.Dropout = 0
	assert.Nil(t, newTestModel(t, spec).DropoutMask(rng))
}
