package nn

import "math"

// Adam implements Adam with L2 weight decay folded into the gradient.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	params []*Param
	m, v   [][]float64
	step   int
}

func NewAdam(params *ParamSet, learningRate, weightDecay float64) *Adam {
	all := params.All()
	a := &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  weightDecay,
		params:       all,
		m:            make([][]float64, len(all)),
		v:            make([][]float64, len(all)),
	}
	for i, p := range all {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Step applies one update from g. g must come from the same ParamSet.
func (a *Adam) Step(g Grads) {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range a.params {
		m, v, grad := a.m[i], a.v[i], g[i]
		for j, w := range p.Value {
			gj := grad[j] + a.WeightDecay*w
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*gj
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*gj*gj
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Value[j] = w - a.LearningRate*mHat/(math.Sqrt(vHat)+a.Epsilon)
		}
	}
}

func (a *Adam) Steps() int {
	return a.step
}
