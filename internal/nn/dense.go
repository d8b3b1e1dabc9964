package nn

import "math/rand/v2"

// Dense is a fully connected layer y = Wx + b.
type Dense struct {
	In, Out      int
	Weight, Bias *Param
}

func NewDense(params *ParamSet, name string, in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		In:     in,
		Out:    out,
		Weight: params.Add(name+".weight", out, in),
		Bias:   params.Add(name+".bias", out),
	}
	HeNormal(d.Weight, in, rng)
	return d
}

func (d *Dense) Forward(x []float64) []float64 {
	w := d.Weight.Value
	y := make([]float64, d.Out)
	for o := 0; o < d.Out; o++ {
		sum := d.Bias.Value[o]
		row := w[o*d.In : (o+1)*d.In]
		for i, v := range x {
			sum += row[i] * v
		}
		y[o] = sum
	}
	return y
}

// Backward accumulates parameter gradients and returns dL/dx.
func (d *Dense) Backward(x, gradOut []float64, g Grads) []float64 {
	gw := g.For(d.Weight)
	gb := g.For(d.Bias)
	w := d.Weight.Value
	gradIn := make([]float64, d.In)
	for o, grad := range gradOut {
		if grad == 0 {
			continue
		}
		gb[o] += grad
		base := o * d.In
		for i, v := range x {
			gw[base+i] += grad * v
			gradIn[i] += grad * w[base+i]
		}
	}
	return gradIn
}
