package nn

import "math/rand/v2"

const (
	kernel  = 3
	padding = 1
)

// Conv2D is a 3x3 convolution with zero padding of one pixel.
type Conv2D struct {
	InC, OutC, Stride int
	Weight, Bias      *Param
}

func NewConv2D(params *ParamSet, name string, inC, outC, stride int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InC:    inC,
		OutC:   outC,
		Stride: stride,
		Weight: params.Add(name+".weight", outC, inC, kernel, kernel),
		Bias:   params.Add(name+".bias", outC),
	}
	HeNormal(c.Weight, inC*kernel*kernel, rng)
	return c
}

func (c *Conv2D) OutShape(in Shape) Shape {
	return Shape{
		C: c.OutC,
		H: (in.H+2*padding-kernel)/c.Stride + 1,
		W: (in.W+2*padding-kernel)/c.Stride + 1,
	}
}

func (c *Conv2D) Forward(in *Tensor) *Tensor {
	os := c.OutShape(in.Shape)
	out := NewTensor(os.C, os.H, os.W)
	w := c.Weight.Value
	for oc := 0; oc < c.OutC; oc++ {
		bias := c.Bias.Value[oc]
		for oy := 0; oy < os.H; oy++ {
			for ox := 0; ox < os.W; ox++ {
				sum := bias
				for ic := 0; ic < c.InC; ic++ {
					wBase := (oc*c.InC + ic) * kernel * kernel
					for ky := 0; ky < kernel; ky++ {
						iy := oy*c.Stride + ky - padding
						if iy < 0 || iy >= in.H {
							continue
						}
						row := (ic*in.H + iy) * in.W
						for kx := 0; kx < kernel; kx++ {
							ix := ox*c.Stride + kx - padding
							if ix < 0 || ix >= in.W {
								continue
							}
							sum += w[wBase+ky*kernel+kx] * in.Data[row+ix]
						}
					}
				}
				out.Data[(oc*os.H+oy)*os.W+ox] = sum
			}
		}
	}
	return out
}

// Backward accumulates weight and bias gradients for gradOut and returns the
// gradient with respect to in. When needInput is false the input gradient is
// skipped and nil is returned.
func (c *Conv2D) Backward(in, gradOut *Tensor, g Grads, needInput bool) *Tensor {
	gw := g.For(c.Weight)
	gb := g.For(c.Bias)
	w := c.Weight.Value

	var gradIn *Tensor
	if needInput {
		gradIn = NewTensor(in.C, in.H, in.W)
	}

	for oc := 0; oc < c.OutC; oc++ {
		for oy := 0; oy < gradOut.H; oy++ {
			for ox := 0; ox < gradOut.W; ox++ {
				grad := gradOut.Data[(oc*gradOut.H+oy)*gradOut.W+ox]
				if grad == 0 {
					continue
				}
				gb[oc] += grad
				for ic := 0; ic < c.InC; ic++ {
					wBase := (oc*c.InC + ic) * kernel * kernel
					for ky := 0; ky < kernel; ky++ {
						iy := oy*c.Stride + ky - padding
						if iy < 0 || iy >= in.H {
							continue
						}
						row := (ic*in.H + iy) * in.W
						for kx := 0; kx < kernel; kx++ {
							ix := ox*c.Stride + kx - padding
							if ix < 0 || ix >= in.W {
								continue
							}
							gw[wBase+ky*kernel+kx] += grad * in.Data[row+ix]
							if gradIn != nil {
								gradIn.Data[row+ix] += grad * w[wBase+ky*kernel+kx]
							}
						}
					}
				}
			}
		}
	}
	return gradIn
}
