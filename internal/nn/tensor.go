// Package nn holds the small set of numeric building blocks the embedding
// model is made of: CHW tensors, 3x3 convolutions, dense layers, the L2
// normalisation head and an Adam optimiser. Every layer is a stateless
// holder of parameters; activations needed for backpropagation are returned
// to the caller so that concurrent forward passes never share scratch space.
package nn

import "fmt"

// Shape is a channel-major image shape.
type Shape struct {
	C, H, W int
}

func (s Shape) Size() int {
	return s.C * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.C, s.H, s.W)
}

// Tensor is a dense CHW volume.
type Tensor struct {
	Shape
	Data []float64
}

func NewTensor(c, h, w int) *Tensor {
	return &Tensor{
		Shape: Shape{C: c, H: h, W: w},
		Data:  make([]float64, c*h*w),
	}
}

func (t *Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.H+y)*t.W+x]
}

func (t *Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Valid reports whether the data length agrees with the declared shape.
func (t *Tensor) Valid() bool {
	return t != nil && t.C > 0 && t.H > 0 && t.W > 0 && len(t.Data) == t.Size()
}

// FlipHorizontal mirrors every channel left to right.
func (t *Tensor) FlipHorizontal() *Tensor {
	out := NewTensor(t.C, t.H, t.W)
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H; y++ {
			row := (c*t.H + y) * t.W
			for x := 0; x < t.W; x++ {
				out.Data[row+x] = t.Data[row+t.W-1-x]
			}
		}
	}
	return out
}
