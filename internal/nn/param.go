package nn

import (
	"math"
	"math/rand/v2"
)

// Param is one named, flat parameter buffer.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	index int
}

func (p *Param) Len() int {
	return len(p.Value)
}

// ParamSet owns every parameter of a model in registration order. The order
// is stable and is the order used by checkpoints and the optimiser.
type ParamSet struct {
	params []*Param
	byName map[string]*Param
}

func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

func (s *ParamSet) Add(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, n),
		index: len(s.params),
	}
	s.params = append(s.params, p)
	s.byName[name] = p
	return p
}

func (s *ParamSet) All() []*Param {
	return s.params
}

func (s *ParamSet) Get(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Count returns the total number of scalar parameters.
func (s *ParamSet) Count() int {
	n := 0
	for _, p := range s.params {
		n += len(p.Value)
	}
	return n
}

func (s *ParamSet) NewGrads() Grads {
	g := make(Grads, len(s.params))
	for i, p := range s.params {
		g[i] = make([]float64, len(p.Value))
	}
	return g
}

// Grads mirrors a ParamSet with one gradient buffer per parameter.
type Grads [][]float64

func (g Grads) For(p *Param) []float64 {
	return g[p.index]
}

func (g Grads) Zero() {
	for _, buf := range g {
		clear(buf)
	}
}

func (g Grads) Add(other Grads) {
	for i, buf := range g {
		src := other[i]
		for j := range buf {
			buf[j] += src[j]
		}
	}
}

func (g Grads) Scale(f float64) {
	for _, buf := range g {
		for j := range buf {
			buf[j] *= f
		}
	}
}

// Finite reports whether every gradient entry is a finite number.
func (g Grads) Finite() bool {
	for _, buf := range g {
		for _, v := range buf {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// HeNormal fills p with N(0, 2/fanIn) samples.
func HeNormal(p *Param, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}

// XavierNormal fills p with N(0, 2/(fanIn+fanOut)) samples.
func XavierNormal(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}
