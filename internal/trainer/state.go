package trainer

import "fmt"

type State int

const (
	StateInitialized State = iota
	StateTraining
	StateValidating
	StateConverged
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateTraining:
		return "training"
	case StateValidating:
		return "validating"
	case StateConverged:
		return "converged"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateStopped
}

// Status is a state together with the epoch it refers to; Epoch is zero
// before training starts.
type Status struct {
	State State
	Epoch int
}

func (s Status) String() string {
	if s.State == StateTraining || s.State == StateValidating {
		return fmt.Sprintf("%s(%d)", s.State, s.Epoch)
	}
	return s.State.String()
}

// Plateau lowers the learning rate when validation loss stops improving and
// signals convergence when it has not improved for longer still.
type Plateau struct {
	Factor       float64
	Patience     int
	StopPatience int

	best        float64
	seen        bool
	bad         int
	sinceReduce int
}

func NewPlateau(factor float64, patience, stopPatience int) *Plateau {
	return &Plateau{Factor: factor, Patience: patience, StopPatience: stopPatience}
}

type PlateauDecision struct {
	Improved bool
	ReduceLR bool
	Stop     bool
}

// Step records one epoch's validation loss.
func (p *Plateau) Step(loss float64) PlateauDecision {
	if !p.seen || loss < p.best {
		p.seen = true
		p.best = loss
		p.bad = 0
		p.sinceReduce = 0
		return PlateauDecision{Improved: true}
	}

	p.bad++
	p.sinceReduce++
	var d PlateauDecision
	if p.sinceReduce >= p.Patience {
		d.ReduceLR = true
		p.sinceReduce = 0
	}
	if p.bad >= p.StopPatience {
		d.Stop = true
	}
	return d
}

func (p *Plateau) Best() float64 {
	return p.best
}

// EpochsWithoutImprovement is reset by every improving epoch.
func (p *Plateau) EpochsWithoutImprovement() int {
	return p.bad
}
