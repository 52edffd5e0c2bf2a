package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quiver/internal/nn"
)

// SGD is plain gradient descent with optional momentum.
//
//	velocity = momentum * velocity - lr * gradient
//	param    = param + velocity
//
// With zero momentum this reduces to param -= lr * gradient and no state is kept.
type SGD struct {
	lr         float64
	momentum   float64
	iterations int
	velocity   *slots
}

// SGDConfig holds configuration for SGD.
type SGDConfig struct {
	LR       float64 // default 0.001
	Momentum float64 // default 0, range [0, 1)
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.001
	}
	return &SGD{
		lr:       config.LR,
		momentum: config.Momentum,
		velocity: newSlots(1),
	}
}

func (s *SGD) Update(layers []nn.Layer) error {
	s.iterations++
	if s.momentum == 0 {
		return apply(layers, nil, func(p, g []float64, _ [][]float64) {
			floats.AddScaled(p, -s.lr, g)
		})
	}
	return apply(layers, s.velocity, func(p, g []float64, st [][]float64) {
		v := st[0]
		floats.Scale(s.momentum, v)
		floats.AddScaled(v, -s.lr, g)
		floats.Add(p, v)
	})
}

func (s *SGD) Reset() {
	s.iterations = 0
	s.velocity.reset()
}

func (s *SGD) LR() float64      { return s.lr }
func (s *SGD) SetLR(lr float64) { s.lr = lr }
func (s *SGD) Iterations() int  { return s.iterations }

// Momentum returns the velocity decay, 0 for plain gradient descent.
func (s *SGD) Momentum() float64 { return s.momentum }
func (s *SGD) Name() string      { return "sgd" }
