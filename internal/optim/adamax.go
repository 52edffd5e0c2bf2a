package optim

import (
	"math"

	"github.com/23skdu/longbow-quiver/internal/nn"
)

// Adamax is the infinity-norm variant of Adam and the default optimizer of a
// compiled model.
//
//	m     = beta1 * m + (1-beta1) * g
//	u     = max(beta2 * u, |g|)
//	param = param - lr / (1-beta1^t) * m / (u + eps)
type Adamax struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	t       int
	moments *slots // slot 0: m, slot 1: u
}

// AdamaxConfig holds configuration for Adamax. Zero fields take defaults.
type AdamaxConfig struct {
	LR    float64    // default 0.002
	Betas [2]float64 // default [0.9, 0.999]
	Eps   float64    // default 1e-8
}

// NewAdamax creates an Adamax optimizer.
func NewAdamax(config AdamaxConfig) *Adamax {
	if config.LR == 0 {
		config.LR = 0.002
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adamax{
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		moments: newSlots(2),
	}
}

func (a *Adamax) Update(layers []nn.Layer) error {
	a.t++
	step := a.lr / (1 - math.Pow(a.beta1, float64(a.t)))

	return apply(layers, a.moments, func(p, g []float64, st [][]float64) {
		m, u := st[0], st[1]
		for i, gi := range g {
			m[i] = a.beta1*m[i] + (1-a.beta1)*gi
			u[i] = math.Max(a.beta2*u[i], math.Abs(gi))
			p[i] -= step * m[i] / (u[i] + a.eps)
		}
	})
}

func (a *Adamax) Reset() {
	a.t = 0
	a.moments.reset()
}

func (a *Adamax) LR() float64      { return a.lr }
func (a *Adamax) SetLR(lr float64) { a.lr = lr }
func (a *Adamax) Iterations() int  { return a.t }
func (a *Adamax) Name() string     { return "adamax" }
