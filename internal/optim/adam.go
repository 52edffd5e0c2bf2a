package optim

import (
	"math"

	"github.com/23skdu/longbow-quiver/internal/nn"
)

// Adam implements Adaptive Moment Estimation.
//
//	m     = beta1 * m + (1-beta1) * g
//	v     = beta2 * v + (1-beta2) * g²
//	param = param - lr * m̂ / (sqrt(v̂) + eps)
//
// where m̂ and v̂ are the bias-corrected moments at timestep t.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	t       int
	moments *slots // slot 0: m, slot 1: v
}

// AdamConfig holds configuration for Adam. Zero fields take defaults.
type AdamConfig struct {
	LR    float64    // default 0.001
	Betas [2]float64 // default [0.9, 0.999]
	Eps   float64    // default 1e-8
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
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
	return &Adam{
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		moments: newSlots(2),
	}
}

func (a *Adam) Update(layers []nn.Layer) error {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))

	return apply(layers, a.moments, func(p, g []float64, st [][]float64) {
		m, v := st[0], st[1]
		for i, gi := range g {
			m[i] = a.beta1*m[i] + (1-a.beta1)*gi
			v[i] = a.beta2*v[i] + (1-a.beta2)*gi*gi
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	})
}

func (a *Adam) Reset() {
	a.t = 0
	a.moments.reset()
}

func (a *Adam) LR() float64      { return a.lr }
func (a *Adam) SetLR(lr float64) { a.lr = lr }
func (a *Adam) Iterations() int  { return a.t }
func (a *Adam) Name() string     { return "adam" }
