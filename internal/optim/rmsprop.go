package optim

import (
	"math"

	"github.com/23skdu/longbow-quiver/internal/nn"
)

// RMSProp scales each step by a running average of squared gradients.
type RMSProp struct {
	lr  float64
	rho float64
	eps float64

	t     int
	cache *slots
}

// RMSPropConfig holds configuration for RMSProp. Zero fields take defaults.
type RMSPropConfig struct {
	LR  float64 // default 0.001
	Rho float64 // default 0.9
	Eps float64 // default 1e-6
}

func NewRMSProp(config RMSPropConfig) *RMSProp {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Rho == 0 {
		config.Rho = 0.9
	}
	if config.Eps == 0 {
		config.Eps = 1e-6
	}
	return &RMSProp{lr: config.LR, rho: config.Rho, eps: config.Eps, cache: newSlots(1)}
}

func (r *RMSProp) Update(layers []nn.Layer) error {
	r.t++
	return apply(layers, r.cache, func(p, g []float64, st [][]float64) {
		c := st[0]
		for i, gi := range g {
			c[i] = r.rho*c[i] + (1-r.rho)*gi*gi
			p[i] -= r.lr * gi / (math.Sqrt(c[i]) + r.eps)
		}
	})
}

func (r *RMSProp) Reset() {
	r.t = 0
	r.cache.reset()
}

func (r *RMSProp) LR() float64      { return r.lr }
func (r *RMSProp) SetLR(lr float64) { r.lr = lr }
func (r *RMSProp) Iterations() int  { return r.t }
func (r *RMSProp) Name() string     { return "rmsprop" }
