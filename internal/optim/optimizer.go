// Package optim implements the parameter update rules applied after every
// backward pass.
package optim

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/nn"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	// ErrStateShape is returned when stored optimizer state no longer matches
	// the parameters of its layer. Call Reset after changing a layer's shape.
	ErrStateShape = errors.New("optim: state shape does not match parameters")
	// ErrUnknownOptimizer is returned by ByName for unregistered names.
	ErrUnknownOptimizer = errors.New("optim: unknown optimizer")
)

// Optimizer updates every layer's parameters in place from the gradients the
// layers stored during the last backward pass.
//
// Adaptive optimizers keep per-parameter state keyed by layer identity. It is
// created on the first update of a layer and survives until Reset.
type Optimizer interface {
	Update(layers []nn.Layer) error
	Reset()

	LR() float64
	SetLR(lr float64)
	// Iterations is the number of Update calls since construction or Reset.
	Iterations() int

	Name() string
}

// ByName returns a fresh optimizer for a name used on the command line.
// A zero lr selects the optimizer's default learning rate.
func ByName(name string, lr float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return NewSGD(SGDConfig{LR: lr}), nil
	case "momentum":
		return NewSGD(SGDConfig{LR: lr, Momentum: 0.9}), nil
	case "adam":
		return NewAdam(AdamConfig{LR: lr}), nil
	case "adamax":
		return NewAdamax(AdamaxConfig{LR: lr}), nil
	case "rmsprop":
		return NewRMSProp(RMSPropConfig{LR: lr}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
}

// slots holds n zero-initialized accumulators per parameter, keyed by layer.
type slots struct {
	n     int
	state map[nn.Layer][][]*mat.Dense // [layer][param][slot]
}

func newSlots(n int) *slots {
	return &slots{n: n, state: make(map[nn.Layer][][]*mat.Dense)}
}

func (s *slots) get(l nn.Layer, params []*mat.Dense) ([][]*mat.Dense, error) {
	st, ok := s.state[l]
	if !ok {
		st = make([][]*mat.Dense, len(params))
		for i, p := range params {
			r, c := p.Dims()
			st[i] = make([]*mat.Dense, s.n)
			for k := range st[i] {
				st[i][k] = mat.NewDense(r, c, nil)
			}
		}
		s.state[l] = st
		return st, nil
	}

	if len(st) != len(params) {
		return nil, fmt.Errorf("%w: %s has %d parameters, state has %d", ErrStateShape, l.Name(), len(params), len(st))
	}
	for i, p := range params {
		pr, pc := p.Dims()
		sr, sc := st[i][0].Dims()
		if pr != sr || pc != sc {
			return nil, fmt.Errorf("%w: %s parameter %d is %s, state is %s",
				ErrStateShape, l.Name(), i, tensor.Shape(p), tensor.Shape(st[i][0]))
		}
	}
	return st, nil
}

func (s *slots) reset() {
	s.state = make(map[nn.Layer][][]*mat.Dense)
}

// paramsOf validates that a layer's parameters and gradients pair up.
func paramsOf(l nn.Layer) (params, grads []*mat.Dense, err error) {
	params, grads = l.Params(), l.Grads()
	if len(params) != len(grads) {
		return nil, nil, fmt.Errorf("%w: %s exposes %d parameters and %d gradients",
			tensor.ErrShapeMismatch, l.Name(), len(params), len(grads))
	}
	for i := range params {
		if err := tensor.CheckSameShape(params[i], grads[i]); err != nil {
			return nil, nil, fmt.Errorf("%s gradient %d: %w", l.Name(), i, err)
		}
	}
	return params, grads, nil
}

// eachRow walks the rows of a parameter, its gradient and its state slots.
func eachRow(p, g *mat.Dense, st []*mat.Dense, fn func(p, g []float64, st [][]float64)) {
	r, _ := p.Dims()
	rows := make([][]float64, len(st))
	for i := 0; i < r; i++ {
		for k, s := range st {
			rows[k] = s.RawRowView(i)
		}
		fn(p.RawRowView(i), g.RawRowView(i), rows)
	}
}

// apply runs update for every parameter of every layer, creating state lazily.
func apply(layers []nn.Layer, s *slots, update func(p, g []float64, st [][]float64)) error {
	for _, l := range layers {
		params, grads, err := paramsOf(l)
		if err != nil {
			return err
		}
		if len(params) == 0 {
			continue
		}

		var st [][]*mat.Dense
		if s != nil {
			if st, err = s.get(l, params); err != nil {
				return err
			}
		}
		for i, p := range params {
			var ps []*mat.Dense
			if st != nil {
				ps = st[i]
			}
			eachRow(p, grads[i], ps, update)
		}
	}
	return nil
}
