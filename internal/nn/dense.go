package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Dense is a fully connected layer computing x·W + b.
type Dense struct {
	Base

	units  int
	inputs int

	W *mat.Dense // inputs x units
	B *mat.Dense // 1 x units

	dW *mat.Dense
	dB *mat.Dense

	lastInput *mat.Dense
	src       rand.Source
}

// DenseOption configures a Dense layer.
type DenseOption func(*Dense)

// WithInputSize fixes the number of input features. Required on the first
// layer of a stack; later layers infer it from their predecessor.
func WithInputSize(n int) DenseOption {
	return func(d *Dense) { d.inputs = n }
}

// WithSeed makes weight initialization reproducible.
func WithSeed(seed uint64) DenseOption {
	return func(d *Dense) { d.src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15) }
}

// NewDense creates a Dense layer with the given number of output units.
// Weights are allocated as soon as the input size is known.
func NewDense(units int, opts ...DenseOption) *Dense {
	d := &Dense{units: units}
	for _, opt := range opts {
		opt(d)
	}
	if d.src == nil {
		d.src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if d.inputs > 0 && d.units > 0 {
		d.build()
	}
	return d
}

// build allocates parameters with Glorot uniform weights and zero bias.
func (d *Dense) build() {
	limit := math.Sqrt(6.0 / float64(d.inputs+d.units))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: d.src}

	data := make([]float64, d.inputs*d.units)
	for i := range data {
		data[i] = dist.Rand()
	}
	d.W = mat.NewDense(d.inputs, d.units, data)
	d.B = mat.NewDense(1, d.units, nil)
	d.dW = mat.NewDense(d.inputs, d.units, nil)
	d.dB = mat.NewDense(1, d.units, nil)
}

func (d *Dense) ConnectTo(prev Layer) error {
	if d.units <= 0 {
		return fmt.Errorf("dense: invalid unit count %d", d.units)
	}
	d.Link(prev)

	if prev != nil {
		// A predecessor of unknown width (an activation at the head of the
		// stack) defers to the configured input size.
		switch n := prev.OutputSize(); {
		case n <= 0 && d.inputs <= 0:
			return fmt.Errorf("dense: predecessor %s has unknown output size: %w", prev.Name(), ErrNotConnected)
		case n > 0 && d.inputs > 0 && d.inputs != n:
			return fmt.Errorf("dense: configured for %d inputs but %s produces %d: %w",
				d.inputs, prev.Name(), n, tensor.ErrShapeMismatch)
		case n > 0:
			d.inputs = n
		}
	}
	if d.inputs <= 0 {
		return fmt.Errorf("dense: first layer needs an input size: %w", ErrNotConnected)
	}

	// Re-wiring keeps trained parameters as long as the shape still fits.
	if d.W == nil {
		d.build()
	}
	return nil
}

func (d *Dense) Forward(x *mat.Dense) (*mat.Dense, error) {
	if d.W == nil {
		return nil, fmt.Errorf("dense: %w", ErrNotConnected)
	}
	if err := tensor.CheckCols(x, d.inputs); err != nil {
		return nil, fmt.Errorf("dense forward: %w", err)
	}

	r, _ := x.Dims()
	out := mat.NewDense(r, d.units, nil)
	out.Mul(x, d.W)
	bias := d.B.RawRowView(0)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j, b := range bias {
			row[j] += b
		}
	}

	d.lastInput = x
	return out, nil
}

// Backward stores dW = xᵀ·g and db = mean over the batch of g. The input
// gradient g·Wᵀ is skipped on the first layer and nil is returned.
func (d *Dense) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if d.lastInput == nil {
		return nil, fmt.Errorf("dense: %w", ErrNoForward)
	}
	if err := tensor.CheckRows(grad, d.lastInput); err != nil {
		return nil, fmt.Errorf("dense backward: %w", err)
	}
	if err := tensor.CheckCols(grad, d.units); err != nil {
		return nil, fmt.Errorf("dense backward: %w", err)
	}

	d.dW.Mul(d.lastInput.T(), grad)
	d.dB.Copy(tensor.MeanRows(grad))

	if d.IsFirstLayer() {
		return nil, nil
	}

	r, _ := grad.Dims()
	dx := mat.NewDense(r, d.inputs, nil)
	dx.Mul(grad, d.W.T())
	return dx, nil
}

func (d *Dense) OutputSize() int { return d.units }

// InputSize returns the number of input features, 0 if not yet known.
func (d *Dense) InputSize() int { return d.inputs }

func (d *Dense) Params() []*mat.Dense {
	if d.W == nil {
		return nil
	}
	return []*mat.Dense{d.W, d.B}
}

func (d *Dense) Grads() []*mat.Dense {
	if d.dW == nil {
		return nil
	}
	return []*mat.Dense{d.dW, d.dB}
}

func (d *Dense) Name() string { return fmt.Sprintf("dense(%d)", d.units) }
