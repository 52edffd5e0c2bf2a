package nn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ActivationType selects the element-wise function of an Activation layer.
type ActivationType int

const (
	ActivationLinear ActivationType = iota
	ActivationReLU
	ActivationSigmoid
	ActivationTanh
	// ActivationSoftmax normalizes each row. Its backward pass forwards the
	// incoming gradient unchanged, which is exact when it is paired with
	// categorical cross-entropy (whose gradient is already p - t).
	ActivationSoftmax
)

var activationNames = map[string]ActivationType{
	"linear":  ActivationLinear,
	"relu":    ActivationReLU,
	"sigmoid": ActivationSigmoid,
	"tanh":    ActivationTanh,
	"softmax": ActivationSoftmax,
}

func (a ActivationType) String() string {
	for name, t := range activationNames {
		if t == a {
			return name
		}
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

// ParseActivation maps a name such as "relu" to its type.
func ParseActivation(name string) (ActivationType, error) {
	t, ok := activationNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
	}
	return t, nil
}

// Activation applies an element-wise non-linearity. It has no parameters.
type Activation struct {
	Base

	kind ActivationType
	size int

	lastInput  *mat.Dense
	lastOutput *mat.Dense
}

// NewActivation creates an activation layer of the given kind.
func NewActivation(kind ActivationType) *Activation {
	return &Activation{kind: kind}
}

func ReLU() *Activation    { return NewActivation(ActivationReLU) }
func Sigmoid() *Activation { return NewActivation(ActivationSigmoid) }
func Tanh() *Activation    { return NewActivation(ActivationTanh) }
func Softmax() *Activation { return NewActivation(ActivationSoftmax) }

// Kind returns the activation type.
func (a *Activation) Kind() ActivationType { return a.kind }

// ConnectTo takes the width of prev. At the head of a stack the width is
// unknown until the first Forward.
func (a *Activation) ConnectTo(prev Layer) error {
	a.Link(prev)
	a.size = 0
	if prev != nil {
		a.size = prev.OutputSize()
	}
	return nil
}

func (a *Activation) Forward(x *mat.Dense) (*mat.Dense, error) {
	if x == nil || x.IsEmpty() {
		return nil, fmt.Errorf("%s forward: %w", a.Name(), tensor.ErrEmpty)
	}
	r, c := x.Dims()
	if a.size == 0 {
		a.size = c
	}
	if err := tensor.CheckCols(x, a.size); err != nil {
		return nil, fmt.Errorf("%s forward: %w", a.Name(), err)
	}

	out := mat.NewDense(r, c, nil)
	switch a.kind {
	case ActivationLinear:
		out.Copy(x)
	case ActivationReLU:
		out.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, x)
	case ActivationSigmoid:
		out.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, x)
	case ActivationTanh:
		out.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, x)
	case ActivationSoftmax:
		for i := 0; i < r; i++ {
			row := out.RawRowView(i)
			copy(row, x.RawRowView(i))
			softmax(row)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownActivation, int(a.kind))
	}

	a.lastInput = x
	a.lastOutput = out
	return out, nil
}

func (a *Activation) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if a.lastOutput == nil {
		return nil, fmt.Errorf("%s: %w", a.Name(), ErrNoForward)
	}
	if err := tensor.CheckSameShape(grad, a.lastOutput); err != nil {
		return nil, fmt.Errorf("%s backward: %w", a.Name(), err)
	}

	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	switch a.kind {
	case ActivationLinear, ActivationSoftmax:
		dx.Copy(grad)
	case ActivationReLU:
		dx.Apply(func(i, j int, g float64) float64 {
			if a.lastInput.At(i, j) > 0 {
				return g
			}
			return 0
		}, grad)
	case ActivationSigmoid:
		dx.Apply(func(i, j int, g float64) float64 {
			y := a.lastOutput.At(i, j)
			return g * y * (1 - y)
		}, grad)
	case ActivationTanh:
		dx.Apply(func(i, j int, g float64) float64 {
			y := a.lastOutput.At(i, j)
			return g * (1 - y*y)
		}, grad)
	}
	return dx, nil
}

func (a *Activation) OutputSize() int { return a.size }

func (a *Activation) Params() []*mat.Dense { return nil }
func (a *Activation) Grads() []*mat.Dense  { return nil }

func (a *Activation) Name() string { return a.kind.String() }

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// softmax normalizes row in place, shifted by its max for stability.
func softmax(row []float64) {
	peak := floats.Max(row)
	var sum float64
	for i, v := range row {
		row[i] = math.Exp(v - peak)
		sum += row[i]
	}
	floats.Scale(1/sum, row)
}
