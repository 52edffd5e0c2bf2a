// Package loss provides the objectives the training loop minimizes.
//
// Losses are stateless values. Forward returns the batch-mean loss and
// Backward the gradient with respect to the predictions, shaped like them.
package loss

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ErrUnknownLoss is returned by ByName for unregistered names.
var ErrUnknownLoss = errors.New("loss: unknown loss")

// Loss computes a scalar objective and its gradient.
type Loss interface {
	Forward(pred, target *mat.Dense) (float64, error)
	Backward(pred, target *mat.Dense) (*mat.Dense, error)
	Name() string
}

// ByName returns a fresh loss for a name used on the command line.
func ByName(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "bce", "binary_crossentropy", "binary-crossentropy":
		return NewBinaryCrossEntropy(), nil
	case "mse", "mean_squared_error":
		return NewMeanSquaredError(), nil
	case "cce", "categorical_crossentropy", "categorical-crossentropy":
		return NewCategoricalCrossEntropy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLoss, name)
	}
}

// rowMean applies f to every row pair and averages the results over the batch.
func rowMean(pred, target *mat.Dense, f func(p, t []float64) float64) float64 {
	r, _ := pred.Dims()
	vals := make([]float64, r)
	for i := 0; i < r; i++ {
		vals[i] = f(pred.RawRowView(i), target.RawRowView(i))
	}
	return stat.Mean(vals, nil)
}

// BinaryCrossEntropy is -mean(sum(t·log p + (1-t)·log(1-p))) with predictions
// clipped to [Epsilon, 1-Epsilon].
type BinaryCrossEntropy struct {
	Epsilon float64
}

// NewBinaryCrossEntropy returns the default loss used by Compile.
func NewBinaryCrossEntropy() *BinaryCrossEntropy {
	return &BinaryCrossEntropy{Epsilon: 1e-11}
}

func (l *BinaryCrossEntropy) clip(v float64) float64 {
	return math.Min(math.Max(v, l.Epsilon), 1-l.Epsilon)
}

func (l *BinaryCrossEntropy) Forward(pred, target *mat.Dense) (float64, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return 0, fmt.Errorf("bce forward: %w", err)
	}
	return -rowMean(pred, target, func(p, t []float64) float64 {
		var s float64
		for j := range p {
			q := l.clip(p[j])
			s += t[j]*math.Log(q) + (1-t[j])*math.Log(1-q)
		}
		return s
	}), nil
}

// Backward returns (p - t) / (p·(1-p)), the derivative of the summed row loss.
func (l *BinaryCrossEntropy) Backward(pred, target *mat.Dense) (*mat.Dense, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return nil, fmt.Errorf("bce backward: %w", err)
	}
	r, c := pred.Dims()
	grad := mat.NewDense(r, c, nil)
	grad.Apply(func(i, j int, p float64) float64 {
		q := l.clip(p)
		divisor := math.Max(q*(1-q), l.Epsilon)
		return (q - target.At(i, j)) / divisor
	}, pred)
	return grad, nil
}

func (l *BinaryCrossEntropy) Name() string { return "bce" }

// MeanSquaredError is 0.5·mean(sum((p-t)²)).
type MeanSquaredError struct{}

func NewMeanSquaredError() *MeanSquaredError { return &MeanSquaredError{} }

func (MeanSquaredError) Forward(pred, target *mat.Dense) (float64, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return 0, fmt.Errorf("mse forward: %w", err)
	}
	return 0.5 * rowMean(pred, target, func(p, t []float64) float64 {
		d := floats.Distance(p, t, 2)
		return d * d
	}), nil
}

func (MeanSquaredError) Backward(pred, target *mat.Dense) (*mat.Dense, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return nil, fmt.Errorf("mse backward: %w", err)
	}
	var grad mat.Dense
	grad.Sub(pred, target)
	return &grad, nil
}

func (MeanSquaredError) Name() string { return "mse" }

// CategoricalCrossEntropy is -mean(sum(t·log p)) for softmax outputs.
type CategoricalCrossEntropy struct {
	Epsilon float64
}

func NewCategoricalCrossEntropy() *CategoricalCrossEntropy {
	return &CategoricalCrossEntropy{Epsilon: 1e-11}
}

func (l *CategoricalCrossEntropy) Forward(pred, target *mat.Dense) (float64, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return 0, fmt.Errorf("cce forward: %w", err)
	}
	return -rowMean(pred, target, func(p, t []float64) float64 {
		var s float64
		for j := range p {
			s += t[j] * math.Log(math.Min(math.Max(p[j], l.Epsilon), 1-l.Epsilon))
		}
		return s
	}), nil
}

// Backward returns p - t: the gradient with respect to the softmax logits.
// The softmax layer passes it through unchanged.
func (l *CategoricalCrossEntropy) Backward(pred, target *mat.Dense) (*mat.Dense, error) {
	if err := tensor.CheckSameShape(pred, target); err != nil {
		return nil, fmt.Errorf("cce backward: %w", err)
	}
	var grad mat.Dense
	grad.Sub(pred, target)
	return &grad, nil
}

func (l *CategoricalCrossEntropy) Name() string { return "cce" }
