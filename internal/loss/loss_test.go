package loss

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func TestBinaryCrossEntropy(t *testing.T) {
	l := NewBinaryCrossEntropy()
	pred := mat.NewDense(2, 1, []float64{0.8, 0.3})
	target := mat.NewDense(2, 1, []float64{1, 0})

	got, err := l.Forward(pred, target)
	require.NoError(t, err)
	want := -(math.Log(0.8) + math.Log(0.7)) / 2
	assert.InDelta(t, want, got, 1e-12)

	grad, err := l.Backward(pred, target)
	require.NoError(t, err)
	// d/dp of the per-row loss: -(t/p) + (1-t)/(1-p)
	assert.InDelta(t, -1/0.8, grad.At(0, 0), 1e-9)
	assert.InDelta(t, 1/0.7, grad.At(1, 0), 1e-9)

	// Saturated predictions are clipped rather than producing Inf.
	sat, err := l.Forward(mat.NewDense(1, 1, []float64{0}), mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)
	assert.False(t, math.IsInf(sat, 0))
}

func TestMeanSquaredError(t *testing.T) {
	l := NewMeanSquaredError()
	pred := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	target := mat.NewDense(2, 2, []float64{0, 2, 1, 1})

	got, err := l.Forward(pred, target)
	require.NoError(t, err)
	// rows: 1 and 4+9=13 -> 0.5 * mean(1, 13) = 3.5
	assert.InDelta(t, 3.5, got, 1e-12)

	grad, err := l.Backward(pred, target)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 2, 3}, grad.RawMatrix().Data)
}

func TestCategoricalCrossEntropy(t *testing.T) {
	l := NewCategoricalCrossEntropy()
	pred := mat.NewDense(2, 3, []float64{
		0.7, 0.2, 0.1,
		0.1, 0.1, 0.8,
	})
	target := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 0, 1,
	})

	got, err := l.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -(math.Log(0.7)+math.Log(0.8))/2, got, 1e-12)

	grad, err := l.Backward(pred, target)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-0.3, 0.2, 0.1, 0.1, 0.1, -0.2}, grad.RawMatrix().Data, 1e-12)
}

// The per-row loss gradients are defined on the row sum, so the numeric
// gradient of batch-size * Forward must match Backward.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	pred := mat.NewDense(2, 2, []float64{0.2, 0.6, 0.9, 0.4})
	target := mat.NewDense(2, 2, []float64{0, 1, 1, 0})

	for _, l := range []Loss{NewBinaryCrossEntropy(), NewMeanSquaredError()} {
		t.Run(l.Name(), func(t *testing.T) {
			grad, err := l.Backward(pred, target)
			require.NoError(t, err)

			num := fd.Gradient(nil, func(p []float64) float64 {
				v, _ := l.Forward(mat.NewDense(2, 2, p), target)
				return 2 * v
			}, append([]float64(nil), pred.RawMatrix().Data...), &fd.Settings{Formula: fd.Central})
			assert.True(t, floats.EqualApprox(num, grad.RawMatrix().Data, 1e-5),
				"numeric %v analytic %v", num, grad.RawMatrix().Data)
		})
	}
}

func TestShapeMismatch(t *testing.T) {
	pred := mat.NewDense(2, 1, nil)
	target := mat.NewDense(3, 1, nil)
	for _, l := range []Loss{NewBinaryCrossEntropy(), NewMeanSquaredError(), NewCategoricalCrossEntropy()} {
		_, err := l.Forward(pred, target)
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), l.Name())
		_, err = l.Backward(pred, target)
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), l.Name())
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"bce": "bce", "MSE": "mse", "categorical_crossentropy": "cce"} {
		l, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, l.Name())
	}
	_, err := ByName("hinge")
	assert.True(t, errors.Is(err, ErrUnknownLoss))
}
