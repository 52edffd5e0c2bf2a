package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/nn"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// paramLayer exposes fixed parameters and gradients to the optimizers.
type paramLayer struct {
	nn.Base
	params []*mat.Dense
	grads  []*mat.Dense
}

func newParamLayer(p, g []float64) *paramLayer {
	return &paramLayer{
		params: []*mat.Dense{mat.NewDense(1, len(p), p)},
		grads:  []*mat.Dense{mat.NewDense(1, len(g), g)},
	}
}

func (l *paramLayer) Forward(x *mat.Dense) (*mat.Dense, error)  { return x, nil }
func (l *paramLayer) Backward(g *mat.Dense) (*mat.Dense, error) { return g, nil }
func (l *paramLayer) ConnectTo(prev nn.Layer) error             { l.Link(prev); return nil }
func (l *paramLayer) OutputSize() int                           { return 0 }
func (l *paramLayer) Params() []*mat.Dense                      { return l.params }
func (l *paramLayer) Grads() []*mat.Dense                       { return l.grads }
func (l *paramLayer) Name() string                              { return "param" }

func TestSGD_Update(t *testing.T) {
	l := newParamLayer([]float64{1, 2}, []float64{0.5, -1})
	opt := NewSGD(SGDConfig{LR: 0.1})

	require.NoError(t, opt.Update([]nn.Layer{l}))
	assert.InDeltaSlice(t, []float64{0.95, 2.1}, l.params[0].RawRowView(0), 1e-12)
	assert.Equal(t, 1, opt.Iterations())
}

func TestSGD_Momentum(t *testing.T) {
	l := newParamLayer([]float64{0}, []float64{1})
	opt := NewSGD(SGDConfig{LR: 0.1, Momentum: 0.5})

	require.NoError(t, opt.Update([]nn.Layer{l}))
	// v = -0.1, p = -0.1
	assert.InDelta(t, -0.1, l.params[0].At(0, 0), 1e-12)

	require.NoError(t, opt.Update([]nn.Layer{l}))
	// v = 0.5*-0.1 - 0.1 = -0.15, p = -0.25
	assert.InDelta(t, -0.25, l.params[0].At(0, 0), 1e-12)
}

func TestAdam_FirstStepIsSignedLR(t *testing.T) {
	l := newParamLayer([]float64{1, 1}, []float64{3, -0.2})
	opt := NewAdam(AdamConfig{LR: 0.01})

	require.NoError(t, opt.Update([]nn.Layer{l}))
	// After bias correction the first step is lr * g / (|g| + eps).
	assert.InDelta(t, 0.99, l.params[0].At(0, 0), 1e-6)
	assert.InDelta(t, 1.01, l.params[0].At(0, 1), 1e-6)
}

func TestAdamax_Update(t *testing.T) {
	l := newParamLayer([]float64{1}, []float64{2})
	opt := NewAdamax(AdamaxConfig{})
	assert.Equal(t, 0.002, opt.LR())

	require.NoError(t, opt.Update([]nn.Layer{l}))
	// m = 0.2, u = 2, step = 0.002 / 0.1 -> p = 1 - 0.02 * 0.2 / 2
	assert.InDelta(t, 1-0.002, l.params[0].At(0, 0), 1e-9)

	require.NoError(t, opt.Update([]nn.Layer{l}))
	m := 0.9*0.2 + 0.1*2
	u := math.Max(0.999*2, 2)
	step := 0.002 / (1 - 0.81)
	assert.InDelta(t, 1-0.002-step*m/(u+1e-8), l.params[0].At(0, 0), 1e-9)
	assert.Equal(t, 2, opt.Iterations())
}

func TestRMSProp_Update(t *testing.T) {
	l := newParamLayer([]float64{0}, []float64{2})
	opt := NewRMSProp(RMSPropConfig{LR: 0.01})

	require.NoError(t, opt.Update([]nn.Layer{l}))
	// cache = 0.1 * 4 = 0.4
	assert.InDelta(t, -0.01*2/(math.Sqrt(0.4)+1e-6), l.params[0].At(0, 0), 1e-12)
}

func TestAdaptiveState_PersistsPerLayer(t *testing.T) {
	a := newParamLayer([]float64{0}, []float64{1})
	b := newParamLayer([]float64{0, 0}, []float64{1, 1})
	opt := NewAdam(AdamConfig{})

	require.NoError(t, opt.Update([]nn.Layer{a, b}))
	require.Len(t, opt.moments.state, 2)

	mA := opt.moments.state[a][0][0]
	require.NoError(t, opt.Update([]nn.Layer{a, b}))
	assert.Same(t, mA, opt.moments.state[a][0][0], "state must survive across updates")
	assert.InDelta(t, 0.19, mA.At(0, 0), 1e-12)

	_, c := opt.moments.state[b][0][1].Dims()
	assert.Equal(t, 2, c, "state shape follows parameter shape")

	opt.Reset()
	assert.Empty(t, opt.moments.state)
	assert.Equal(t, 0, opt.Iterations())
}

func TestAdaptiveState_ShapeChangeIsAnError(t *testing.T) {
	l := newParamLayer([]float64{0}, []float64{1})
	opt := NewAdamax(AdamaxConfig{})
	require.NoError(t, opt.Update([]nn.Layer{l}))

	l.params = []*mat.Dense{mat.NewDense(1, 2, nil)}
	l.grads = []*mat.Dense{mat.NewDense(1, 2, nil)}
	err := opt.Update([]nn.Layer{l})
	assert.True(t, errors.Is(err, ErrStateShape), "got %v", err)

	opt.Reset()
	assert.NoError(t, opt.Update([]nn.Layer{l}))
}

func TestUpdate_RejectsMismatchedGradients(t *testing.T) {
	l := newParamLayer([]float64{0, 0}, []float64{1})
	err := NewSGD(SGDConfig{}).Update([]nn.Layer{l})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), "got %v", err)
}

func TestUpdate_SkipsLayersWithoutParameters(t *testing.T) {
	opt := NewAdam(AdamConfig{})
	require.NoError(t, opt.Update([]nn.Layer{nn.ReLU()}))
	assert.Empty(t, opt.moments.state)
}

func TestUpdate_DenseLayer(t *testing.T) {
	d := nn.NewDense(1, nn.WithInputSize(2), nn.WithSeed(5))
	require.NoError(t, d.ConnectTo(nil))
	d.SetFirstLayer(true)

	_, err := d.Forward(mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, err)
	_, err = d.Backward(mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)

	before := mat.DenseCopyOf(d.W)
	require.NoError(t, NewSGD(SGDConfig{LR: 0.5}).Update([]nn.Layer{d}))
	assert.InDelta(t, before.At(0, 0)-0.5, d.W.At(0, 0), 1e-12)
	assert.InDelta(t, before.At(1, 0)-1.0, d.W.At(1, 0), 1e-12)
	assert.InDelta(t, -0.5, d.B.At(0, 0), 1e-12)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"sgd", "momentum", "adam", "adamax", "rmsprop"} {
		opt, err := ByName(name, 0.05)
		require.NoError(t, err, name)
		assert.Equal(t, 0.05, opt.LR())
	}
	opt, err := ByName("adam", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.001, opt.LR())

	_, err = ByName("lbfgs", 0)
	assert.True(t, errors.Is(err, ErrUnknownOptimizer))
}
