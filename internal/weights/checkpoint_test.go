package weights

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/loss"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/optim"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var samples = mat.NewDense(3, 2, []float64{0, 0, 0.5, -1, 1, 1})

func trained(t *testing.T, seed uint64) *model.Model {
	t.Helper()
	m, err := model.Build("dense:4,tanh,dense:1,sigmoid", 2, seed, model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, m.Compile(loss.NewBinaryCrossEntropy(), optim.NewAdam(optim.AdamConfig{LR: 0.01})))
	y := mat.NewDense(3, 1, []float64{0, 1, 1})
	for i := 0; i < 5; i++ {
		_, err := m.Step(samples, y)
		require.NoError(t, err)
	}
	return m
}

func predict(t *testing.T, m *model.Model) *mat.Dense {
	t.Helper()
	out, err := m.Predict(samples)
	require.NoError(t, err)
	return out
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	src := trained(t, 11)
	want := predict(t, src)

	for _, tc := range []struct {
		prec Precision
		tol  float64
	}{
		{FP32, 1e-6},
		{FP16, 1e-2},
	} {
		t.Run(string(tc.prec), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Save(&buf, src, tc.prec))

			c, err := Load(&buf)
			require.NoError(t, err)
			assert.Equal(t, "dense:4,tanh,dense:1,sigmoid", c.Architecture)
			assert.Equal(t, 2, c.InputSize)
			assert.Equal(t, "bce", c.Loss)
			assert.Equal(t, "adam", c.Optimizer)
			assert.InDelta(t, 0.01, c.LR, 1e-12)
			assert.Len(t, c.Params, 4)

			restored, err := c.Model(model.WithLogger(zerolog.Nop()))
			require.NoError(t, err)
			got := predict(t, restored)
			assert.True(t, mat.EqualApprox(want, got, tc.tol), "got %v want %v", mat.Formatted(got), mat.Formatted(want))
		})
	}
}

func TestCheckpoint_RestoreIntoExistingModel(t *testing.T) {
	src := trained(t, 1)
	dst := trained(t, 2)
	require.False(t, mat.EqualApprox(predict(t, src), predict(t, dst), 1e-6))

	c, err := Snapshot(src, FP32)
	require.NoError(t, err)
	require.NoError(t, c.Restore(dst))
	assert.True(t, mat.EqualApprox(predict(t, src), predict(t, dst), 1e-6))
}

func TestCheckpoint_RestoreMismatch(t *testing.T) {
	c, err := Snapshot(trained(t, 1), FP32)
	require.NoError(t, err)

	other, err := model.Build("dense:3,tanh,dense:1,sigmoid", 2, 1, model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, other.Compile(nil, nil))
	assert.ErrorIs(t, c.Restore(other), tensor.ErrShapeMismatch)

	shallow, err := model.Build("dense:1", 2, 1, model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, shallow.Compile(nil, nil))
	assert.ErrorIs(t, c.Restore(shallow), ErrLayout)

	c.Params[0].F32 = c.Params[0].F32[:1]
	assert.ErrorIs(t, c.Restore(trained(t, 3)), ErrLayout)
}

func TestCheckpoint_Errors(t *testing.T) {
	_, err := Snapshot(trained(t, 1), Precision("bf16"))
	assert.ErrorIs(t, err, ErrPrecision)

	data, err := cbor.Marshal(Checkpoint{Version: 99})
	require.NoError(t, err)
	_, err = Load(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrVersion)

	_, err = Load(bytes.NewReader([]byte{0xff, 0x00}))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cbor"))
	assert.Error(t, err)
}

func TestCheckpoint_Files(t *testing.T) {
	src := trained(t, 4)
	path := filepath.Join(t.TempDir(), "model.cbor")
	require.NoError(t, SaveFile(path, src, FP16))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FP16, c.Precision)
	assert.Empty(t, c.Params[0].F32)
	assert.Len(t, c.Params[0].F16, 8)
}

func TestCheckpoint_MomentumAndActivationHead(t *testing.T) {
	src, err := model.Build("relu,dense:3,tanh,dense:1", 2, 7, model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, src.Compile(loss.NewMeanSquaredError(), optim.NewSGD(optim.SGDConfig{LR: 0.05, Momentum: 0.8})))
	_, err = src.Step(samples, mat.NewDense(3, 1, []float64{1, 0, 1}))
	require.NoError(t, err)

	c, err := Snapshot(src, FP32)
	require.NoError(t, err)
	assert.Equal(t, "relu,dense:3,tanh,dense:1", c.Architecture)
	assert.Equal(t, 2, c.InputSize)
	assert.Equal(t, "sgd", c.Optimizer)
	assert.InDelta(t, 0.8, c.Momentum, 1e-12)

	restored, err := c.Model(model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	sgd, ok := restored.Optimizer().(*optim.SGD)
	require.True(t, ok)
	assert.InDelta(t, 0.8, sgd.Momentum(), 1e-12)
	assert.InDelta(t, 0.05, sgd.LR(), 1e-12)
	assert.True(t, mat.EqualApprox(predict(t, src), predict(t, restored), 1e-6))
}
