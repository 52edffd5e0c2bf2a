package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func TestBuildRecordBatch(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())

	t.Run("empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil, nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("row mismatch", func(t *testing.T) {
		_, err := builder.BuildRecordBatch(mat.NewDense(2, 1, nil), mat.NewDense(3, 1, nil))
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("multi class", func(t *testing.T) {
		inputs := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
		outputs := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.3, 0.7})

		rb, err := builder.BuildRecordBatch(inputs, outputs)
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, "features", rb.ColumnName(0))
		assert.Equal(t, "prediction", rb.ColumnName(1))

		feats := rb.Column(0).(*array.FixedSizeList)
		values := feats.ListValues().(*array.Float64)
		assert.Equal(t, 6, values.Len())
		assert.Equal(t, 6.0, values.Value(5))

		classes := rb.Column(2).(*array.Int32)
		assert.Equal(t, []int32{0, 1}, classes.Int32Values())
	})

	t.Run("single probability", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(
			mat.NewDense(3, 1, []float64{1, 2, 3}),
			mat.NewDense(3, 1, []float64{0.2, 0.5, 0.8}),
		)
		require.NoError(t, err)
		defer rb.Release()
		assert.Equal(t, []int32{0, 1, 1}, rb.Column(2).(*array.Int32).Int32Values())
	})
}
