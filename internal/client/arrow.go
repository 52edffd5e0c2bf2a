package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// RecordBatchBuilder turns model inputs and outputs into Arrow record
// batches for the prediction store.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// PredictionSchema has one row per scored sample: the input features, the
// raw model output and the predicted class.
func PredictionSchema(features, outputs int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "features", Type: arrow.FixedSizeListOf(int32(features), arrow.PrimitiveTypes.Float64)},
			{Name: "prediction", Type: arrow.FixedSizeListOf(int32(outputs), arrow.PrimitiveTypes.Float64)},
			{Name: "class", Type: arrow.PrimitiveTypes.Int32},
		},
		nil,
	)
}

// BuildRecordBatch pairs every input row with its prediction. It returns nil
// for empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(inputs, outputs *mat.Dense) (arrow.RecordBatch, error) {
	if inputs == nil || inputs.IsEmpty() {
		return nil, nil
	}
	if err := tensor.CheckRows(inputs, outputs); err != nil {
		return nil, fmt.Errorf("prediction batch: %w", err)
	}
	_, in := inputs.Dims()
	rows, out := outputs.Dims()

	schema := PredictionSchema(in, out)
	rb := array.NewRecordBuilder(b.mem, schema)
	defer rb.Release()

	appendRows(rb.Field(0).(*array.FixedSizeListBuilder), inputs)
	appendRows(rb.Field(1).(*array.FixedSizeListBuilder), outputs)

	classes := rb.Field(2).(*array.Int32Builder)
	if out == 1 {
		// single probability: class 1 at or above one half
		for i := 0; i < rows; i++ {
			if outputs.At(i, 0) >= 0.5 {
				classes.Append(1)
			} else {
				classes.Append(0)
			}
		}
	} else {
		for _, c := range tensor.ArgmaxRows(outputs) {
			classes.Append(int32(c))
		}
	}
	return rb.NewRecord(), nil
}

func appendRows(lb *array.FixedSizeListBuilder, m *mat.Dense) {
	values := lb.ValueBuilder().(*array.Float64Builder)
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		lb.Append(true)
		values.AppendValues(m.RawRowView(i), nil)
	}
}
