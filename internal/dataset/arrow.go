package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrColumn = errors.New("dataset: unusable column")
	ErrNull   = errors.New("dataset: null value")
)

// ArrowOptions selects the columns of an Arrow stream.
type ArrowOptions struct {
	// Target names the label column. Numeric targets become a single
	// column, string targets are one-hot encoded.
	Target string
	// Features lists the input columns. Empty selects every numeric column
	// other than Target.
	Features []string

	Allocator memory.Allocator
}

// DefaultArrowOptions reads targets from a "label" column.
func DefaultArrowOptions() ArrowOptions {
	return ArrowOptions{Target: "label", Allocator: memory.NewGoAllocator()}
}

// RecordReader is the part of an Arrow record stream ReadRecords consumes.
// Both *ipc.Reader and *flight.Reader satisfy it.
type RecordReader interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// ReadArrow reads every record batch of an Arrow IPC stream into a Dataset.
func ReadArrow(r io.Reader, opts ArrowOptions) (*Dataset, error) {
	if opts.Allocator == nil {
		opts.Allocator = memory.NewGoAllocator()
	}
	reader, err := ipc.NewReader(r, ipc.WithAllocator(opts.Allocator))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer reader.Release()
	return ReadRecords(reader, opts)
}

// ReadRecords drains reader into a Dataset.
func ReadRecords(reader RecordReader, opts ArrowOptions) (*Dataset, error) {
	features, target, err := selectColumns(reader.Schema(), opts)
	if err != nil {
		return nil, err
	}

	var (
		xs      []float64
		numeric []float64
		labels  []string
		rows    int
	)
	stringTarget := target >= 0 && isString(reader.Schema().Field(target).Type)

	for reader.Next() {
		rec := reader.Record()
		n := int(rec.NumRows())
		for i := 0; i < n; i++ {
			for _, c := range features {
				v, err := numericValue(rec.Column(c), i)
				if err != nil {
					return nil, fmt.Errorf("row %d column %q: %w", rows+i, rec.ColumnName(c), err)
				}
				xs = append(xs, v)
			}
			if target < 0 {
				continue
			}
			if stringTarget {
				s, err := stringValue(rec.Column(target), i)
				if err != nil {
					return nil, fmt.Errorf("row %d target: %w", rows+i, err)
				}
				labels = append(labels, s)
			} else {
				v, err := numericValue(rec.Column(target), i)
				if err != nil {
					return nil, fmt.Errorf("row %d target: %w", rows+i, err)
				}
				numeric = append(numeric, v)
			}
		}
		rows += n
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	if rows == 0 {
		return nil, ErrNoData
	}

	d := &Dataset{X: mat.NewDense(rows, len(features), xs)}
	switch {
	case target < 0:
		d.Y = mat.NewDense(rows, 1, nil)
	case stringTarget:
		y, classes, err := OneHot(labels)
		if err != nil {
			return nil, err
		}
		d.Y, d.Classes = y, classes
	default:
		d.Y = mat.NewDense(rows, 1, numeric)
	}

	log.Debug().
		Int("rows", rows).
		Int("features", len(features)).
		Int("classes", len(d.Classes)).
		Msg("Loaded arrow dataset")
	return d, nil
}

// LoadArrowFile reads an Arrow IPC stream file.
func LoadArrowFile(path string, opts ArrowOptions) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadArrow(f, opts)
}

// selectColumns resolves feature and target column indices. target is -1
// when the schema has no target column, as for prediction inputs.
func selectColumns(schema *arrow.Schema, opts ArrowOptions) ([]int, int, error) {
	target := -1
	if opts.Target != "" {
		if idx := schema.FieldIndices(opts.Target); len(idx) > 0 {
			target = idx[0]
			t := schema.Field(target).Type
			if !isNumeric(t) && !isString(t) {
				return nil, 0, fmt.Errorf("%w: target %q has type %s", ErrColumn, opts.Target, t)
			}
		}
	}

	var features []int
	if len(opts.Features) > 0 {
		for _, name := range opts.Features {
			idx := schema.FieldIndices(name)
			if len(idx) == 0 {
				return nil, 0, fmt.Errorf("%w: no column %q", ErrColumn, name)
			}
			if t := schema.Field(idx[0]).Type; !isNumeric(t) {
				return nil, 0, fmt.Errorf("%w: feature %q has type %s", ErrColumn, name, t)
			}
			features = append(features, idx[0])
		}
	} else {
		for i, f := range schema.Fields() {
			if i != target && isNumeric(f.Type) {
				features = append(features, i)
			}
		}
	}
	if len(features) == 0 {
		return nil, 0, fmt.Errorf("%w: no numeric feature columns", ErrColumn)
	}
	return features, target, nil
}

var numericTypes = []arrow.Type{
	arrow.FLOAT64, arrow.FLOAT32,
	arrow.INT64, arrow.INT32, arrow.INT16, arrow.INT8,
	arrow.UINT64, arrow.UINT32, arrow.UINT16, arrow.UINT8,
	arrow.BOOL,
}

func isNumeric(t arrow.DataType) bool { return slices.Contains(numericTypes, t.ID()) }

func isString(t arrow.DataType) bool {
	return t.ID() == arrow.STRING || t.ID() == arrow.LARGE_STRING
}

func numericValue(col arrow.Array, i int) (float64, error) {
	if col.IsNull(i) {
		return 0, ErrNull
	}
	switch a := col.(type) {
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Int64:
		return float64(a.Value(i)), nil
	case *array.Int32:
		return float64(a.Value(i)), nil
	case *array.Int16:
		return float64(a.Value(i)), nil
	case *array.Int8:
		return float64(a.Value(i)), nil
	case *array.Uint64:
		return float64(a.Value(i)), nil
	case *array.Uint32:
		return float64(a.Value(i)), nil
	case *array.Uint16:
		return float64(a.Value(i)), nil
	case *array.Uint8:
		return float64(a.Value(i)), nil
	case *array.Boolean:
		if a.Value(i) {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrColumn, col.DataType())
}

func stringValue(col arrow.Array, i int) (string, error) {
	if col.IsNull(i) {
		return "", ErrNull
	}
	switch a := col.(type) {
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	}
	return "", fmt.Errorf("%w: %s", ErrColumn, col.DataType())
}

// FeatureSchema is the schema WriteArrow uses for n input columns.
func FeatureSchema(n int, withTarget bool) *arrow.Schema {
	fields := make([]arrow.Field, 0, n+1)
	for j := 0; j < n; j++ {
		fields = append(fields, arrow.Field{Name: fmt.Sprintf("f%d", j), Type: arrow.PrimitiveTypes.Float64})
	}
	if withTarget {
		fields = append(fields, arrow.Field{Name: "label", Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

// Record converts x, and y when non-nil, into one record batch with float64
// columns f0..fN and label. y must have a single column.
func Record(mem memory.Allocator, x, y *mat.Dense) (arrow.RecordBatch, error) {
	rows, cols := x.Dims()
	if y != nil {
		yr, yc := y.Dims()
		if yr != rows || yc != 1 {
			return nil, fmt.Errorf("%w: label matrix must be %dx1", ErrColumn, rows)
		}
	}
	schema := FeatureSchema(cols, y != nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for j := 0; j < cols; j++ {
		fb := b.Field(j).(*array.Float64Builder)
		fb.Reserve(rows)
		for i := 0; i < rows; i++ {
			fb.UnsafeAppend(x.At(i, j))
		}
	}
	if y != nil {
		fb := b.Field(cols).(*array.Float64Builder)
		for i := 0; i < rows; i++ {
			fb.Append(y.At(i, 0))
		}
	}
	return b.NewRecord(), nil
}

// WriteArrow writes x and an optional single-column y as an Arrow IPC stream.
func WriteArrow(w io.Writer, mem memory.Allocator, x, y *mat.Dense) error {
	rec, err := Record(mem, x, y)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
