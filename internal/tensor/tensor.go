// Package tensor holds the small set of matrix helpers the training engine
// needs on top of gonum's dense matrices.
//
// Every tensor is a *mat.Dense laid out as (batch, features). gonum panics on
// dimension mismatches, so callers check shapes here first and get an error
// back instead.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned whenever two tensors cannot be combined.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// ErrEmpty is returned for nil or zero-sized tensors.
var ErrEmpty = errors.New("tensor: empty tensor")

// Shape formats the dimensions of m for error messages.
func Shape(m mat.Matrix) string {
	if m == nil {
		return "nil"
	}
	r, c := m.Dims()
	return fmt.Sprintf("%dx%d", r, c)
}

// CheckSameShape verifies a and b have identical dimensions.
func CheckSameShape(a, b *mat.Dense) error {
	if a == nil || b == nil || a.IsEmpty() || b.IsEmpty() {
		return ErrEmpty
	}
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, Shape(a), Shape(b))
	}
	return nil
}

// CheckRows verifies a and b agree along the batch dimension.
func CheckRows(a, b *mat.Dense) error {
	if a == nil || b == nil || a.IsEmpty() || b.IsEmpty() {
		return ErrEmpty
	}
	ar, _ := a.Dims()
	br, _ := b.Dims()
	if ar != br {
		return fmt.Errorf("%w: batch %d vs %d", ErrShapeMismatch, ar, br)
	}
	return nil
}

// CheckCols verifies m has exactly cols features.
func CheckCols(m *mat.Dense, cols int) error {
	if m == nil || m.IsEmpty() {
		return ErrEmpty
	}
	_, c := m.Dims()
	if c != cols {
		return fmt.Errorf("%w: expected %d features, got %s", ErrShapeMismatch, cols, Shape(m))
	}
	return nil
}

// Rows returns a view of rows [i, k) of m. The view shares storage with m.
func Rows(m *mat.Dense, i, k int) *mat.Dense {
	_, c := m.Dims()
	return m.Slice(i, k, 0, c).(*mat.Dense)
}

// MeanRows averages m over the batch dimension and returns a 1xC row.
func MeanRows(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	floats.Scale(1/float64(r), out)
	return mat.NewDense(1, c, out)
}

// ArgmaxRows returns the column index of the largest value in every row.
func ArgmaxRows(m *mat.Dense) []int {
	r, _ := m.Dims()
	idx := make([]int, r)
	for i := 0; i < r; i++ {
		idx[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return idx
}

// Gather copies the given rows of m into a new tensor.
func Gather(m *mat.Dense, indices []int) (*mat.Dense, error) {
	r, c := m.Dims()
	if len(indices) == 0 {
		return nil, ErrEmpty
	}
	out := mat.NewDense(len(indices), c, nil)
	for i, idx := range indices {
		if idx < 0 || idx >= r {
			return nil, fmt.Errorf("%w: row %d out of range for %s", ErrShapeMismatch, idx, Shape(m))
		}
		out.SetRow(i, m.RawRowView(idx))
	}
	return out, nil
}

// FromRows builds a tensor from a slice of equally sized rows.
func FromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmpty
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShapeMismatch, i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

// ToRows copies m into a slice of rows.
func ToRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		copy(row, m.RawRowView(i))
		out[i] = row
	}
	return out
}
