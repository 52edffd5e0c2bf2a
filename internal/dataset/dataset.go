// Package dataset loads training data into (samples, features) matrices.
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ErrNoData is returned when a source yields no rows.
var ErrNoData = errors.New("dataset: no rows")

// Dataset pairs inputs with targets along the sample dimension.
type Dataset struct {
	X *mat.Dense
	Y *mat.Dense

	// Classes holds the class names of one-hot encoded targets, if any.
	Classes []string
}

// New validates that x and y agree on the number of samples.
func New(x, y *mat.Dense) (*Dataset, error) {
	if err := tensor.CheckRows(x, y); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return &Dataset{X: x, Y: y}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	r, _ := d.X.Dims()
	return r
}

// Features returns the number of input features.
func (d *Dataset) Features() int {
	_, c := d.X.Dims()
	return c
}

// Targets returns the number of target columns.
func (d *Dataset) Targets() int {
	_, c := d.Y.Dims()
	return c
}

// Slice returns a view of samples [i, k).
func (d *Dataset) Slice(i, k int) *Dataset {
	return &Dataset{X: tensor.Rows(d.X, i, k), Y: tensor.Rows(d.Y, i, k), Classes: d.Classes}
}
