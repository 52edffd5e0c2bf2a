// Package weights stores trained models as CBOR checkpoints.
package weights

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/loss"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/optim"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

const formatVersion = 1

var (
	ErrVersion   = errors.New("weights: unsupported checkpoint version")
	ErrLayout    = errors.New("weights: checkpoint does not match model")
	ErrPrecision = errors.New("weights: unknown precision")
)

// Precision selects how parameter values are stored on disk.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
)

// Checkpoint is the on-disk form of a model. It is lossy: parameters are
// narrowed to float32 or float16, and optimizer state (moments, velocity,
// iteration count) is not stored, so a restored model trains from fresh
// optimizer state.
type Checkpoint struct {
	Version      int       `cbor:"1,keyasint"`
	Architecture string    `cbor:"2,keyasint"`
	InputSize    int       `cbor:"3,keyasint"`
	Loss         string    `cbor:"4,keyasint,omitempty"`
	Optimizer    string    `cbor:"5,keyasint,omitempty"`
	LR           float64   `cbor:"6,keyasint,omitempty"`
	Precision    Precision `cbor:"7,keyasint"`
	Params       []Param   `cbor:"8,keyasint"`
	Momentum     float64   `cbor:"9,keyasint,omitempty"`
}

// Param is one parameter matrix of one layer. Exactly one of F32 and F16 is
// set, depending on the checkpoint precision.
type Param struct {
	Layer int       `cbor:"1,keyasint"`
	Index int       `cbor:"2,keyasint"`
	Rows  int       `cbor:"3,keyasint"`
	Cols  int       `cbor:"4,keyasint"`
	F32   []float32 `cbor:"5,keyasint,omitempty"`
	F16   []uint16  `cbor:"6,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Snapshot captures the parameters of a compiled model.
func Snapshot(m *model.Model, p Precision) (*Checkpoint, error) {
	if p != FP32 && p != FP16 {
		return nil, fmt.Errorf("%w: %q", ErrPrecision, p)
	}
	c := &Checkpoint{
		Version:      formatVersion,
		Architecture: m.Architecture(),
		InputSize:    m.InputSize(),
		Precision:    p,
	}
	if l := m.Loss(); l != nil {
		c.Loss = l.Name()
	}
	if o := m.Optimizer(); o != nil {
		c.Optimizer = o.Name()
		c.LR = o.LR()
		if sgd, ok := o.(*optim.SGD); ok {
			c.Momentum = sgd.Momentum()
		}
	}

	for i, layer := range m.Layers() {
		for j, w := range layer.Params() {
			r, cols := w.Dims()
			param := Param{Layer: i, Index: j, Rows: r, Cols: cols}
			raw := w.RawMatrix()
			for row := 0; row < r; row++ {
				for _, v := range raw.Data[row*raw.Stride : row*raw.Stride+cols] {
					if p == FP16 {
						param.F16 = append(param.F16, tensor.Float32ToFloat16(float32(v)))
					} else {
						param.F32 = append(param.F32, float32(v))
					}
				}
			}
			c.Params = append(c.Params, param)
		}
	}
	return c, nil
}

// Restore copies the checkpoint parameters into m. The model must already be
// compiled so that every parameter is allocated.
func (c *Checkpoint) Restore(m *model.Model) error {
	layers := m.Layers()
	want := 0
	for _, l := range layers {
		want += len(l.Params())
	}
	if want != len(c.Params) {
		return fmt.Errorf("%w: model has %d parameters, checkpoint %d", ErrLayout, want, len(c.Params))
	}

	for _, p := range c.Params {
		if p.Layer < 0 || p.Layer >= len(layers) {
			return fmt.Errorf("%w: layer %d out of range", ErrLayout, p.Layer)
		}
		params := layers[p.Layer].Params()
		if p.Index < 0 || p.Index >= len(params) {
			return fmt.Errorf("%w: layer %d has no parameter %d", ErrLayout, p.Layer, p.Index)
		}
		dst := params[p.Index]
		if r, cols := dst.Dims(); r != p.Rows || cols != p.Cols {
			return fmt.Errorf("%w: layer %d parameter %d is %s, checkpoint has %dx%d",
				tensor.ErrShapeMismatch, p.Layer, p.Index, tensor.Shape(dst), p.Rows, p.Cols)
		}
		data, err := p.values(c.Precision)
		if err != nil {
			return fmt.Errorf("layer %d parameter %d: %w", p.Layer, p.Index, err)
		}
		dst.Copy(mat.NewDense(p.Rows, p.Cols, data))
	}
	return nil
}

func (p Param) values(prec Precision) ([]float64, error) {
	n := p.Rows * p.Cols
	out := make([]float64, n)
	switch prec {
	case FP32:
		if len(p.F32) != n {
			return nil, fmt.Errorf("%w: %d values for %dx%d", ErrLayout, len(p.F32), p.Rows, p.Cols)
		}
		for i, v := range p.F32 {
			out[i] = float64(v)
		}
	case FP16:
		if len(p.F16) != n {
			return nil, fmt.Errorf("%w: %d values for %dx%d", ErrLayout, len(p.F16), p.Rows, p.Cols)
		}
		for i, h := range p.F16 {
			out[i] = float64(tensor.Float16ToFloat32(h))
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrPrecision, prec)
	}
	return out, nil
}

// Model rebuilds, compiles and restores the checkpointed model. The stored
// loss and optimizer are recreated by name; missing names fall back to the
// Compile defaults.
func (c *Checkpoint) Model(opts ...model.Option) (*model.Model, error) {
	m, err := model.Build(c.Architecture, c.InputSize, 0, opts...)
	if err != nil {
		return nil, fmt.Errorf("rebuild %q: %w", c.Architecture, err)
	}

	var l loss.Loss
	if c.Loss != "" {
		if l, err = loss.ByName(c.Loss); err != nil {
			return nil, err
		}
	}
	var o optim.Optimizer
	switch {
	case c.Optimizer == "sgd" && c.Momentum != 0:
		o = optim.NewSGD(optim.SGDConfig{LR: c.LR, Momentum: c.Momentum})
	case c.Optimizer != "":
		if o, err = optim.ByName(c.Optimizer, c.LR); err != nil {
			return nil, err
		}
	}
	if err := m.Compile(l, o); err != nil {
		return nil, err
	}
	if err := c.Restore(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes a checkpoint of m to w.
func Save(w io.Writer, m *model.Model, p Precision) error {
	c, err := Snapshot(m, p)
	if err != nil {
		return err
	}
	return encMode.NewEncoder(w).Encode(c)
}

// Load reads a checkpoint from r.
func Load(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := cbor.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, c.Version)
	}
	return &c, nil
}

func SaveFile(path string, m *model.Model, p Precision) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Save(f, m, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func LoadFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
