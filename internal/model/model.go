// Package model drives a stack of layers through forward propagation,
// backpropagation and optimizer updates.
package model

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/loss"
	"github.com/23skdu/longbow-quiver/internal/nn"
	"github.com/23skdu/longbow-quiver/internal/optim"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	ErrInvalidLayer   = errors.New("model: invalid layer")
	ErrEmptyModel     = errors.New("model: no layers")
	ErrNotCompiled    = errors.New("model: not compiled")
	ErrNotImplemented = errors.New("model: not implemented")
	ErrInvalidConfig  = errors.New("model: invalid fit config")
)

var tracer = otel.Tracer("quiver-model")

// Model is an ordered stack of layers trained with one loss and one
// optimizer. It is not safe for concurrent use.
type Model struct {
	layers    []nn.Layer
	loss      loss.Loss
	optimizer optim.Optimizer
	compiled  bool

	logger   zerolog.Logger
	reporter Reporter
}

// Option configures a Model.
type Option func(*Model)

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithReporter sets the receiver of Fit progress. The default logs epochs.
func WithReporter(r Reporter) Option {
	return func(m *Model) { m.reporter = r }
}

// New creates a model from an optional pre-built layer list.
func New(layers []nn.Layer, opts ...Option) (*Model, error) {
	m := &Model{logger: log.Logger}
	for _, opt := range opts {
		opt(m)
	}
	if m.reporter == nil {
		m.reporter = &LogReporter{Logger: m.logger}
	}
	for _, l := range layers {
		if err := m.Add(l); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add appends a layer to the end of the stack. Layers added after Compile
// are wired on the next Compile.
func (m *Model) Add(l nn.Layer) error {
	if isNil(l) {
		return ErrInvalidLayer
	}
	m.layers = append(m.layers, l)
	m.compiled = false
	return nil
}

func isNil(l nn.Layer) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Layers returns the layer stack. The slice is shared with the model.
func (m *Model) Layers() []nn.Layer { return m.layers }

func (m *Model) Loss() loss.Loss { return m.loss }

func (m *Model) Optimizer() optim.Optimizer { return m.optimizer }

// Compile wires the layers to each other and attaches the loss and optimizer.
// A nil loss selects binary cross-entropy and a nil optimizer selects Adamax;
// both are created fresh for every call.
func (m *Model) Compile(l loss.Loss, o optim.Optimizer) error {
	if len(m.layers) == 0 {
		return ErrEmptyModel
	}
	if l == nil {
		l = loss.NewBinaryCrossEntropy()
	}
	if o == nil {
		o = optim.NewAdamax(optim.AdamaxConfig{})
	}

	m.compiled = false
	var prev nn.Layer
	for i, layer := range m.layers {
		layer.SetFirstLayer(i == 0)
		if err := layer.ConnectTo(prev); err != nil {
			return fmt.Errorf("compile layer %d (%s): %w", i, layer.Name(), err)
		}
		prev = layer
	}

	m.loss = l
	m.optimizer = o
	m.compiled = true
	m.logger.Debug().
		Int("layers", len(m.layers)).
		Str("loss", l.Name()).
		Str("optimizer", o.Name()).
		Msg("Model compiled")
	return nil
}

// Predict runs x through every layer in order. It refreshes each layer's
// forward cache, so a following Step or Backward sees these inputs.
func (m *Model) Predict(x *mat.Dense) (*mat.Dense, error) {
	if len(m.layers) == 0 {
		return nil, ErrEmptyModel
	}
	out := x
	for i, layer := range m.layers {
		start := time.Now()
		next, err := layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s) forward: %w", i, layer.Name(), err)
		}
		LayerDuration.WithLabelValues(layerType(layer), "forward").Observe(time.Since(start).Seconds())
		m.logger.Debug().Int("layer", i).Str("name", layer.Name()).
			Str("in", tensor.Shape(out)).Str("out", tensor.Shape(next)).Msg("forward")
		out = next
	}
	return out, nil
}

// Step runs one optimization step on a batch and returns the batch loss,
// computed on the predictions made before the update.
func (m *Model) Step(x, y *mat.Dense) (float64, error) {
	_, span := tracer.Start(context.Background(), "Model.Step")
	defer span.End()

	l, err := m.step(x, y)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Float64("loss", l))
	return l, nil
}

func (m *Model) step(x, y *mat.Dense) (float64, error) {
	if !m.compiled {
		return 0, ErrNotCompiled
	}
	if err := tensor.CheckRows(x, y); err != nil {
		return 0, fmt.Errorf("step: %w", err)
	}

	pred, err := m.Predict(x)
	if err != nil {
		return 0, err
	}
	grad, err := m.loss.Backward(pred, y)
	if err != nil {
		return 0, fmt.Errorf("loss backward: %w", err)
	}
	if err := m.backward(grad); err != nil {
		return 0, err
	}
	if err := m.optimizer.Update(m.layers); err != nil {
		return 0, fmt.Errorf("optimizer update: %w", err)
	}
	value, err := m.loss.Forward(pred, y)
	if err != nil {
		return 0, fmt.Errorf("loss forward: %w", err)
	}
	TrainBatches.Inc()
	return value, nil
}

func (m *Model) backward(grad *mat.Dense) error {
	for i := len(m.layers) - 1; i >= 0; i-- {
		layer := m.layers[i]
		start := time.Now()
		next, err := layer.Backward(grad)
		if err != nil {
			return fmt.Errorf("layer %d (%s) backward: %w", i, layer.Name(), err)
		}
		LayerDuration.WithLabelValues(layerType(layer), "backward").Observe(time.Since(start).Seconds())
		m.logger.Debug().Int("layer", i).Str("name", layer.Name()).Msg("backward")
		grad = next
	}
	return nil
}

// Evaluate is reserved and always fails.
func (m *Model) Evaluate(x, y *mat.Dense) (float64, error) {
	return 0, ErrNotImplemented
}

// PredictAccuracy predicts x and scores the result against y with
// ClassAccuracy. Like Predict it replaces every layer's cached forward input.
func (m *Model) PredictAccuracy(x, y *mat.Dense) (float64, error) {
	pred, err := m.Predict(x)
	if err != nil {
		return 0, err
	}
	return ClassAccuracy(pred, y)
}

// Accuracy returns the fraction of rows whose highest-scoring output column
// matches the highest target column. With a single column every row matches.
func Accuracy(outputs, targets *mat.Dense) (float64, error) {
	if err := tensor.CheckSameShape(outputs, targets); err != nil {
		return 0, fmt.Errorf("accuracy: %w", err)
	}
	r, _ := outputs.Dims()

	var hits int
	want := tensor.ArgmaxRows(targets)
	for i, got := range tensor.ArgmaxRows(outputs) {
		if got == want[i] {
			hits++
		}
	}
	return float64(hits) / float64(r), nil
}

// BinaryAccuracy compares single-column outputs and targets after
// thresholding both at 0.5.
func BinaryAccuracy(outputs, targets *mat.Dense) (float64, error) {
	if err := tensor.CheckSameShape(outputs, targets); err != nil {
		return 0, fmt.Errorf("binary accuracy: %w", err)
	}
	r, c := outputs.Dims()
	if c != 1 {
		return 0, fmt.Errorf("binary accuracy: %d output columns: %w", c, tensor.ErrShapeMismatch)
	}

	var hits int
	for i := 0; i < r; i++ {
		if (outputs.At(i, 0) >= 0.5) == (targets.At(i, 0) >= 0.5) {
			hits++
		}
	}
	return float64(hits) / float64(r), nil
}

// ClassAccuracy is BinaryAccuracy for single-column outputs and Accuracy
// otherwise.
func ClassAccuracy(outputs, targets *mat.Dense) (float64, error) {
	if outputs != nil && !outputs.IsEmpty() {
		if _, c := outputs.Dims(); c == 1 {
			return BinaryAccuracy(outputs, targets)
		}
	}
	return Accuracy(outputs, targets)
}

// layerType strips the size suffix from a layer name, "dense(16)" -> "dense".
func layerType(l nn.Layer) string {
	name := l.Name()
	if i := strings.IndexByte(name, '('); i > 0 {
		return name[:i]
	}
	return name
}
