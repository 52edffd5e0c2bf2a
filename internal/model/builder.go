package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/nn"
)

// Build creates a model from an architecture string such as
// "dense:16,relu,dense:1,sigmoid". inputSize is the feature count of the
// first dense layer. A non-zero seed makes weight initialization
// reproducible.
func Build(arch string, inputSize int, seed uint64, opts ...Option) (*Model, error) {
	if inputSize <= 0 {
		return nil, fmt.Errorf("%w: input size %d", ErrInvalidLayer, inputSize)
	}
	var (
		layers []nn.Layer
		sized  bool
	)
	for i, tok := range strings.Split(arch, ",") {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if tok == "" {
			continue
		}
		kind, arg, _ := strings.Cut(tok, ":")
		switch kind {
		case "dense":
			units, err := strconv.Atoi(arg)
			if err != nil || units <= 0 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidLayer, tok)
			}
			var dopts []nn.DenseOption
			// activations keep their width, so the first dense layer sees
			// the raw features
			if !sized {
				dopts = append(dopts, nn.WithInputSize(inputSize))
				sized = true
			}
			if seed != 0 {
				dopts = append(dopts, nn.WithSeed(seed+uint64(i)))
			}
			layers = append(layers, nn.NewDense(units, dopts...))
		default:
			act, err := nn.ParseActivation(kind)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidLayer, err)
			}
			layers = append(layers, nn.NewActivation(act))
		}
	}
	if len(layers) == 0 {
		return nil, ErrEmptyModel
	}
	return New(layers, opts...)
}

// Architecture describes the layer stack in the form Build accepts. Layers
// other than Dense and Activation are written by name.
func (m *Model) Architecture() string {
	parts := make([]string, len(m.layers))
	for i, l := range m.layers {
		switch v := l.(type) {
		case *nn.Dense:
			parts[i] = fmt.Sprintf("dense:%d", v.OutputSize())
		case *nn.Activation:
			parts[i] = v.Kind().String()
		default:
			parts[i] = l.Name()
		}
	}
	return strings.Join(parts, ",")
}

// InputSize returns the feature count of the first dense layer, 0 if the
// stack has none or it is not yet known.
func (m *Model) InputSize() int {
	for _, l := range m.layers {
		if d, ok := l.(*nn.Dense); ok {
			return d.InputSize()
		}
	}
	return 0
}
