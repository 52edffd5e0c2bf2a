// Package nn defines the layer contract the training engine drives and the
// concrete layers shipped with it.
package nn

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoForward is returned by Backward when no forward pass has been cached.
	ErrNoForward = errors.New("nn: backward called before forward")
	// ErrNotConnected is returned when a layer has no known input size yet.
	ErrNotConnected = errors.New("nn: layer is not connected")
	// ErrUnknownActivation is returned for activation names that are not registered.
	ErrUnknownActivation = errors.New("nn: unknown activation")
)

// Layer is one stage of a feed-forward stack.
//
// Forward caches whatever Backward needs, so Backward must follow the Forward
// whose cache it consumes. Params and Grads are index-aligned and every
// gradient has the same shape as its parameter. The optimizer writes new
// parameter values in place.
type Layer interface {
	Forward(input *mat.Dense) (*mat.Dense, error)
	Backward(grad *mat.Dense) (*mat.Dense, error)

	// ConnectTo links the layer to its predecessor (nil for the first layer)
	// and infers the input size from it.
	ConnectTo(prev Layer) error
	SetFirstLayer(first bool)
	IsFirstLayer() bool
	Previous() Layer

	// OutputSize is the number of features produced, or 0 when not yet known.
	OutputSize() int

	Params() []*mat.Dense
	Grads() []*mat.Dense

	Name() string
}

// Base carries the wiring state shared by all layers. Embed it to get the
// first-layer flag and the predecessor reference.
type Base struct {
	first bool
	prev  Layer
}

// SetFirstLayer marks the layer as the head of the stack.
func (b *Base) SetFirstLayer(first bool) { b.first = first }

// IsFirstLayer reports whether the layer heads the stack.
func (b *Base) IsFirstLayer() bool { return b.first }

// Previous returns the predecessor, nil for the first layer. The reference is
// never owning: the model holds the layer slice.
func (b *Base) Previous() Layer { return b.prev }

// Link stores the predecessor reference.
func (b *Base) Link(prev Layer) { b.prev = prev }
