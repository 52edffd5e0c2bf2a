package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// Putter is the subset of FlightClient the Forwarder needs.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder ships predictions to a dataset behind a circuit breaker.
type Forwarder struct {
	putter  Putter
	dataset string
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

// NewForwarder wraps p. A nil breaker gets one that opens after 5 failures
// for 30 seconds.
func NewForwarder(p Putter, dataset string, cb *CircuitBreaker) *Forwarder {
	if cb == nil {
		cb = NewCircuitBreaker(5, 30*time.Second)
	}
	return &Forwarder{
		putter:  p,
		dataset: dataset,
		breaker: cb,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
	}
}

// Forward builds a prediction batch and pushes it. It returns ErrCircuitOpen
// without contacting the server while the breaker is open.
func (f *Forwarder) Forward(ctx context.Context, inputs, outputs *mat.Dense) error {
	rec, err := f.builder.BuildRecordBatch(inputs, outputs)
	if err != nil {
		ForwardErrors.WithLabelValues("build").Inc()
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	err = f.breaker.Execute(func() error {
		return f.putter.DoPut(ctx, f.dataset, rec)
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		ForwardErrors.WithLabelValues("circuit_open").Inc()
	case err != nil:
		ForwardErrors.WithLabelValues("put").Inc()
		log.Warn().Err(err).Str("dataset", f.dataset).Msg("Forwarding predictions failed")
	default:
		ForwardedRows.Add(float64(rec.NumRows()))
	}
	return err
}

// Breaker exposes the breaker for health reporting.
func (f *Forwarder) Breaker() *CircuitBreaker { return f.breaker }
