package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/dataset"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	predictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_predictions_total",
		Help: "The total number of rows scored",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing prediction requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var errFeatures = errors.New("wrong number of features")

// Predictor is the part of a model the server needs.
type Predictor interface {
	Predict(x *mat.Dense) (*mat.Dense, error)
}

type Forwarder interface {
	Forward(ctx context.Context, inputs, outputs *mat.Dense) error
}

type Server struct {
	// mu serializes model use: layers cache their inputs during Predict.
	mu       sync.Mutex
	model    Predictor
	features int

	cache     cache.PredictionCache
	forwarder Forwarder
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxRows   int64
}

func NewServer(m Predictor, features int, pc cache.PredictionCache, fwd Forwarder, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		model:     m,
		features:  features,
		cache:     pc,
		forwarder: fwd,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxRows:   int64(maxConcurrent),
	}
}

// SetModel swaps the served model and drops cached predictions.
func (s *Server) SetModel(m Predictor, features int) error {
	if m == nil {
		return errors.New("nil model")
	}
	s.mu.Lock()
	s.model = m
	s.features = features
	if s.cache != nil {
		s.cache.Purge()
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/predict/arrow", s.handlePredictArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) error {
	log.Info().Str("addr", addr).Msg("Starting Quiver Server")
	return http.ListenAndServe(addr, srv.Routes())
}

var tracer = otel.Tracer("quiver-server")

// predict scores x, serving rows from the cache where possible. Admission is
// weighted by row count.
func (s *Server) predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()

	weight := min(int64(rows), s.maxRows)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer s.sem.Release(weight)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.features > 0 && cols != s.features {
		return nil, fmt.Errorf("%w: model takes %d, got %d", errFeatures, s.features, cols)
	}

	var (
		keys   []string
		misses []int
		hits   = make(map[int][]float64)
	)
	if s.cache != nil {
		keys = make([]string, rows)
		for i := 0; i < rows; i++ {
			keys[i] = cache.Key(x.RawRowView(i))
			if out, ok := s.cache.Get(keys[i]); ok {
				hits[i] = out
				continue
			}
			misses = append(misses, i)
		}
	} else {
		misses = make([]int, rows)
		for i := range misses {
			misses[i] = i
		}
	}

	var scored *mat.Dense
	if len(misses) > 0 {
		batch, err := tensor.Gather(x, misses)
		if err != nil {
			return nil, err
		}
		if scored, err = s.model.Predict(batch); err != nil {
			return nil, err
		}
	}

	var outCols int
	if scored != nil {
		_, outCols = scored.Dims()
	} else {
		for _, v := range hits {
			outCols = len(v)
			break
		}
	}
	out := mat.NewDense(rows, outCols, nil)
	for j, i := range misses {
		row := scored.RawRowView(j)
		out.SetRow(i, row)
		if s.cache != nil {
			s.cache.Put(keys[i], row)
		}
	}
	for i, v := range hits {
		out.SetRow(i, v)
	}
	predictionsTotal.Add(float64(rows))
	return out, nil
}

// forward pushes predictions to Longbow. Failures are logged, not returned:
// forwarding never fails a prediction request.
func (s *Server) forward(ctx context.Context, x, out *mat.Dense) {
	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.Forward(ctx, x, out); err != nil && !errors.Is(err, client.ErrCircuitOpen) {
		log.Error().Err(err).Msg("Error forwarding predictions to Longbow")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errFeatures), errors.Is(err, tensor.ErrShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rows [][]float64
	if err := cbor.NewDecoder(r.Body).Decode(&rows); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	if len(rows) == 0 {
		_ = cbor.NewEncoder(w).Encode([][]float64{})
		return
	}

	x, err := tensor.FromRows(rows)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("row_count", len(rows)))

	out, err := s.predict(ctx, x)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Prediction failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.forward(ctx, x, out)

	if err := cbor.NewEncoder(w).Encode(tensor.ToRows(out)); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) handlePredictArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredictArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d, err := dataset.ReadArrow(r.Body, dataset.ArrowOptions{Allocator: s.alloc})
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (Arrow decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("row_count", d.Len()))

	out, err := s.predict(ctx, d.X)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Prediction failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.forward(ctx, d.X, out)

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(d.X, out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow response")
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close arrow response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
