package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/dataset"
	"github.com/23skdu/longbow-quiver/internal/model"
)

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, inputs, outputs *mat.Dense) error {
	args := m.Called(ctx, inputs, outputs)
	return args.Error(0)
}

// countingPredictor wraps a model and counts scored rows.
type countingPredictor struct {
	m    *model.Model
	rows int
}

func (p *countingPredictor) Predict(x *mat.Dense) (*mat.Dense, error) {
	r, _ := x.Dims()
	p.rows += r
	return p.m.Predict(x)
}

func testModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Build("dense:3,tanh,dense:2,softmax", 2, 7, model.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, m.Compile(nil, nil))
	return m
}

func postCBOR(t *testing.T, h http.Handler, rows [][]float64) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(rows)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Predict(t *testing.T) {
	m := testModel(t)
	pred := &countingPredictor{m: m}
	fwd := &mockForwarder{}
	srv := NewServer(pred, 2, cache.NewMapCache(16), fwd, 8)
	h := srv.Routes()

	rows := [][]float64{{0, 1}, {1, 0}, {0, 1}}
	want, err := m.Predict(mat.NewDense(3, 2, []float64{0, 1, 1, 0, 0, 1}))
	require.NoError(t, err)

	fwd.On("Forward", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	scored := testutil.ToFloat64(predictionsTotal)

	rr := postCBOR(t, h, rows)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

	var got [][]float64
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 3)
	for i := range got {
		assert.InDeltaSlice(t, want.RawRowView(i), got[i], 1e-12)
	}
	assert.Equal(t, got[0], got[2])
	assert.Equal(t, 3, pred.rows)
	assert.Equal(t, scored+3, testutil.ToFloat64(predictionsTotal))
	fwd.AssertNumberOfCalls(t, "Forward", 1)

	t.Run("cached rows skip the model", func(t *testing.T) {
		rr := postCBOR(t, h, [][]float64{{1, 0}})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 3, pred.rows)
	})

	t.Run("model swap purges the cache", func(t *testing.T) {
		require.NoError(t, srv.SetModel(pred, 2))
		rr := postCBOR(t, h, [][]float64{{1, 0}})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 4, pred.rows)
	})
}

func TestServer_PredictErrors(t *testing.T) {
	srv := NewServer(testModel(t), 2, nil, nil, 8)
	h := srv.Routes()

	t.Run("wrong feature count", func(t *testing.T) {
		rr := postCBOR(t, h, [][]float64{{1, 2, 3}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("ragged rows", func(t *testing.T) {
		rr := postCBOR(t, h, [][]float64{{1, 2}, {3}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("not cbor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte{0xff}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predict", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("empty", func(t *testing.T) {
		rr := postCBOR(t, h, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		var got [][]float64
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Empty(t, got)
	})
}

func TestServer_ForwardFailureDoesNotFailRequest(t *testing.T) {
	fwd := &mockForwarder{}
	fwd.On("Forward", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("longbow down"))
	srv := NewServer(testModel(t), 2, nil, fwd, 8)

	rr := postCBOR(t, srv.Routes(), [][]float64{{0.5, 0.5}})
	assert.Equal(t, http.StatusOK, rr.Code)
	fwd.AssertExpectations(t)
}

func TestServer_PredictArrow(t *testing.T) {
	m := testModel(t)
	srv := NewServer(m, 2, nil, nil, 8)

	x := mat.NewDense(2, 2, []float64{0.1, 0.2, -0.3, 0.4})
	var body bytes.Buffer
	require.NoError(t, dataset.WriteArrow(&body, memory.NewGoAllocator(), x, nil))

	req := httptest.NewRequest(http.MethodPost, "/predict/arrow", &body)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())
	assert.True(t, client.PredictionSchema(2, 2).Equal(rec.Schema()))

	want, err := m.Predict(x)
	require.NoError(t, err)
	values := rec.Column(1).(*array.FixedSizeList).ListValues().(*array.Float64)
	assert.InDelta(t, want.At(1, 1), values.Value(3), 1e-12)

	t.Run("bad stream", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict/arrow", bytes.NewReader([]byte("nope")))
		rr := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(testModel(t), 2, nil, nil, 1)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestFlightServer_DoPut(t *testing.T) {
	m := testModel(t)
	srv := NewServer(m, 2, nil, nil, 8)

	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewQuiverFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	conn, err := grpc.NewClient(server.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := fc.DoPut(ctx)
	require.NoError(t, err)

	x := mat.NewDense(3, 2, []float64{0, 0, 1, 1, -1, 2})
	rec, err := dataset.Record(memory.NewGoAllocator(), x, nil)
	require.NoError(t, err)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"score"}})
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())

	res, err := stream.Recv()
	require.NoError(t, err)
	var got [][]float64
	require.NoError(t, cbor.Unmarshal(res.AppMetadata, &got))

	want, err := m.Predict(x)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDeltaSlice(t, want.RawRowView(2), got[2], 1e-12)
}
