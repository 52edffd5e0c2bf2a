package main

import (
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/dataset"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// QuiverFlightServer scores record batches uploaded with DoPut. The
// predictions come back as CBOR rows in the PutResult metadata.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewQuiverFlightServer(srv *Server) *QuiverFlightServer {
	return &QuiverFlightServer{srv: srv}
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "flightDoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	d, err := dataset.ReadRecords(reader, dataset.ArrowOptions{})
	if err != nil {
		span.RecordError(err)
		return status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Int("rows", d.Len()).Msg("DoPut received batch")

	out, err := s.srv.predict(ctx, d.X)
	if err != nil {
		span.RecordError(err)
		return status.Error(grpcCode(err), err.Error())
	}
	s.srv.forward(ctx, d.X, out)

	meta, err := cbor.Marshal(tensor.ToRows(out))
	if err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func grpcCode(err error) codes.Code {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	return codes.Internal
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewQuiverFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Quiver Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
