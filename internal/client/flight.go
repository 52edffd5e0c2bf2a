package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient pushes record batches to a Longbow server over Arrow Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient connects to addr without transport security.
func NewFlightClient(addr string, opts ...grpc.DialOption) (*FlightClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut streams record into the dataset at path datasetName and waits for the
// server to acknowledge the upload.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open put stream: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("write %s: %w", datasetName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("put result: %w", err)
		}
	}
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
