// Package transport exposes a running Pipeline over Arrow Flight, inverting
// the teacher's internal/arrow_client.FlightClient into a server: callers
// send a DoGet ticket naming a prompt and get back a stream of Arrow record
// batches, one row per emitted token, instead of a raw []float32 vector feed.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"

	"github.com/23skdu/longbow-pipeline/internal/generator"
	"github.com/23skdu/longbow-pipeline/internal/logger"
)

// PredictionSchema is the Arrow schema of every record batch DoGet streams:
// one row per emitted token, mirroring generator.GeneratedEvent.
var PredictionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "token_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "position", Type: arrow.PrimitiveTypes.Int64},
	{Name: "latency_ms", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Ticket is the JSON payload a DoGet caller encodes into a flight.Ticket to
// describe what to generate. The teacher's client never needed a ticket body
// of its own (it only ever fetched a fixed "embeddings" descriptor); a
// predict request is parameterized per call, so the ticket carries it.
type Ticket struct {
	Prompt       string `json:"prompt"`
	MaxNewTokens int    `json:"max_new_tokens"`
}

// FlightServer streams Pipeline predictions as Arrow record batches over
// Arrow Flight's DoGet RPC. It embeds flight.BaseFlightServer so it only has
// to implement the handlers SPEC_FULL.md's transport actually needs,
// the same minimal-override style the teacher's mock_client.go uses for its
// own partial interface implementation.
type FlightServer struct {
	flight.BaseFlightServer

	gen   *generator.TextGenerator
	alloc memory.Allocator
}

// NewFlightServer wraps gen for Arrow Flight delivery.
func NewFlightServer(gen *generator.TextGenerator) *FlightServer {
	return &FlightServer{gen: gen, alloc: memory.NewGoAllocator()}
}

// GetFlightInfo describes the single "predict" endpoint this server exposes.
func (s *FlightServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(PredictionSchema, s.alloc),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: desc.Cmd},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// DoGet decodes the ticket, drives generation, and streams one record batch
// per emitted token until the pipeline's own stream closes or the client
// disconnects.
func (s *FlightServer) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	var req Ticket
	if err := json.Unmarshal(tkt.Ticket, &req); err != nil {
		return fmt.Errorf("transport: malformed ticket: %w", err)
	}

	events, err := s.gen.Generate(fs.Context(), req.Prompt, req.MaxNewTokens)
	if err != nil {
		return err
	}

	w := flight.NewRecordWriter(fs, ipc.WithSchema(PredictionSchema))
	defer w.Close()

	position := int64(0)
	for ev := range events {
		if ev.Err != nil {
			logger.Log.Warn("transport: generation stream failed", "error", ev.Err)
			return ev.Err
		}

		rec := buildRecord(s.alloc, int64(ev.TokenID), position, ev.LatencyMS)
		if err := w.Write(rec); err != nil {
			rec.Release()
			return fmt.Errorf("transport: writing record batch: %w", err)
		}
		rec.Release()
		position++
	}
	return nil
}

func buildRecord(alloc memory.Allocator, tokenID, position int64, latencyMS float64) arrow.Record {
	tokenBuilder := array.NewInt64Builder(alloc)
	defer tokenBuilder.Release()
	tokenBuilder.Append(tokenID)

	posBuilder := array.NewInt64Builder(alloc)
	defer posBuilder.Release()
	posBuilder.Append(position)

	latencyBuilder := array.NewFloat64Builder(alloc)
	defer latencyBuilder.Release()
	latencyBuilder.Append(latencyMS)

	return array.NewRecord(PredictionSchema, []arrow.Array{
		tokenBuilder.NewArray(),
		posBuilder.NewArray(),
		latencyBuilder.NewArray(),
	}, 1)
}

// Serve starts a gRPC server hosting the Flight service at addr and blocks
// until ctx is cancelled or the listener fails. Grounded on the teacher's
// FlightClient.Connect dialing convention, inverted to the listen side.
func Serve(ctx context.Context, addr string, srv *FlightServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	flight.RegisterFlightServiceServer(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	logger.Log.Info("transport: flight server listening", "addr", addr)

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
