package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-qlinear/internal/tensor"
	"github.com/23skdu/longbow-qlinear/internal/tensorio"
)

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient talks to a Server: it uploads tensors into device memory, runs
// quantized matmuls there and downloads results.
type FlightClient struct {
	addr    string
	timeout time.Duration
	mem     memory.Allocator
	client  flight.Client
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{
		addr:    addr,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}
}

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

func (fc *FlightClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, fc.timeout)
}

func fromStatus(err error, name string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// PutTensor uploads t under name. The server keeps it in device memory.
func (fc *FlightClient) PutTensor(ctx context.Context, name string, t *tensor.Tensor) (TensorInfo, error) {
	if fc.client == nil {
		return TensorInfo{}, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	rec, err := tensorio.EncodeRecord(fc.mem, t, name)
	if err != nil {
		return TensorInfo{}, err
	}
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}})
	if err := w.Write(rec); err != nil {
		return TensorInfo{}, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return TensorInfo{}, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return TensorInfo{}, err
	}
	res, err := stream.Recv()
	if err != nil {
		return TensorInfo{}, fromStatus(err, name)
	}
	var info TensorInfo
	if err := json.Unmarshal(res.GetAppMetadata(), &info); err != nil {
		return TensorInfo{}, fmt.Errorf("decode put result: %w", err)
	}
	return info, nil
}

// GetTensor downloads the tensor stored under name to host memory.
func (fc *FlightClient) GetTensor(ctx context.Context, name string) (*tensor.Tensor, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fromStatus(err, name)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, fromStatus(err, name)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fromStatus(err, name)
		}
		return nil, fmt.Errorf("%w: empty stream for %s", tensorio.ErrMalformed, name)
	}
	t, _, err := tensorio.DecodeRecord(rdr.Record())
	return t, err
}

// ListTensors names every tensor the server holds.
func (fc *FlightClient) ListTensors(ctx context.Context) ([]string, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, err
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, info.GetFlightDescriptor().GetPath()...)
	}
}

func (fc *FlightClient) action(ctx context.Context, typ string, body []byte, out any) error {
	if fc.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return err
	}
	res, err := stream.Recv()
	if err != nil {
		return err
	}
	if err := flight.ReadUntilEOF(stream); err != nil {
		return err
	}
	return json.Unmarshal(res.GetBody(), out)
}

// QuantizedMatmul runs req on the server's device. The result stays there
// under req.Out; fetch it with GetTensor.
func (fc *FlightClient) QuantizedMatmul(ctx context.Context, req MatmulRequest) (TensorInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TensorInfo{}, err
	}
	var info TensorInfo
	if err := fc.action(ctx, ActionQuantizedMatmul, body, &info); err != nil {
		if status.Code(err) == codes.NotFound {
			return TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, status.Convert(err).Message())
		}
		return TensorInfo{}, err
	}
	return info, nil
}

func (fc *FlightClient) Release(ctx context.Context, name string) error {
	var info TensorInfo
	return fromStatus(fc.action(ctx, ActionRelease, []byte(name), &info), name)
}

func (fc *FlightClient) MemoryInfo(ctx context.Context) (MemoryReport, error) {
	var report MemoryReport
	err := fc.action(ctx, ActionMemoryInfo, nil, &report)
	return report, err
}

func (fc *FlightClient) ListActions(ctx context.Context) ([]string, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	stream, err := fc.client.ListActions(ctx, &flight.Empty{})
	if err != nil {
		return nil, err
	}
	var types []string
	for {
		a, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return types, nil
		}
		if err != nil {
			return nil, err
		}
		types = append(types, a.GetType())
	}
}
