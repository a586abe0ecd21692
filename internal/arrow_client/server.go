package arrow_client

import (
	"context"
	"errors"
	"net"
	"path"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/logger"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
	"github.com/23skdu/longbow-qlinear/internal/tensorio"
)

const (
	ActionQuantizedMatmul = "quantized_matmul"
	ActionRelease         = "release"
	ActionMemoryInfo      = "memory_info"
)

var ErrNotFound = errors.New("tensor not found")

// MatmulRequest names stored tensors for a quantized matmul and where to keep the result.
type MatmulRequest struct {
	X                string `json:"x"`
	Weight           string `json:"weight"`
	Scale            string `json:"scale"`
	Int4PackedWeight bool   `json:"int4_packed_weight"`
	Out              string `json:"out"`
}

// TensorInfo describes a tensor held by the server.
type TensorInfo struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Location  string `json:"location"`
}

type MemoryReport struct {
	Device     string `json:"device"`
	BytesUsed  int64  `json:"bytes_used"`
	BytesLimit int64  `json:"bytes_limit"`
	Buffers    int    `json:"buffers"`
}

// Server exposes one device of a runtime over Arrow Flight. Uploaded tensors
// live in device memory under their descriptor path.
type Server struct {
	flight.BaseFlightServer

	rt  *ops.Runtime
	loc tensor.Location
	mem memory.Allocator
	log *logger.Logger

	mu      sync.RWMutex
	tensors map[string]*tensor.Tensor

	srv flight.Server
}

func NewServer(rt *ops.Runtime, loc tensor.Location) *Server {
	return &Server{
		rt:      rt,
		loc:     loc,
		mem:     memory.DefaultAllocator,
		log:     logger.Log.With("flight"),
		tensors: make(map[string]*tensor.Tensor),
	}
}

type metricsMiddleware struct{}

func (metricsMiddleware) StartCall(ctx context.Context) context.Context { return ctx }

func (metricsMiddleware) CallCompleted(ctx context.Context, err error) {
	method, _ := grpc.Method(ctx)
	metrics.RecordFlightRequest(path.Base(method), err)
}

// Start binds addr ("localhost:0" picks a free port) and registers the service.
func (s *Server) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware([]flight.ServerMiddleware{
		flight.CreateServerMiddleware(metricsMiddleware{}),
	})
	if err := s.srv.Init(addr); err != nil {
		return err
	}
	s.srv.RegisterFlightService(s)
	s.log.Info("flight server listening", "addr", s.srv.Addr().String(), "device", s.loc.String())
	return nil
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error { return s.srv.Serve() }

func (s *Server) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, device.ErrOutOfMemory):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, quant.ErrDimension), errors.Is(err, quant.ErrDType), errors.Is(err, quant.ErrOutOfRange),
		errors.Is(err, tensor.ErrShape), errors.Is(err, tensor.ErrDType), errors.Is(err, tensor.ErrRange),
		errors.Is(err, tensorio.ErrMalformed), errors.Is(err, device.ErrDeviceMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) lookup(name string) (*tensor.Tensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tensors[name]
	if !ok {
		return nil, &notFoundError{name}
	}
	return t, nil
}

type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return ErrNotFound.Error() + ": " + e.name }
func (e *notFoundError) Unwrap() error { return ErrNotFound }

// put stores t under name, releasing whatever it replaces.
func (s *Server) put(name string, t *tensor.Tensor) TensorInfo {
	s.mu.Lock()
	old, ok := s.tensors[name]
	s.tensors[name] = t
	s.mu.Unlock()
	if ok && old != t {
		if err := s.rt.Client().Release(old); err != nil {
			s.log.Warn("release replaced tensor", "name", name, "error", err)
		}
	}
	return TensorInfo{Name: name, Signature: t.Signature(), Location: t.Location().String()}
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read input stream: %s", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.GetPath()) == 0 {
		return status.Error(codes.InvalidArgument, "DoPut needs a path descriptor naming the tensor")
	}
	name := desc.GetPath()[0]
	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return status.Errorf(codes.InvalidArgument, "read record: %s", err)
		}
		return status.Error(codes.InvalidArgument, "DoPut stream carried no record")
	}
	host, _, err := tensorio.DecodeRecord(rdr.Record())
	if err != nil {
		return toStatus(err)
	}
	onDevice, err := s.rt.ToDevice(stream.Context(), host, s.loc)
	if err != nil {
		return toStatus(err)
	}
	info := s.put(name, onDevice)
	s.log.Debug("stored tensor", "name", name, "tensor", info.Signature)

	body, err := json.Marshal(info)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.PutResult{AppMetadata: body})
}

func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	t, err := s.lookup(name)
	if err != nil {
		return toStatus(err)
	}
	host, err := s.rt.ToHost(stream.Context(), t)
	if err != nil {
		return toStatus(err)
	}
	rec, err := tensorio.EncodeRecord(s.mem, host, name)
	if err != nil {
		return toStatus(err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "write record: %s", err)
	}
	return w.Close()
}

func (s *Server) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	s.mu.RLock()
	infos := make([]*flight.FlightInfo, 0, len(s.tensors))
	for name, t := range s.tensors {
		infos = append(infos, &flight.FlightInfo{
			Schema:           flight.SerializeSchema(tensorio.Schema(t, name), s.mem),
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
			TotalRecords:     1,
			TotalBytes:       int64(t.SizeBytes()),
		})
	}
	s.mu.RUnlock()
	for _, info := range infos {
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

var actionTypes = []*flight.ActionType{
	{Type: ActionQuantizedMatmul, Description: "x @ (weight * scale[:, None]).T on device; body is a MatmulRequest"},
	{Type: ActionRelease, Description: "free a stored tensor; body is its name"},
	{Type: ActionMemoryInfo, Description: "device memory usage"},
}

func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range actionTypes {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	var (
		result any
		err    error
	)
	switch action.GetType() {
	case ActionQuantizedMatmul:
		result, err = s.quantizedMatmul(stream.Context(), action.GetBody())
	case ActionRelease:
		result, err = s.release(string(action.GetBody()))
	case ActionMemoryInfo:
		result, err = s.memoryInfo()
	default:
		return status.Errorf(codes.InvalidArgument, "unknown action %q", action.GetType())
	}
	if err != nil {
		return toStatus(err)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) quantizedMatmul(ctx context.Context, body []byte) (TensorInfo, error) {
	var req MatmulRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return TensorInfo{}, status.Errorf(codes.InvalidArgument, "decode request: %s", err)
	}
	if req.Out == "" {
		return TensorInfo{}, status.Error(codes.InvalidArgument, "request needs an out name")
	}
	var operands [3]*tensor.Tensor
	for i, name := range []string{req.X, req.Weight, req.Scale} {
		t, err := s.lookup(name)
		if err != nil {
			return TensorInfo{}, err
		}
		operands[i] = t
	}
	out, err := s.rt.QuantizedMatmul(ctx, operands[0], operands[1], operands[2], quant.WithInt4PackedWeight(req.Int4PackedWeight))
	if err != nil {
		return TensorInfo{}, err
	}
	return s.put(req.Out, out), nil
}

func (s *Server) release(name string) (TensorInfo, error) {
	s.mu.Lock()
	t, ok := s.tensors[name]
	delete(s.tensors, name)
	s.mu.Unlock()
	if !ok {
		return TensorInfo{}, &notFoundError{name}
	}
	if err := s.rt.Client().Release(t); err != nil {
		return TensorInfo{}, err
	}
	return TensorInfo{Name: name, Signature: t.Signature(), Location: t.Location().String()}, nil
}

func (s *Server) memoryInfo() (MemoryReport, error) {
	info, err := s.rt.Client().MemoryInfo(s.loc)
	if err != nil {
		return MemoryReport{}, err
	}
	return MemoryReport{
		Device:     s.loc.String(),
		BytesUsed:  info.BytesUsed,
		BytesLimit: info.BytesLimit,
		Buffers:    info.Buffers,
	}, nil
}
