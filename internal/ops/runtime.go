// Package ops dispatches tensor operations to the host kernels or to the
// device holding their operands.
package ops

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// ErrNoClient is returned when a runtime without a device client meets a
// device-resident tensor.
var ErrNoClient = errors.New("runtime has no device client")

// Runtime runs operations next to their operands. A Runtime with a nil client
// serves host tensors only.
type Runtime struct {
	client device.Client
}

func NewRuntime(client device.Client) *Runtime {
	return &Runtime{client: client}
}

func (r *Runtime) Client() device.Client { return r.client }

// Placement returns the common location of ts.
func Placement(ts ...*tensor.Tensor) (tensor.Location, error) {
	if len(ts) == 0 {
		return tensor.HostLocation, nil
	}
	loc := ts[0].Location()
	for i, t := range ts[1:] {
		if t.Location() != loc {
			return loc, fmt.Errorf("%w: operand 0 on %s, operand %d on %s", device.ErrDeviceMismatch, loc, i+1, t.Location())
		}
	}
	return loc, nil
}

// ToDevice moves t to loc. Moving to the host location reads it back.
func (r *Runtime) ToDevice(ctx context.Context, t *tensor.Tensor, loc tensor.Location) (*tensor.Tensor, error) {
	if loc.IsHost() {
		return r.ToHost(ctx, t)
	}
	if r.client == nil {
		return nil, ErrNoClient
	}
	return r.client.TransferToDevice(ctx, t, loc)
}

func (r *Runtime) ToHost(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.Location().IsHost() {
		return t, nil
	}
	if r.client == nil {
		return nil, ErrNoClient
	}
	return r.client.TransferFromDevice(ctx, t)
}

// QuantizedMatmul computes x @ (w * scale[:, None]).T on wherever the operands
// live. The result stays on that location.
func (r *Runtime) QuantizedMatmul(ctx context.Context, x, w, scale *tensor.Tensor, opts ...quant.Option) (*tensor.Tensor, error) {
	loc, err := Placement(x, w, scale)
	if err != nil {
		return nil, err
	}
	if loc.IsHost() {
		return quant.QuantizedMatmul(x, w, scale, opts...)
	}
	comp, err := quantizedMatmulGraph(x, w, scale, opts...)
	if err != nil {
		return nil, err
	}
	out, err := r.run(ctx, comp, []*tensor.Tensor{x, w, scale}, loc)
	if err != nil {
		return nil, err
	}
	metrics.RecordQuantizedMatmul("device")
	return out, nil
}

// Matmul is the float reference x @ w.T.
func (r *Runtime) Matmul(ctx context.Context, x, w *tensor.Tensor) (*tensor.Tensor, error) {
	loc, err := Placement(x, w)
	if err != nil {
		return nil, err
	}
	if loc.IsHost() {
		return quant.Matmul(x, w)
	}
	b := graph.NewBuilder()
	comp, err := b.Build(graph.Linear(b, b.ParameterLike(x), b.ParameterLike(w)))
	if err != nil {
		return nil, err
	}
	return r.run(ctx, comp, []*tensor.Tensor{x, w}, loc)
}

// HLO returns the program a device quantized matmul over these operands runs.
func (r *Runtime) HLO(ctx context.Context, x, w, scale *tensor.Tensor, opts ...quant.Option) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	comp, err := quantizedMatmulGraph(x, w, scale, opts...)
	if err != nil {
		return "", err
	}
	return comp.HLO(), nil
}

func quantizedMatmulGraph(x, w, scale *tensor.Tensor, opts ...quant.Option) (*graph.Computation, error) {
	o := quant.NewOptions(opts...)
	if _, _, _, err := quant.CheckQuantizedMatmul(x, w, scale, o); err != nil {
		return nil, err
	}
	b := graph.NewBuilder()
	out := graph.QuantizedMatmul(b, b.ParameterLike(x), b.ParameterLike(w), b.ParameterLike(scale), o.Int4PackedWeight)
	return b.Build(out)
}

func (r *Runtime) run(ctx context.Context, comp *graph.Computation, args []*tensor.Tensor, loc tensor.Location) (*tensor.Tensor, error) {
	if r.client == nil {
		return nil, ErrNoClient
	}
	exe, err := r.client.Compile(ctx, comp)
	if err != nil {
		return nil, err
	}
	out, err := r.client.Execute(ctx, exe, args, loc)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
