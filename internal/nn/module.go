// Package nn holds the layers whose weights the quantized matmul serves.
package nn

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var (
	ErrNotLoaded   = errors.New("quantized weight not loaded")
	ErrUnsupported = errors.New("unsupported module")
)

// Module is a layer that can run eagerly or be traced into a computation.
//
// Trace declares one parameter per entry of Params, in order, after the input
// the caller already declared.
type Module interface {
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Trace(b *graph.Builder, x *graph.Node) (*graph.Node, error)
	Params() []*tensor.Tensor
	To(ctx context.Context, rt *ops.Runtime, loc tensor.Location) error
}

var hostRuntime = ops.NewRuntime(nil)

func runtimeOr(rt *ops.Runtime) *ops.Runtime {
	if rt == nil {
		return hostRuntime
	}
	return rt
}
