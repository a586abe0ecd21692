package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// Linear computes x @ W.T without bias.
type Linear struct {
	In, Out int
	Weight  *tensor.Tensor

	rt *ops.Runtime
}

// NewLinear draws W uniformly from ±1/sqrt(in).
func NewLinear(rng *rand.Rand, dt dtype.DType, in, out int) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: linear %dx%d", tensor.ErrShape, out, in)
	}
	bound := float32(1 / math.Sqrt(float64(in)))
	w, err := tensor.RandUniform(rng, dt, -bound, bound, out, in)
	if err != nil {
		return nil, err
	}
	return &Linear{In: in, Out: out, Weight: w}, nil
}

func (l *Linear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return runtimeOr(l.rt).Matmul(ctx, x, l.Weight)
}

func (l *Linear) Trace(b *graph.Builder, x *graph.Node) (*graph.Node, error) {
	y := graph.Linear(b, x, b.ParameterLike(l.Weight))
	return y, b.Err()
}

func (l *Linear) Params() []*tensor.Tensor { return []*tensor.Tensor{l.Weight} }

func (l *Linear) To(ctx context.Context, rt *ops.Runtime, loc tensor.Location) error {
	w, err := rt.ToDevice(ctx, l.Weight, loc)
	if err != nil {
		return err
	}
	l.Weight, l.rt = w, rt
	return nil
}

// QuantizedLinear computes x @ (W * scale[:, None]).T from an integer weight.
// With Int4Packed the weight holds two int4 values per element and has In/2
// columns.
type QuantizedLinear struct {
	In, Out    int
	Int4Packed bool
	Weight     *tensor.Tensor
	Scale      *tensor.Tensor

	rt *ops.Runtime
}

func NewQuantizedLinear(in, out int, int4Packed bool) *QuantizedLinear {
	return &QuantizedLinear{In: in, Out: out, Int4Packed: int4Packed}
}

// LoadQuantizedWeight installs the integer weight and its per-channel scale.
func (q *QuantizedLinear) LoadQuantizedWeight(wInt, scale *tensor.Tensor) error {
	cols := q.In
	if q.Int4Packed {
		if q.In%2 != 0 {
			return fmt.Errorf("%w: packed layer needs an even input width, got %d", quant.ErrDimension, q.In)
		}
		cols = q.In / 2
		if !quant.IsPackKind(wInt.DType()) {
			return fmt.Errorf("%w: packed weight must be s8/s16/s32, got %s", quant.ErrDType, wInt.DType())
		}
	} else if wInt.DType() != dtype.S8 && wInt.DType() != dtype.S4 {
		return fmt.Errorf("%w: weight must be s8 or s4, got %s", quant.ErrDType, wInt.DType())
	}
	if wInt.Rank() != 2 || wInt.Dim(0) != q.Out || wInt.Dim(1) != cols {
		return fmt.Errorf("%w: weight %s, layer wants [%d,%d]", quant.ErrDimension, wInt.Signature(), q.Out, cols)
	}
	if scale.Rank() != 1 || scale.Dim(0) != q.Out || !scale.DType().IsFloat() {
		return fmt.Errorf("%w: scale %s, layer wants %d channels", quant.ErrDimension, scale.Signature(), q.Out)
	}
	if _, err := ops.Placement(wInt, scale); err != nil {
		return err
	}
	q.Weight, q.Scale = wInt, scale
	return nil
}

func (q *QuantizedLinear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if q.Weight == nil {
		return nil, ErrNotLoaded
	}
	return runtimeOr(q.rt).QuantizedMatmul(ctx, x, q.Weight, q.Scale, quant.WithInt4PackedWeight(q.Int4Packed))
}

func (q *QuantizedLinear) Trace(b *graph.Builder, x *graph.Node) (*graph.Node, error) {
	if q.Weight == nil {
		return nil, ErrNotLoaded
	}
	y := graph.QuantizedMatmul(b, x, b.ParameterLike(q.Weight), b.ParameterLike(q.Scale), q.Int4Packed)
	return y, b.Err()
}

func (q *QuantizedLinear) Params() []*tensor.Tensor {
	if q.Weight == nil {
		return nil
	}
	return []*tensor.Tensor{q.Weight, q.Scale}
}

func (q *QuantizedLinear) To(ctx context.Context, rt *ops.Runtime, loc tensor.Location) error {
	if q.Weight == nil {
		return ErrNotLoaded
	}
	w, err := rt.ToDevice(ctx, q.Weight, loc)
	if err != nil {
		return err
	}
	s, err := rt.ToDevice(ctx, q.Scale, loc)
	if err != nil {
		return err
	}
	q.Weight, q.Scale, q.rt = w, s, rt
	return nil
}
