package nn

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// Model wraps a single linear layer that can be swapped for its quantized
// counterpart in place.
type Model struct {
	Layer Module

	rt  *ops.Runtime
	loc tensor.Location
}

func NewModel(rng *rand.Rand, dt dtype.DType, in, out int) (*Model, error) {
	l, err := NewLinear(rng, dt, in, out)
	if err != nil {
		return nil, err
	}
	return &Model{Layer: l, loc: tensor.HostLocation}, nil
}

func (m *Model) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return m.Layer.Forward(ctx, x)
}

func (m *Model) Trace(b *graph.Builder, x *graph.Node) (*graph.Node, error) {
	return m.Layer.Trace(b, x)
}

func (m *Model) Params() []*tensor.Tensor { return m.Layer.Params() }

func (m *Model) To(ctx context.Context, rt *ops.Runtime, loc tensor.Location) error {
	if err := m.Layer.To(ctx, rt, loc); err != nil {
		return err
	}
	m.rt, m.loc = rt, loc
	return nil
}

// Location reports where the model's parameters live.
func (m *Model) Location() tensor.Location { return m.loc }

// ReplaceWithQuantizedMatmul quantizes the float layer to int8 with
// per-channel RTN and installs a QuantizedLinear on the same location.
func (m *Model) ReplaceWithQuantizedMatmul(ctx context.Context) error {
	return m.replace(ctx, 8)
}

// ReplaceWithInt4QuantizedMatmul is the int4 variant; the weight is stored
// packed two values per int8.
func (m *Model) ReplaceWithInt4QuantizedMatmul(ctx context.Context) error {
	return m.replace(ctx, 4)
}

func (m *Model) replace(ctx context.Context, bits int) error {
	l, ok := m.Layer.(*Linear)
	if !ok {
		return fmt.Errorf("%w: %T is not a float linear layer", ErrUnsupported, m.Layer)
	}
	rt := runtimeOr(m.rt)
	w, err := rt.ToHost(ctx, l.Weight)
	if err != nil {
		return err
	}
	q, err := quant.QuantizeWeightRTN(w, bits)
	if err != nil {
		return err
	}
	weight := q.Weight
	if bits == 4 {
		if weight, err = quant.Pack4Bit(q.Weight, dtype.S8); err != nil {
			return err
		}
	}
	ql := NewQuantizedLinear(l.In, l.Out, bits == 4)
	if err := ql.LoadQuantizedWeight(weight, q.Scale); err != nil {
		return err
	}
	if m.rt != nil {
		if err := ql.To(ctx, m.rt, m.loc); err != nil {
			return err
		}
	}
	m.Layer = ql
	return nil
}

// QuantizationError runs x through reference and m and reports the largest
// absolute difference between the two outputs.
func QuantizationError(ctx context.Context, reference, m Module, x *tensor.Tensor) (float64, error) {
	want, err := reference.Forward(ctx, x)
	if err != nil {
		return 0, err
	}
	got, err := m.Forward(ctx, x)
	if err != nil {
		return 0, err
	}
	diff, err := tensor.MaxAbsDiff(want, got)
	if err != nil {
		return 0, err
	}
	metrics.RecordQuantizationError(diff)
	return diff, nil
}
