package nn

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

func newRuntime(t *testing.T) *ops.Runtime {
	t.Helper()
	c, err := device.NewLocalClient(device.Options{Devices: 1, Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return ops.NewRuntime(c)
}

func TestLinearInitBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	l, err := NewLinear(rng, dtype.F32, 5, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 5}, l.Weight.Shape())
	for _, v := range l.Weight.Floats() {
		assert.LessOrEqual(t, v, float32(0.4473))
		assert.GreaterOrEqual(t, v, float32(-0.4473))
	}

	_, err = NewLinear(rng, dtype.F32, 0, 8)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestReplaceWithQuantizedMatmulStaysClose(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(2024, 3))
	x, err := tensor.RandN(rng, dtype.F32, 3, 5)
	require.NoError(t, err)

	m, err := NewModel(rng, dtype.F32, 5, 8)
	require.NoError(t, err)
	reference := m.Layer
	want, err := m.Forward(ctx, x)
	require.NoError(t, err)

	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))
	ql, ok := m.Layer.(*QuantizedLinear)
	require.True(t, ok)
	assert.Equal(t, dtype.S8, ql.Weight.DType())
	assert.Equal(t, []int{8, 5}, ql.Weight.Shape())
	assert.Equal(t, []int{8}, ql.Scale.Shape())

	got, err := m.Forward(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8}, got.Shape())
	assert.True(t, tensor.AllClose(got, want, 0, 0.01))

	diff, err := QuantizationError(ctx, reference, m, x)
	require.NoError(t, err)
	assert.Less(t, diff, 0.01)

	assert.ErrorIs(t, m.ReplaceWithQuantizedMatmul(ctx), ErrUnsupported)
}

func TestQuantizedModelOnDeviceMatchesHost(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	rng := rand.New(rand.NewPCG(2024, 4))
	x, err := tensor.RandN(rng, dtype.BF16, 3, 5)
	require.NoError(t, err)

	m, err := NewModel(rng, dtype.BF16, 5, 8)
	require.NoError(t, err)
	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))
	want, err := m.Forward(ctx, x)
	require.NoError(t, err)

	loc := rt.Client().DefaultDevice()
	require.NoError(t, m.To(ctx, rt, loc))
	assert.Equal(t, loc, m.Location())
	for _, p := range m.Params() {
		assert.Equal(t, loc, p.Location())
	}

	dx, err := rt.ToDevice(ctx, x, loc)
	require.NoError(t, err)
	got, err := m.Forward(ctx, dx)
	require.NoError(t, err)
	assert.Equal(t, loc, got.Location())
	host, err := rt.ToHost(ctx, got)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(want, host))
}

func TestReplaceOnDeviceKeepsLocation(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	rng := rand.New(rand.NewPCG(2024, 5))
	m, err := NewModel(rng, dtype.BF16, 4, 2)
	require.NoError(t, err)
	require.NoError(t, m.To(ctx, rt, tensor.Device(0)))

	require.NoError(t, m.ReplaceWithInt4QuantizedMatmul(ctx))
	ql := m.Layer.(*QuantizedLinear)
	assert.True(t, ql.Int4Packed)
	assert.Equal(t, []int{2, 2}, ql.Weight.Shape())
	assert.Equal(t, tensor.Device(0), ql.Weight.Location())
	assert.Equal(t, tensor.Device(0), ql.Scale.Location())
}

func TestInt4ModelMatchesUnpacked(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(2024, 6))
	x, err := tensor.RandN(rng, dtype.BF16, 3, 4)
	require.NoError(t, err)
	m, err := NewModel(rng, dtype.BF16, 4, 2)
	require.NoError(t, err)
	reference := m.Layer
	w := m.Layer.(*Linear).Weight

	require.NoError(t, m.ReplaceWithInt4QuantizedMatmul(ctx))
	got, err := m.Forward(ctx, x)
	require.NoError(t, err)

	q, err := quant.QuantizeWeightRTN(w, 4)
	require.NoError(t, err)
	want, err := quant.QuantizedMatmul(x, q.Weight, q.Scale)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(want, got))

	diff, err := QuantizationError(ctx, reference, m, x)
	require.NoError(t, err)
	assert.Less(t, diff, 0.5)
}

func TestLoadQuantizedWeightValidation(t *testing.T) {
	s8, _ := tensor.FromInts(dtype.S8, []int{2, 4}, make([]int32, 8))
	packed, _ := tensor.FromInts(dtype.S8, []int{2, 2}, make([]int32, 4))
	s32, _ := tensor.FromInts(dtype.S32, []int{2, 4}, make([]int32, 8))
	scale, _ := tensor.FromFloats(dtype.BF16, []int{2}, []float32{1, 1})
	short, _ := tensor.FromFloats(dtype.BF16, []int{3}, []float32{1, 1, 1})

	tests := []struct {
		name   string
		layer  *QuantizedLinear
		w, s   *tensor.Tensor
		target error
	}{
		{"int8 ok", NewQuantizedLinear(4, 2, false), s8, scale, nil},
		{"packed ok", NewQuantizedLinear(4, 2, true), packed, scale, nil},
		{"packed wrong width", NewQuantizedLinear(4, 2, true), s8, scale, quant.ErrDimension},
		{"odd packed width", NewQuantizedLinear(3, 2, true), packed, scale, quant.ErrDimension},
		{"unpacked s32", NewQuantizedLinear(4, 2, false), s32, scale, quant.ErrDType},
		{"scale length", NewQuantizedLinear(4, 2, false), s8, short, quant.ErrDimension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layer.LoadQuantizedWeight(tt.w, tt.s)
			if tt.target == nil {
				assert.NoError(t, err)
				assert.Len(t, tt.layer.Params(), 2)
				return
			}
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestUnloadedQuantizedLinear(t *testing.T) {
	q := NewQuantizedLinear(4, 2, false)
	x, _ := tensor.Zeros(dtype.BF16, []int{1, 4})
	_, err := q.Forward(context.Background(), x)
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = q.Trace(graph.NewBuilder(), nil)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Nil(t, q.Params())
}
