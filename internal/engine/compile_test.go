package engine

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/nn"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

func setup(t *testing.T, seed uint64, in, out int) (*ops.Runtime, *nn.Model, *tensor.Tensor) {
	t.Helper()
	c, err := device.NewLocalClient(device.Options{Devices: 1, Threads: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	rng := rand.New(rand.NewPCG(seed, 99))
	m, err := nn.NewModel(rng, dtype.BF16, in, out)
	require.NoError(t, err)
	x, err := tensor.RandN(rng, dtype.BF16, 3, in)
	require.NoError(t, err)
	return ops.NewRuntime(c), m, x
}

func TestCompiledMatchesEagerDeviceAndHost(t *testing.T) {
	ctx := context.Background()
	rt, m, x := setup(t, 1, 5, 8)
	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))

	host, err := m.Forward(ctx, x)
	require.NoError(t, err)

	loc := rt.Client().DefaultDevice()
	require.NoError(t, m.To(ctx, rt, loc))
	dx, err := rt.ToDevice(ctx, x, loc)
	require.NoError(t, err)

	eager, err := m.Forward(ctx, dx)
	require.NoError(t, err)
	compiled := Compile(m, rt)
	got, err := compiled.Forward(ctx, dx)
	require.NoError(t, err)
	assert.Equal(t, loc, got.Location())

	eagerHost, err := rt.ToHost(ctx, eager)
	require.NoError(t, err)
	gotHost, err := rt.ToHost(ctx, got)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(host, eagerHost))
	assert.True(t, tensor.Equal(host, gotHost))
}

func TestCompiledCachesPerSignature(t *testing.T) {
	ctx := context.Background()
	rt, m, x := setup(t, 2, 5, 8)
	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))
	require.NoError(t, m.To(ctx, rt, tensor.Device(0)))
	compiled := Compile(m, rt)

	dx, err := rt.ToDevice(ctx, x, tensor.Device(0))
	require.NoError(t, err)
	for range 3 {
		_, err := compiled.Forward(ctx, dx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, compiled.CachedPrograms())

	rng := rand.New(rand.NewPCG(2, 100))
	wide, err := tensor.RandN(rng, dtype.BF16, 7, 5)
	require.NoError(t, err)
	dwide, err := rt.ToDevice(ctx, wide, tensor.Device(0))
	require.NoError(t, err)
	out, err := compiled.Forward(ctx, dwide)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8}, out.Shape())
	assert.Equal(t, 2, compiled.CachedPrograms())
}

func TestCompiledOnHost(t *testing.T) {
	ctx := context.Background()
	rt, m, x := setup(t, 3, 4, 2)
	require.NoError(t, m.ReplaceWithInt4QuantizedMatmul(ctx))

	want, err := m.Forward(ctx, x)
	require.NoError(t, err)
	got, err := Compile(m, rt).Forward(ctx, x)
	require.NoError(t, err)
	assert.True(t, got.Location().IsHost())
	assert.True(t, tensor.Equal(want, got))
}

func TestCompiledHLO(t *testing.T) {
	ctx := context.Background()
	rt, m, x := setup(t, 4, 5, 8)
	compiled := Compile(m, rt)

	text, err := compiled.HLO(x)
	require.NoError(t, err)
	assert.Regexp(t, `bf16.*dot.*bf16.*bf16`, text)

	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))
	text, err = compiled.HLO(x)
	require.NoError(t, err)
	assert.Regexp(t, `bf16.*dot.*bf16.*s8`, text)
	assert.Contains(t, text, "multiply(")
}

func TestCompiledRejectsMixedPlacement(t *testing.T) {
	ctx := context.Background()
	rt, m, x := setup(t, 5, 5, 8)
	require.NoError(t, m.ReplaceWithQuantizedMatmul(ctx))
	require.NoError(t, m.To(ctx, rt, tensor.Device(0)))

	_, err := Compile(m, rt).Forward(ctx, x)
	assert.ErrorIs(t, err, device.ErrDeviceMismatch)
}
