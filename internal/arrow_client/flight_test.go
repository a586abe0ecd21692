package arrow_client

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

func startLoopback(t *testing.T) (*FlightClient, *device.LocalClient) {
	t.Helper()
	dev, err := device.NewLocalClient(device.Options{Devices: 1, Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	srv := NewServer(ops.NewRuntime(dev), dev.DefaultDevice())
	require.NoError(t, srv.Start("localhost:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	fc := NewFlightClient(srv.Addr().String())
	require.NoError(t, fc.Connect(context.Background()))
	t.Cleanup(func() { _ = fc.Close() })
	return fc, dev
}

func TestNotConnected(t *testing.T) {
	fc := NewFlightClient("localhost:1")
	x, _ := tensor.Zeros(dtype.F32, []int{1, 1})

	_, err := fc.PutTensor(context.Background(), "x", x)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = fc.GetTensor(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = fc.QuantizedMatmul(context.Background(), MatmulRequest{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, fc.Close())
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	fc, dev := startLoopback(t)
	rng := rand.New(rand.NewPCG(10, 1))
	x, err := tensor.RandN(rng, dtype.BF16, 3, 5)
	require.NoError(t, err)

	info, err := fc.PutTensor(ctx, "x", x)
	require.NoError(t, err)
	assert.Equal(t, TensorInfo{Name: "x", Signature: "bf16[3,5]", Location: "XLA:0"}, info)

	mem, err := dev.MemoryInfo(dev.DefaultDevice())
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Buffers)

	got, err := fc.GetTensor(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.Location().IsHost())
	assert.True(t, tensor.Equal(x, got))

	names, err := fc.ListTensors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)
}

func TestRemoteQuantizedMatmul(t *testing.T) {
	ctx := context.Background()
	fc, _ := startLoopback(t)
	rng := rand.New(rand.NewPCG(10, 2))
	x, _ := tensor.RandN(rng, dtype.BF16, 3, 5)
	w, _ := tensor.RandInt(rng, dtype.S8, -128, 127, 8, 5)
	s, _ := tensor.RandN(rng, dtype.BF16, 8)

	for name, v := range map[string]*tensor.Tensor{"x": x, "w": w, "s": s} {
		_, err := fc.PutTensor(ctx, name, v)
		require.NoError(t, err)
	}
	info, err := fc.QuantizedMatmul(ctx, MatmulRequest{X: "x", Weight: "w", Scale: "s", Out: "y"})
	require.NoError(t, err)
	assert.Equal(t, "bf16[3,8]", info.Signature)

	got, err := fc.GetTensor(ctx, "y")
	require.NoError(t, err)
	want, err := quant.QuantizedMatmul(x, w, s)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(want, got))
}

func TestRemoteInt4QuantizedMatmul(t *testing.T) {
	ctx := context.Background()
	fc, _ := startLoopback(t)
	rng := rand.New(rand.NewPCG(10, 3))
	x, _ := tensor.RandN(rng, dtype.BF16, 3, 4)
	w, _ := tensor.RandInt(rng, dtype.S8, -8, 8, 2, 4)
	s, _ := tensor.RandN(rng, dtype.BF16, 2)
	packed, err := quant.Pack4Bit(w, dtype.S8)
	require.NoError(t, err)

	for name, v := range map[string]*tensor.Tensor{"x": x, "w4": packed, "s": s} {
		_, err := fc.PutTensor(ctx, name, v)
		require.NoError(t, err)
	}
	_, err = fc.QuantizedMatmul(ctx, MatmulRequest{X: "x", Weight: "w4", Scale: "s", Int4PackedWeight: true, Out: "y"})
	require.NoError(t, err)
	got, err := fc.GetTensor(ctx, "y")
	require.NoError(t, err)
	want, err := quant.QuantizedMatmul(x, w, s)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(want, got))
}

func TestRemoteErrors(t *testing.T) {
	ctx := context.Background()
	fc, _ := startLoopback(t)

	_, err := fc.GetTensor(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fc.QuantizedMatmul(ctx, MatmulRequest{X: "a", Weight: "b", Scale: "c", Out: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, fc.Release(ctx, "missing"), ErrNotFound)

	x, _ := tensor.Zeros(dtype.BF16, []int{3, 5})
	w, _ := tensor.Zeros(dtype.S8, []int{8, 4})
	s, _ := tensor.Zeros(dtype.BF16, []int{8})
	for name, v := range map[string]*tensor.Tensor{"x": x, "w": w, "s": s} {
		_, err := fc.PutTensor(ctx, name, v)
		require.NoError(t, err)
	}
	_, err = fc.QuantizedMatmul(ctx, MatmulRequest{X: "x", Weight: "w", Scale: "s", Out: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InvalidArgument")

	before := testutil.ToFloat64(metrics.FlightRequests.WithLabelValues("DoAction", "error"))
	_, err = fc.QuantizedMatmul(ctx, MatmulRequest{X: "x", Weight: "w", Scale: "s"})
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FlightRequests.WithLabelValues("DoAction", "error")))
}

func TestReleaseAndMemoryInfo(t *testing.T) {
	ctx := context.Background()
	fc, _ := startLoopback(t)
	x, _ := tensor.Zeros(dtype.F32, []int{4, 4})

	_, err := fc.PutTensor(ctx, "x", x)
	require.NoError(t, err)
	_, err = fc.PutTensor(ctx, "x", x)
	require.NoError(t, err)
	report, err := fc.MemoryInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "XLA:0", report.Device)
	assert.Equal(t, 1, report.Buffers, "replacing a name frees the old buffer")

	require.NoError(t, fc.Release(ctx, "x"))
	report, err = fc.MemoryInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Buffers)
	assert.Zero(t, report.BytesUsed)
}

func TestListActions(t *testing.T) {
	fc, _ := startLoopback(t)
	types, err := fc.ListActions(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ActionQuantizedMatmul, ActionRelease, ActionMemoryInfo}, types)
}
