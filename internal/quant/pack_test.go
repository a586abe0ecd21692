package quant

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

func TestPackNibbles(t *testing.T) {
	tests := []struct {
		lo, hi int32
		want   int32
	}{
		{0, 0, 0},
		{-1, 2, 0x2F},
		{3, -8, -125},
		{-8, -8, -120},
		{7, 7, 0x77},
		{-1, -1, -1},
	}
	for _, tt := range tests {
		got := PackNibbles(tt.lo, tt.hi)
		assert.Equal(t, tt.want, got, "pack(%d,%d)", tt.lo, tt.hi)
		lo, hi := UnpackNibbles(got)
		assert.Equal(t, tt.lo, lo)
		assert.Equal(t, tt.hi, hi)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(123456, 1))
	for _, kind := range []dtype.DType{dtype.S8, dtype.S16, dtype.S32} {
		t.Run(kind.String(), func(t *testing.T) {
			x, err := tensor.RandInt(rng, kind, -8, 8, 2, 12)
			require.NoError(t, err)

			packed, err := Pack4Bit(x, kind)
			require.NoError(t, err)
			assert.Equal(t, kind, packed.DType())
			assert.Equal(t, []int{2, 6}, packed.Shape())

			unpacked, err := Unpack4Bit(packed, kind)
			require.NoError(t, err)
			assert.Equal(t, kind, unpacked.DType())
			assert.True(t, tensor.Equal(x, unpacked), "round trip mismatch: %v vs %v", x.Ints(), unpacked.Ints())
		})
	}
}

func TestPackExhaustive(t *testing.T) {
	vals := make([]int32, 0, 2*16*16)
	for lo := int32(-8); lo <= 7; lo++ {
		for hi := int32(-8); hi <= 7; hi++ {
			vals = append(vals, lo, hi)
		}
	}
	x, err := tensor.FromInts(dtype.S8, []int{16, 32}, vals)
	require.NoError(t, err)

	packed, err := Pack4Bit(x, dtype.S8)
	require.NoError(t, err)
	unpacked, err := Unpack4Bit(packed, dtype.S8)
	require.NoError(t, err)
	assert.Equal(t, vals, unpacked.Ints())
}

func TestPackLayout(t *testing.T) {
	x, err := tensor.FromInts(dtype.S8, []int{1, 4}, []int32{1, 2, -3, 4})
	require.NoError(t, err)
	packed, err := Pack4Bit(x, dtype.S8)
	require.NoError(t, err)
	// column 0: lo=1, hi=2; column 1: lo=-3 (0xD), hi=4
	assert.Equal(t, []int32{0x21, 0x4D}, packed.Ints())
}

func TestPackErrors(t *testing.T) {
	odd, _ := tensor.FromInts(dtype.S8, []int{2, 3}, []int32{0, 1, 2, 3, 4, 5})
	wide, _ := tensor.FromInts(dtype.S8, []int{1, 2}, []int32{8, 0})
	vec, _ := tensor.FromInts(dtype.S8, []int{4}, []int32{0, 1, 2, 3})
	floats, _ := tensor.FromFloats(dtype.F32, []int{1, 2}, []float32{0, 1})
	ok, _ := tensor.FromInts(dtype.S8, []int{1, 2}, []int32{0, 1})

	tests := []struct {
		name string
		in   *tensor.Tensor
		kind dtype.DType
		want error
	}{
		{"odd columns", odd, dtype.S8, ErrShape},
		{"rank 1", vec, dtype.S8, ErrShape},
		{"out of range", wide, dtype.S8, ErrOutOfRange},
		{"float input", floats, dtype.S8, ErrDType},
		{"float kind", ok, dtype.F32, ErrDType},
		{"s4 kind", ok, dtype.S4, ErrDType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pack4Bit(tt.in, tt.kind)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Unpack4Bit(floats, dtype.S8)
	assert.ErrorIs(t, err, ErrDType)

	for _, kind := range []dtype.DType{dtype.S16, dtype.S32} {
		stray, _ := tensor.FromInts(kind, []int{1, 2}, []int32{0x21, 0x100})
		_, err = Unpack4Bit(stray, kind)
		assert.ErrorIs(t, err, ErrOutOfRange, kind.String())
	}
}

func TestUnpackInt4(t *testing.T) {
	lo, hi, err := UnpackInt4(-128)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, -8}, []int32{lo, hi})

	for _, p := range []int32{0x80, 0x100, -129, 1 << 20} {
		_, _, err := UnpackInt4(p)
		assert.ErrorIs(t, err, ErrOutOfRange, "%#x", p)
	}
}
