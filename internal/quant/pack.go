package quant

import (
	"fmt"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// IsPackKind reports whether kind can hold two 4-bit values per element.
func IsPackKind(kind dtype.DType) bool {
	return kind == dtype.S8 || kind == dtype.S16 || kind == dtype.S32
}

// PackNibbles packs lo into the low nibble and hi into the high nibble.
// The result is sign-extended from bit 7, so it fits every pack kind.
func PackNibbles(lo, hi int32) int32 {
	return hi<<4 | lo&0xF
}

// UnpackNibbles is the inverse of PackNibbles for any signed container.
func UnpackNibbles(p int32) (lo, hi int32) {
	return p << 28 >> 28, p >> 4
}

// UnpackInt4 is UnpackNibbles for untrusted input: every bit above the high
// nibble must be its sign extension, otherwise ErrOutOfRange.
func UnpackInt4(p int32) (lo, hi int32, err error) {
	lo, hi = UnpackNibbles(p)
	if !dtype.S4.Contains(int64(hi)) {
		return 0, 0, fmt.Errorf("%w: packed element %#x has bits above the high nibble", ErrOutOfRange, p)
	}
	return lo, hi, nil
}

// Pack4Bit packs a [rows, cols] matrix of int4 values into [rows, cols/2]
// elements of kind. Column j holds source column 2j in its low nibble and
// 2j+1 in its high nibble.
func Pack4Bit(t *tensor.Tensor, kind dtype.DType) (*tensor.Tensor, error) {
	const op = "pack_4bit"
	if !IsPackKind(kind) {
		return nil, fail(op, ErrDType, fmt.Errorf("%w: cannot pack into %s", ErrDType, kind))
	}
	if !t.DType().IsInteger() {
		return nil, fail(op, ErrDType, fmt.Errorf("%w: pack input must be integer, got %s", ErrDType, t.DType()))
	}
	if t.Rank() != 2 || t.Dim(1)%2 != 0 {
		return nil, fail(op, ErrShape, fmt.Errorf("%w: pack needs a 2D matrix with even columns, got %v", ErrShape, t.Shape()))
	}

	rows, cols := t.Dim(0), t.Dim(1)
	src := t.Ints()
	out := make([]int32, rows*cols/2)
	for i, v := range src {
		if !dtype.S4.Contains(int64(v)) {
			return nil, fail(op, ErrOutOfRange, fmt.Errorf("%w: element [%d,%d] = %d", ErrOutOfRange, i/cols, i%cols, v))
		}
	}
	for i := range out {
		out[i] = PackNibbles(src[2*i], src[2*i+1])
	}

	metrics.RecordPack("pack", kind.String())
	packed, err := tensor.FromInts(kind, []int{rows, cols / 2}, out)
	if err != nil {
		return nil, fmt.Errorf("pack_4bit: %w", err)
	}
	return packed, nil
}

// Unpack4Bit reverses Pack4Bit; the result has twice the columns and dtype kind.
func Unpack4Bit(t *tensor.Tensor, kind dtype.DType) (*tensor.Tensor, error) {
	const op = "unpack_4bit"
	if !IsPackKind(kind) {
		return nil, fail(op, ErrDType, fmt.Errorf("%w: cannot unpack into %s", ErrDType, kind))
	}
	if !IsPackKind(t.DType()) {
		return nil, fail(op, ErrDType, fmt.Errorf("%w: packed input must be s8/s16/s32, got %s", ErrDType, t.DType()))
	}
	if t.Rank() != 2 {
		return nil, fail(op, ErrShape, fmt.Errorf("%w: unpack needs a 2D matrix, got %v", ErrShape, t.Shape()))
	}

	rows, cols := t.Dim(0), t.Dim(1)
	out := make([]int32, rows*cols*2)
	for i, p := range t.Ints() {
		lo, hi, err := UnpackInt4(p)
		if err != nil {
			return nil, fail(op, ErrOutOfRange, fmt.Errorf("element [%d,%d]: %w", i/cols, i%cols, err))
		}
		out[2*i], out[2*i+1] = lo, hi
	}

	metrics.RecordPack("unpack", kind.String())
	unpacked, err := tensor.FromInts(kind, []int{rows, cols * 2}, out)
	if err != nil {
		return nil, fmt.Errorf("unpack_4bit: %w", err)
	}
	return unpacked, nil
}
