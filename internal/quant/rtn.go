package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// Scheme selects how quantization parameters are derived from a value range.
type Scheme int

const (
	PerChannelSymmetric Scheme = iota
	PerChannelAffine
)

func (s Scheme) String() string {
	if s == PerChannelAffine {
		return "per_channel_affine"
	}
	return "per_channel_symmetric"
}

// DefaultEps is the lower bound applied to every computed scale.
const DefaultEps = 1e-5

// MinMaxPerRow returns the minimum and maximum of each row of a float matrix.
func MinMaxPerRow(w *tensor.Tensor) ([]float32, []float32, error) {
	if w.Rank() != 2 || !w.DType().IsFloat() {
		return nil, nil, fmt.Errorf("%w: min/max needs a 2D float matrix, got %s", ErrShape, w.Signature())
	}
	rows, cols := w.Dim(0), w.Dim(1)
	if cols == 0 {
		return nil, nil, fmt.Errorf("%w: empty rows", ErrShape)
	}
	data := w.Floats()
	mins := make([]float32, rows)
	maxs := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		mins[r], maxs[r] = row[0], row[0]
		for _, v := range row[1:] {
			mins[r] = min(mins[r], v)
			maxs[r] = max(maxs[r], v)
		}
	}
	return mins, maxs, nil
}

// DetermineQParams computes a scale and zero point per channel from observed ranges.
func DetermineQParams(mins, maxs []float32, qmin, qmax int32, eps float32, scheme Scheme) ([]float32, []int32, error) {
	if len(mins) != len(maxs) {
		return nil, nil, fmt.Errorf("%w: %d mins vs %d maxs", ErrDimension, len(mins), len(maxs))
	}
	if qmax <= qmin {
		return nil, nil, fmt.Errorf("%w: empty quantized range [%d, %d]", ErrDimension, qmin, qmax)
	}
	scales := make([]float32, len(mins))
	zps := make([]int32, len(mins))
	for i := range mins {
		minNeg := min(mins[i], 0)
		maxPos := max(maxs[i], 0)
		switch scheme {
		case PerChannelSymmetric:
			bound := max(-minNeg, maxPos)
			scales[i] = max(bound/(float32(qmax-qmin)/2), eps)
		case PerChannelAffine:
			scales[i] = max((maxPos-minNeg)/float32(qmax-qmin), eps)
			zp := float64(qmin) - math.RoundToEven(float64(minNeg/scales[i]))
			zps[i] = int32(min(max(zp, float64(qmin)), float64(qmax)))
		}
	}
	return scales, zps, nil
}

// QuantizePerChannel maps each row of w to integers with its own scale and zero point:
// clamp(round_half_even(x/scale) + zp, qmin, qmax).
func QuantizePerChannel(w *tensor.Tensor, scales []float32, zps []int32, qmin, qmax int32, out dtype.DType) (*tensor.Tensor, error) {
	if w.Rank() != 2 || !w.DType().IsFloat() {
		return nil, fmt.Errorf("%w: quantize needs a 2D float matrix, got %s", ErrShape, w.Signature())
	}
	rows, cols := w.Dim(0), w.Dim(1)
	if len(scales) != rows || len(zps) != rows {
		return nil, fmt.Errorf("%w: %d rows but %d scales and %d zero points", ErrDimension, rows, len(scales), len(zps))
	}
	data := w.Floats()
	q := make([]int32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := math.RoundToEven(float64(data[r*cols+c]/scales[r])) + float64(zps[r])
			q[r*cols+c] = int32(min(max(v, float64(qmin)), float64(qmax)))
		}
	}
	return tensor.FromInts(out, w.Shape(), q)
}

// Quantized holds the output of a round-to-nearest weight quantization.
type Quantized struct {
	Weight    *tensor.Tensor
	Scale     *tensor.Tensor
	ZeroPoint []int32
}

// QuantizeWeightRTN quantizes a float [out, in] weight per output channel with the
// symmetric scheme. bits is 8 or 4; the scale is returned in the weight's dtype.
func QuantizeWeightRTN(w *tensor.Tensor, bits int) (*Quantized, error) {
	var store dtype.DType
	switch bits {
	case 8:
		store = dtype.S8
	case 4:
		store = dtype.S4
	default:
		return nil, fmt.Errorf("%w: %d-bit quantization", ErrDType, bits)
	}
	lo, hi := store.Range()
	qmin, qmax := int32(lo), int32(hi)

	mins, maxs, err := MinMaxPerRow(w)
	if err != nil {
		return nil, err
	}
	scales, zps, err := DetermineQParams(mins, maxs, qmin, qmax, DefaultEps, PerChannelSymmetric)
	if err != nil {
		return nil, err
	}
	wInt, err := QuantizePerChannel(w, scales, zps, qmin, qmax, dtype.S8)
	if err != nil {
		return nil, err
	}
	scale, err := tensor.FromFloats(w.DType(), []int{len(scales)}, scales)
	if err != nil {
		return nil, err
	}
	return &Quantized{Weight: wInt, Scale: scale, ZeroPoint: zps}, nil
}

// Dequantize reconstructs w[o,i] * scale[o] as float32.
func Dequantize(wInt, scale *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkWeightScale(wInt, scale); err != nil {
		return nil, err
	}
	rows, cols := wInt.Dim(0), wInt.Dim(1)
	s := scale.Floats()
	out := make([]float32, rows*cols)
	for i, v := range wInt.Ints() {
		out[i] = float32(v) * s[i/cols]
	}
	return tensor.FromFloats(dtype.F32, []int{rows, cols}, out)
}

func checkWeightScale(w, scale *tensor.Tensor) error {
	if w.Rank() != 2 || !w.DType().IsInteger() {
		return fmt.Errorf("%w: weight must be a 2D integer matrix, got %s", ErrDType, w.Signature())
	}
	if scale.Rank() != 1 || !scale.DType().IsFloat() {
		return fmt.Errorf("%w: scale must be a float vector, got %s", ErrDType, scale.Signature())
	}
	if scale.Dim(0) != w.Dim(0) {
		return fmt.Errorf("%w: scale length %d != weight rows %d", ErrDimension, scale.Dim(0), w.Dim(0))
	}
	return nil
}
