package quant

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// Options configures QuantizedMatmul.
type Options struct {
	Int4PackedWeight bool
}

type Option func(*Options)

// WithInt4PackedWeight marks the weight as produced by Pack4Bit.
func WithInt4PackedWeight(packed bool) Option {
	return func(o *Options) { o.Int4PackedWeight = packed }
}

func NewOptions(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// CheckQuantizedMatmul validates operand dtypes and shapes and returns the
// logical [batch, out, in] sizes.
func CheckQuantizedMatmul(x, w, scale *tensor.Tensor, o Options) (batch, out, in int, err error) {
	const op = "quantized_matmul"
	if x.Rank() != 2 || !x.DType().IsFloat() {
		return 0, 0, 0, fail(op, ErrDType, fmt.Errorf("%w: activation must be a 2D float matrix, got %s", ErrDType, x.Signature()))
	}
	if err := checkWeightScale(w, scale); err != nil {
		if errors.Is(err, ErrDimension) {
			return 0, 0, 0, fail(op, ErrDimension, err)
		}
		return 0, 0, 0, fail(op, ErrDType, err)
	}
	in = w.Dim(1)
	if o.Int4PackedWeight {
		if !IsPackKind(w.DType()) {
			return 0, 0, 0, fail(op, ErrDType, fmt.Errorf("%w: packed weight must be s8/s16/s32, got %s", ErrDType, w.DType()))
		}
		in *= 2
	} else if w.DType() != dtype.S8 && w.DType() != dtype.S4 {
		return 0, 0, 0, fail(op, ErrDType, fmt.Errorf("%w: weight must be s8 or s4, got %s", ErrDType, w.DType()))
	}
	if x.Dim(1) != in {
		return 0, 0, 0, fail(op, ErrDimension, fmt.Errorf("%w: activation %s has %d columns, weight %s expects %d",
			ErrDimension, x.Signature(), x.Dim(1), w.Signature(), in))
	}
	return x.Dim(0), w.Dim(0), in, nil
}

// QuantizedMatmul computes x @ (w * scale[:, None]).T. The result carries the
// activation dtype: the dot is accumulated in float32 and rounded, then scaled
// per output channel and rounded again.
func QuantizedMatmul(x, w, scale *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	o := NewOptions(opts...)
	if _, _, _, err := CheckQuantizedMatmul(x, w, scale, o); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("quantized_matmul", time.Since(start)) }()

	if o.Int4PackedWeight {
		unpacked, err := Unpack4Bit(w, w.DType())
		if err != nil {
			return nil, err
		}
		w = unpacked
	}
	y, err := DotTransposed(x, w, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := ScaleColumns(y, scale, x.DType())
	if err != nil {
		return nil, err
	}
	metrics.RecordQuantizedMatmul("host")
	return out, nil
}

// Matmul is the float reference x @ w.T in the activation dtype.
func Matmul(x, w *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 || !x.DType().IsFloat() || !w.DType().IsFloat() {
		return nil, fmt.Errorf("%w: matmul needs 2D float operands, got %s and %s", ErrDType, x.Signature(), w.Signature())
	}
	if x.Dim(1) != w.Dim(1) {
		return nil, fail("matmul", ErrDimension, fmt.Errorf("%w: %s @ %s.T", ErrDimension, x.Signature(), w.Signature()))
	}
	return DotTransposed(x, w, x.DType())
}

// DotTransposed contracts dimension 1 of both operands: out[b,o] = Σ_i x[b,i]·w[o,i].
// w may be integer or float; integers enter the product unconverted to any
// narrower float type.
func DotTransposed(x, w *tensor.Tensor, out dtype.DType) (*tensor.Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 || x.Dim(1) != w.Dim(1) {
		return nil, fmt.Errorf("%w: dot %s x %s", ErrDimension, x.Signature(), w.Signature())
	}
	start := time.Now()
	dst := make([]float32, x.Dim(0)*w.Dim(0))
	DotRowsInto(dst, x, w, out, 0, x.Dim(0))
	metrics.RecordKernelDuration("dot", time.Since(start))
	return tensor.FromFloats(out, []int{x.Dim(0), w.Dim(0)}, dst)
}

// DotRowsInto writes rows [r0, r1) of x @ w.T into dst, rounding each element
// to out. Accumulation runs in float32 over increasing i, so splitting rows
// across workers yields identical results.
func DotRowsInto(dst []float32, x, w *tensor.Tensor, out dtype.DType, r0, r1 int) {
	k := x.Dim(1)
	n := w.Dim(0)
	xs := x.Floats()
	wi, wf := w.Ints(), w.Floats()
	for b := r0; b < r1; b++ {
		row := xs[b*k : (b+1)*k]
		for o := 0; o < n; o++ {
			var acc float32
			if wi != nil {
				for i, v := range row {
					acc += v * float32(wi[o*k+i])
				}
			} else {
				for i, v := range row {
					acc += v * wf[o*k+i]
				}
			}
			dst[b*n+o] = out.Round(acc)
		}
	}
}

// ScaleColumns multiplies column o of y by scale[o] after converting the scale to out.
func ScaleColumns(y, scale *tensor.Tensor, out dtype.DType) (*tensor.Tensor, error) {
	if y.Rank() != 2 || scale.Rank() != 1 || y.Dim(1) != scale.Dim(0) {
		return nil, fmt.Errorf("%w: scale %s over %s", ErrDimension, scale.Signature(), y.Signature())
	}
	n := y.Dim(1)
	s := scale.Floats()
	ys := y.Floats()
	dst := make([]float32, len(ys))
	for i, v := range ys {
		dst[i] = out.Round(v * out.Round(s[i%n]))
	}
	return tensor.FromFloats(out, y.Shape(), dst)
}
