package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/samber/lo"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
)

var (
	ErrShape = errors.New("invalid shape")
	ErrDType = errors.New("invalid dtype")
	ErrRange = errors.New("value out of range for dtype")
)

// Tensor is a dense row-major value of rank 1 to 3.
// Float dtypes are held as float32 already rounded to the dtype precision,
// integer dtypes as int32 checked against the dtype range.
type Tensor struct {
	dt     dtype.DType
	shape  []int
	floats []float32
	ints   []int32
	loc    Location
	handle uint64
}

func validShape(shape []int) error {
	if len(shape) == 0 || len(shape) > 3 {
		return fmt.Errorf("%w: rank %d not supported", ErrShape, len(shape))
	}
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
	}
	return nil
}

func numElements(shape []int) int {
	return lo.Reduce(shape, func(acc, d int, _ int) int { return acc * d }, 1)
}

// FromFloats builds a float tensor; values are rounded to dt.
func FromFloats(dt dtype.DType, shape []int, vals []float32) (*Tensor, error) {
	if !dt.IsFloat() {
		return nil, fmt.Errorf("%w: %s is not a float type", ErrDType, dt)
	}
	if err := validShape(shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); n != len(vals) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(vals), shape)
	}
	data := make([]float32, len(vals))
	for i, v := range vals {
		data[i] = dt.Round(v)
	}
	return &Tensor{dt: dt, shape: append([]int(nil), shape...), floats: data}, nil
}

// FromInts builds an integer tensor; every value must be representable in dt.
func FromInts(dt dtype.DType, shape []int, vals []int32) (*Tensor, error) {
	if !dt.IsInteger() {
		return nil, fmt.Errorf("%w: %s is not an integer type", ErrDType, dt)
	}
	if err := validShape(shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); n != len(vals) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(vals), shape)
	}
	for i, v := range vals {
		if !dt.Contains(int64(v)) {
			return nil, fmt.Errorf("%w: element %d = %d not in %s", ErrRange, i, v, dt)
		}
	}
	return &Tensor{dt: dt, shape: append([]int(nil), shape...), ints: append([]int32(nil), vals...)}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(dt dtype.DType, shape []int) (*Tensor, error) {
	if err := validShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	switch {
	case dt.IsFloat():
		return &Tensor{dt: dt, shape: append([]int(nil), shape...), floats: make([]float32, n)}, nil
	case dt.IsInteger():
		return &Tensor{dt: dt, shape: append([]int(nil), shape...), ints: make([]int32, n)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDType, dt)
}

// RandN draws standard normal values.
func RandN(rng *rand.Rand, dt dtype.DType, shape ...int) (*Tensor, error) {
	vals := make([]float32, numElements(shape))
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	return FromFloats(dt, shape, vals)
}

// RandUniform draws values uniformly from [lo, hi).
func RandUniform(rng *rand.Rand, dt dtype.DType, lo, hi float32, shape ...int) (*Tensor, error) {
	vals := make([]float32, numElements(shape))
	for i := range vals {
		vals[i] = lo + (hi-lo)*rng.Float32()
	}
	return FromFloats(dt, shape, vals)
}

// RandInt draws integers uniformly from [lo, hi).
func RandInt(rng *rand.Rand, dt dtype.DType, lo, hi int32, shape ...int) (*Tensor, error) {
	if hi <= lo {
		return nil, fmt.Errorf("%w: empty interval [%d, %d)", ErrRange, lo, hi)
	}
	vals := make([]int32, numElements(shape))
	for i := range vals {
		vals[i] = lo + rng.Int32N(hi-lo)
	}
	return FromInts(dt, shape, vals)
}

func (t *Tensor) DType() dtype.DType { return t.dt }

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Dim(i int) int { return t.shape[i] }

func (t *Tensor) NumElements() int { return numElements(t.shape) }

// SizeBytes is the logical storage footprint of the tensor.
func (t *Tensor) SizeBytes() int { return t.NumElements() * t.dt.Size() }

func (t *Tensor) Location() Location { return t.loc }

// Handle identifies the device buffer backing an accelerator tensor; zero on host.
func (t *Tensor) Handle() uint64 { return t.handle }

// Floats exposes the backing float slice. Callers must not mutate it.
func (t *Tensor) Floats() []float32 { return t.floats }

// Ints exposes the backing integer slice. Callers must not mutate it.
func (t *Tensor) Ints() []int32 { return t.ints }

// Float returns element i as float64 for either storage kind.
func (t *Tensor) Float(i int) float64 {
	if t.floats != nil {
		return float64(t.floats[i])
	}
	return float64(t.ints[i])
}

// WithLocation returns a shallow copy placed at loc and backed by handle.
func (t *Tensor) WithLocation(loc Location, handle uint64) *Tensor {
	c := *t
	c.loc = loc
	c.handle = handle
	return &c
}

// Signature is the dtype and shape in HLO spelling, e.g. "bf16[3,5]".
func (t *Tensor) Signature() string {
	return ShapeString(t.dt, t.shape)
}

func ShapeString(dt dtype.DType, shape []int) string {
	dims := lo.Map(shape, func(d int, _ int) string { return fmt.Sprint(d) })
	return fmt.Sprintf("%s[%s]", dt, strings.Join(dims, ","))
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s@%s", t.Signature(), t.loc)
}

// Equal reports exact equality of dtype, shape and values.
func Equal(a, b *Tensor) bool {
	if a.dt != b.dt || !sameShape(a.shape, b.shape) {
		return false
	}
	for i := 0; i < a.NumElements(); i++ {
		if a.Float(i) != b.Float(i) {
			return false
		}
	}
	return true
}

// AllClose mirrors |a-b| <= atol + rtol*|b| elementwise. Dtypes may differ.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !sameShape(a.shape, b.shape) {
		return false
	}
	for i := 0; i < a.NumElements(); i++ {
		x, y := a.Float(i), b.Float(i)
		if math.IsNaN(x) || math.IsNaN(y) {
			return false
		}
		if math.Abs(x-y) > atol+rtol*math.Abs(y) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest elementwise absolute difference.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if !sameShape(a.shape, b.shape) {
		return 0, fmt.Errorf("%w: %v vs %v", ErrShape, a.shape, b.shape)
	}
	var m float64
	for i := 0; i < a.NumElements(); i++ {
		m = max(m, math.Abs(a.Float(i)-b.Float(i)))
	}
	return m, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reshape returns a view with a new shape over the same elements.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validShape(shape); err != nil {
		return nil, err
	}
	if numElements(shape) != t.NumElements() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
	}
	c := *t
	c.shape = append([]int(nil), shape...)
	return &c, nil
}
