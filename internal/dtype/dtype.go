package dtype

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a tensor. String() yields the HLO spelling.
type DType int

const (
	Invalid DType = iota
	F32
	BF16
	F16
	S4
	S8
	S16
	S32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	case S4:
		return "s4"
	case S8:
		return "s8"
	case S16:
		return "s16"
	case S32:
		return "s32"
	default:
		return "invalid"
	}
}

// Bits returns the logical width of one element.
func (d DType) Bits() int {
	switch d {
	case S4:
		return 4
	case S8:
		return 8
	case BF16, F16, S16:
		return 16
	case F32, S32:
		return 32
	default:
		return 0
	}
}

// Size returns the storage size in bytes. S4 occupies a full byte when unpacked.
func (d DType) Size() int {
	if d == S4 {
		return 1
	}
	return d.Bits() / 8
}

func (d DType) IsFloat() bool {
	return d == F32 || d == BF16 || d == F16
}

func (d DType) IsInteger() bool {
	return d == S4 || d == S8 || d == S16 || d == S32
}

// Range returns the representable integer range of a signed integer type.
func (d DType) Range() (int64, int64) {
	if !d.IsInteger() {
		return 0, 0
	}
	bits := d.Bits()
	return -(int64(1) << (bits - 1)), int64(1)<<(bits-1) - 1
}

// Contains reports whether v is representable in d.
func (d DType) Contains(v int64) bool {
	lo, hi := d.Range()
	return v >= lo && v <= hi
}

// Round rounds f to the precision of d. Integer types are returned unchanged.
func (d DType) Round(f float32) float32 {
	switch d {
	case BF16:
		return BF16ToFloat32(Float32ToBF16(f))
	case F16:
		return float16.Fromfloat32(f).Float32()
	default:
		return f
	}
}

// Float32ToBF16 truncates to the upper 16 bits with round-to-nearest-even.
func Float32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}

func BF16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Parse accepts HLO spellings and common long names.
func Parse(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float":
		return F32, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f16", "float16", "half":
		return F16, nil
	case "s4", "int4":
		return S4, nil
	case "s8", "int8":
		return S8, nil
	case "s16", "int16":
		return S16, nil
	case "s32", "int32":
		return S32, nil
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}
