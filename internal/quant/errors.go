package quant

import (
	"errors"

	"github.com/23skdu/longbow-qlinear/internal/metrics"
)

var (
	ErrDimension  = errors.New("dimension mismatch")
	ErrOutOfRange = errors.New("value outside 4-bit range")
	ErrShape      = errors.New("invalid shape")
	ErrDType      = errors.New("unsupported dtype")
)

func fail(op string, kind error, err error) error {
	var label string
	switch kind {
	case ErrDimension:
		label = "dimension"
	case ErrOutOfRange:
		label = "out_of_range"
	case ErrShape:
		label = "shape"
	default:
		label = "dtype"
	}
	metrics.RecordValidationError(op, label)
	return err
}
