// Package tensorio encodes tensors as Arrow records and IPC streams.
package tensorio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

const (
	MetaDType = "qlinear.dtype"
	MetaShape = "qlinear.shape"
	MetaName  = "qlinear.name"

	valuesColumn = "values"
)

var ErrMalformed = errors.New("malformed tensor record")

// Schema returns the record schema for t. name is optional and travels as metadata.
func Schema(t *tensor.Tensor, name string) *arrow.Schema {
	typ := arrow.DataType(arrow.PrimitiveTypes.Int32)
	if t.DType().IsFloat() {
		typ = arrow.PrimitiveTypes.Float32
	}
	md := arrow.NewMetadata(
		[]string{MetaDType, MetaShape, MetaName},
		[]string{t.DType().String(), formatShape(t.Shape()), name},
	)
	return arrow.NewSchema([]arrow.Field{{Name: valuesColumn, Type: typ}}, &md)
}

// EncodeRecord stores the flattened values of t in a single column. The caller
// owns the returned record and must Release it.
func EncodeRecord(mem memory.Allocator, t *tensor.Tensor, name string) (arrow.Record, error) {
	schema := Schema(t, name)
	var arr arrow.Array
	if t.DType().IsFloat() {
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.AppendValues(t.Floats(), nil)
		arr = b.NewArray()
	} else {
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.AppendValues(t.Ints(), nil)
		arr = b.NewArray()
	}
	defer arr.Release()
	return array.NewRecord(schema, []arrow.Array{arr}, int64(arr.Len())), nil
}

// DecodeRecord rebuilds a host tensor and its name from a record produced by EncodeRecord.
func DecodeRecord(rec arrow.Record) (*tensor.Tensor, string, error) {
	md := rec.Schema().Metadata()
	lookup := func(key string) (string, bool) {
		i := md.FindKey(key)
		if i < 0 {
			return "", false
		}
		return md.Values()[i], true
	}
	dtName, ok := lookup(MetaDType)
	if !ok {
		return nil, "", fmt.Errorf("%w: missing %s", ErrMalformed, MetaDType)
	}
	shapeStr, ok := lookup(MetaShape)
	if !ok {
		return nil, "", fmt.Errorf("%w: missing %s", ErrMalformed, MetaShape)
	}
	name, _ := lookup(MetaName)

	dt, err := dtype.Parse(dtName)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	shape, err := parseShape(shapeStr)
	if err != nil {
		return nil, "", err
	}
	if rec.NumCols() != 1 {
		return nil, "", fmt.Errorf("%w: expected 1 column, got %d", ErrMalformed, rec.NumCols())
	}

	var t *tensor.Tensor
	switch col := rec.Column(0).(type) {
	case *array.Float32:
		t, err = tensor.FromFloats(dt, shape, col.Float32Values())
	case *array.Int32:
		t, err = tensor.FromInts(dt, shape, col.Int32Values())
	default:
		return nil, "", fmt.Errorf("%w: unexpected column type %s", ErrMalformed, col.DataType())
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return t, name, nil
}

// EncodeIPC serializes t as an Arrow IPC stream.
func EncodeIPC(t *tensor.Tensor, name string) ([]byte, error) {
	mem := memory.DefaultAllocator
	rec, err := EncodeRecord(mem, t, name)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("write tensor record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ipc writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeIPC reads the first record of an IPC stream.
func DecodeIPC(payload []byte) (*tensor.Tensor, string, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, "", fmt.Errorf("%w: empty stream", ErrMalformed)
	}
	return DecodeRecord(r.Record())
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: shape %q", ErrMalformed, s)
		}
		shape[i] = d
	}
	return shape, nil
}
