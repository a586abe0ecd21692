package graph

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

// RowRunner runs fn over disjoint row ranges covering [0, rows).
type RowRunner func(ctx context.Context, rows int, fn func(r0, r1 int)) error

// Sequential runs every row on the calling goroutine.
func Sequential(ctx context.Context, rows int, fn func(r0, r1 int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn(0, rows)
	return nil
}

// Evaluate interprets c on host values. Dots go through the quant kernels, so
// results match the eager operations bit for bit.
func Evaluate(ctx context.Context, c *Computation, args []*tensor.Tensor, run RowRunner) ([]*tensor.Tensor, error) {
	if len(args) != len(c.params) {
		return nil, fmt.Errorf("%w: %d arguments for %d parameters", ErrArgument, len(args), len(c.params))
	}
	if run == nil {
		run = Sequential
	}
	vals := make([]*tensor.Tensor, len(c.nodes)+1)
	for _, n := range c.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := evalNode(ctx, n, vals, args, run)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.ref(), err)
		}
		vals[n.id] = v
	}
	out := make([]*tensor.Tensor, len(c.roots))
	for i, r := range c.roots {
		out[i] = vals[r.id]
	}
	return out, nil
}

func evalNode(ctx context.Context, n *Node, vals, args []*tensor.Tensor, run RowRunner) (*tensor.Tensor, error) {
	operand := func(i int) *tensor.Tensor { return vals[n.operands[i].id] }

	switch n.op {
	case OpParameter:
		a := args[n.param]
		if a.Signature() != n.Signature() {
			return nil, fmt.Errorf("%w %d: got %s, want %s", ErrArgument, n.param, a.Signature(), n.Signature())
		}
		return a, nil

	case OpDot:
		lhs, rhs := operand(0), operand(1)
		dst := make([]float32, n.shape[0]*n.shape[1])
		err := run(ctx, n.shape[0], func(r0, r1 int) {
			quant.DotRowsInto(dst, lhs, rhs, n.dt, r0, r1)
		})
		if err != nil {
			return nil, err
		}
		return tensor.FromFloats(n.dt, n.shape, dst)

	case OpConvert:
		x := operand(0)
		dst := make([]float32, x.NumElements())
		for i := range dst {
			dst[i] = float32(x.Float(i))
		}
		return tensor.FromFloats(n.dt, n.shape, dst)

	case OpBroadcast:
		v := operand(0).Floats()
		rows := n.shape[0]
		dst := make([]float32, 0, rows*len(v))
		for r := 0; r < rows; r++ {
			dst = append(dst, v...)
		}
		return tensor.FromFloats(n.dt, n.shape, dst)

	case OpMultiply:
		a, b := operand(0).Floats(), operand(1).Floats()
		dst := make([]float32, len(a))
		for i := range a {
			dst[i] = a[i] * b[i]
		}
		return tensor.FromFloats(n.dt, n.shape, dst)

	case OpBitcastConvert:
		// Packed elements wider than s8 must be sign-extended bytes.
		packed := operand(0).Ints()
		k := n.shape[2]
		dst := make([]int32, k*len(packed))
		for i, p := range packed {
			if _, _, err := quant.UnpackInt4(p); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			for j := 0; j < k; j++ {
				dst[k*i+j] = p << (28 - 4*j) >> 28
			}
		}
		return tensor.FromInts(dtype.S4, n.shape, dst)

	case OpSlice:
		src := operand(0)
		from, to := src.Dim(src.Rank()-1), n.shape[len(n.shape)-1]
		outer := src.NumElements() / from
		if src.DType().IsFloat() {
			vals := src.Floats()
			dst := make([]float32, 0, outer*to)
			for o := 0; o < outer; o++ {
				dst = append(dst, vals[o*from:o*from+to]...)
			}
			return tensor.FromFloats(n.dt, n.shape, dst)
		}
		vals := src.Ints()
		dst := make([]int32, 0, outer*to)
		for o := 0; o < outer; o++ {
			dst = append(dst, vals[o*from:o*from+to]...)
		}
		return tensor.FromInts(n.dt, n.shape, dst)

	case OpReshape:
		return operand(0).Reshape(n.shape...)
	}
	return nil, fmt.Errorf("%w: unsupported op %s", ErrInvalidGraph, n.op)
}
