package graph

import "github.com/23skdu/longbow-qlinear/internal/dtype"

// QuantizedMatmul lowers x @ (w * scale[:, None]).T. The integer weight feeds
// the dot directly (s8, or s4 after reinterpreting packed nibbles); only the
// dot result is scaled.
func QuantizedMatmul(b *Builder, x, w, scale *Node, int4Packed bool) *Node {
	if !b.owns(x, w, scale) {
		return b.fail("%w: quantized matmul on foreign or failed operand", ErrInvalidGraph)
	}
	if len(w.shape) != 2 || len(scale.shape) != 1 || !w.dt.IsInteger() || !scale.dt.IsFloat() {
		return b.fail("%w: quantized matmul weight %s, scale %s", ErrInvalidGraph, w.Signature(), scale.Signature())
	}
	if scale.shape[0] != w.shape[0] {
		return b.fail("%w: scale %s does not match weight rows %s", ErrInvalidGraph, scale.Signature(), w.Signature())
	}
	weight := w
	if int4Packed {
		rows, cols := w.shape[0], w.shape[1]
		nibbles := b.BitcastToS4(w)
		if w.dt != dtype.S8 {
			nibbles = b.SliceMinor(nibbles, 2)
		}
		weight = b.Reshape(nibbles, rows, cols*2)
	}
	out := x.dt
	dot := b.Dot(x, weight, out)
	if scale.dt != out {
		scale = b.Convert(scale, out)
	}
	return b.Multiply(dot, b.Broadcast(scale, x.shape[0]))
}

// Linear lowers the float reference x @ w.T.
func Linear(b *Builder, x, w *Node) *Node {
	if !b.owns(x, w) {
		return b.fail("%w: linear on foreign or failed operand", ErrInvalidGraph)
	}
	if !w.dt.IsFloat() {
		return b.fail("%w: linear weight must be float, got %s", ErrInvalidGraph, w.dt)
	}
	return b.Dot(x, w, x.dt)
}
