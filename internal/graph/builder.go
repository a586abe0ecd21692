// Package graph traces quantized-linear computations into a small HLO-like
// instruction list that can be printed, fingerprinted and interpreted.
package graph

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var (
	ErrInvalidGraph = errors.New("invalid graph")
	ErrArgument     = errors.New("argument does not match parameter")
)

type OpCode int

const (
	OpParameter OpCode = iota
	OpDot
	OpConvert
	OpBroadcast
	OpMultiply
	OpBitcastConvert
	OpReshape
	OpSlice
)

func (o OpCode) String() string {
	switch o {
	case OpParameter:
		return "parameter"
	case OpDot:
		return "dot"
	case OpConvert:
		return "convert"
	case OpBroadcast:
		return "broadcast"
	case OpMultiply:
		return "multiply"
	case OpBitcastConvert:
		return "bitcast-convert"
	case OpReshape:
		return "reshape"
	case OpSlice:
		return "slice"
	}
	return "unknown"
}

// Node is one instruction in a traced computation.
type Node struct {
	id       int
	op       OpCode
	dt       dtype.DType
	shape    []int
	operands []*Node
	param    int
	dims     []int
	builder  *Builder
}

func (n *Node) DType() dtype.DType { return n.dt }
func (n *Node) Shape() []int       { return append([]int(nil), n.shape...) }
func (n *Node) Op() OpCode         { return n.op }

func (n *Node) Signature() string { return tensor.ShapeString(n.dt, n.shape) }

// Builder records instructions. The first error sticks and is returned by Build;
// later calls return placeholder nodes so tracing code stays linear.
type Builder struct {
	nodes  []*Node
	params []*Node
	err    error
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(format string, args ...interface{}) *Node {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return &Node{builder: b, dt: dtype.Invalid}
}

func (b *Builder) add(n *Node) *Node {
	n.builder = b
	n.id = len(b.nodes) + 1
	b.nodes = append(b.nodes, n)
	return n
}

func (b *Builder) owns(nodes ...*Node) bool {
	for _, n := range nodes {
		if n == nil || n.builder != b || n.dt == dtype.Invalid {
			return false
		}
	}
	return b.err == nil
}

// Parameter declares the next positional input.
func (b *Builder) Parameter(dt dtype.DType, shape ...int) *Node {
	n := b.add(&Node{op: OpParameter, dt: dt, shape: append([]int(nil), shape...), param: len(b.params)})
	b.params = append(b.params, n)
	return n
}

// ParameterLike declares a parameter with t's dtype and shape.
func (b *Builder) ParameterLike(t *tensor.Tensor) *Node {
	return b.Parameter(t.DType(), t.Shape()...)
}

// Dot contracts dimension 1 of lhs [m,k] with dimension 1 of rhs [n,k] giving out[m,n].
func (b *Builder) Dot(lhs, rhs *Node, out dtype.DType) *Node {
	if !b.owns(lhs, rhs) {
		return b.fail("%w: dot on foreign or failed operand", ErrInvalidGraph)
	}
	if len(lhs.shape) != 2 || len(rhs.shape) != 2 || lhs.shape[1] != rhs.shape[1] {
		return b.fail("%w: dot %s x %s", ErrInvalidGraph, lhs.Signature(), rhs.Signature())
	}
	if !lhs.dt.IsFloat() || !out.IsFloat() {
		return b.fail("%w: dot needs a float lhs and result, got %s -> %s", ErrInvalidGraph, lhs.dt, out)
	}
	return b.add(&Node{op: OpDot, dt: out, shape: []int{lhs.shape[0], rhs.shape[0]}, operands: []*Node{lhs, rhs}})
}

// Convert changes the element type of a float or integer value to a float type.
func (b *Builder) Convert(x *Node, to dtype.DType) *Node {
	if !b.owns(x) {
		return b.fail("%w: convert on foreign or failed operand", ErrInvalidGraph)
	}
	if !to.IsFloat() {
		return b.fail("%w: convert to %s", ErrInvalidGraph, to)
	}
	return b.add(&Node{op: OpConvert, dt: to, shape: x.Shape(), operands: []*Node{x}})
}

// Broadcast expands a vector [n] into [rows, n] along dimension 1.
func (b *Builder) Broadcast(v *Node, rows int) *Node {
	if !b.owns(v) {
		return b.fail("%w: broadcast on foreign or failed operand", ErrInvalidGraph)
	}
	if len(v.shape) != 1 {
		return b.fail("%w: broadcast needs a vector, got %s", ErrInvalidGraph, v.Signature())
	}
	return b.add(&Node{op: OpBroadcast, dt: v.dt, shape: []int{rows, v.shape[0]}, operands: []*Node{v}, dims: []int{1}})
}

// Multiply is elementwise over equal shapes; the result has lhs's dtype.
func (b *Builder) Multiply(lhs, rhs *Node) *Node {
	if !b.owns(lhs, rhs) {
		return b.fail("%w: multiply on foreign or failed operand", ErrInvalidGraph)
	}
	if lhs.Signature() != rhs.Signature() || !lhs.dt.IsFloat() {
		return b.fail("%w: multiply %s x %s", ErrInvalidGraph, lhs.Signature(), rhs.Signature())
	}
	return b.add(&Node{op: OpMultiply, dt: lhs.dt, shape: lhs.Shape(), operands: []*Node{lhs, rhs}})
}

// BitcastToS4 reinterprets each packed element [r,c] as its int4 nibbles
// [r,c,k], low nibble first: k is 2 for s8, 4 for s16 and 8 for s32.
func (b *Builder) BitcastToS4(x *Node) *Node {
	if !b.owns(x) {
		return b.fail("%w: bitcast on foreign or failed operand", ErrInvalidGraph)
	}
	if len(x.shape) != 2 || !x.dt.IsInteger() || x.dt == dtype.S4 {
		return b.fail("%w: bitcast-convert %s to s4", ErrInvalidGraph, x.Signature())
	}
	k := x.dt.Bits() / dtype.S4.Bits()
	return b.add(&Node{op: OpBitcastConvert, dt: dtype.S4, shape: []int{x.shape[0], x.shape[1], k}, operands: []*Node{x}})
}

// SliceMinor keeps the first n entries of the last dimension.
func (b *Builder) SliceMinor(x *Node, n int) *Node {
	if !b.owns(x) {
		return b.fail("%w: slice on foreign or failed operand", ErrInvalidGraph)
	}
	last := len(x.shape) - 1
	if last < 0 || n <= 0 || n > x.shape[last] {
		return b.fail("%w: slice %s to %d minor entries", ErrInvalidGraph, x.Signature(), n)
	}
	shape := x.Shape()
	shape[last] = n
	return b.add(&Node{op: OpSlice, dt: x.dt, shape: shape, operands: []*Node{x}})
}

func (b *Builder) Reshape(x *Node, shape ...int) *Node {
	if !b.owns(x) {
		return b.fail("%w: reshape on foreign or failed operand", ErrInvalidGraph)
	}
	from, to := 1, 1
	for _, d := range x.shape {
		from *= d
	}
	for _, d := range shape {
		to *= d
	}
	if from != to {
		return b.fail("%w: reshape %s to %v", ErrInvalidGraph, x.Signature(), shape)
	}
	return b.add(&Node{op: OpReshape, dt: x.dt, shape: append([]int(nil), shape...), operands: []*Node{x}})
}

// Computation is an immutable traced program.
type Computation struct {
	nodes  []*Node
	params []*Node
	roots  []*Node
}

// Build finalizes the program with the given outputs.
func (b *Builder) Build(roots ...*Node) (*Computation, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no outputs", ErrInvalidGraph)
	}
	if !b.owns(roots...) {
		return nil, fmt.Errorf("%w: output not built by this builder", ErrInvalidGraph)
	}
	return &Computation{
		nodes:  append([]*Node(nil), b.nodes...),
		params: append([]*Node(nil), b.params...),
		roots:  append([]*Node(nil), roots...),
	}, nil
}

// Name follows the lazy-tensor convention of naming a sync graph by its size.
func (c *Computation) Name() string {
	return fmt.Sprintf("SyncTensorsGraph.%d", len(c.nodes)+1)
}

func (c *Computation) NumParameters() int { return len(c.params) }

// ParameterSignatures lists each parameter's "dtype[shape]".
func (c *Computation) ParameterSignatures() []string {
	out := make([]string, len(c.params))
	for i, p := range c.params {
		out[i] = p.Signature()
	}
	return out
}

// ResultSignatures lists each output's "dtype[shape]".
func (c *Computation) ResultSignatures() []string {
	out := make([]string, len(c.roots))
	for i, r := range c.roots {
		out[i] = r.Signature()
	}
	return out
}

// Count returns how many instructions use op.
func (c *Computation) Count(op OpCode) int {
	n := 0
	for _, node := range c.nodes {
		if node.op == op {
			n++
		}
	}
	return n
}
