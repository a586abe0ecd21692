package graph

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
)

func layout(rank int) string {
	dims := make([]string, rank)
	for i := range dims {
		dims[i] = fmt.Sprint(rank - 1 - i)
	}
	return "{" + strings.Join(dims, ",") + "}"
}

func (n *Node) typed() string {
	return n.Signature() + layout(len(n.shape))
}

func (n *Node) ref() string {
	if n.op == OpParameter {
		return fmt.Sprintf("%%p%d.%d", n.param, n.id)
	}
	return fmt.Sprintf("%%%s.%d", n.op, n.id)
}

func (n *Node) instruction() string {
	operands := lo.Map(n.operands, func(o *Node, _ int) string { return o.typed() + " " + o.ref() })
	var args, attrs string
	switch n.op {
	case OpParameter:
		args = fmt.Sprint(n.param)
	case OpDot:
		attrs = ", lhs_contracting_dims={1}, rhs_contracting_dims={1}"
	case OpBroadcast:
		attrs = fmt.Sprintf(", dimensions={%s}", strings.Join(lo.Map(n.dims, func(d int, _ int) string { return fmt.Sprint(d) }), ","))
	case OpSlice:
		attrs = fmt.Sprintf(", slice={%s}", strings.Join(lo.Map(n.shape, func(d int, _ int) string { return fmt.Sprintf("[0:%d]", d) }), ", "))
	}
	if args == "" {
		args = strings.Join(operands, ", ")
	}
	return fmt.Sprintf("%s = %s %s(%s)%s", n.ref(), n.typed(), n.op, args, attrs)
}

// HLO renders the computation as XLA HLO module text.
func (c *Computation) HLO() string {
	name := c.Name()
	paramTypes := lo.Map(c.params, func(p *Node, _ int) string { return p.typed() })
	resultTypes := lo.Map(c.roots, func(r *Node, _ int) string { return r.typed() })

	var sb strings.Builder
	fmt.Fprintf(&sb, "HloModule %s, entry_computation_layout={(%s)->(%s)}\n\n",
		name, strings.Join(paramTypes, ", "), strings.Join(resultTypes, ", "))

	paramDecls := lo.Map(c.params, func(p *Node, _ int) string {
		return fmt.Sprintf("%s: %s", strings.TrimPrefix(p.ref(), "%"), p.Signature())
	})
	resultDecls := lo.Map(c.roots, func(r *Node, _ int) string { return r.Signature() })
	fmt.Fprintf(&sb, "ENTRY %%%s (%s) -> (%s) {\n", name, strings.Join(paramDecls, ", "), strings.Join(resultDecls, ", "))
	for _, n := range c.nodes {
		fmt.Fprintf(&sb, "  %s\n", n.instruction())
	}
	rootOperands := lo.Map(c.roots, func(r *Node, _ int) string { return r.typed() + " " + r.ref() })
	fmt.Fprintf(&sb, "  ROOT %%tuple.%d = (%s) tuple(%s)\n}\n", len(c.nodes)+1, strings.Join(resultTypes, ", "), strings.Join(rootOperands, ", "))
	return sb.String()
}

// Fingerprint identifies structurally identical computations.
func (c *Computation) Fingerprint() uint64 {
	return xxhash.Sum64String(c.HLO())
}
