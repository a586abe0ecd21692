// Package engine runs whole modules as single compiled computations.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/logger"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/nn"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

type entry struct {
	comp *graph.Computation
	exe  *device.Executable
}

// CompiledModule traces its module once per argument signature and replays
// the compiled program on later calls.
type CompiledModule struct {
	m   nn.Module
	rt  *ops.Runtime
	log *logger.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

func Compile(m nn.Module, rt *ops.Runtime) *CompiledModule {
	return &CompiledModule{
		m:     m,
		rt:    rt,
		log:   logger.Log.With("engine"),
		cache: make(map[string]*entry),
	}
}

func (c *CompiledModule) args(x *tensor.Tensor) []*tensor.Tensor {
	return append([]*tensor.Tensor{x}, c.m.Params()...)
}

func cacheKey(args []*tensor.Tensor, loc tensor.Location) string {
	sigs := lo.Map(args, func(t *tensor.Tensor, _ int) string { return t.Signature() })
	return strings.Join(sigs, ",") + "@" + loc.String()
}

func (c *CompiledModule) trace(x *tensor.Tensor) (*graph.Computation, error) {
	b := graph.NewBuilder()
	y, err := c.m.Trace(b, b.ParameterLike(x))
	if err != nil {
		return nil, fmt.Errorf("trace %T: %w", c.m, err)
	}
	return b.Build(y)
}

func (c *CompiledModule) lookup(ctx context.Context, args []*tensor.Tensor, loc tensor.Location) (*entry, error) {
	key := cacheKey(args, loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.cache[key]; ok {
		return e, nil
	}
	comp, err := c.trace(args[0])
	if err != nil {
		return nil, err
	}
	e := &entry{comp: comp}
	if !loc.IsHost() {
		if c.rt == nil || c.rt.Client() == nil {
			return nil, ops.ErrNoClient
		}
		if e.exe, err = c.rt.Client().Compile(ctx, comp); err != nil {
			return nil, err
		}
	}
	c.cache[key] = e
	c.log.Debug("traced module", "key", key, "name", comp.Name(), "dots", comp.Count(graph.OpDot))
	return e, nil
}

// Forward runs the module on x where x and the parameters live. Results equal
// the eager ones exactly.
func (c *CompiledModule) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	args := c.args(x)
	loc, err := ops.Placement(args...)
	if err != nil {
		return nil, err
	}
	e, err := c.lookup(ctx, args, loc)
	if err != nil {
		return nil, err
	}
	var out []*tensor.Tensor
	if loc.IsHost() {
		out, err = graph.Evaluate(ctx, e.comp, args, graph.Sequential)
	} else {
		out, err = c.rt.Client().Execute(ctx, e.exe, args, loc)
	}
	if err != nil {
		return nil, err
	}
	if e.comp.Count(graph.OpMultiply) > 0 {
		metrics.RecordQuantizedMatmul("compiled")
	}
	return out[0], nil
}

// HLO returns the program Forward would run for an input shaped like x.
func (c *CompiledModule) HLO(x *tensor.Tensor) (string, error) {
	comp, err := c.trace(x)
	if err != nil {
		return "", err
	}
	return comp.HLO(), nil
}

// CachedPrograms reports how many argument signatures have been traced.
func (c *CompiledModule) CachedPrograms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
