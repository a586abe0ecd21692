package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/logger"
	"github.com/23skdu/longbow-qlinear/internal/metrics"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
	"github.com/23skdu/longbow-qlinear/internal/tensorio"
)

type Options struct {
	Devices     int
	MemoryLimit int64 // per device, 0 means unlimited
	Threads     int

	// OnExecute, when set, is called after every successful execution.
	OnExecute func(loc tensor.Location, d time.Duration)
}

func DefaultOptions() Options {
	return Options{Devices: 1, Threads: runtime.NumCPU()}
}

type buffer struct {
	loc     tensor.Location
	payload []byte
}

// LocalClient is an in-process accelerator. Device memory is an arena of
// Arrow IPC buffers, so every transfer crosses a real serialization boundary.
type LocalClient struct {
	opts Options
	log  *logger.Logger

	mu         sync.Mutex
	closed     bool
	nextHandle uint64
	buffers    map[uint64]*buffer
	used       map[int]int64
	cache      map[uint64]*Executable
}

func NewLocalClient(opts Options) (*LocalClient, error) {
	if opts.Devices <= 0 {
		return nil, fmt.Errorf("invalid device count: %d (must be positive)", opts.Devices)
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	c := &LocalClient{
		opts:    opts,
		log:     logger.Log.With("device"),
		buffers: make(map[uint64]*buffer),
		used:    make(map[int]int64),
		cache:   make(map[uint64]*Executable),
	}
	c.log.Debug("local client ready", "devices", opts.Devices, "threads", opts.Threads, "features", HostFeatures())
	return c, nil
}

func (c *LocalClient) DefaultDevice() tensor.Location { return tensor.Device(0) }

func (c *LocalClient) Devices() []tensor.Location {
	out := make([]tensor.Location, c.opts.Devices)
	for i := range out {
		out[i] = tensor.Device(i)
	}
	return out
}

func (c *LocalClient) checkDevice(loc tensor.Location) error {
	if loc.IsHost() || loc.Ordinal < 0 || loc.Ordinal >= c.opts.Devices {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, loc)
	}
	return nil
}

// store places payload in the arena of loc and returns its handle. c.mu must be held.
func (c *LocalClient) store(loc tensor.Location, payload []byte) (uint64, error) {
	size := int64(len(payload))
	if c.opts.MemoryLimit > 0 && c.used[loc.Ordinal]+size > c.opts.MemoryLimit {
		return 0, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, loc, size, c.used[loc.Ordinal], c.opts.MemoryLimit)
	}
	c.nextHandle++
	h := c.nextHandle
	c.buffers[h] = &buffer{loc: loc, payload: payload}
	c.used[loc.Ordinal] += size
	metrics.RecordDeviceMemory(loc.String(), c.used[loc.Ordinal])
	return h, nil
}

func (c *LocalClient) place(t *tensor.Tensor, loc tensor.Location) (*tensor.Tensor, error) {
	payload, err := tensorio.EncodeIPC(t, "")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	h, err := c.store(loc, payload)
	if err != nil {
		return nil, err
	}
	onDevice, _, err := tensorio.DecodeIPC(payload)
	if err != nil {
		return nil, err
	}
	return onDevice.WithLocation(loc, h), nil
}

// TransferToDevice copies t into the memory of loc. A tensor already at loc is
// returned as is; one on another device is copied device to device.
func (c *LocalClient) TransferToDevice(ctx context.Context, t *tensor.Tensor, loc tensor.Location) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkDevice(loc); err != nil {
		return nil, err
	}
	if t.Location() == loc {
		return t, nil
	}
	src := t
	if !t.Location().IsHost() {
		var err error
		if src, err = c.TransferFromDevice(ctx, t); err != nil {
			return nil, err
		}
	}
	out, err := c.place(src, loc)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransfer("to_device", t.SizeBytes())
	c.log.Debug("transfer to device", "tensor", out.Signature(), "device", loc.String(), "handle", out.Handle())
	return out, nil
}

// TransferFromDevice reads a device tensor back to host memory.
func (c *LocalClient) TransferFromDevice(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Location().IsHost() {
		return t, nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	buf, ok := c.buffers[t.Handle()]
	c.mu.Unlock()
	if !ok || buf.loc != t.Location() {
		return nil, fmt.Errorf("%w: %s handle %d", ErrNotOnDevice, t, t.Handle())
	}
	host, _, err := tensorio.DecodeIPC(buf.payload)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransfer("from_device", host.SizeBytes())
	return host, nil
}

// Release frees the device buffer behind t. Host tensors are ignored.
func (c *LocalClient) Release(t *tensor.Tensor) error {
	if t.Location().IsHost() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[t.Handle()]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNotOnDevice, t.Handle())
	}
	delete(c.buffers, t.Handle())
	c.used[buf.loc.Ordinal] -= int64(len(buf.payload))
	metrics.RecordDeviceMemory(buf.loc.String(), c.used[buf.loc.Ordinal])
	return nil
}

// Compile returns the cached executable for structurally identical computations.
func (c *LocalClient) Compile(ctx context.Context, comp *graph.Computation) (*Executable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp := comp.Fingerprint()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if exe, ok := c.cache[fp]; ok {
		metrics.RecordCompile(true)
		return exe, nil
	}
	exe := &Executable{comp: comp, fingerprint: fp, compiledAt: time.Now()}
	c.cache[fp] = exe
	metrics.RecordCompile(false)
	c.log.Debug("compiled computation", "name", comp.Name(), "fingerprint", fp, "params", comp.ParameterSignatures())
	return exe, nil
}

// CachedExecutables reports the size of the compile cache.
func (c *LocalClient) CachedExecutables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Execute runs exe on loc. Every argument must already live on loc.
func (c *LocalClient) Execute(ctx context.Context, exe *Executable, args []*tensor.Tensor, loc tensor.Location) ([]*tensor.Tensor, error) {
	if err := c.checkDevice(loc); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	for i, a := range args {
		if a.Location() != loc {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: argument %d on %s, executing on %s", ErrDeviceMismatch, i, a.Location(), loc)
		}
		if _, ok := c.buffers[a.Handle()]; !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: argument %d handle %d", ErrNotOnDevice, i, a.Handle())
		}
	}
	c.mu.Unlock()

	start := time.Now()
	results, err := graph.Evaluate(ctx, exe.comp, args, c.runRows)
	if err != nil {
		return nil, fmt.Errorf("execute %s on %s: %w", exe.comp.Name(), loc, err)
	}
	elapsed := time.Since(start)
	metrics.RecordExecute(loc.String(), elapsed)
	if c.opts.OnExecute != nil {
		c.opts.OnExecute(loc, elapsed)
	}

	out := make([]*tensor.Tensor, len(results))
	for i, r := range results {
		if out[i], err = c.place(r, loc); err != nil {
			for _, placed := range out[:i] {
				_ = c.Release(placed)
			}
			return nil, err
		}
	}
	return out, nil
}

func (c *LocalClient) runRows(ctx context.Context, rows int, fn func(r0, r1 int)) error {
	workers := min(c.opts.Threads, rows)
	if workers <= 1 {
		return graph.Sequential(ctx, rows, fn)
	}
	g, ctx := errgroup.WithContext(ctx)
	chunk := (rows + workers - 1) / workers
	for r0 := 0; r0 < rows; r0 += chunk {
		r1 := min(r0+chunk, rows)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(r0, r1)
			return nil
		})
	}
	return g.Wait()
}

func (c *LocalClient) MemoryInfo(loc tensor.Location) (MemoryInfo, error) {
	if err := c.checkDevice(loc); err != nil {
		return MemoryInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info := MemoryInfo{BytesUsed: c.used[loc.Ordinal], BytesLimit: c.opts.MemoryLimit}
	for _, b := range c.buffers {
		if b.loc == loc {
			info.Buffers++
		}
	}
	return info, nil
}

// Close drops every buffer and executable.
func (c *LocalClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for ord := range c.used {
		metrics.RecordDeviceMemory(tensor.Device(ord).String(), 0)
	}
	c.buffers = nil
	c.used = nil
	c.cache = nil
	return nil
}

var _ Client = (*LocalClient)(nil)
