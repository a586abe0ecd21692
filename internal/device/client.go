package device

import (
	"context"
	"errors"
	"time"

	"github.com/23skdu/longbow-qlinear/internal/graph"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDeviceMismatch = errors.New("operands on different devices")
	ErrNotOnDevice    = errors.New("tensor has no live device buffer")
	ErrOutOfMemory    = errors.New("device memory exhausted")
	ErrClosed         = errors.New("client closed")
)

// MemoryInfo reports the arena usage of one device.
type MemoryInfo struct {
	BytesUsed  int64
	BytesLimit int64
	Buffers    int
}

// Executable is a compiled computation ready to run on any device of its client.
type Executable struct {
	comp        *graph.Computation
	fingerprint uint64
	compiledAt  time.Time
}

func (e *Executable) Computation() *graph.Computation { return e.comp }
func (e *Executable) Fingerprint() uint64             { return e.fingerprint }
func (e *Executable) HLO() string                     { return e.comp.HLO() }

// Client moves tensors between host and accelerator memory and runs compiled
// computations on accelerator-resident operands.
type Client interface {
	DefaultDevice() tensor.Location
	Devices() []tensor.Location
	TransferToDevice(ctx context.Context, t *tensor.Tensor, loc tensor.Location) (*tensor.Tensor, error)
	TransferFromDevice(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error)
	Compile(ctx context.Context, c *graph.Computation) (*Executable, error)
	Execute(ctx context.Context, exe *Executable, args []*tensor.Tensor, loc tensor.Location) ([]*tensor.Tensor, error)
	MemoryInfo(loc tensor.Location) (MemoryInfo, error)
	Release(t *tensor.Tensor) error
	Close() error
}
