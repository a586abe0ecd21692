package commands

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/engine"
	"github.com/23skdu/longbow-qlinear/internal/nn"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var (
	demoBatch int
	demoIn    int
	demoOut   int
	demoInt4  bool
	demoSeed  uint64
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Quantize a linear layer and compare host, device and compiled results",
	RunE:  runDemo,
}

func init() {
	f := demoCmd.Flags()
	f.IntVar(&demoBatch, "batch", 3, "activation rows")
	f.IntVar(&demoIn, "in", 5, "input features")
	f.IntVar(&demoOut, "out", 8, "output features")
	f.BoolVar(&demoInt4, "int4", false, "quantize to packed int4 instead of int8")
	f.Uint64Var(&demoSeed, "seed", 42, "random seed")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	act, err := cfg.ActivationDType()
	if err != nil {
		return err
	}
	client, err := device.NewLocalClient(cfg.DeviceOptions())
	if err != nil {
		return err
	}
	defer client.Close()
	rt := ops.NewRuntime(client)

	rng := rand.New(rand.NewPCG(demoSeed, demoSeed^0x9e3779b97f4a7c15))
	x, err := tensor.RandN(rng, act, demoBatch, demoIn)
	if err != nil {
		return err
	}
	m, err := nn.NewModel(rng, act, demoIn, demoOut)
	if err != nil {
		return err
	}
	reference := m.Layer

	if demoInt4 {
		err = m.ReplaceWithInt4QuantizedMatmul(ctx)
	} else {
		err = m.ReplaceWithQuantizedMatmul(ctx)
	}
	if err != nil {
		return err
	}
	diff, err := nn.QuantizationError(ctx, reference, m, x)
	if err != nil {
		return err
	}
	host, err := m.Forward(ctx, x)
	if err != nil {
		return err
	}

	loc := client.DefaultDevice()
	if err := m.To(ctx, rt, loc); err != nil {
		return err
	}
	dx, err := rt.ToDevice(ctx, x, loc)
	if err != nil {
		return err
	}
	eager, err := m.Forward(ctx, dx)
	if err != nil {
		return err
	}
	compiledModule := engine.Compile(m, rt)
	compiled, err := compiledModule.Forward(ctx, dx)
	if err != nil {
		return err
	}
	eagerHost, err := rt.ToHost(ctx, eager)
	if err != nil {
		return err
	}
	compiledHost, err := rt.ToHost(ctx, compiled)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "input              %s\n", x.Signature())
	for _, p := range m.Params() {
		fmt.Fprintf(out, "parameter          %s on %s\n", p.Signature(), p.Location())
	}
	fmt.Fprintf(out, "max |float-quant|  %.6f\n", diff)
	fmt.Fprintf(out, "device == host     %v\n", tensor.Equal(eagerHost, host))
	fmt.Fprintf(out, "compiled == device %v\n", tensor.Equal(compiledHost, eagerHost))
	fmt.Fprintf(out, "result             %v\n", compiledHost)
	return nil
}
