package commands

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var (
	hloBatch int
	hloIn    int
	hloOut   int
	hloInt4  bool
)

var hloCmd = &cobra.Command{
	Use:   "hlo",
	Short: "Print the HLO text of a device quantized matmul",
	RunE:  runHLO,
}

func init() {
	f := hloCmd.Flags()
	f.IntVar(&hloBatch, "batch", 3, "activation rows")
	f.IntVar(&hloIn, "in", 5, "input features")
	f.IntVar(&hloOut, "out", 8, "output features")
	f.BoolVar(&hloInt4, "int4", false, "use a packed int4 weight")
	rootCmd.AddCommand(hloCmd)
}

func runHLO(cmd *cobra.Command, args []string) error {
	act, err := cfg.ActivationDType()
	if err != nil {
		return err
	}
	kind, err := cfg.PackKind()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(1, 2))
	x, err := tensor.Zeros(act, []int{hloBatch, hloIn})
	if err != nil {
		return err
	}
	scale, err := tensor.RandN(rng, act, hloOut)
	if err != nil {
		return err
	}
	w, err := tensor.Zeros(dtype.S8, []int{hloOut, hloIn})
	if err != nil {
		return err
	}
	if hloInt4 {
		if w, err = quant.Pack4Bit(w, kind); err != nil {
			return err
		}
	}
	text, err := ops.NewRuntime(nil).HLO(context.Background(), x, w, scale, quant.WithInt4PackedWeight(hloInt4))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
