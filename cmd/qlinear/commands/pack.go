package commands

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/quant"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var packRows int

var packCmd = &cobra.Command{
	Use:   "pack VALUE...",
	Short: "Pack int4 values two per element and unpack them again",
	Long: `Pack a row-major matrix of int4 values in [-8, 7] into the configured
storage dtype, print the packed elements and verify the round trip.

Example:
  qlinear pack --rows 1 -- 1 2 -3 4`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPack,
}

func init() {
	packCmd.Flags().IntVar(&packRows, "rows", 1, "number of rows in the value matrix")
	packCmd.Flags().String("kind", "", "storage dtype: s8, s16, s32 (default from config)")
	_ = v.BindPFlag("quant.pack_kind", packCmd.Flags().Lookup("kind"))
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	kind, err := cfg.PackKind()
	if err != nil {
		return err
	}
	if packRows <= 0 || len(args)%packRows != 0 {
		return fmt.Errorf("%d values do not fill %d rows", len(args), packRows)
	}
	vals := make([]int32, len(args))
	for i, a := range args {
		n, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
		vals[i] = int32(n)
	}
	w, err := tensor.FromInts(dtype.S32, []int{packRows, len(args) / packRows}, vals)
	if err != nil {
		return err
	}
	packed, err := quant.Pack4Bit(w, kind)
	if err != nil {
		return err
	}
	unpacked, err := quant.Unpack4Bit(packed, kind)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "input    %s %v\n", w.Signature(), w.Ints())
	fmt.Fprintf(out, "packed   %s %v\n", packed.Signature(), packed.Ints())
	fmt.Fprintf(out, "unpacked %s %v\n", unpacked.Signature(), unpacked.Ints())
	fmt.Fprintf(out, "round trip ok: %v\n", slices.Equal(w.Ints(), unpacked.Ints()))
	return nil
}

