package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlinear/internal/device"
)

var deviceCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"device"},
	Short:   "List configured devices and host CPU features",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := device.NewLocalClient(cfg.DeviceOptions())
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		features := device.HostFeatures()
		if len(features) == 0 {
			features = []string{"none"}
		}
		fmt.Fprintf(out, "host features: %s\n", strings.Join(features, " "))
		fmt.Fprintf(out, "threads:       %d\n", cfg.Device.Threads)
		for _, loc := range client.Devices() {
			info, err := client.MemoryInfo(loc)
			if err != nil {
				return err
			}
			limit := "unlimited"
			if info.BytesLimit > 0 {
				limit = fmt.Sprintf("%d bytes", info.BytesLimit)
			}
			fmt.Fprintf(out, "%-12s   used %d bytes in %d buffers, limit %s\n", loc, info.BytesUsed, info.Buffers, limit)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}
