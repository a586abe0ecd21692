package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-qlinear/internal/config"
	"github.com/23skdu/longbow-qlinear/internal/logger"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "qlinear",
	Short: "Weight-only quantized matmul on host and accelerator devices",
	Long: `qlinear packs int4 weights, quantizes float layers with per-channel RTN,
and runs the resulting quantized matmul eagerly, on a simulated accelerator,
or as a compiled program whose HLO text can be inspected.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadViper(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./qlinear.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.Int("devices", 1, "number of simulated accelerator devices")
	pf.Int("threads", 0, "worker goroutines per execution (0 = config default)")
	pf.String("dtype", "bf16", "activation dtype: f32, bf16, f16")

	_ = v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("device.count", pf.Lookup("devices"))
	_ = v.BindPFlag("quant.activation_dtype", pf.Lookup("dtype"))
	_ = v.BindPFlag("device.threads", pf.Lookup("threads"))
}
