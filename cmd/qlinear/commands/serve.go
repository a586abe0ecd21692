package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlinear/internal/arrow_client"
	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/logger"
	"github.com/23skdu/longbow-qlinear/internal/monitoring"
	"github.com/23skdu/longbow-qlinear/internal/ops"
	"github.com/23skdu/longbow-qlinear/internal/tensor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve quantized matmul over Arrow Flight with health and metrics endpoints",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("flight-addr", "", "Arrow Flight listen address")
	f.String("metrics-addr", "", "health and Prometheus listen address")
	f.Int64("memory-limit", 0, "per-device memory limit in bytes (0 is unlimited)")
	_ = v.BindPFlag("server.flight_addr", f.Lookup("flight-addr"))
	_ = v.BindPFlag("server.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("device.memory_limit", f.Lookup("memory-limit"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Log.With("serve")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hm *monitoring.HealthMonitor
	opts := cfg.DeviceOptions()
	opts.OnExecute = func(_ tensor.Location, d time.Duration) {
		if hm != nil {
			hm.RecordExecution(d)
		}
	}
	client, err := device.NewLocalClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()
	hm = monitoring.NewHealthMonitor(client, Version)

	srv := arrow_client.NewServer(ops.NewRuntime(client), client.DefaultDevice())
	if err := srv.Start(cfg.Server.FlightAddr); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve() }()
	go func() {
		if err := hm.Start(cfg.Server.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Info("serving", "flight", srv.Addr().String(), "metrics", cfg.Server.MetricsAddr, "devices", len(client.Devices()))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := hm.Stop(shutdownCtx); stopErr != nil {
		log.Warn("health monitor shutdown", "error", stopErr)
	}
	srv.Shutdown()
	return err
}
