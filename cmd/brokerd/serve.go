package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/notebroker/pkg/api"
	"github.com/cuemby/notebroker/pkg/assetgc"
	"github.com/cuemby/notebroker/pkg/config"
	"github.com/cuemby/notebroker/pkg/hub"
	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/multiplexer"
	"github.com/cuemby/notebroker/pkg/scheduler"
	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker: kernel supervisor, scheduler, fan-out hub, and the HTTP+JSON API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics and health endpoints on")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "ready")

	h := hub.New(5 * time.Second)
	mux := multiplexer.NewMultiplexer(cfg.OrphanRing, h)

	kernelCmd := cfg.KernelCommand
	kernels := kernel.NewSupervisor(kernel.Config{
		Command:          kernelCmd,
		AllowedRoot:      cfg.AllowedRoot,
		MemoryLimitBytes: cfg.MemoryLimitBytesPerKernel,
		MaxKernels:       cfg.MaxKernels,
	}, mux)
	kernels.Run()
	defer kernels.Stop()
	metrics.RegisterComponent("kernel_supervisor", true, "ready")

	sched := scheduler.New(scheduler.Config{
		DefaultTimeout: cfg.DefaultTimeout,
	}, store, kernels, mux, h)
	if err := sched.Restore(); err != nil {
		return fmt.Errorf("restore executions: %w", err)
	}
	metrics.RegisterComponent("scheduler", true, "ready")

	assetsDir := cfg.DataDir + "/assets"
	assets, err := assetgc.New(store, assetsDir, cfg.AssetMaxAge)
	if err != nil {
		return fmt.Errorf("init asset gc: %w", err)
	}
	metrics.RegisterComponent("assetgc", true, "ready")

	apiServer := api.NewServer(cfg.ListenAddr, cfg.SessionToken, sched, kernels, h, assets)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()
	metrics.RegisterComponent("api", true, "ready")
	log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("notebroker serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("api server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("api server did not shut down cleanly")
	}
	sched.Shutdown()

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
