package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/labrun/internal/telemetry"
	"github.com/aretw0/labrun/pkg/adapters/backend"
	"github.com/aretw0/labrun/pkg/adapters/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulated execution backend",
	Long: `Serves the control plane (POST /runs, POST /runs/{id}/{cancel|pause|resume},
GET /protocols) and the streaming plane (GET /runs/{id}/stream) over the Lua
protocols of --dir. Remote mode can point at it to run end to end without
laboratory hardware.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serviceName := cfg.Telemetry.ServiceName + "-backend"
		shutdown, err := telemetry.Init(ctx, serviceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return err
		}
		defer flush(shutdown)

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		sim := backend.NewServer(file.NewSource(cfg.Local.ProtocolDir),
			backend.WithTimeScale(cfg.Server.TimeScale),
			backend.WithLogger(logger),
			backend.WithRegistry(reg),
		)
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           telemetry.Middleware(serviceName, logger)(sim.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("backend listening", "addr", srv.Addr, "protocols", cfg.Local.ProtocolDir)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down backend")
			// Streams are hijacked connections; closing the runs ends them.
			_ = sim.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
				return err
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config, :8080)")
}
