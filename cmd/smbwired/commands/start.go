package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/smbwire/internal/logger"
	"github.com/marmos91/smbwire/internal/smb/auth"
	"github.com/marmos91/smbwire/pkg/config"
	"github.com/marmos91/smbwire/pkg/metrics"
	"github.com/marmos91/smbwire/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the smbwired server",
	Long: `Start the smbwired server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/smbwire/config.yaml.

Examples:
  # Start with default config location
  smbwired start

  # Start with custom config file
  smbwired start --config /etc/smbwire/config.yaml

  # Start with environment variable overrides
  SMBWIRE_LOGGING_LEVEL=DEBUG smbwired start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("configuration loaded", "source", configSource())

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
		metricsSrv = serveMetrics(reg, cfg.Metrics.Port)
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics collection disabled")
	}

	srv, err := server.New(server.Options{
		ListenAddr:     cfg.Server.ListenAddr,
		Protocol:       cfg.Protocol,
		Auth:           auth.NewProvider(nil),
		MaxConnections: cfg.Server.MaxConnections,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		select {
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
		case <-time.After(cfg.Server.ShutdownTimeout):
			return errors.New("graceful shutdown timed out")
		}
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("server stopped")
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	return nil
}

// serveMetrics exposes the registry on /metrics in a background goroutine.
func serveMetrics(reg *prometheus.Registry, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// configSource describes where the configuration was loaded from.
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return "defaults"
}
