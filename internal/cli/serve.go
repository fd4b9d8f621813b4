package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"quipucords/internal/config"
	"quipucords/internal/handlers"
	"quipucords/internal/logger"
	"quipucords/internal/reports"
	"quipucords/internal/scheduler"
	"quipucords/internal/secrets"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API and the scan coordinator",
	Long: `Starts the API server. With SCHEDULER_BACKEND=embedded scan tasks run
inside this process; with distributed they are queued in redis for
"quipucords worker" processes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	codec, err := secrets.NewCodecFromBase64(cfg.SecretKey)
	if err != nil {
		return err
	}

	backend, err := scheduler.NewBackend(ctx, cfg, store, codec)
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer backend.Close()

	rep, err := reports.New(store, reports.Options{
		DataDir:       cfg.DataDir,
		ServerVersion: cfg.ReportVersion(),
		SliceSize:     cfg.InsightsSliceSize,
		MaskEnabled:   cfg.MaskedReportsEnabled,
	})
	if err != nil {
		return err
	}

	if err := backend.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to restore scan jobs: %w", err)
	}
	defer backend.Coordinator.Stop()

	api := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.New(store, backend.Coordinator, rep, codec, cfg).Router(),
	}
	metricsSrv := newMetricsServer(cfg)

	errCh := make(chan error, 2)
	go serveHTTP(api, "API", errCh)
	go serveHTTP(metricsSrv, "metrics", errCh)

	logger.Logger.Info().
		Str("port", cfg.Port).
		Str("scheduler", cfg.SchedulerBackend).
		Str("storage", cfg.StorageBackend).
		Str("version", cfg.ReportVersion()).
		Msg("Server started")

	select {
	case <-ctx.Done():
		logger.Logger.Info().Msg("Shutting down server")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := api.Shutdown(shutdownCtx); serr != nil {
		logger.Logger.Error().Err(serr).Msg("API server forced to shut down")
	}
	if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Logger.Error().Err(serr).Msg("Metrics server forced to shut down")
	}
	return err
}

// newMetricsServer exposes /metrics on its own listener so it can stay
// bound to a private address
func newMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.MetricsBindAddr, cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serveHTTP(srv *http.Server, name string, errCh chan<- error) {
	logger.Logger.Info().Str("addr", srv.Addr).Msgf("Starting %s listener", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server failed: %w", name, err)
	}
}
