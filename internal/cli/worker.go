package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"quipucords/internal/config"
	"quipucords/internal/logger"
	"quipucords/internal/runners"
	"quipucords/internal/scheduler"
	"quipucords/internal/secrets"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute scan tasks queued by a distributed coordinator",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 4, "number of tasks executed at once")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.SchedulerBackend != config.SchedulerDistributed {
		return errors.New("worker requires SCHEDULER_BACKEND=distributed")
	}
	if cfg.StorageBackend != config.StoragePostgres {
		return errors.New("worker requires STORAGE_BACKEND=postgres")
	}

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

	client, err := scheduler.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	signals := scheduler.NewRedisSignals(client, 0)
	exec := scheduler.NewExecutor(store, runners.Default(), codec, signals, scheduler.ExecutorOptionsFromConfig(cfg))
	worker := scheduler.NewWorker(client, exec, scheduler.WorkerOptions{
		Concurrency: workerConcurrency,
		ClaimTTL:    cfg.TaskTimeout,
		PollTimeout: 5 * time.Second,
	})

	logger.Logger.Info().Int("concurrency", workerConcurrency).Msg("Worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Logger.Info().Msg("Worker stopped")
	return nil
}
