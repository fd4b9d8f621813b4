package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quipucords/internal/clients/network"
	"quipucords/internal/config"
	"quipucords/internal/httpsession"
	"quipucords/internal/runners"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// Backend is the coordinator together with the pieces of the configured back-end
type Backend struct {
	*Coordinator
	Signals  Signals
	Executor *Executor
	// Local is set for the embedded back-end
	Local *LocalDispatcher
	// Redis is set for the distributed back-end
	Redis *redis.Client
}

// ExecutorOptionsFromConfig maps the runner settings of cfg
func ExecutorOptionsFromConfig(cfg *config.Config) ExecutorOptions {
	return ExecutorOptions{
		HTTP:               httpsession.PolicyFromConfig(cfg),
		HeartbeatInterval:  cfg.HeartbeatInterval,
		MaxConcurrency:     cfg.MaxConcurrency,
		DefaultConcurrency: cfg.DefaultScanConcurrency,
		Version:            cfg.ReportVersion(),
		SSH:                network.NewConnector(cfg.HTTPConnectTimeout),
		Playbook: &network.PlaybookRunner{
			Command:     cfg.PlaybookCommand,
			ProjectDir:  cfg.PlaybookDir,
			GracePeriod: cfg.CancelGracePeriod,
		},
	}
}

// NewRedisClient connects to REDIS_URL and checks the connection
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewBackend builds the coordinator for cfg.SchedulerBackend
func NewBackend(ctx context.Context, cfg *config.Config, store storage.Storage, codec *secrets.Codec) (*Backend, error) {
	b := &Backend{}
	var dispatcher Dispatcher
	switch cfg.SchedulerBackend {
	case config.SchedulerDistributed:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.Redis = client
		b.Signals = NewRedisSignals(client, 0)
		dispatcher = NewQueueDispatcher(client)
	default:
		b.Signals = NewMemorySignals()
	}

	b.Executor = NewExecutor(store, runners.Default(), codec, b.Signals, ExecutorOptionsFromConfig(cfg))
	if dispatcher == nil {
		b.Local = NewLocalDispatcher(b.Executor, cfg.CancelGracePeriod)
		dispatcher = b.Local
	}
	b.Coordinator = New(store, dispatcher, b.Signals, OptionsFromConfig(cfg))
	return b, nil
}

// Close waits for embedded tasks and releases the redis connection
func (b *Backend) Close() error {
	if b.Local != nil {
		b.Local.Wait()
	}
	if b.Redis != nil {
		return b.Redis.Close()
	}
	return nil
}
