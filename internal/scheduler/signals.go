package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quipucords/internal/logger"
	"quipucords/internal/models"
)

const revokeKeyPrefix = "quipucords:revoke:job:"

// Signals carries cancel and pause requests from the coordinator to the
// runners of a job. Runners poll them between targets.
type Signals interface {
	// Request records that the tasks of jobID should settle in status
	Request(ctx context.Context, jobID int64, status models.Status) error
	// Clear removes a pending request, used when a paused job resumes
	Clear(ctx context.Context, jobID int64) error
	// Requested returns the requested status of jobID, if any
	Requested(ctx context.Context, jobID int64) (models.Status, bool)
}

// MemorySignals keeps requests in process; used by the embedded back-end
type MemorySignals struct {
	mu       sync.RWMutex
	requests map[int64]models.Status
}

// NewMemorySignals creates an empty signal table
func NewMemorySignals() *MemorySignals {
	return &MemorySignals{requests: make(map[int64]models.Status)}
}

func (s *MemorySignals) Request(ctx context.Context, jobID int64, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[jobID] = status
	return nil
}

func (s *MemorySignals) Clear(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, jobID)
	return nil
}

func (s *MemorySignals) Requested(ctx context.Context, jobID int64) (models.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.requests[jobID]
	return status, ok
}

// RedisSignals stores revocation markers in redis so that worker processes
// on other hosts observe them
type RedisSignals struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSignals creates redis backed signals; markers expire after ttl
func NewRedisSignals(client *redis.Client, ttl time.Duration) *RedisSignals {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSignals{client: client, ttl: ttl}
}

func revokeKey(jobID int64) string {
	return fmt.Sprintf("%s%d", revokeKeyPrefix, jobID)
}

func (s *RedisSignals) Request(ctx context.Context, jobID int64, status models.Status) error {
	if err := s.client.Set(ctx, revokeKey(jobID), string(status), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation marker: %w", err)
	}
	return nil
}

func (s *RedisSignals) Clear(ctx context.Context, jobID int64) error {
	if err := s.client.Del(ctx, revokeKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear revocation marker: %w", err)
	}
	return nil
}

// Requested treats an unreachable redis as "no request"; the heartbeat still
// stops a task the coordinator has settled
func (s *RedisSignals) Requested(ctx context.Context, jobID int64) (models.Status, bool) {
	v, err := s.client.Get(ctx, revokeKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		logger.Logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to read revocation marker")
		return "", false
	}
	return models.Status(v), true
}

// jobInterrupt is the interrupt token handed to the runners of one job
type jobInterrupt struct {
	signals Signals
	jobID   int64
}

func (i jobInterrupt) Requested(ctx context.Context) (models.Status, bool) {
	return i.signals.Requested(ctx, i.jobID)
}
