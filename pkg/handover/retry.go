package handover

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
)

// RetryJob is a pending pass-thread-control retry.
type RetryJob struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	UserID   string `json:"user_id"`
	TicketID string `json:"ticket_id"`
	Episode  int    `json:"episode"`
	Attempt  int    `json:"attempt"`
}

func (j RetryJob) Key() models.SessionKey {
	return models.SessionKey{Channel: j.Channel, UserID: j.UserID}
}

// RetryHandler runs a due job.
type RetryHandler func(ctx context.Context, job RetryJob)

// RetryScheduler delays handover confirmation retries.
type RetryScheduler interface {
	Schedule(ctx context.Context, job RetryJob, delay time.Duration) error
	Start(ctx context.Context, handler RetryHandler)
	Stop()
}

// MemoryRetryScheduler keeps retries in process timers.
type MemoryRetryScheduler struct {
	mu      sync.Mutex
	handler RetryHandler
	ctx     context.Context
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
	stopped bool
	logger  *logrus.Logger
}

func NewMemoryRetryScheduler(logger *logrus.Logger) *MemoryRetryScheduler {
	return &MemoryRetryScheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

func (s *MemoryRetryScheduler) Start(ctx context.Context, handler RetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.handler = handler
}

func (s *MemoryRetryScheduler) Schedule(ctx context.Context, job RetryJob, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("retry scheduler stopped")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.wg.Add(1)
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, job.ID)
		handler, ctx, stopped := s.handler, s.ctx, s.stopped
		s.mu.Unlock()

		if stopped || handler == nil {
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		handler(ctx, job)
	})
	return nil
}

// Pending returns the number of scheduled jobs.
func (s *MemoryRetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *MemoryRetryScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RedisRetryScheduler keeps retries in a sorted set scored by due time, with
// job bodies in a hash. Any process may poll; ZREM decides which one claims
// a due job.
type RedisRetryScheduler struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	pollInterval time.Duration
	stopCh       chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

func NewRedisRetryScheduler(rdb *redis.Client, pollInterval time.Duration, logger *logrus.Logger) *RedisRetryScheduler {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &RedisRetryScheduler{
		rdb:          rdb,
		logger:       logger,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *RedisRetryScheduler) Schedule(ctx context.Context, job RetryJob, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode retry job: %w", err)
	}
	dueAt := time.Now().Add(delay).UnixMilli()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, constants.HandoverRetryJobsKey, job.ID, payload)
	pipe.ZAdd(ctx, constants.HandoverRetryQueueKey, &redis.Z{Score: float64(dueAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"ticket_id": job.TicketID,
		"attempt":   job.Attempt,
		"due_at":    dueAt,
	}).Debug("Scheduled handover retry")
	return nil
}

func (s *RedisRetryScheduler) Start(ctx context.Context, handler RetryHandler) {
	go s.pollLoop(ctx, handler)
}

func (s *RedisRetryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *RedisRetryScheduler) pollLoop(ctx context.Context, handler RetryHandler) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDue(ctx, handler)
		}
	}
}

func (s *RedisRetryScheduler) runDue(ctx context.Context, handler RetryHandler) {
	now := time.Now().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, constants.HandoverRetryQueueKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read due handover retries")
		return
	}

	for _, id := range ids {
		claimed, err := s.rdb.ZRem(ctx, constants.HandoverRetryQueueKey, id).Result()
		if err != nil || claimed == 0 {
			continue
		}

		payload, err := s.rdb.HGet(ctx, constants.HandoverRetryJobsKey, id).Bytes()
		s.rdb.HDel(ctx, constants.HandoverRetryJobsKey, id)
		if err != nil {
			s.logger.WithError(err).WithField("job_id", id).Error("Failed to load handover retry job")
			continue
		}

		var job RetryJob
		if err := json.Unmarshal(payload, &job); err != nil {
			s.logger.WithError(err).WithField("job_id", id).Error("Invalid handover retry job")
			continue
		}
		handler(ctx, job)
	}
}
