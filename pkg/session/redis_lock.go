package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
)

const (
	renewScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedisLocker is a cross-process session lock. The holder's token is renewed
// while the lock is held so a long turn never loses it, and release only
// deletes the key when the token still matches.
type RedisLocker struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	ttl          time.Duration
	pollInterval time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultSessionLockTTLSeconds) * time.Second
	}
	return &RedisLocker{
		rdb:          rdb,
		logger:       logger,
		ttl:          ttl,
		pollInterval: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := constants.SessionLockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go l.renewLoop(lockKey, token, stopCh, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-done
			l.release(lockKey, token)
		})
	}, nil
}

func (l *RedisLocker) renewLoop(lockKey, token string, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			result, err := l.rdb.Eval(ctx, renewScript, []string{lockKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.WithError(err).WithField("lock_key", lockKey).Error("Failed to renew session lock")
				continue
			}
			if result == 0 {
				l.logger.WithField("lock_key", lockKey).Warn("Session lock lost before release")
				return
			}
		}
	}
}

func (l *RedisLocker) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.rdb.Eval(ctx, releaseScript, []string{lockKey}, token).Err(); err != nil {
		l.logger.WithError(err).WithField("lock_key", lockKey).Error("Failed to release session lock")
	}
}
