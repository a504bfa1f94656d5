package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

// RedisStore keeps each session as a JSON document under
// session:{channel}:{user}. Read-modify-write goes through WATCH/MULTI so a
// concurrent writer aborts the transaction instead of being overwritten.
type RedisStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *RedisStore) Get(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error) {
	defer s.metrics.ObserveStoreOp("get_session", time.Now())

	data, err := s.rdb.Get(ctx, sessionKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, key models.SessionKey, now time.Time) (*models.ConversationSession, error) {
	defer s.metrics.ObserveStoreOp("get_or_create_session", time.Now())

	k := sessionKey(key)
	data, err := s.rdb.Get(ctx, k).Bytes()
	if err == nil {
		return decodeSession(data)
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess := models.NewSession(uuid.NewString(), key.Channel, key.UserID, now)
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, k, payload, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		// Another writer created it between GET and SETNX.
		data, err := s.rdb.Get(ctx, k).Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return decodeSession(data)
	}

	if err := s.rdb.SAdd(ctx, constants.SessionIndexKey, key.String()).Err(); err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to index session")
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"channel":    key.Channel,
		"user_id":    key.UserID,
	}).Debug("Created session")

	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, key models.SessionKey, fn UpdateFunc) (*models.ConversationSession, error) {
	defer s.metrics.ObserveStoreOp("update_session", time.Now())

	k := sessionKey(key)
	var result *models.ConversationSession

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
			}
			return fmt.Errorf("failed to get session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.Version++

		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = sess
		return nil
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		if s.metrics != nil {
			s.metrics.StateConsistencyViolations.Inc()
		}
		s.logger.WithField("session_key", key.String()).Warn("Concurrent session write detected")
		return nil, fmt.Errorf("%w: concurrent write to %s", models.ErrStateConsistency, key)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) Archive(ctx context.Context, key models.SessionKey) error {
	defer s.metrics.ObserveStoreOp("archive_session", time.Now())

	k := sessionKey(key)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
			}
			return fmt.Errorf("failed to get session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		sess.Archived = true
		sess.Version++
		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, archivedKey(sess.ID), payload, 0)
			pipe.Del(ctx, k, issueFlowKey(sess.ID))
			pipe.SRem(ctx, constants.SessionIndexKey, key.String())
			return nil
		})
		if err != nil {
			return err
		}

		s.logger.WithField("session_id", sess.ID).Info("Archived session")
		return nil
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write to %s", models.ErrStateConsistency, key)
	}
	return err
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	defer s.metrics.ObserveStoreOp("count_sessions", time.Now())

	count, err := s.rdb.SCard(ctx, constants.SessionIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *RedisStore) GetIssueFlow(ctx context.Context, sessionID string) (*models.IssueResolutionFlow, error) {
	defer s.metrics.ObserveStoreOp("get_issue_flow", time.Now())

	data, err := s.rdb.Get(ctx, issueFlowKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", models.ErrIssueFlowNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get issue flow: %w", err)
	}

	var flow models.IssueResolutionFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to decode issue flow: %w", err)
	}
	return &flow, nil
}

func (s *RedisStore) SaveIssueFlow(ctx context.Context, flow *models.IssueResolutionFlow) error {
	defer s.metrics.ObserveStoreOp("save_issue_flow", time.Now())

	payload, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to encode issue flow: %w", err)
	}
	if err := s.rdb.Set(ctx, issueFlowKey(flow.SessionID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save issue flow: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteIssueFlow(ctx context.Context, sessionID string) error {
	defer s.metrics.ObserveStoreOp("delete_issue_flow", time.Now())

	if err := s.rdb.Del(ctx, issueFlowKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete issue flow: %w", err)
	}
	return nil
}
