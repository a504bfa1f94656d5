package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

// NewID mints a locally unique ticket id.
func NewID() string {
	return "TKT-" + strings.ToUpper(uuid.NewString())
}

// Store persists tickets by id. Saving an id twice is an error.
type Store interface {
	Save(ctx context.Context, ticket *models.SupportTicket) error
	Get(ctx context.Context, id string) (*models.SupportTicket, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, ticket *models.SupportTicket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[ticket.ID]; exists {
		return fmt.Errorf("ticket %s already exists", ticket.ID)
	}
	m.tickets[ticket.ID] = payload
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.SupportTicket, error) {
	m.mu.RLock()
	payload, ok := m.tickets[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTicketNotFound, id)
	}
	return decodeTicket(payload)
}

// Len returns the number of stored tickets.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tickets)
}

// RedisStore keeps tickets as JSON under ticket:{id}.
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

func (s *RedisStore) Save(ctx context.Context, ticket *models.SupportTicket) error {
	defer s.metrics.ObserveStoreOp("save_ticket", time.Now())

	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}
	created, err := s.rdb.SetNX(ctx, ticketKey(ticket.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	if !created {
		return fmt.Errorf("ticket %s already exists", ticket.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.SupportTicket, error) {
	defer s.metrics.ObserveStoreOp("get_ticket", time.Now())

	payload, err := s.rdb.Get(ctx, ticketKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", models.ErrTicketNotFound, id)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return decodeTicket(payload)
}

func ticketKey(id string) string {
	return constants.TicketKeyPrefix + id
}

func decodeTicket(payload []byte) (*models.SupportTicket, error) {
	var ticket models.SupportTicket
	if err := json.Unmarshal(payload, &ticket); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return &ticket, nil
}
