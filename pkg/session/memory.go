package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/models"
)

// MemoryStore keeps sessions as serialized snapshots in process memory.
// Every read decodes a fresh copy so callers can never alias stored state.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	archived map[string][]byte
	flows    map[string][]byte
	logger   *logrus.Logger
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		archived: make(map[string][]byte),
		flows:    make(map[string][]byte),
		logger:   logger,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.sessions[sessionKey(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
	}
	return decodeSession(data)
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key models.SessionKey, now time.Time) (*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := sessionKey(key)
	if data, ok := m.sessions[k]; ok {
		return decodeSession(data)
	}

	sess := models.NewSession(uuid.NewString(), key.Channel, key.UserID, now)
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	m.sessions[k] = data

	m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"channel":    key.Channel,
		"user_id":    key.UserID,
	}).Debug("Created session")

	return sess, nil
}

func (m *MemoryStore) Update(ctx context.Context, key models.SessionKey, fn UpdateFunc) (*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := sessionKey(key)
	data, ok := m.sessions[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
	}
	sess, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.Version++

	updated, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	m.sessions[k] = updated
	return sess, nil
}

func (m *MemoryStore) Archive(ctx context.Context, key models.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := sessionKey(key)
	data, ok := m.sessions[k]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, key)
	}
	sess, err := decodeSession(data)
	if err != nil {
		return err
	}
	sess.Archived = true
	sess.Version++
	archived, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	m.archived[archivedKey(sess.ID)] = archived
	delete(m.sessions, k)
	delete(m.flows, issueFlowKey(sess.ID))

	m.logger.WithField("session_id", sess.ID).Info("Archived session")
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions)), nil
}

func (m *MemoryStore) GetIssueFlow(ctx context.Context, sessionID string) (*models.IssueResolutionFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.flows[issueFlowKey(sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrIssueFlowNotFound, sessionID)
	}
	var flow models.IssueResolutionFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to decode issue flow: %w", err)
	}
	return &flow, nil
}

func (m *MemoryStore) SaveIssueFlow(ctx context.Context, flow *models.IssueResolutionFlow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to encode issue flow: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[issueFlowKey(flow.SessionID)] = data
	return nil
}

func (m *MemoryStore) DeleteIssueFlow(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, issueFlowKey(sessionID))
	return nil
}

func decodeSession(data []byte) (*models.ConversationSession, error) {
	var sess models.ConversationSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.Context == nil {
		sess.Context = make(models.ContextMap)
	}
	return &sess, nil
}
