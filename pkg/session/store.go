package session

import (
	"context"
	"time"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
)

// UpdateFunc mutates a session inside an atomic read-modify-write. Returning
// an error aborts the write and the error is handed back to the caller.
type UpdateFunc func(s *models.ConversationSession) error

// Store persists conversation sessions and their issue-resolution flows.
// Sessions handed out by a Store are copies; changes only become durable
// through Update.
type Store interface {
	Get(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error)
	// GetOrCreate returns the live session for key, creating a fresh active
	// one when none exists or the previous one was archived.
	GetOrCreate(ctx context.Context, key models.SessionKey, now time.Time) (*models.ConversationSession, error)
	// Update applies fn atomically. A concurrent writer is reported as
	// models.ErrStateConsistency and nothing is written.
	Update(ctx context.Context, key models.SessionKey, fn UpdateFunc) (*models.ConversationSession, error)
	// Archive retires the live session and its issue flow; the next
	// GetOrCreate for key starts a new session.
	Archive(ctx context.Context, key models.SessionKey) error
	Count(ctx context.Context) (int64, error)

	GetIssueFlow(ctx context.Context, sessionID string) (*models.IssueResolutionFlow, error)
	SaveIssueFlow(ctx context.Context, flow *models.IssueResolutionFlow) error
	DeleteIssueFlow(ctx context.Context, sessionID string) error
}

func sessionKey(key models.SessionKey) string {
	return constants.SessionKeyPrefix + key.String()
}

func archivedKey(id string) string {
	return constants.SessionKeyPrefix + "archived:" + id
}

func issueFlowKey(sessionID string) string {
	return constants.IssueFlowKeyPrefix + sessionID
}
