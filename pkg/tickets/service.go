package tickets

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

// Ticket sources, used as the metrics label
const (
	SourceHandover  = "handover"
	SourceAction    = "action"
	SourceIssueFlow = "issue_flow"
)

// Notifier forwards created tickets to the support queue.
type Notifier interface {
	Notify(ctx context.Context, event models.DashboardEvent) error
}

// Service persists tickets and forwards them to human support. The store is
// the source of truth; a failed forward is logged and the ticket stays
// readable through Get.
type Service struct {
	store    Store
	notifier Notifier
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Create stores and forwards a ticket built elsewhere.
func (s *Service) Create(ctx context.Context, ticket *models.SupportTicket) error {
	if ticket.ID == "" {
		ticket.ID = NewID()
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = s.now()
	}
	if ticket.Priority == "" {
		ticket.Priority = models.PriorityMedium
	}
	if err := s.store.Save(ctx, ticket); err != nil {
		return fmt.Errorf("%w: %v", models.ErrExternalCall, err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"ticket_id":  ticket.ID,
		"session_id": ticket.SessionID,
		"priority":   ticket.Priority,
		"category":   ticket.Category,
	})
	logger.Info("Support ticket created")

	if s.notifier != nil {
		event := models.DashboardEvent{
			Type:      models.EventTicketCreated,
			SessionID: ticket.SessionID,
			UserID:    ticket.PSID,
			TicketID:  ticket.ID,
			Detail:    ticket.Description,
			Data: map[string]string{
				"priority": string(ticket.Priority),
				"category": ticket.Category,
			},
			At: ticket.CreatedAt,
		}
		if ticket.Trigger != nil {
			event.Reason = string(ticket.Trigger.Reason)
		}
		if err := s.notifier.Notify(ctx, event); err != nil {
			logger.WithError(err).Warn("Failed to forward ticket to support queue")
		}
	}
	return nil
}

// Open builds a ticket for the session and creates it, counting it under
// source.
func (s *Service) Open(ctx context.Context, sess *models.ConversationSession, category string, priority models.TicketPriority, description, source string) (*models.SupportTicket, error) {
	transcript := make([]models.Turn, len(sess.Log))
	copy(transcript, sess.Log)

	ticket := &models.SupportTicket{
		ID:          NewID(),
		PSID:        sess.UserID,
		SessionID:   sess.ID,
		Category:    category,
		Priority:    priority,
		Description: description,
		CreatedAt:   s.now(),
		Transcript:  transcript,
		Annotations: map[string]string{"source": source},
	}
	if err := s.Create(ctx, ticket); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TicketsCreated.WithLabelValues(source, string(ticket.Priority)).Inc()
	}
	return ticket, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.SupportTicket, error) {
	return s.store.Get(ctx, id)
}

// Execute implements the create_ticket action.
func (s *Service) Execute(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error) {
	if tc == nil || tc.Session == nil {
		return nil, fmt.Errorf("%w: create_ticket needs a session", models.ErrExternalCall)
	}

	category := action.Param("category")
	if category == "" {
		category = models.CategoryGeneral
	}
	priority := models.TicketPriority(action.Param("priority"))
	switch priority {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		priority = models.PriorityMedium
	}
	description := action.Param("description")
	if description == "" {
		description = tc.Text()
	}

	ticket, err := s.Open(ctx, tc.Session, category, priority, description, SourceAction)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ticket_id": ticket.ID,
		"priority":  string(ticket.Priority),
	}, nil
}
