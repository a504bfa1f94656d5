package handover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/session"
	"conversation-orchestrator/pkg/synth"
	"conversation-orchestrator/pkg/tickets"
)

// Channel is the outbound side of the messaging platform.
type Channel interface {
	SendMessage(ctx context.Context, recipientID string, reply models.Reply) error
	PassThreadControl(ctx context.Context, recipientID, targetAppID, metadata string) error
}

// TicketSink persists and forwards support tickets.
type TicketSink interface {
	Create(ctx context.Context, ticket *models.SupportTicket) error
}

// Notifier pushes events to the supervisory dashboard.
type Notifier interface {
	Notify(ctx context.Context, event models.DashboardEvent) error
}

type Options struct {
	HumanAgentAppID string
	// MaxRetries is how many times a failed pass-thread-control is retried
	// before the handover is flagged for manual intervention.
	MaxRetries   int
	RetryBackoff time.Duration
	CallTimeout  time.Duration
}

const (
	ticketWriteAttempts = 2
	updateAttempts      = 4
)

// Result describes what Escalate did.
type Result struct {
	Session   *models.ConversationSession
	Ticket    *models.SupportTicket
	Notice    models.Reply
	Confirmed bool
	// AlreadyOpen means the session had an open episode, so no new ticket
	// was created.
	AlreadyOpen bool
}

// Escalator carries out a handover decision: ticket, notice, control
// transfer, dashboard event, and the confirmation retry.
type Escalator struct {
	store    session.Store
	tickets  TicketSink
	channel  Channel
	notifier Notifier
	synth    *synth.Synthesizer
	retries  RetryScheduler
	opts     Options
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEscalator(store session.Store, tickets TicketSink, channel Channel, notifier Notifier, synth *synth.Synthesizer, retries RetryScheduler, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Escalator {
	if opts.HumanAgentAppID == "" {
		opts.HumanAgentAppID = constants.DefaultHumanAgentAppID
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = constants.DefaultHandoverConfirmAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = constants.MillisecondsToDuration(constants.DefaultHandoverRetryBackoffMS)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = constants.MillisecondsToDuration(constants.DefaultExternalCallTimeoutMS)
	}
	return &Escalator{
		store:    store,
		tickets:  tickets,
		channel:  channel,
		notifier: notifier,
		synth:    synth,
		retries:  retries,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Escalate opens a handover episode for the session at key. The move from
// active to pending_handover is a compare-and-set on the stored session, so
// concurrent triggers for the same episode create exactly one ticket.
func (e *Escalator) Escalate(ctx context.Context, key models.SessionKey, trigger models.HandoverTrigger, lang, replyTo string) (*Result, error) {
	now := e.now()
	ticketID := tickets.NewID()

	sess, err := e.store.Update(ctx, key, func(s *models.ConversationSession) error {
		return s.BeginHandover(trigger, ticketID, now)
	})
	if errors.Is(err, models.ErrIllegalTransition) {
		current, getErr := e.store.Get(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		e.logger.WithFields(logrus.Fields{
			"session_id": current.ID,
			"status":     current.Status,
			"reason":     trigger.Reason,
		}).Info("Handover already open for this episode")
		return &Result{Session: current, AlreadyOpen: true}, nil
	}
	if err != nil {
		return nil, err
	}

	logger := e.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"ticket_id":  ticketID,
		"reason":     trigger.Reason,
		"episode":    sess.Episode,
	})
	logger.Info("Handover triggered")
	if e.metrics != nil {
		e.metrics.HandoversTriggered.WithLabelValues(string(trigger.Reason)).Inc()
	}

	ticket := BuildTicket(sess, ticketID, trigger, lang, now)
	noticeKey := synth.KeyHandoverPrefix + string(trigger.Reason)
	if err := e.createTicket(ctx, ticket); err != nil {
		logger.WithError(err).Error("Failed to persist handover ticket, flagging for manual filing")
		sess = e.flagMissingTicket(ctx, key, sess, ticket, err)
		noticeKey = synth.KeyHandoverNoTicket
		ticket = nil
	}

	notice := e.synth.Render(lang, noticeKey, map[string]string{"ticket_id": ticketID}, models.ReplyHandover)
	e.send(ctx, key, notice, replyTo)

	e.notify(ctx, models.DashboardEvent{
		Type:      models.EventHandoverRequested,
		SessionID: sess.ID,
		Channel:   sess.Channel,
		UserID:    sess.UserID,
		TicketID:  ticketID,
		Reason:    string(trigger.Reason),
		Detail:    trigger.Evidence,
		At:        now,
	})

	result := &Result{Session: sess, Ticket: ticket, Notice: notice}
	confirmed, err := e.confirm(ctx, key, ticketID, sess.Episode, 0)
	if err != nil {
		logger.WithError(err).Warn("Handover confirmation pending retry")
	}
	result.Confirmed = confirmed
	if latest, getErr := e.store.Get(ctx, key); getErr == nil {
		result.Session = latest
	}
	return result, nil
}

// RetryConfirm is invoked by the retry scheduler for a due job.
func (e *Escalator) RetryConfirm(ctx context.Context, job RetryJob) {
	sess, err := e.store.Get(ctx, job.Key())
	if err != nil {
		e.logger.WithError(err).WithField("ticket_id", job.TicketID).Warn("Dropping handover retry for missing session")
		return
	}
	if sess.Status != models.StatusPendingHandover || sess.TicketID != job.TicketID || sess.Episode != job.Episode {
		e.logger.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"ticket_id":  job.TicketID,
			"status":     sess.Status,
		}).Debug("Dropping stale handover retry")
		return
	}
	if _, err := e.confirm(ctx, job.Key(), job.TicketID, job.Episode, job.Attempt); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"attempt":    job.Attempt,
		}).Warn("Handover confirmation retry failed")
	}
}

// confirm passes thread control. On failure it schedules the next retry or,
// once retries are exhausted, flags the session for manual intervention.
func (e *Escalator) confirm(ctx context.Context, key models.SessionKey, ticketID string, episode, attempt int) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	err := e.channel.PassThreadControl(callCtx, key.UserID, e.opts.HumanAgentAppID, "ticket:"+ticketID)
	cancel()

	if err == nil {
		sess, updErr := e.update(ctx, key, func(s *models.ConversationSession) error {
			if s.TicketID != ticketID {
				return fmt.Errorf("%w: ticket %s is no longer current", models.ErrIllegalTransition, ticketID)
			}
			s.ConfirmAttempts = attempt + 1
			return s.ConfirmHandover(e.now())
		})
		if errors.Is(updErr, models.ErrStateConsistency) {
			// Control already moved; record it on a later attempt.
			e.schedule(ctx, key, ticketID, episode, attempt)
			return false, updErr
		}
		if updErr != nil {
			return false, updErr
		}
		e.notify(ctx, models.DashboardEvent{
			Type:      models.EventHandoverConfirmed,
			SessionID: sess.ID,
			Channel:   sess.Channel,
			UserID:    sess.UserID,
			TicketID:  ticketID,
			At:        e.now(),
		})
		e.logger.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"ticket_id":  ticketID,
			"attempt":    attempt,
		}).Info("Handover confirmed")
		return true, nil
	}

	if e.metrics != nil {
		e.metrics.HandoverConfirmFailures.Inc()
	}
	confirmErr := fmt.Errorf("%w: %v", models.ErrHandoverConfirmation, err)

	exhausted := attempt >= e.opts.MaxRetries
	sess, updErr := e.update(ctx, key, func(s *models.ConversationSession) error {
		s.ConfirmAttempts = attempt + 1
		if exhausted {
			s.NeedsManual = true
		}
		return nil
	})
	if updErr != nil {
		if !exhausted && errors.Is(updErr, models.ErrStateConsistency) {
			e.schedule(ctx, key, ticketID, episode, attempt)
		}
		return false, updErr
	}

	if exhausted {
		if e.metrics != nil {
			e.metrics.HandoverManualInterventions.Inc()
		}
		e.notify(ctx, models.DashboardEvent{
			Type:      models.EventHandoverManual,
			SessionID: sess.ID,
			Channel:   sess.Channel,
			UserID:    sess.UserID,
			TicketID:  ticketID,
			Detail:    err.Error(),
			At:        e.now(),
		})
		e.logger.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"ticket_id":  ticketID,
		}).Error("Handover confirmation exhausted, manual intervention required")
		return false, confirmErr
	}

	e.schedule(ctx, key, ticketID, episode, attempt)
	return false, confirmErr
}

func (e *Escalator) schedule(ctx context.Context, key models.SessionKey, ticketID string, episode, attempt int) {
	if e.retries == nil {
		return
	}
	next := RetryJob{
		Channel:  key.Channel,
		UserID:   key.UserID,
		TicketID: ticketID,
		Episode:  episode,
		Attempt:  attempt + 1,
	}
	delay := constants.RetryBackoff(e.opts.RetryBackoff, next.Attempt)
	if err := e.retries.Schedule(ctx, next, delay); err != nil {
		e.logger.WithError(err).WithField("ticket_id", ticketID).Error("Failed to schedule handover retry")
	}
}

// update applies fn to the stored session, re-reading it when a concurrent
// write won the race. Retry jobs run outside the session lock.
func (e *Escalator) update(ctx context.Context, key models.SessionKey, fn session.UpdateFunc) (*models.ConversationSession, error) {
	var (
		sess *models.ConversationSession
		err  error
	)
	for i := 0; i < updateAttempts; i++ {
		sess, err = e.store.Update(ctx, key, fn)
		if !errors.Is(err, models.ErrStateConsistency) {
			return sess, err
		}
	}
	return sess, err
}

// CloseEpisode ends the open handover episode when control returns to the
// bot. The session becomes active under a new episode.
func (e *Escalator) CloseEpisode(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error) {
	var ticketID string
	sess, err := e.store.Update(ctx, key, func(s *models.ConversationSession) error {
		ticketID = s.TicketID
		return s.CloseEpisode(e.now())
	})
	if err != nil {
		return nil, err
	}

	e.notify(ctx, models.DashboardEvent{
		Type:      models.EventHandoverClosed,
		SessionID: sess.ID,
		Channel:   sess.Channel,
		UserID:    sess.UserID,
		TicketID:  ticketID,
		At:        e.now(),
	})
	e.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"episode":    sess.Episode,
	}).Info("Handover episode closed")
	return sess, nil
}

// SendPendingNotice tells a user who writes during pending_handover that a
// human is on the way.
func (e *Escalator) SendPendingNotice(ctx context.Context, sess *models.ConversationSession, lang, replyTo string) models.Reply {
	key := synth.KeyHandoverWait
	if sess.TicketPending {
		key = synth.KeyHandoverNoTicket
	}
	notice := e.synth.Render(lang, key, map[string]string{"ticket_id": sess.TicketID}, models.ReplyHandover)
	e.send(ctx, sess.Key(), notice, replyTo)
	return notice
}

// createTicket stores the ticket, retrying a failed write once.
func (e *Escalator) createTicket(ctx context.Context, ticket *models.SupportTicket) error {
	var err error
	for attempt := 1; attempt <= ticketWriteAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		err = e.tickets.Create(callCtx, ticket)
		cancel()
		if err == nil {
			if e.metrics != nil {
				e.metrics.TicketsCreated.WithLabelValues("handover", string(ticket.Priority)).Inc()
			}
			return nil
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"ticket_id": ticket.ID,
			"attempt":   attempt,
		}).Warn("Ticket write failed")
	}
	return err
}

// flagMissingTicket marks the episode for manual filing and hands the built
// ticket to the dashboard so an operator can file it.
func (e *Escalator) flagMissingTicket(ctx context.Context, key models.SessionKey, sess *models.ConversationSession, ticket *models.SupportTicket, cause error) *models.ConversationSession {
	flagged, err := e.update(ctx, key, func(s *models.ConversationSession) error {
		if s.TicketID != ticket.ID {
			return fmt.Errorf("%w: ticket %s is no longer current", models.ErrIllegalTransition, ticket.ID)
		}
		s.TicketPending = true
		s.NeedsManual = true
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("ticket_id", ticket.ID).Error("Failed to flag missing ticket")
	} else {
		sess = flagged
	}

	if e.metrics != nil {
		e.metrics.HandoverManualInterventions.Inc()
	}
	e.notify(ctx, models.DashboardEvent{
		Type:      models.EventTicketFailed,
		SessionID: sess.ID,
		Channel:   sess.Channel,
		UserID:    sess.UserID,
		TicketID:  ticket.ID,
		Reason:    string(ticket.Trigger.Reason),
		Detail:    cause.Error(),
		At:        e.now(),
		Ticket:    ticket,
	})
	return sess
}

// send delivers a notice and logs it as an agent turn.
func (e *Escalator) send(ctx context.Context, key models.SessionKey, notice models.Reply, replyTo string) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	err := e.channel.SendMessage(callCtx, key.UserID, notice)
	cancel()

	flags := []string{models.FlagHandoverNotice}
	if err != nil {
		flags = append(flags, models.FlagUndelivered)
		if e.metrics != nil {
			e.metrics.ChannelFailures.WithLabelValues("send_message").Inc()
		}
		e.logger.WithError(err).WithField("user_id", key.UserID).Error("Failed to send handover notice")
	}

	_, updErr := e.store.Update(ctx, key, func(s *models.ConversationSession) error {
		s.AppendTurn(models.Turn{
			Timestamp: e.now(),
			Sender:    models.SenderAgent,
			Message:   notice.Text,
			ReplyTo:   replyTo,
			Flags:     flags,
		})
		return nil
	})
	if updErr != nil {
		e.logger.WithError(updErr).WithField("user_id", key.UserID).Error("Failed to log handover notice")
	}
}

func (e *Escalator) notify(ctx context.Context, event models.DashboardEvent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to notify dashboard")
	}
}

// BuildTicket assembles a ticket carrying the full transcript and the
// trigger annotations.
func BuildTicket(sess *models.ConversationSession, ticketID string, trigger models.HandoverTrigger, lang string, now time.Time) *models.SupportTicket {
	transcript := make([]models.Turn, len(sess.Log))
	copy(transcript, sess.Log)

	annotations := map[string]string{
		"reason":   string(trigger.Reason),
		"evidence": trigger.Evidence,
		"episode":  fmt.Sprint(sess.Episode),
		"language": lang,
	}
	if sess.CurrentIntent != "" {
		annotations["intent"] = sess.CurrentIntent
	}
	for i, ev := range trigger.Contributing {
		annotations[fmt.Sprintf("contributing_%d", i)] = string(ev.Reason) + ": " + ev.Detail
	}

	description := trigger.Evidence
	for i := len(sess.Log) - 1; i >= 0; i-- {
		if sess.Log[i].Sender == models.SenderUser {
			description = sess.Log[i].Message
			break
		}
	}

	category := "handover"
	switch c := sess.Context.GetString(constants.ContextLastIssue); {
	case c != "" && sess.ActiveIssue != "":
		category = c
	case trigger.Reason == models.TriggerCriticalKeyword:
		category = "critical"
	}

	t := trigger
	return &models.SupportTicket{
		ID:          ticketID,
		PSID:        sess.UserID,
		SessionID:   sess.ID,
		Category:    category,
		Priority:    PriorityFor(trigger.Reason),
		Description: description,
		CreatedAt:   now,
		Trigger:     &t,
		Transcript:  transcript,
		Annotations: annotations,
	}
}

// PriorityFor maps a trigger reason to ticket priority.
func PriorityFor(reason models.TriggerReason) models.TicketPriority {
	switch reason {
	case models.TriggerCriticalKeyword, models.TriggerNegativeEmotion:
		return models.PriorityHigh
	default:
		return models.PriorityMedium
	}
}
