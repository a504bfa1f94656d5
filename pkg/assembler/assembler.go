package assembler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/session"
)

// HistoryLookup fetches a user's external interaction history.
type HistoryLookup interface {
	History(ctx context.Context, userID string) (*models.History, error)
}

type Options struct {
	DefaultChannel string
	RecentMaxAge   time.Duration
	HistoryTimeout time.Duration
}

// Assembler builds the turn context: it records the inbound user turn on the
// session and merges session state with CRM history.
type Assembler struct {
	store   session.Store
	history HistoryLookup
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
}

func New(store session.Store, history HistoryLookup, opts Options, logger *logrus.Logger) *Assembler {
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = "messenger"
	}
	if opts.RecentMaxAge <= 0 {
		opts.RecentMaxAge = time.Duration(constants.DefaultRecentContextMinutes) * time.Minute
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = constants.MillisecondsToDuration(constants.DefaultExternalCallTimeoutMS)
	}
	return &Assembler{
		store:   store,
		history: history,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Key returns the session key an event belongs to.
func (a *Assembler) Key(event models.InboundEvent) models.SessionKey {
	channel := event.Channel
	if channel == "" {
		channel = a.opts.DefaultChannel
	}
	return models.SessionKey{Channel: channel, UserID: event.SenderID}
}

// Assemble validates the event, appends the user turn to its session before
// anything downstream runs, and returns the merged context. A malformed event
// is rejected before the store is touched. A redelivered message is not
// logged twice; the returned context is marked Duplicate instead.
func (a *Assembler) Assemble(ctx context.Context, event models.InboundEvent) (*models.TurnContext, error) {
	if err := models.ValidateEvent(event); err != nil {
		return nil, err
	}

	now := a.now()
	key := a.Key(event)
	messageID := event.DedupID()

	if _, err := a.store.GetOrCreate(ctx, key, now); err != nil {
		return nil, err
	}

	var (
		duplicate bool
		language  string
	)
	sess, err := a.store.Update(ctx, key, func(s *models.ConversationSession) error {
		language = DetectLanguage(event.Text, s.Context.GetString(constants.ContextLanguage))
		if s.HasMessage(messageID) {
			duplicate = true
			return nil
		}
		s.AppendTurn(models.Turn{
			Timestamp: event.Time(now),
			Sender:    models.SenderUser,
			Message:   event.Text,
			MessageID: messageID,
		})
		s.Context.Set(constants.ContextLanguage, language, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	tc := &models.TurnContext{
		Event:     event,
		MessageID: messageID,
		Key:       key,
		Session:   sess,
		Language:  language,
		Duplicate: duplicate,
		Now:       now,
	}

	history := a.fetchHistory(ctx, event.SenderID)
	if history == nil {
		tc.Degraded = true
		history = &models.History{UserID: event.SenderID, Entries: map[string]interface{}{}, FetchedAt: now}
	}

	tc.Context, tc.Sources = Merge(sess.Context, history, now, a.opts.RecentMaxAge)
	tc.Recent = tc.Context.Recent(now, a.opts.RecentMaxAge)

	a.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"message_id": messageID,
		"language":   language,
		"degraded":   tc.Degraded,
		"duplicate":  duplicate,
	}).Debug("Assembled turn context")

	return tc, nil
}

func (a *Assembler) fetchHistory(ctx context.Context, userID string) *models.History {
	if a.history == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.HistoryTimeout)
	defer cancel()

	history, err := a.history.History(ctx, userID)
	if err != nil {
		a.logger.WithError(err).WithField("user_id", userID).Warn("CRM history unavailable, continuing with degraded context")
		return nil
	}
	return history
}

// Merge combines session context and CRM history into one map. Session
// entries set within maxAge of now win when both sources carry a key; older
// session entries only fill keys the CRM does not have.
func Merge(sessionCtx models.ContextMap, history *models.History, now time.Time, maxAge time.Duration) (models.ContextMap, map[string]string) {
	merged := make(models.ContextMap, len(sessionCtx)+len(history.Entries))
	sources := make(map[string]string, len(merged))
	recent := sessionCtx.Recent(now, maxAge)

	for k, entry := range sessionCtx {
		merged[k] = entry
		sources[k] = constants.SourceSession
	}
	for k, v := range history.Entries {
		if _, ok := recent[k]; ok {
			continue
		}
		merged[k] = models.ContextEntry{Key: k, Value: v, Timestamp: history.FetchedAt}
		sources[k] = constants.SourceCRM
	}
	return merged, sources
}
