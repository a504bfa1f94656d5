package models

import (
	"fmt"
	"time"
)

// HandoverStatus is the escalation state of a session
type HandoverStatus string

const (
	StatusActive          HandoverStatus = "active"
	StatusPendingHandover HandoverStatus = "pending_handover"
	StatusHandedOver      HandoverStatus = "handed_over"
)

// Rank orders statuses within an episode: active < pending_handover < handed_over.
func (s HandoverStatus) Rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusPendingHandover:
		return 1
	case StatusHandedOver:
		return 2
	default:
		return -1
	}
}

// ConversationSession is the durable state of one (channel, user) conversation
type ConversationSession struct {
	ID            string     `json:"id"`
	Channel       string     `json:"channel"`
	UserID        string     `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CurrentIntent string     `json:"current_intent,omitempty"`
	Context       ContextMap `json:"context"`
	Log           []Turn     `json:"log"`

	Status           HandoverStatus   `json:"status"`
	Episode          int              `json:"episode"`
	EpisodeStart     int              `json:"episode_start"`
	EpisodeStartedAt time.Time        `json:"episode_started_at"`
	TicketID         string           `json:"ticket_id,omitempty"`
	Trigger          *HandoverTrigger `json:"trigger,omitempty"`
	ConfirmAttempts  int              `json:"confirm_attempts,omitempty"`
	NeedsManual      bool             `json:"needs_manual_intervention,omitempty"`

	// TicketPending is set when the episode's ticket could not be written
	// and has to be filed by an operator.
	TicketPending bool `json:"ticket_pending,omitempty"`

	ActiveIssue string `json:"active_issue,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
	Version     int64  `json:"version"`
}

// NewSession creates an active session for a user on a channel.
func NewSession(id, channel, userID string, now time.Time) *ConversationSession {
	return &ConversationSession{
		ID:               id,
		Channel:          channel,
		UserID:           userID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Context:          make(ContextMap),
		Log:              []Turn{},
		Status:           StatusActive,
		Episode:          1,
		EpisodeStartedAt: now,
	}
}

// Key returns the store key of the session.
func (s *ConversationSession) Key() SessionKey {
	return SessionKey{Channel: s.Channel, UserID: s.UserID}
}

// AppendTurn adds a turn to the log.
func (s *ConversationSession) AppendTurn(turn Turn) {
	s.Log = append(s.Log, turn)
	s.UpdatedAt = turn.Timestamp
}

// HasMessage reports whether a user turn with messageID is already logged.
func (s *ConversationSession) HasMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Sender == SenderUser && s.Log[i].MessageID == messageID {
			return true
		}
	}
	return false
}

// HasReplyTo reports whether an agent turn answering messageID is logged.
func (s *ConversationSession) HasReplyTo(messageID string) bool {
	if messageID == "" {
		return false
	}
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Sender == SenderAgent && s.Log[i].ReplyTo == messageID {
			return true
		}
	}
	return false
}

// MarkUndelivered flags the latest agent turn answering messageID as not
// delivered.
func (s *ConversationSession) MarkUndelivered(messageID string) {
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Sender == SenderAgent && s.Log[i].ReplyTo == messageID {
			if !s.Log[i].HasFlag(FlagUndelivered) {
				s.Log[i].Flags = append(s.Log[i].Flags, FlagUndelivered)
			}
			return
		}
	}
}

// AnnotateUserTurn records the classified intent on the logged user turn.
func (s *ConversationSession) AnnotateUserTurn(messageID, intent string, confidence float64) {
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Sender == SenderUser && s.Log[i].MessageID == messageID {
			c := confidence
			s.Log[i].Intent = intent
			s.Log[i].Confidence = &c
			break
		}
	}
	s.CurrentIntent = intent
}

// EpisodeLog returns the turns logged since the current episode started.
// The window is positional: turn timestamps come from the channel clock.
func (s *ConversationSession) EpisodeLog() []Turn {
	if s.EpisodeStart >= len(s.Log) {
		return nil
	}
	if s.EpisodeStart < 0 {
		return s.Log
	}
	return s.Log[s.EpisodeStart:]
}

// BeginHandover moves an active session into pending_handover for the
// current episode. Any other starting status is an illegal transition.
func (s *ConversationSession) BeginHandover(trigger HandoverTrigger, ticketID string, now time.Time) error {
	if s.Status != StatusActive {
		return fmt.Errorf("%w: begin handover from %s", ErrIllegalTransition, s.Status)
	}
	t := trigger
	s.Status = StatusPendingHandover
	s.Trigger = &t
	s.TicketID = ticketID
	s.ConfirmAttempts = 0
	s.NeedsManual = false
	s.TicketPending = false
	s.UpdatedAt = now
	return nil
}

// ConfirmHandover records that the channel transferred control.
func (s *ConversationSession) ConfirmHandover(now time.Time) error {
	if s.Status != StatusPendingHandover {
		return fmt.Errorf("%w: confirm handover from %s", ErrIllegalTransition, s.Status)
	}
	s.Status = StatusHandedOver
	s.NeedsManual = s.TicketPending
	s.UpdatedAt = now
	return nil
}

// CloseEpisode ends the current escalation episode and returns the session
// to active under a new episode number.
func (s *ConversationSession) CloseEpisode(now time.Time) error {
	if s.Status == StatusActive {
		return fmt.Errorf("%w: no open episode", ErrIllegalTransition)
	}
	s.Status = StatusActive
	s.Episode++
	s.EpisodeStart = len(s.Log)
	s.EpisodeStartedAt = now
	s.TicketID = ""
	s.Trigger = nil
	s.ConfirmAttempts = 0
	s.NeedsManual = false
	s.TicketPending = false
	s.UpdatedAt = now
	return nil
}

// SessionKey addresses a session record
type SessionKey struct {
	Channel string
	UserID  string
}

func (k SessionKey) String() string {
	return k.Channel + ":" + k.UserID
}
