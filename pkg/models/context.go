package models

import "time"

// History is the user profile and interaction summary returned by the CRM
type History struct {
	UserID    string                 `json:"user_id"`
	Entries   map[string]interface{} `json:"entries"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// TurnContext is everything downstream stages see for one inbound message
type TurnContext struct {
	Event     InboundEvent
	MessageID string
	Key       SessionKey
	Session   *ConversationSession

	// Context is the merged view of session and CRM entries; recent session
	// keys win on collision. Sources records where each key came from.
	Context ContextMap
	Sources map[string]string
	Recent  ContextMap

	Language  string
	Degraded  bool
	Duplicate bool
	Now       time.Time
}

// Text returns the message text, preferring a quick reply payload.
func (tc *TurnContext) Text() string {
	if tc.Event.Payload != "" {
		return tc.Event.Payload
	}
	return tc.Event.Text
}

// History returns the session log including the current user turn.
func (tc *TurnContext) History() []Turn {
	if tc.Session == nil {
		return nil
	}
	return tc.Session.Log
}
