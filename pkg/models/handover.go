package models

import "time"

// TriggerReason is why a conversation is escalated to a human
type TriggerReason string

const (
	TriggerCriticalKeyword TriggerReason = "critical_keyword"
	TriggerUserRequest     TriggerReason = "user_request"
	TriggerNegativeEmotion TriggerReason = "negative_emotion"
	TriggerAgentConfusion  TriggerReason = "agent_confusion"
)

// Priority ranks trigger reasons; a higher value wins.
func (r TriggerReason) Priority() int {
	switch r {
	case TriggerCriticalKeyword:
		return 4
	case TriggerUserRequest:
		return 3
	case TriggerNegativeEmotion:
		return 2
	case TriggerAgentConfusion:
		return 1
	default:
		return 0
	}
}

// Evidence is what caused a trigger predicate to fire
type Evidence struct {
	Reason TriggerReason `json:"reason"`
	Detail string        `json:"detail"`
}

// HandoverTrigger is the single recorded reason for an escalation episode
type HandoverTrigger struct {
	Reason       TriggerReason `json:"reason"`
	Evidence     string        `json:"evidence"`
	Contributing []Evidence    `json:"contributing,omitempty"`
}

// TicketPriority of a support ticket
type TicketPriority string

const (
	PriorityHigh   TicketPriority = "high"
	PriorityMedium TicketPriority = "medium"
	PriorityLow    TicketPriority = "low"
)

// SupportTicket is a request for human follow-up
type SupportTicket struct {
	ID          string            `json:"id"`
	PSID        string            `json:"psid"`
	SessionID   string            `json:"session_id"`
	Category    string            `json:"category"`
	Priority    TicketPriority    `json:"priority"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	Trigger     *HandoverTrigger  `json:"trigger,omitempty"`
	Transcript  []Turn            `json:"transcript,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}
