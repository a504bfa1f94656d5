package models

import "time"

// IssueStep is the state of an issue-resolution flow
type IssueStep string

const (
	StepInitial             IssueStep = "initial"
	StepCollectingDetails   IssueStep = "collecting_details"
	StepProvidingSolution   IssueStep = "providing_solution"
	StepVerifyingResolution IssueStep = "verifying_resolution"
)

// Issue categories
const (
	CategoryBilling   = "billing"
	CategoryTechnical = "technical"
	CategoryBanAppeal = "ban_appeal"
	CategoryGeneral   = "general"
)

// ResolutionAttempt records one round of troubleshooting steps
type ResolutionAttempt struct {
	Number   int       `json:"number"`
	Steps    []string  `json:"steps"`
	Feedback string    `json:"feedback,omitempty"`
	Resolved bool      `json:"resolved"`
	At       time.Time `json:"at"`
}

// IssueResolutionFlow is a structured problem intake owned by one session
type IssueResolutionFlow struct {
	SessionID          string              `json:"session_id"`
	Step               IssueStep           `json:"step"`
	Category           string              `json:"category,omitempty"`
	HighSeverity       bool                `json:"high_severity,omitempty"`
	Fields             map[string]string   `json:"fields"`
	Attempts           []ResolutionAttempt `json:"attempts,omitempty"`
	ResolutionAttempts int                 `json:"resolution_attempts"`
	Closed             bool                `json:"closed,omitempty"`
	Outcome            string              `json:"outcome,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Flow outcomes
const (
	OutcomeResolved      = "resolved"
	OutcomeTicketCreated = "ticket_created"
	OutcomeEscalated     = "escalated"
)

// NewIssueFlow starts a flow in the initial step.
func NewIssueFlow(sessionID string, now time.Time) *IssueResolutionFlow {
	return &IssueResolutionFlow{
		SessionID: sessionID,
		Step:      StepInitial,
		Fields:    make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
