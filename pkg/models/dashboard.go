package models

import "time"

// Dashboard event types
const (
	EventHandoverRequested = "handover_requested"
	EventHandoverConfirmed = "handover_confirmed"
	EventHandoverManual    = "handover_needs_manual_intervention"
	EventHandoverClosed    = "handover_closed"
	EventTicketCreated     = "ticket_created"
	EventTicketFailed      = "ticket_write_failed"
	EventSessionArchived   = "session_archived"
)

// DashboardEvent is pushed to the supervisory dashboard
type DashboardEvent struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Channel   string            `json:"channel"`
	UserID    string            `json:"user_id"`
	TicketID  string            `json:"ticket_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`

	// Ticket carries a ticket that could not be stored, for manual filing.
	Ticket *SupportTicket `json:"ticket,omitempty"`
}
