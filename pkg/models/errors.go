package models

import "errors"

var (
	// ErrMalformedEvent rejects an inbound event at ingress without touching any session.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrExternalCall is a recoverable failure of an external capability.
	ErrExternalCall = errors.New("external call failed")
	// ErrLowQualityResponse marks a candidate reply rejected by the quality gate.
	ErrLowQualityResponse = errors.New("low quality response")
	// ErrHandoverConfirmation means the channel did not confirm the control transfer.
	ErrHandoverConfirmation = errors.New("handover confirmation failed")
	// ErrStateConsistency means a concurrent writer was detected; the turn must be re-queued.
	ErrStateConsistency = errors.New("state consistency violation")

	ErrSessionNotFound   = errors.New("session not found")
	ErrIssueFlowNotFound = errors.New("issue flow not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)
