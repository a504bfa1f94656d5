package issueflow

import (
	"fmt"
	"strings"
	"time"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/planner"
)

// Reply template keys
const (
	KeyAskDetails    = "issue.ask_details"
	KeySteps         = "issue.steps"
	KeyRetrySteps    = "issue.retry_steps"
	KeyAskFeedback   = "issue.ask_feedback"
	KeyResolved      = "issue.resolved"
	KeyTicketCreated = "issue.ticket_created"
	KeyQRResolved    = "issue.qr_resolved"
	KeyQRNotResolved = "issue.qr_not_resolved"
)

// Quick reply payloads offered after troubleshooting steps
const (
	PayloadResolved    = "RESOLVED"
	PayloadNotResolved = "NOT_RESOLVED"
)

// categoryOrder decides between categories whose keywords all match.
var categoryOrder = []string{models.CategoryBilling, models.CategoryBanAppeal, models.CategoryTechnical}

// Input is the latest user message fed to the flow.
type Input struct {
	Text string
	Now  time.Time
}

// TicketRequest asks the caller to open a support ticket.
type TicketRequest struct {
	Category    string
	Priority    models.TicketPriority
	Description string
}

// Transition is the result of one step. The flow value is a new copy; the
// input flow is never modified.
type Transition struct {
	Flow *models.IssueResolutionFlow
	From models.IssueStep

	ReplyKey        string
	Vars            map[string]string
	OfferFeedbackQR bool

	CreateTicket *TicketRequest
	Escalate     *models.Evidence
	// ResolutionFailed marks a round of steps the user reported as not working.
	ResolutionFailed bool
}

// Machine drives issue-resolution flows. Every step depends only on the
// flow's own fields and the input.
type Machine struct {
	rules       *config.Rules
	maxAttempts int
}

func NewMachine(rules *config.Rules, maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultIssueMaxAttempts
	}
	return &Machine{rules: rules, maxAttempts: maxAttempts}
}

// MaxAttempts returns the failed-rounds cap.
func (m *Machine) MaxAttempts() int {
	return m.maxAttempts
}

// Start opens a flow for a fresh issue report and feeds it the report.
func (m *Machine) Start(sessionID string, in Input) Transition {
	return m.Step(models.NewIssueFlow(sessionID, in.Now), in)
}

func (m *Machine) Step(flow *models.IssueResolutionFlow, in Input) Transition {
	next := clone(flow)
	next.UpdatedAt = in.Now
	t := Transition{Flow: next, From: flow.Step, Vars: map[string]string{}}

	if next.Closed {
		return t
	}

	switch next.Step {
	case models.StepInitial:
		next.Fields["description"] = in.Text
		next.Category = m.Categorize(in.Text)
		next.HighSeverity = m.highSeverity(in.Text)
		if m.needsTicket(next) {
			return m.ticket(t)
		}
		next.Step = models.StepCollectingDetails
		t.ReplyKey = KeyAskDetails

	case models.StepCollectingDetails:
		next.Fields["details"] = in.Text
		combined := next.Fields["description"] + " " + in.Text
		if next.Category == models.CategoryGeneral {
			next.Category = m.Categorize(combined)
		}
		next.HighSeverity = next.HighSeverity || m.highSeverity(in.Text)
		if m.needsTicket(next) {
			return m.ticket(t)
		}
		next.Step = models.StepProvidingSolution
		m.offerSteps(&t, KeySteps, in.Now)

	case models.StepProvidingSolution, models.StepVerifyingResolution:
		switch m.classifyFeedback(in.Text) {
		case feedbackResolved:
			m.recordFeedback(next, in.Text, true)
			next.Step = models.StepVerifyingResolution
			next.Closed = true
			next.Outcome = models.OutcomeResolved
			t.ReplyKey = KeyResolved

		case feedbackUnresolved:
			m.recordFeedback(next, in.Text, false)
			next.ResolutionAttempts++
			t.ResolutionFailed = true
			if next.ResolutionAttempts >= m.maxAttempts {
				next.Closed = true
				next.Outcome = models.OutcomeEscalated
				t.Escalate = &models.Evidence{
					Reason: models.TriggerAgentConfusion,
					Detail: fmt.Sprintf("%d failed troubleshooting attempts for %s issue", next.ResolutionAttempts, next.Category),
				}
				return t
			}
			m.offerSteps(&t, KeyRetrySteps, in.Now)

		default:
			t.ReplyKey = KeyAskFeedback
			t.OfferFeedbackQR = true
		}
	}
	return t
}

// Categorize maps an issue description to a category.
func (m *Machine) Categorize(text string) string {
	for _, category := range categoryOrder {
		if _, ok := planner.MatchAny(text, m.rules.IssueCategories[category]); ok {
			return category
		}
	}
	return models.CategoryGeneral
}

type feedback int

const (
	feedbackUnknown feedback = iota
	feedbackResolved
	feedbackUnresolved
)

// classifyFeedback classifies a reply to troubleshooting steps. Negative phrases are
// checked first since many of them contain a positive one.
func (m *Machine) classifyFeedback(text string) feedback {
	if _, ok := planner.MatchAny(text, m.rules.UnresolvedPhrases); ok {
		return feedbackUnresolved
	}
	if _, ok := planner.MatchAny(text, m.rules.ResolvedPhrases); ok {
		return feedbackResolved
	}
	return feedbackUnknown
}

func (m *Machine) highSeverity(text string) bool {
	_, ok := planner.MatchAny(text, m.rules.HighSeverityPhrases)
	return ok
}

func (m *Machine) needsTicket(flow *models.IssueResolutionFlow) bool {
	return flow.Category == models.CategoryBilling || flow.HighSeverity
}

func (m *Machine) ticket(t Transition) Transition {
	flow := t.Flow
	description := flow.Fields["description"]
	if details := flow.Fields["details"]; details != "" {
		description += "\n" + details
	}
	flow.Closed = true
	flow.Outcome = models.OutcomeTicketCreated
	t.CreateTicket = &TicketRequest{
		Category:    flow.Category,
		Priority:    models.PriorityHigh,
		Description: description,
	}
	t.ReplyKey = KeyTicketCreated
	return t
}

func (m *Machine) offerSteps(t *Transition, key string, now time.Time) {
	flow := t.Flow
	sets := m.rules.Troubleshooting[flow.Category]
	if len(sets) == 0 {
		sets = m.rules.Troubleshooting[models.CategoryGeneral]
	}
	var steps []string
	if len(sets) > 0 {
		steps = sets[flow.ResolutionAttempts%len(sets)]
	}

	flow.Attempts = append(flow.Attempts, models.ResolutionAttempt{
		Number: len(flow.Attempts) + 1,
		Steps:  append([]string(nil), steps...),
		At:     now,
	})

	t.ReplyKey = key
	t.Vars["steps"] = FormatSteps(steps)
	t.OfferFeedbackQR = true
}

func (m *Machine) recordFeedback(flow *models.IssueResolutionFlow, text string, resolved bool) {
	if len(flow.Attempts) == 0 {
		return
	}
	last := &flow.Attempts[len(flow.Attempts)-1]
	last.Feedback = text
	last.Resolved = resolved
}

// FormatSteps numbers steps one per line.
func FormatSteps(steps []string) string {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = fmt.Sprintf("%d. %s", i+1, s)
	}
	return strings.Join(lines, "\n")
}

func clone(flow *models.IssueResolutionFlow) *models.IssueResolutionFlow {
	c := *flow
	c.Fields = make(map[string]string, len(flow.Fields))
	for k, v := range flow.Fields {
		c.Fields[k] = v
	}
	c.Attempts = make([]models.ResolutionAttempt, len(flow.Attempts))
	for i, a := range flow.Attempts {
		a.Steps = append([]string(nil), a.Steps...)
		c.Attempts[i] = a
	}
	return &c
}
