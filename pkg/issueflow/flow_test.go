package issueflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/models"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newMachine() *Machine {
	return NewMachine(config.DefaultRules(), 2)
}

func TestMachine_BillingGoesStraightToTicket(t *testing.T) {
	m := newMachine()
	tr := m.Start("sess-1", Input{Text: "เติมเงินแล้วไม่เข้าครับ", Now: now})

	require.NotNil(t, tr.CreateTicket)
	assert.Equal(t, models.PriorityHigh, tr.CreateTicket.Priority)
	assert.Equal(t, models.CategoryBilling, tr.CreateTicket.Category)
	assert.True(t, tr.Flow.Closed)
	assert.Equal(t, models.OutcomeTicketCreated, tr.Flow.Outcome)
	assert.Equal(t, KeyTicketCreated, tr.ReplyKey)
	assert.Equal(t, models.StepInitial, tr.Flow.Step)
}

func TestMachine_HighSeverityGoesStraightToTicket(t *testing.T) {
	m := newMachine()
	tr := m.Start("sess-1", Input{Text: "my account got hacked and I can't login", Now: now})

	require.NotNil(t, tr.CreateTicket)
	assert.Equal(t, models.PriorityHigh, tr.CreateTicket.Priority)
	assert.Equal(t, models.CategoryTechnical, tr.Flow.Category)
	assert.True(t, tr.Flow.HighSeverity)
}

func TestMachine_TechnicalHappyPath(t *testing.T) {
	m := newMachine()

	tr := m.Start("sess-1", Input{Text: "game keeps crashing", Now: now})
	assert.Equal(t, models.StepCollectingDetails, tr.Flow.Step)
	assert.Equal(t, KeyAskDetails, tr.ReplyKey)
	assert.Equal(t, models.CategoryTechnical, tr.Flow.Category)

	tr = m.Step(tr.Flow, Input{Text: "right after the loading screen on android", Now: now.Add(time.Minute)})
	assert.Equal(t, models.StepProvidingSolution, tr.Flow.Step)
	assert.Equal(t, KeySteps, tr.ReplyKey)
	assert.Contains(t, tr.Vars["steps"], "1. ")
	assert.True(t, tr.OfferFeedbackQR)
	require.Len(t, tr.Flow.Attempts, 1)

	tr = m.Step(tr.Flow, Input{Text: PayloadResolved, Now: now.Add(2 * time.Minute)})
	assert.Equal(t, models.StepVerifyingResolution, tr.Flow.Step)
	assert.True(t, tr.Flow.Closed)
	assert.Equal(t, models.OutcomeResolved, tr.Flow.Outcome)
	assert.Equal(t, KeyResolved, tr.ReplyKey)
	assert.True(t, tr.Flow.Attempts[0].Resolved)
	assert.Equal(t, 0, tr.Flow.ResolutionAttempts)
}

func TestMachine_TwoFailedAttemptsEscalate(t *testing.T) {
	m := newMachine()

	tr := m.Start("sess-1", Input{Text: "lag problem", Now: now})
	tr = m.Step(tr.Flow, Input{Text: "every evening", Now: now})
	require.Equal(t, models.StepProvidingSolution, tr.Flow.Step)
	first := tr.Vars["steps"]

	tr = m.Step(tr.Flow, Input{Text: PayloadNotResolved, Now: now})
	assert.True(t, tr.ResolutionFailed)
	assert.Nil(t, tr.Escalate)
	assert.Equal(t, 1, tr.Flow.ResolutionAttempts)
	assert.Equal(t, KeyRetrySteps, tr.ReplyKey)
	assert.NotEqual(t, first, tr.Vars["steps"])
	assert.Equal(t, models.StepProvidingSolution, tr.Flow.Step)

	tr = m.Step(tr.Flow, Input{Text: "ยังไม่ได้ครับ", Now: now})
	assert.True(t, tr.ResolutionFailed)
	require.NotNil(t, tr.Escalate)
	assert.Equal(t, models.TriggerAgentConfusion, tr.Escalate.Reason)
	assert.Equal(t, 2, tr.Flow.ResolutionAttempts)
	assert.True(t, tr.Flow.Closed)
	assert.Equal(t, models.OutcomeEscalated, tr.Flow.Outcome)
	assert.NotEqual(t, models.StepCollectingDetails, tr.Flow.Step)
}

func TestMachine_AmbiguousFeedbackReprompts(t *testing.T) {
	m := newMachine()

	tr := m.Start("sess-1", Input{Text: "bug in the shop", Now: now})
	tr = m.Step(tr.Flow, Input{Text: "prices show wrong", Now: now})
	before := tr.Flow

	tr = m.Step(before, Input{Text: "hmm let me check", Now: now})
	assert.Equal(t, KeyAskFeedback, tr.ReplyKey)
	assert.Equal(t, before.ResolutionAttempts, tr.Flow.ResolutionAttempts)
	assert.Equal(t, before.Step, tr.Flow.Step)
}

func TestMachine_StepDoesNotMutateInput(t *testing.T) {
	m := newMachine()
	tr := m.Start("sess-1", Input{Text: "cannot login", Now: now})
	flow := tr.Flow

	_ = m.Step(flow, Input{Text: "since the update", Now: now})
	assert.Equal(t, models.StepCollectingDetails, flow.Step)
	assert.Empty(t, flow.Fields["details"])
	assert.Empty(t, flow.Attempts)
}

func TestMachine_Categorize(t *testing.T) {
	m := newMachine()
	assert.Equal(t, models.CategoryBilling, m.Categorize("payment failed"))
	assert.Equal(t, models.CategoryBanAppeal, m.Categorize("why was I suspended"))
	assert.Equal(t, models.CategoryTechnical, m.Categorize("เกมค้าง"))
	assert.Equal(t, models.CategoryGeneral, m.Categorize("something odd"))
}

func TestFeedbackPrefersUnresolved(t *testing.T) {
	m := newMachine()
	assert.Equal(t, feedbackUnresolved, m.classifyFeedback(PayloadNotResolved))
	assert.Equal(t, feedbackUnresolved, m.classifyFeedback("not resolved yet"))
	assert.Equal(t, feedbackResolved, m.classifyFeedback("แก้ได้แล้วครับ"))
	assert.Equal(t, feedbackUnknown, m.classifyFeedback("wait"))
}
