package metrics

import (
	"time"
)

// Turn outcomes
const (
	OutcomeAnswered  = "answered"
	OutcomeClarified = "clarified"
	OutcomeHandover  = "handover"
	OutcomeIssueFlow = "issue_flow"
	OutcomeSilent    = "silent"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// TurnRecord is what the pipeline reports about one finished turn.
type TurnRecord struct {
	SessionID      string
	Channel        string
	Intent         string
	Confidence     float64
	Outcome        string
	Degraded       bool
	PlannerFailed  bool
	ActionsTotal   int
	ActionsFailed  int
	ActionTypes    []string
	ActionFailures []bool
	QualityScores  []float64
	QualityRetried bool
	Discarded      bool
	HandoverReason string
	Delivered      bool
	Duration       time.Duration

	// IssueFrom and IssueTo are set when the turn moved an issue flow.
	IssueFrom string
	IssueTo   string
}

// Recorder observes finished turns. It owns its own aggregation and never
// touches session state.
type Recorder interface {
	RecordTurn(record TurnRecord)
}

// RecordTurn aggregates a turn into the Prometheus collectors.
func (m *Metrics) RecordTurn(r TurnRecord) {
	if m == nil {
		return
	}
	outcome := r.Outcome
	if outcome == "" {
		outcome = OutcomeFailed
	}
	m.TurnsProcessed.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(r.Duration.Seconds())

	if r.Intent != "" {
		m.IntentsClassified.WithLabelValues(r.Intent).Inc()
	}
	if r.PlannerFailed {
		m.PlannerFailures.Inc()
	}
	if r.Degraded {
		m.DegradedContexts.Inc()
	}
	for i, actionType := range r.ActionTypes {
		status := "success"
		if i < len(r.ActionFailures) && r.ActionFailures[i] {
			status = "failure"
		}
		m.ActionsExecuted.WithLabelValues(actionType, status).Inc()
	}
	for _, score := range r.QualityScores {
		m.QualityScore.Observe(score)
	}
	if r.QualityRetried {
		m.QualityRejections.Inc()
	}
	if r.Discarded {
		m.ResynthesisDiscarded.Inc()
	}
	if r.IssueTo != "" {
		m.IssueFlowTransitions.WithLabelValues(r.IssueFrom, r.IssueTo).Inc()
	}
}

// NopRecorder discards every record.
type NopRecorder struct{}

func (NopRecorder) RecordTurn(TurnRecord) {}
