package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsProcessed              *prometheus.CounterVec
	TurnDuration                prometheus.Histogram
	IntentsClassified           *prometheus.CounterVec
	PlannerFailures             prometheus.Counter
	DegradedContexts            prometheus.Counter
	ActionsExecuted             *prometheus.CounterVec
	QualityScore                prometheus.Histogram
	QualityRejections           prometheus.Counter
	ResynthesisDiscarded        prometheus.Counter
	HandoversTriggered          *prometheus.CounterVec
	HandoverConfirmFailures     prometheus.Counter
	HandoverManualInterventions prometheus.Counter
	TicketsCreated              *prometheus.CounterVec
	IssueFlowTransitions        *prometheus.CounterVec
	StoreOperationDuration      *prometheus.HistogramVec
	StateConsistencyViolations  prometheus.Counter
	ChannelFailures             *prometheus.CounterVec
	DashboardEventsProcessed    *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors on reg, or on the
// default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_turns_processed_total",
			Help: "Total number of inbound turns processed, by outcome",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_turn_duration_seconds",
			Help:    "Time taken to process a turn end to end",
			Buckets: prometheus.DefBuckets,
		}),
		IntentsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_intents_classified_total",
			Help: "Total number of classified intents",
		}, []string{"intent"}),
		PlannerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_planner_failures_total",
			Help: "Total number of planner calls that failed and fell back",
		}),
		DegradedContexts: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_degraded_contexts_total",
			Help: "Total number of turns assembled without external history",
		}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_actions_executed_total",
			Help: "Total number of executed actions",
		}, []string{"type", "status"}),
		QualityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_quality_score",
			Help:    "Quality scores of candidate replies",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		QualityRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_quality_rejections_total",
			Help: "Total number of candidate replies rejected by the quality gate",
		}),
		ResynthesisDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_resynthesis_discarded_total",
			Help: "Total number of re-synthesis results discarded because the turn was superseded",
		}),
		HandoversTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_handovers_triggered_total",
			Help: "Total number of handover episodes opened, by trigger reason",
		}, []string{"reason"}),
		HandoverConfirmFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_handover_confirm_failures_total",
			Help: "Total number of failed pass-thread-control attempts",
		}),
		HandoverManualInterventions: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_handover_manual_interventions_total",
			Help: "Total number of handovers flagged for manual intervention",
		}),
		TicketsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tickets_created_total",
			Help: "Total number of support tickets created",
		}, []string{"source", "priority"}),
		IssueFlowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_issue_flow_transitions_total",
			Help: "Total number of issue-resolution step transitions",
		}, []string{"from", "to"}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_store_operation_duration_seconds",
			Help:    "Time taken for session store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StateConsistencyViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_state_consistency_violations_total",
			Help: "Total number of concurrent writes detected on a session",
		}),
		ChannelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_channel_failures_total",
			Help: "Total number of failed channel calls",
		}, []string{"operation"}),
		DashboardEventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dashboard_events_processed_total",
			Help: "Total number of dashboard stream events processed",
		}, []string{"status"}),
	}
}

// ObserveStoreOp records the duration of a store operation started at start.
func (m *Metrics) ObserveStoreOp(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
