package constants

import "time"

// Default orchestration configuration values
const (
	// DefaultRecentContextMinutes - Age cutoff for "recent" session context
	DefaultRecentContextMinutes = 30

	// DefaultExternalCallTimeoutMS - Deadline applied to every external capability call
	DefaultExternalCallTimeoutMS = 5000

	// DefaultQualityThreshold - Minimum quality score for a reply to be delivered
	DefaultQualityThreshold = 0.6

	// DefaultQualityRetries - Re-synthesis attempts after a rejected draft
	DefaultQualityRetries = 1

	// DefaultHandoverConfirmAttempts - Pass-thread-control retries before manual intervention
	DefaultHandoverConfirmAttempts = 3

	// DefaultHandoverRetryBackoffMS - First retry delay, doubled per attempt
	DefaultHandoverRetryBackoffMS = 2000

	// DefaultIssueMaxAttempts - Failed troubleshooting rounds before escalation
	DefaultIssueMaxAttempts = 2

	// DefaultRequeueLimit - Turn re-queues after a state consistency violation
	DefaultRequeueLimit = 2

	// DefaultSessionLockTTLSeconds - Lifetime of a distributed session lock between renewals
	DefaultSessionLockTTLSeconds = 30

	// DefaultHumanAgentAppID - Facebook Page Inbox app that receives thread control
	DefaultHumanAgentAppID = "263902037430900"
)

// Handover trigger thresholds
const (
	// NegativeEmotionThreshold - Emotion negativity above which negative_emotion fires
	NegativeEmotionThreshold = 0.7

	// FrustrationIndicatorLimit - Frustration indicators in recent history above which negative_emotion fires
	FrustrationIndicatorLimit = 3

	// FrustrationWindowTurns - How many recent user turns are scanned for frustration indicators
	FrustrationWindowTurns = 10

	// FailedResolutionLimit - Failed resolutions at or above which agent_confusion fires
	FailedResolutionLimit = 2

	// RepeatedIssueLimit - Repeats of the same intent at or above which agent_confusion fires
	RepeatedIssueLimit = 3
)

// Redis key prefixes and names
const (
	SessionKeyPrefix       = "session:"
	IssueFlowKeyPrefix     = "issueflow:"
	TicketKeyPrefix        = "ticket:"
	SessionLockKeyPrefix   = "lock:session:"
	HandoverRetryQueueKey  = "handover_retries"
	HandoverRetryJobsKey   = "handover_retry_jobs"
	DashboardEventsStream  = "dashboard_events"
	DashboardConsumerGroup = "dashboard"
	SessionIndexKey        = "sessions"
)

// Context keys written by the orchestrator
const (
	ContextLanguage         = "language"
	ContextRecentIntents    = "recent_intents"
	ContextUnresolvedIssues = "unresolved_issues"
	ContextLastIssue        = "last_issue"
)

// Context sources
const (
	SourceSession = "session"
	SourceCRM     = "crm"
)

// Languages
const (
	LanguageThai    = "th"
	LanguageEnglish = "en"
)

// Helper functions for time conversions
func MillisecondsToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// RetryBackoff returns the delay before retry attempt n (1-based), doubling from base.
func RetryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
