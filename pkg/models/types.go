package models

import (
	"fmt"
	"hash/fnv"
	"time"
)

// InboundEvent is the minimal set of fields consumed from a channel webhook
type InboundEvent struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
	Text        string `json:"text"`
	MessageID   string `json:"mid,omitempty"`
	Payload     string `json:"payload,omitempty"` // quick reply or postback payload
	Channel     string `json:"channel,omitempty"`
}

// Time returns the event timestamp, or now when the channel sent none.
func (e InboundEvent) Time(now time.Time) time.Time {
	if e.Timestamp <= 0 {
		return now
	}
	return time.UnixMilli(e.Timestamp)
}

// DedupID identifies the message for idempotent ingestion. Channels that
// supply a message id use it; otherwise it is derived from the event fields.
func (e InboundEvent) DedupID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	h := fnv.New64a()
	h.Write([]byte(e.Text))
	return fmt.Sprintf("%s:%d:%x", e.SenderID, e.Timestamp, h.Sum64())
}

// Sender identifies who produced a turn
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Turn flags
const (
	FlagResolutionFailed = "resolution_failed"
	FlagQualityRejected  = "quality_rejected"
	FlagUndelivered      = "undelivered"
	FlagHandoverNotice   = "handover_notice"
	FlagDegradedContext  = "degraded_context"
)

// Turn is one entry of the append-only conversation log
type Turn struct {
	Timestamp  time.Time `json:"timestamp"`
	Sender     Sender    `json:"sender"`
	Message    string    `json:"message"`
	Intent     string    `json:"intent,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	Flags      []string  `json:"flags,omitempty"`
}

// HasFlag reports whether the turn carries flag.
func (t Turn) HasFlag(flag string) bool {
	for _, f := range t.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ContextEntry is a single timestamped value in a session's context map
type ContextEntry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// ContextMap holds context entries by key. Entries never expire on their own;
// they stay until overwritten or the session is archived.
type ContextMap map[string]ContextEntry

// Set stores value under key stamped with now.
func (m ContextMap) Set(key string, value interface{}, now time.Time) {
	m[key] = ContextEntry{Key: key, Value: value, Timestamp: now}
}

// Get returns the value stored under key.
func (m ContextMap) Get(key string) (interface{}, bool) {
	entry, ok := m[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetString returns the value under key when it is a string.
func (m ContextMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetStrings returns a list value under key, whether it was stored as
// []string or came back from JSON as []interface{}.
func (m ContextMap) GetStrings(key string) []string {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Recent returns the entries whose timestamp is newer than now-maxAge.
func (m ContextMap) Recent(now time.Time, maxAge time.Duration) ContextMap {
	cutoff := now.Add(-maxAge)
	recent := make(ContextMap, len(m))
	for k, entry := range m {
		if entry.Timestamp.After(cutoff) {
			recent[k] = entry
		}
	}
	return recent
}

// QuickReply is a tappable suggestion attached to an outbound message
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ReplyKind classifies an outbound reply
type ReplyKind string

const (
	ReplyAnswer        ReplyKind = "answer"
	ReplyClarification ReplyKind = "clarification"
	ReplyApology       ReplyKind = "apology"
	ReplyHandover      ReplyKind = "handover"
	ReplyIssueFlow     ReplyKind = "issue_flow"
)

// Reply is the payload sent to the user: plain text or text with quick replies
type Reply struct {
	Text         string       `json:"text"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
	Kind         ReplyKind    `json:"kind"`
	TemplateKey  string       `json:"template_key,omitempty"`
}
