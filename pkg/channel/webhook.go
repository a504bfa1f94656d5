package channel

import (
	"encoding/json"
	"fmt"

	"conversation-orchestrator/pkg/models"
)

// EventKind classifies a parsed webhook event
type EventKind string

const (
	// KindMessage is a user message, quick reply or postback.
	KindMessage EventKind = "message"
	// KindControlReturned means another app passed thread control back to
	// the bot, ending the human handover episode.
	KindControlReturned EventKind = "control_returned"
)

// Event is one usable item of a webhook delivery.
type Event struct {
	Kind     EventKind
	Message  models.InboundEvent
	Metadata string
}

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Messaging []messagingPayload `json:"messaging"`
}

type messagingPayload struct {
	Sender    recipient `json:"sender"`
	Recipient recipient `json:"recipient"`
	Timestamp int64     `json:"timestamp"`

	Message *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply,omitempty"`
	} `json:"message,omitempty"`

	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`

	PassThreadControl *struct {
		NewOwnerAppID string `json:"new_owner_app_id"`
		Metadata      string `json:"metadata"`
	} `json:"pass_thread_control,omitempty"`
}

// ParseWebhook extracts events from a page webhook body. Echoes of the
// page's own messages and unsupported event types are skipped.
func ParseWebhook(body []byte, channelName string) ([]Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if env.Object != "page" {
		return nil, fmt.Errorf("%w: unsupported object %q", models.ErrMalformedEvent, env.Object)
	}

	var events []Event
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			base := models.InboundEvent{
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				Timestamp:   m.Timestamp,
				Channel:     channelName,
			}

			switch {
			case m.Message != nil:
				if m.Message.IsEcho {
					continue
				}
				base.Text = m.Message.Text
				base.MessageID = m.Message.MID
				if m.Message.QuickReply != nil {
					base.Payload = m.Message.QuickReply.Payload
				}
				events = append(events, Event{Kind: KindMessage, Message: base})

			case m.Postback != nil:
				base.Text = m.Postback.Title
				base.Payload = m.Postback.Payload
				base.MessageID = m.Postback.MID
				events = append(events, Event{Kind: KindMessage, Message: base})

			case m.PassThreadControl != nil:
				events = append(events, Event{
					Kind:     KindControlReturned,
					Message:  base,
					Metadata: m.PassThreadControl.Metadata,
				})
			}
		}
	}
	return events, nil
}
