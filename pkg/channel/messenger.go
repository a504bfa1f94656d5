package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

// Messenger limits quick replies to 13 per message and 20 chars per title.
const (
	maxQuickReplies = 13
	maxTitleRunes   = 20
)

// Messenger talks to the Graph API Send and Handover Protocol endpoints.
type Messenger struct {
	GraphURL  string
	PageToken string
	HTTP      *http.Client

	limiter *rate.Limiter
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewMessenger builds a client sending at most perSecond calls per second.
func NewMessenger(graphURL, pageToken string, perSecond float64, logger *logrus.Logger, metrics *metrics.Metrics) *Messenger {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Messenger{
		GraphURL:  strings.TrimRight(graphURL, "/"),
		PageToken: pageToken,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		metrics:   metrics,
	}
}

type recipient struct {
	ID string `json:"id"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type outboundMessage struct {
	Text         string       `json:"text"`
	QuickReplies []quickReply `json:"quick_replies,omitempty"`
}

type sendRequest struct {
	Recipient     recipient       `json:"recipient"`
	MessagingType string          `json:"messaging_type"`
	Message       outboundMessage `json:"message"`
}

type passThreadRequest struct {
	Recipient   recipient `json:"recipient"`
	TargetAppID string    `json:"target_app_id"`
	Metadata    string    `json:"metadata,omitempty"`
}

type graphError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
	Success *bool `json:"success,omitempty"`
}

// SendMessage delivers a text reply, with quick replies when present.
func (m *Messenger) SendMessage(ctx context.Context, recipientID string, reply models.Reply) error {
	msg := outboundMessage{Text: reply.Text}
	for i, qr := range reply.QuickReplies {
		if i == maxQuickReplies {
			break
		}
		msg.QuickReplies = append(msg.QuickReplies, quickReply{
			ContentType: "text",
			Title:       truncateRunes(qr.Title, maxTitleRunes),
			Payload:     qr.Payload,
		})
	}

	err := m.post(ctx, "/me/messages", sendRequest{
		Recipient:     recipient{ID: recipientID},
		MessagingType: "RESPONSE",
		Message:       msg,
	})
	if err != nil {
		m.countFailure("send_message")
		return err
	}
	return nil
}

// PassThreadControl hands the conversation to another app, normally the
// Page Inbox where human agents work.
func (m *Messenger) PassThreadControl(ctx context.Context, recipientID, targetAppID, metadata string) error {
	err := m.post(ctx, "/me/pass_thread_control", passThreadRequest{
		Recipient:   recipient{ID: recipientID},
		TargetAppID: targetAppID,
		Metadata:    metadata,
	})
	if err != nil {
		m.countFailure("pass_thread_control")
		return err
	}
	return nil
}

func (m *Messenger) post(ctx context.Context, path string, payload interface{}) error {
	if m.PageToken == "" {
		return fmt.Errorf("%w: missing page access token", models.ErrExternalCall)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", models.ErrExternalCall, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	endpoint := m.GraphURL + path + "?access_token=" + url.QueryEscape(m.PageToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrExternalCall, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: graph %s: %v", models.ErrExternalCall, path, err)
	}
	defer res.Body.Close()

	var resp graphError
	decodeErr := json.NewDecoder(res.Body).Decode(&resp)
	if resp.Error != nil {
		return fmt.Errorf("%w: graph %s: %s (code %d)", models.ErrExternalCall, path, resp.Error.Message, resp.Error.Code)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: graph %s status %d", models.ErrExternalCall, path, res.StatusCode)
	}
	if decodeErr == nil && resp.Success != nil && !*resp.Success {
		return fmt.Errorf("%w: graph %s reported failure", models.ErrExternalCall, path)
	}

	m.logger.WithField("path", path).Debug("Graph API call succeeded")
	return nil
}

func (m *Messenger) countFailure(op string) {
	if m.metrics != nil {
		m.metrics.ChannelFailures.WithLabelValues(op).Inc()
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// LogChannel only logs outbound traffic. It stands in for Messenger when no
// page token is configured.
type LogChannel struct {
	logger *logrus.Logger
}

func NewLogChannel(logger *logrus.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) SendMessage(ctx context.Context, recipientID string, reply models.Reply) error {
	l.logger.WithFields(logrus.Fields{
		"recipient_id":  recipientID,
		"kind":          reply.Kind,
		"quick_replies": len(reply.QuickReplies),
	}).Info(reply.Text)
	return nil
}

func (l *LogChannel) PassThreadControl(ctx context.Context, recipientID, targetAppID, metadata string) error {
	l.logger.WithFields(logrus.Fields{
		"recipient_id":  recipientID,
		"target_app_id": targetAppID,
		"metadata":      metadata,
	}).Info("Thread control passed")
	return nil
}
