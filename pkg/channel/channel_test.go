package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	sig := Sign("secret", body)

	assert.NoError(t, VerifySignature("secret", sig, body))
	assert.ErrorIs(t, VerifySignature("secret", "", body), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("other", sig, body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", "sha1=abc", body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", sig, []byte(`{"object":"user"}`)), ErrInvalidSignature)
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
	  "object": "page",
	  "entry": [{
	    "id": "page-1",
	    "time": 1767225600000,
	    "messaging": [
	      {"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1767225600000,
	       "message": {"mid": "mid.1", "text": "เกมเปิดเมื่อไหร่"}},
	      {"sender": {"id": "page-1"}, "recipient": {"id": "psid-1"}, "timestamp": 1767225600001,
	       "message": {"mid": "mid.echo", "text": "hi", "is_echo": true}},
	      {"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1767225600002,
	       "message": {"mid": "mid.2", "text": "Not yet", "quick_reply": {"payload": "NOT_RESOLVED"}}},
	      {"sender": {"id": "psid-2"}, "recipient": {"id": "page-1"}, "timestamp": 1767225600003,
	       "postback": {"title": "Get Started", "payload": "GET_STARTED"}},
	      {"sender": {"id": "psid-3"}, "recipient": {"id": "page-1"}, "timestamp": 1767225600004,
	       "pass_thread_control": {"new_owner_app_id": "bot-app", "metadata": "case closed"}},
	      {"sender": {"id": "psid-4"}, "recipient": {"id": "page-1"}, "timestamp": 1767225600005,
	       "read": {"watermark": 1}}
	    ]
	  }]
	}`)

	events, err := ParseWebhook(body, "messenger")
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, KindMessage, events[0].Kind)
	assert.Equal(t, "psid-1", events[0].Message.SenderID)
	assert.Equal(t, "mid.1", events[0].Message.MessageID)
	assert.Equal(t, "messenger", events[0].Message.Channel)
	assert.Equal(t, int64(1767225600000), events[0].Message.Timestamp)

	assert.Equal(t, "NOT_RESOLVED", events[1].Message.Payload)
	assert.Equal(t, "GET_STARTED", events[2].Message.Payload)

	assert.Equal(t, KindControlReturned, events[3].Kind)
	assert.Equal(t, "psid-3", events[3].Message.SenderID)
	assert.Equal(t, "case closed", events[3].Metadata)
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"object":`), "messenger")
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))

	_, err = ParseWebhook([]byte(`{"object":"instagram","entry":[]}`), "messenger")
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))
}

func TestMessenger_SendMessage(t *testing.T) {
	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "token", r.URL.Query().Get("access_token"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"recipient_id":"psid-1","message_id":"mid.out"}`))
	}))
	defer server.Close()

	m := NewMessenger(server.URL, "token", 0, testLogger(), nil)
	err := m.SendMessage(context.Background(), "psid-1", models.Reply{
		Text: "Did that fix it?",
		QuickReplies: []models.QuickReply{
			{Title: "Fixed", Payload: "RESOLVED"},
			{Title: "This title is far too long for messenger", Payload: "NOT_RESOLVED"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "psid-1", got.Recipient.ID)
	assert.Equal(t, "RESPONSE", got.MessagingType)
	require.Len(t, got.Message.QuickReplies, 2)
	assert.Equal(t, "text", got.Message.QuickReplies[0].ContentType)
	assert.Len(t, []rune(got.Message.QuickReplies[1].Title), 20)
}

func TestMessenger_PassThreadControlFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/pass_thread_control", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"app is not a secondary receiver","code":10}}`))
	}))
	defer server.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	client := NewMessenger(server.URL, "token", 0, testLogger(), m)

	err := client.PassThreadControl(context.Background(), "psid-1", "263902037430900", "ticket:TKT-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExternalCall))
	assert.Contains(t, err.Error(), "secondary receiver")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChannelFailures.WithLabelValues("pass_thread_control")))
}

func TestMessenger_MissingToken(t *testing.T) {
	client := NewMessenger("http://127.0.0.1:1", "", 0, testLogger(), nil)
	err := client.SendMessage(context.Background(), "psid-1", models.Reply{Text: "hi"})
	assert.True(t, errors.Is(err, models.ErrExternalCall))
}
