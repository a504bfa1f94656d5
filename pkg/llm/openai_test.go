package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/synth"
)

type fakeChat struct {
	content string
	err     error
	last    openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func testTurn() *models.TurnContext {
	sess := models.NewSession("s1", "messenger", "psid", testNow)
	sess.AppendTurn(models.Turn{Timestamp: testNow, Sender: models.SenderUser, Message: "when is launch day?"})
	return &models.TurnContext{
		Event:    models.InboundEvent{SenderID: "psid", Text: "when is launch day?"},
		Session:  sess,
		Language: "en",
	}
}

func TestPlanner_ClassifyAndPlan(t *testing.T) {
	chat := &fakeChat{content: `{"intent":"get_launch_date","confidence":1.4,"actions":[{"type":"api_call","parameters":{"endpoint":"launch_date"}}]}`}
	p := NewPlanner(chat, "gpt-4o-mini", testLogger())

	c, err := p.ClassifyAndPlan(context.Background(), testTurn())
	require.NoError(t, err)
	assert.Equal(t, models.IntentLaunchDate, c.Intent)
	assert.Equal(t, 1.0, c.Confidence)
	require.Equal(t, 1, c.Plan.Len())
	assert.Equal(t, models.ActionAPICall, c.Plan.At(0).Type)
	assert.Equal(t, "launch_date", c.Plan.At(0).Param("endpoint"))

	assert.Equal(t, "gpt-4o-mini", chat.last.Model)
	require.Len(t, chat.last.Messages, 2)
	assert.Contains(t, chat.last.Messages[1].Content, "Latest message: when is launch day?")
}

func TestPlanner_Failures(t *testing.T) {
	for name, chat := range map[string]*fakeChat{
		"api error":    {err: errors.New("503")},
		"invalid json": {content: "not json"},
		"no intent":    {content: `{"confidence":0.9}`},
	} {
		t.Run(name, func(t *testing.T) {
			p := NewPlanner(chat, "m", testLogger())
			_, err := p.ClassifyAndPlan(context.Background(), testTurn())
			assert.True(t, errors.Is(err, models.ErrExternalCall))
		})
	}
}

func TestScorer_Score(t *testing.T) {
	s := NewScorer(&fakeChat{content: `{"score":0.82,"reason":"relevant"}`}, "m", testLogger())
	score, err := s.Score(context.Background(), synth.Candidate{Reply: models.Reply{Text: "The game launches on 1 May."}}, testTurn())
	require.NoError(t, err)
	assert.InDelta(t, 0.82, score, 0.0001)

	missing := NewScorer(&fakeChat{content: `{"reason":"?"}`}, "m", testLogger())
	_, err = missing.Score(context.Background(), synth.Candidate{Reply: models.Reply{Text: "x"}}, testTurn())
	assert.True(t, errors.Is(err, models.ErrExternalCall))
}
