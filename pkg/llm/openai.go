package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/models"
)

// ChatClient is the part of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient returns a client for the OpenAI API, or nil when no key is
// configured.
func NewOpenAIClient(apiKey string) *openai.Client {
	if apiKey == "" {
		return nil
	}
	return openai.NewClient(apiKey)
}

// completeJSON runs a chat completion constrained to a JSON object and
// decodes the first choice into out.
func completeJSON(ctx context.Context, client ChatClient, model, system, user string, out interface{}, logger *logrus.Logger) error {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: openai: %v", models.ErrExternalCall, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: openai returned no choices", models.ErrExternalCall)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	logger.WithFields(logrus.Fields{
		"model":         model,
		"finish_reason": resp.Choices[0].FinishReason,
	}).Debug("Received completion from OpenAI")

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: openai returned invalid json: %v", models.ErrExternalCall, err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
