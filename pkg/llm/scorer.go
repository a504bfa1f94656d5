package llm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/synth"
)

const scorerPrompt = `You review replies written by a customer support bot before they are sent.
Score how well the reply answers the user's latest message: relevant, in the
user's language, polite, and free of template placeholders or made-up facts.

Reply with a JSON object: {"score": number between 0 and 1, "reason": string}`

type scorerOutput struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

// Scorer rates candidate replies with an OpenAI chat model.
type Scorer struct {
	client ChatClient
	model  string
	logger *logrus.Logger
}

func NewScorer(client ChatClient, model string, logger *logrus.Logger) *Scorer {
	return &Scorer{client: client, model: model, logger: logger}
}

func (s *Scorer) Score(ctx context.Context, c synth.Candidate, tc *models.TurnContext) (float64, error) {
	prompt := fmt.Sprintf("%sDetected intent: %s\nCandidate reply: %s\n", renderConversation(tc), c.Classification.Intent, c.Reply.Text)

	var out scorerOutput
	if err := completeJSON(ctx, s.client, s.model, scorerPrompt, prompt, &out, s.logger); err != nil {
		return 0, err
	}
	if out.Score == nil {
		return 0, fmt.Errorf("%w: scorer returned no score", models.ErrExternalCall)
	}

	s.logger.WithFields(logrus.Fields{
		"score":  *out.Score,
		"reason": out.Reason,
	}).Debug("Scored candidate reply")

	return clamp01(*out.Score), nil
}
