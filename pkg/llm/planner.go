package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/models"
)

const plannerPrompt = `You route messages for a game's customer support page. Classify the
latest user message and plan the actions needed to answer it.

Intents: greeting, goodbye, get_launch_date, game_info, report_issue,
request_ticket, complaint, unknown.

Action types:
- api_call with parameters {"endpoint": "launch_date"}
- knowledge_search with parameters {"query": string, "language": "th"|"en"}
- create_ticket with parameters {"category": string, "priority": "high"|"medium"|"low", "description": string}

Reply with a JSON object:
{"intent": string, "confidence": number between 0 and 1, "actions": [{"type": string, "parameters": object}]}`

// historyTurns bounds how much of the conversation goes into the prompt.
const historyTurns = 6

type plannedAction struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

type plannerOutput struct {
	Intent     string          `json:"intent"`
	Confidence float64         `json:"confidence"`
	Actions    []plannedAction `json:"actions"`
}

// Planner classifies intent and plans actions with an OpenAI chat model.
type Planner struct {
	client ChatClient
	model  string
	logger *logrus.Logger
}

func NewPlanner(client ChatClient, model string, logger *logrus.Logger) *Planner {
	return &Planner{client: client, model: model, logger: logger}
}

func (p *Planner) ClassifyAndPlan(ctx context.Context, tc *models.TurnContext) (models.Classification, error) {
	var out plannerOutput
	if err := completeJSON(ctx, p.client, p.model, plannerPrompt, renderConversation(tc), &out, p.logger); err != nil {
		return models.Classification{}, err
	}

	intent := strings.TrimSpace(out.Intent)
	if intent == "" {
		return models.Classification{}, fmt.Errorf("%w: planner returned no intent", models.ErrExternalCall)
	}

	actions := make([]models.Action, 0, len(out.Actions))
	for _, a := range out.Actions {
		actions = append(actions, models.Action{Type: models.ActionType(a.Type), Parameters: a.Parameters})
	}

	return models.Classification{
		Intent:     intent,
		Confidence: clamp01(out.Confidence),
		Language:   tc.Language,
		Plan:       models.NewActionPlan(actions...),
	}, nil
}

func renderConversation(tc *models.TurnContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", tc.Language)

	history := tc.History()
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	if len(history) > 0 {
		b.WriteString("Conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Sender, turn.Message)
		}
	}
	fmt.Fprintf(&b, "Latest message: %s\n", tc.Text())
	return b.String()
}
